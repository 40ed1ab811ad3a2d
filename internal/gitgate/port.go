// Package gitgate enforces source-control hygiene before deployments.
// Repository access goes through the Port interface; the default backend
// drives the git CLI the way bureau-style tooling does, with all
// commands targeting an explicit directory via "git -C <dir>".
package gitgate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Port abstracts the version-control backend. A real CLI backend is used
// in production; tests substitute a fake.
type Port interface {
	// IsRepository reports whether dir is under version control.
	IsRepository(ctx context.Context, dir string) bool
	// Status returns the paths with uncommitted changes in dir.
	Status(ctx context.Context, dir string) ([]string, error)
	// Commit stages all pending changes in dir and commits them,
	// returning the new revision hash.
	Commit(ctx context.Context, dir, message string) (string, error)
	// CurrentRevision returns the current revision hash, or "" when the
	// repository has no commits yet.
	CurrentRevision(ctx context.Context, dir string) (string, error)
}

// CLI is the git-binary backed Port.
type CLI struct{}

func NewCLI() *CLI {
	return &CLI{}
}

func (c *CLI) IsRepository(ctx context.Context, dir string) bool {
	_, err := c.run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

func (c *CLI) Status(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("gitgate.CLI.Status: %w", err)
	}

	var files []string
	for line := range strings.Lines(out) {
		line = strings.TrimRight(line, "\n")
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

func (c *CLI) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("gitgate.CLI.Commit: stage: %w", err)
	}
	if _, err := c.run(ctx, dir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("gitgate.CLI.Commit: %w", err)
	}

	rev, err := c.CurrentRevision(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("gitgate.CLI.Commit: %w", err)
	}
	return rev, nil
}

func (c *CLI) CurrentRevision(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		// A repository with no commits has no HEAD; that is not an error
		// for the gate, which treats the revision as simply absent.
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// run executes a git command targeting dir and returns stdout. Stderr is
// captured separately and folded into error messages on failure.
func (c *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
