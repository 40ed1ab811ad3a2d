package gitgate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/caravel-dev/caravel/internal/domain"
)

// Strategy is the policy governing how uncommitted changes are treated
// at deploy time.
type Strategy string

const (
	// StrategyStrict fails when the working tree has uncommitted changes.
	StrategyStrict Strategy = "strict"
	// StrategyAutoCommit commits all pending changes before proceeding.
	StrategyAutoCommit Strategy = "auto-commit"
	// StrategyWarn proceeds regardless but surfaces a warning when dirty.
	StrategyWarn Strategy = "warn"
	// StrategyIgnore always proceeds and performs no check.
	StrategyIgnore Strategy = "ignore"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyStrict, StrategyAutoCommit, StrategyWarn, StrategyIgnore:
		return true
	}
	return false
}

// DefaultCommitMessage is used by auto-commit when the caller supplies none.
const DefaultCommitMessage = "caravel: auto-commit before deployment"

// Result is the outcome of one gate enforcement.
type Result struct {
	Success        bool
	CommitID       string
	WasDirty       bool
	CommittedFiles []string
	StrategyUsed   Strategy
	Message        string
	Err            error
}

// Gate enforces a source-control hygiene policy before a deployment
// proceeds. Enforcement against the same working directory is serialized
// so concurrent deployments cannot interleave status checks and commits.
type Gate struct {
	port Port

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(port Port) *Gate {
	return &Gate{
		port:  port,
		locks: make(map[string]*sync.Mutex),
	}
}

// Enforce applies the strategy to workingDir. Only a strict-strategy
// violation produces Success=false; every other path proceeds, possibly
// with a warning message. A directory not under version control
// trivially succeeds with WasDirty=false.
func (g *Gate) Enforce(ctx context.Context, strategy Strategy, commitMessage, workingDir string) Result {
	if strategy == "" {
		strategy = StrategyStrict
	}

	lock := g.dirLock(workingDir)
	lock.Lock()
	defer lock.Unlock()

	if !g.port.IsRepository(ctx, workingDir) {
		return Result{
			Success:      true,
			StrategyUsed: strategy,
			Message:      "directory is not under version control, skipping git checks",
		}
	}

	if strategy == StrategyIgnore {
		commitID, _ := g.port.CurrentRevision(ctx, workingDir)
		return Result{
			Success:      true,
			CommitID:     commitID,
			StrategyUsed: strategy,
			Message:      "git checks skipped",
		}
	}

	dirty, err := g.port.Status(ctx, workingDir)
	if err != nil {
		return Result{
			Success:      false,
			StrategyUsed: strategy,
			Message:      "failed to inspect working tree",
			Err:          fmt.Errorf("gitgate.Gate.Enforce: %w", err),
		}
	}

	res := Result{
		Success:      true,
		WasDirty:     len(dirty) > 0,
		StrategyUsed: strategy,
		Message:      "working tree clean",
	}

	if res.WasDirty {
		switch strategy {
		case StrategyStrict:
			return Result{
				Success:      false,
				WasDirty:     true,
				StrategyUsed: strategy,
				Message:      fmt.Sprintf("working tree has %d uncommitted change(s): %s", len(dirty), strings.Join(dirty, ", ")),
				Err:          fmt.Errorf("gitgate.Gate.Enforce: uncommitted changes under strict strategy: %w", domain.ErrGitPolicy),
			}

		case StrategyAutoCommit:
			message := commitMessage
			if message == "" {
				message = DefaultCommitMessage
			}
			commitID, commitErr := g.port.Commit(ctx, workingDir, message)
			if commitErr != nil {
				return Result{
					Success:      false,
					WasDirty:     true,
					StrategyUsed: strategy,
					Message:      "auto-commit failed",
					Err:          fmt.Errorf("gitgate.Gate.Enforce: %w", commitErr),
				}
			}
			res.CommitID = commitID
			res.CommittedFiles = dirty
			res.Message = fmt.Sprintf("auto-committed %d pending change(s)", len(dirty))
			return res

		case StrategyWarn:
			res.Message = fmt.Sprintf("working tree has %d uncommitted change(s), proceeding anyway", len(dirty))
		}
	}

	commitID, revErr := g.port.CurrentRevision(ctx, workingDir)
	if revErr == nil {
		res.CommitID = commitID
	}
	return res
}

func (g *Gate) dirLock(dir string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	lock, ok := g.locks[dir]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[dir] = lock
	}
	return lock
}
