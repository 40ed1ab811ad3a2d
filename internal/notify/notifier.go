// Package notify delivers deployment results to external channels.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/caravel-dev/caravel/internal/registry"
)

// Notifier sends a plain-text notification to one destination.
type Notifier interface {
	Send(ctx context.Context, text string) error
	Platform() string
}

// Registry fans deployment results out to every registered notifier.
// Delivery is best-effort; failures are logged, never propagated.
type Registry struct {
	notifiers []Notifier
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(n Notifier) {
	r.notifiers = append(r.notifiers, n)
}

// DeploymentFinished formats and delivers a deployment result.
func (r *Registry) DeploymentFinished(ctx context.Context, res *registry.DeployResult) {
	if len(r.notifiers) == 0 {
		return
	}

	text := FormatDeployResult(res)

	for _, n := range r.notifiers {
		if err := n.Send(ctx, text); err != nil {
			log.Warn().Err(err).
				Str("platform", n.Platform()).
				Str("agent_type", res.AgentType).
				Msg("notify: deployment notification failed")
		}
	}
}

// FormatDeployResult renders a deployment result as a short human-readable
// summary line plus detail lines.
func FormatDeployResult(res *registry.DeployResult) string {
	var b strings.Builder

	if res.Success {
		fmt.Fprintf(&b, "Deployed agent %q: v%d -> v%d", res.AgentType, res.OldVersion, res.NewVersion)
	} else {
		fmt.Fprintf(&b, "Deployment of agent %q failed: %s", res.AgentType, res.Message)
	}

	if res.CommitID != "" {
		fmt.Fprintf(&b, "\ncommit: %s", res.CommitID)
	}
	if res.GitWasDirty {
		fmt.Fprintf(&b, "\nworking tree was dirty (%s)", res.GitStrategyUsed)
	}
	if res.AffectedSessions > 0 {
		fmt.Fprintf(&b, "\nactive sessions at deploy time: %d", res.AffectedSessions)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "\nwarning: %s", w)
	}

	return b.String()
}
