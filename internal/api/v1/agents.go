package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/gitgate"
	"github.com/caravel-dev/caravel/internal/registry"
)

// GitDefaults are the server-configured fallbacks applied when a deploy
// request does not name a git strategy or working directory.
type GitDefaults struct {
	Strategy   gitgate.Strategy
	WorkingDir string
}

// Agent types may contain slashes ("app/name") and cannot be a single
// path segment, so routes addressing one agent carry the type in the
// request body (deploy/draft) or a query parameter (get/delete).

type DeployAgentInput struct {
	Body struct {
		AgentType        string          `json:"agent_type" minLength:"1" maxLength:"100" doc:"Agent type identifier, e.g. app/name"`
		ApplicationID    uuid.UUID       `json:"application_id,omitempty" doc:"Owning application"`
		Definition       json.RawMessage `json:"definition" doc:"State machine definition"`
		Strategy         string          `json:"strategy,omitempty" enum:"wait,migrate,force" doc:"Rollout hint recorded with the deployment"`
		ForceVersion     int             `json:"force_version,omitempty" minimum:"0" doc:"Version override for a first deployment"`
		CommitID         string          `json:"commit_id,omitempty" doc:"Caller-supplied source commit"`
		GitStrategy      string          `json:"git_strategy,omitempty" enum:"strict,auto-commit,warn,ignore" doc:"Working tree policy, server default when omitted"`
		GitCommitMessage string          `json:"git_commit_message,omitempty" maxLength:"500" doc:"Commit message for auto-commit"`
		WorkingDir       string          `json:"working_dir,omitempty" doc:"Git working directory to gate against, server default when omitted"`
	}
}

type DeployAgentOutput struct {
	Body *registry.DeployResult
}

type CreateDraftInput struct {
	Body struct {
		AgentType     string    `json:"agent_type" minLength:"1" maxLength:"100" doc:"Agent type identifier, e.g. app/name"`
		ApplicationID uuid.UUID `json:"application_id,omitempty" doc:"Owning application"`
	}
}

type CreateDraftOutput struct {
	Body *domain.AgentRegistration
}

type GetAgentInput struct {
	AgentType string `query:"type" required:"true" minLength:"1" maxLength:"100" doc:"Agent type identifier, may contain slashes"`
}

type GetAgentOutput struct {
	Body *domain.AgentRegistration
}

type ListAgentsInput struct {
	ApplicationID uuid.UUID `query:"application_id" doc:"Filter by owning application"`
	Status        string    `query:"status" enum:",draft,active,inactive,error,reloading" doc:"Filter by status"`
}

type ListAgentsOutput struct {
	Body []*domain.AgentRegistration
}

type DeleteAgentInput struct {
	AgentType string `query:"type" required:"true" minLength:"1" maxLength:"100" doc:"Agent type identifier, may contain slashes"`
}

func RegisterAgentRoutes(api huma.API, store DataStore, deployer Deployer, notifier DeploymentNotifier, gitDefaults GitDefaults, authz auth.Authorizer) {
	huma.Register(api, huma.Operation{
		OperationID: "deploy-agent",
		Method:      http.MethodPost,
		Path:        "/agents/deploy",
		Summary:     "Deploy an agent definition",
		Tags:        []string{"Agents"},
	}, func(ctx context.Context, input *DeployAgentInput) (*DeployAgentOutput, error) {
		if err := authz.CanDeployAgent(ctx); err != nil {
			return nil, huma.Error403Forbidden("deploy not permitted")
		}

		gitStrategy := gitgate.Strategy(input.Body.GitStrategy)
		if gitStrategy == "" {
			gitStrategy = gitDefaults.Strategy
		}
		workingDir := input.Body.WorkingDir
		if workingDir == "" {
			workingDir = gitDefaults.WorkingDir
		}

		res := deployer.Deploy(ctx, registry.DeployRequest{
			AgentType:        input.Body.AgentType,
			ApplicationID:    input.Body.ApplicationID,
			Definition:       input.Body.Definition,
			Strategy:         input.Body.Strategy,
			ForceVersion:     input.Body.ForceVersion,
			CommitID:         input.Body.CommitID,
			GitStrategy:      gitStrategy,
			GitCommitMessage: input.Body.GitCommitMessage,
			WorkingDir:       workingDir,
		})

		// Notification delivery must not hold up the response.
		if notifier != nil {
			go notifier.DeploymentFinished(context.WithoutCancel(ctx), res)
		}

		// A failed deployment is a valid, inspectable result, not a
		// transport error. The result body carries the reason.
		return &DeployAgentOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-agent-draft",
		Method:      http.MethodPost,
		Path:        "/agents/draft",
		Summary:     "Register an agent draft without a definition",
		Tags:        []string{"Agents"},
	}, func(ctx context.Context, input *CreateDraftInput) (*CreateDraftOutput, error) {
		if err := authz.CanDeployAgent(ctx); err != nil {
			return nil, huma.Error403Forbidden("deploy not permitted")
		}

		draft, err := deployer.CreateDraft(ctx, input.Body.AgentType, input.Body.ApplicationID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("agent type already registered")
			}
			return nil, huma.Error500InternalServerError("failed to create draft", err)
		}

		return &CreateDraftOutput{Body: draft}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agent registrations",
		Tags:        []string{"Agents"},
	}, func(ctx context.Context, input *ListAgentsInput) (*ListAgentsOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		agents, err := store.Agents().List(ctx, domain.AgentFilter{
			ApplicationID: input.ApplicationID,
			Status:        domain.AgentStatus(input.Status),
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list agents", err)
		}

		return &ListAgentsOutput{Body: agents}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agent",
		Summary:     "Get an agent registration by type",
		Tags:        []string{"Agents"},
	}, func(ctx context.Context, input *GetAgentInput) (*GetAgentOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		agent, err := store.Agents().GetByType(ctx, input.AgentType)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("agent not found")
			}
			return nil, huma.Error500InternalServerError("failed to get agent", err)
		}

		return &GetAgentOutput{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-agent",
		Method:      http.MethodDelete,
		Path:        "/agent",
		Summary:     "Remove an agent registration",
		Tags:        []string{"Agents"},
	}, func(ctx context.Context, input *DeleteAgentInput) (*struct{}, error) {
		if err := authz.CanDeployAgent(ctx); err != nil {
			return nil, huma.Error403Forbidden("deploy not permitted")
		}

		if err := deployer.Remove(ctx, input.AgentType); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("agent not found")
			}
			return nil, huma.Error500InternalServerError("failed to delete agent", err)
		}

		return &struct{}{}, nil
	})
}
