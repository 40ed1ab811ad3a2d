package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/machine"
	"github.com/caravel-dev/caravel/internal/runtime"
)

type CreateSessionInput struct {
	Body struct {
		AgentType string            `json:"agent_type" minLength:"1" maxLength:"100" doc:"Agent type to instantiate"`
		Restore   *machine.Snapshot `json:"restore,omitempty" doc:"Snapshot to resume from instead of the initial state"`
	}
}

type CreateSessionOutput struct {
	Status int
	Body   *runtime.SessionInfo
}

type SendEventInput struct {
	ID   string `path:"id" doc:"Session ID"`
	Body struct {
		Event   string         `json:"event" minLength:"1" maxLength:"100" doc:"Event name to send"`
		Payload map[string]any `json:"payload,omitempty" doc:"Event payload recorded in the conversation history"`
	}
}

type SendEventOutput struct {
	Body *runtime.EventResult
}

type GetSessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body *domain.Session
}

type ListSessionsInput struct {
	AgentType string `query:"agent_type" doc:"Filter by agent type"`
}

type ListSessionsOutput struct {
	Body []*domain.Session
}

type AvailableEventsInput struct {
	ID string `path:"id" doc:"Session ID"`
}

type AvailableEventsOutput struct {
	Body struct {
		SessionID string   `json:"session_id"`
		Events    []string `json:"events"`
	}
}

type SessionHistoryInput struct {
	ID     string `path:"id" doc:"Session ID"`
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Max entries"`
	Offset int    `query:"offset" minimum:"0" default:"0" doc:"Offset for pagination"`
}

type SessionHistoryOutput struct {
	Body []*domain.ConversationEntry
}

type DeleteSessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

func RegisterSessionRoutes(api huma.API, store DataStore, sessions SessionManager, authz auth.Authorizer) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session for an agent type",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
		if err := authz.CanManageSessions(ctx); err != nil {
			return nil, huma.Error403Forbidden("session management not permitted")
		}

		info, err := sessions.CreateSession(ctx, input.Body.AgentType, input.Body.Restore)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("no active agent of type " + input.Body.AgentType)
			}
			if errors.Is(err, domain.ErrValidation) {
				return nil, huma.Error400BadRequest("invalid restore snapshot")
			}
			return nil, huma.Error500InternalServerError("failed to create session", err)
		}

		return &CreateSessionOutput{Status: http.StatusCreated, Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-session-event",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/events",
		Summary:     "Send an event to a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SendEventInput) (*SendEventOutput, error) {
		if err := authz.CanManageSessions(ctx); err != nil {
			return nil, huma.Error403Forbidden("session management not permitted")
		}

		result, err := sessions.SendEvent(ctx, input.ID, input.Body.Event, input.Body.Payload)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			if errors.Is(err, domain.ErrInvalidTransition) {
				return nil, huma.Error400BadRequest("event not accepted in current state")
			}
			return nil, huma.Error500InternalServerError("failed to process event", err)
		}

		return &SendEventOutput{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session by ID",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		session, err := sessions.GetSession(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}

		return &GetSessionOutput{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		list, err := store.Sessions().List(ctx, input.AgentType)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list sessions", err)
		}

		return &ListSessionsOutput{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "List events the session accepts in its current state",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *AvailableEventsInput) (*AvailableEventsOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		events, err := sessions.AvailableEvents(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to list events", err)
		}

		out := &AvailableEventsOutput{}
		out.Body.SessionID = input.ID
		out.Body.Events = events
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-history",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/history",
		Summary:     "Get a session's conversation history",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionHistoryInput) (*SessionHistoryOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		entries, err := sessions.History(ctx, input.ID, input.Limit, input.Offset)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get history", err)
		}

		return &SessionHistoryOutput{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Delete a session and its history",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *DeleteSessionInput) (*struct{}, error) {
		if err := authz.CanManageSessions(ctx); err != nil {
			return nil, huma.Error403Forbidden("session management not permitted")
		}

		if err := sessions.DeleteSession(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to delete session", err)
		}

		return &struct{}{}, nil
	})
}
