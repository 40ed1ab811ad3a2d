package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/caravel-dev/caravel/internal/api/v1"
	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/machine"
	"github.com/caravel-dev/caravel/internal/runtime"
)

// ---------------------------------------------------------------------------
// POST /sessions
// ---------------------------------------------------------------------------

func TestCreateSession(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			createFunc: func(_ context.Context, agentType string, restore *machine.Snapshot) (*runtime.SessionInfo, error) {
				assert.Equal(t, "order", agentType)
				assert.Nil(t, restore)
				return &runtime.SessionInfo{
					SessionID:       "order-1-aaaa",
					State:           machine.Snapshot{Value: "idle", History: []string{"idle"}},
					CreatedAt:       time.Now(),
					AvailableEvents: []string{"START"},
				}, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions", map[string]any{"agent_type": "order"})

		require.Equal(t, http.StatusCreated, resp.Code)

		var body runtime.SessionInfo
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "order-1-aaaa", body.SessionID)
		assert.Equal(t, "idle", body.State.Value)
		assert.Equal(t, []string{"START"}, body.AvailableEvents)
	})

	t.Run("restore_snapshot_forwarded", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			createFunc: func(_ context.Context, _ string, restore *machine.Snapshot) (*runtime.SessionInfo, error) {
				require.NotNil(t, restore)
				assert.Equal(t, "working", restore.Value)
				return &runtime.SessionInfo{
					SessionID: "order-1-aaaa",
					State:     *restore,
				}, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions", map[string]any{
			"agent_type": "order",
			"restore": map[string]any{
				"value":   "working",
				"history": []string{"idle", "working"},
			},
		})

		assert.Equal(t, http.StatusCreated, resp.Code)
	})

	t.Run("unknown_agent_type", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			createFunc: func(_ context.Context, _ string, _ *machine.Snapshot) (*runtime.SessionInfo, error) {
				return nil, domain.ErrNotFound
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions", map[string]any{"agent_type": "ghost"})

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("invalid_restore_snapshot", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			createFunc: func(_ context.Context, _ string, _ *machine.Snapshot) (*runtime.SessionInfo, error) {
				return nil, domain.ErrValidation
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions", map[string]any{
			"agent_type": "order",
			"restore":    map[string]any{"value": "missing"},
		})

		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("forbidden", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, &mockSessionManager{}, denyAll)

		resp := api.Post("/sessions", map[string]any{"agent_type": "order"})

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// POST /sessions/{id}/events
// ---------------------------------------------------------------------------

func TestSendEvent(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			sendEventFunc: func(_ context.Context, sessionID, event string, payload map[string]any) (*runtime.EventResult, error) {
				assert.Equal(t, "order-1-aaaa", sessionID)
				assert.Equal(t, "START", event)
				assert.Equal(t, map[string]any{"note": "go"}, payload)
				return &runtime.EventResult{
					SessionID:       sessionID,
					State:           machine.Snapshot{Value: "working"},
					AvailableEvents: []string{"FINISH"},
					Message:         "transitioned to working",
				}, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions/order-1-aaaa/events", map[string]any{
			"event":   "START",
			"payload": map[string]any{"note": "go"},
		})

		require.Equal(t, http.StatusOK, resp.Code)

		var body runtime.EventResult
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "working", body.State.Value)
		assert.Equal(t, []string{"FINISH"}, body.AvailableEvents)
	})

	t.Run("rejected_event_is_bad_request", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			sendEventFunc: func(_ context.Context, _, _ string, _ map[string]any) (*runtime.EventResult, error) {
				return nil, domain.ErrInvalidTransition
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions/order-1-aaaa/events", map[string]any{"event": "FINISH"})

		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("unknown_session", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			sendEventFunc: func(_ context.Context, _, _ string, _ map[string]any) (*runtime.EventResult, error) {
				return nil, domain.ErrNotFound
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Post("/sessions/ghost/events", map[string]any{"event": "START"})

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /sessions/{id}, GET /sessions
// ---------------------------------------------------------------------------

func TestGetSession(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			getFunc: func(_ context.Context, sessionID string) (*domain.Session, error) {
				return &domain.Session{
					ID:        sessionID,
					AgentType: "order",
					Status:    domain.SessionStatusActive,
					State:     domain.SessionState{Value: "idle"},
				}, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Get("/sessions/order-1-aaaa")

		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "order-1-aaaa", body.ID)
		assert.Equal(t, domain.SessionStatusActive, body.Status)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			getFunc: func(_ context.Context, _ string) (*domain.Session, error) {
				return nil, domain.ErrNotFound
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Get("/sessions/ghost")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	t.Run("filter_by_agent_type", func(t *testing.T) {
		t.Parallel()

		store := &mockDataStore{
			sessions: &mockSessionRepo{
				listFunc: func(_ context.Context, agentType string) ([]*domain.Session, error) {
					assert.Equal(t, "order", agentType)
					return []*domain.Session{{ID: "order-1-aaaa", AgentType: "order"}}, nil
				},
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, store, &mockSessionManager{}, allowAll)

		resp := api.Get("/sessions?agent_type=order")

		require.Equal(t, http.StatusOK, resp.Code)

		var body []domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		require.Len(t, body, 1)
		assert.Equal(t, "order-1-aaaa", body[0].ID)
	})

	t.Run("store_error", func(t *testing.T) {
		t.Parallel()

		store := &mockDataStore{
			sessions: &mockSessionRepo{
				listFunc: func(_ context.Context, _ string) ([]*domain.Session, error) {
					return nil, errors.New("db: timeout")
				},
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, store, &mockSessionManager{}, allowAll)

		resp := api.Get("/sessions")

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /sessions/{id}/events, GET /sessions/{id}/history
// ---------------------------------------------------------------------------

func TestAvailableEvents(t *testing.T) {
	t.Parallel()

	sessions := &mockSessionManager{
		eventsFunc: func(_ context.Context, sessionID string) ([]string, error) {
			if sessionID != "order-1-aaaa" {
				return nil, domain.ErrNotFound
			}
			return []string{"ABORT", "FINISH"}, nil
		},
	}

	_, api := humatest.New(t)
	v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		resp := api.Get("/sessions/order-1-aaaa/events")

		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			SessionID string   `json:"session_id"`
			Events    []string `json:"events"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "order-1-aaaa", body.SessionID)
		assert.Equal(t, []string{"ABORT", "FINISH"}, body.Events)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		resp := api.Get("/sessions/ghost/events")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestSessionHistory(t *testing.T) {
	t.Parallel()

	t.Run("pagination_forwarded", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			historyFunc: func(_ context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error) {
				assert.Equal(t, "order-1-aaaa", sessionID)
				assert.Equal(t, 10, limit)
				assert.Equal(t, 5, offset)
				return []*domain.ConversationEntry{
					{ID: uuid.New(), SessionID: sessionID, Event: "START", StateBefore: "idle", StateAfter: "working"},
				}, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Get("/sessions/order-1-aaaa/history?limit=10&offset=5")

		require.Equal(t, http.StatusOK, resp.Code)

		var body []domain.ConversationEntry
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		require.Len(t, body, 1)
		assert.Equal(t, "START", body[0].Event)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			historyFunc: func(_ context.Context, _ string, _, _ int) ([]*domain.ConversationEntry, error) {
				return nil, domain.ErrNotFound
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Get("/sessions/ghost/history")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// DELETE /sessions/{id}
// ---------------------------------------------------------------------------

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			deleteFunc: func(_ context.Context, sessionID string) error {
				assert.Equal(t, "order-1-aaaa", sessionID)
				return nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Delete("/sessions/order-1-aaaa")

		assert.Equal(t, http.StatusNoContent, resp.Code)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		sessions := &mockSessionManager{
			deleteFunc: func(_ context.Context, _ string) error {
				return domain.ErrNotFound
			},
		}

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, sessions, allowAll)

		resp := api.Delete("/sessions/ghost")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("forbidden", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterSessionRoutes(api, &mockDataStore{}, &mockSessionManager{}, denyAll)

		resp := api.Delete("/sessions/order-1-aaaa")

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}
