package runtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/machine"
	"github.com/caravel-dev/caravel/internal/runtime"
)

const orderDef = `{
	"initial": "idle",
	"states": {
		"idle": {"on": {"START": "working"}},
		"working": {"on": {"FINISH": "done", "ABORT": "idle"}},
		"done": {"final": true}
	}
}`

// engineSource serves instances of a single fixed definition.
type engineSource struct {
	engine machine.Engine
	def    *machine.Definition
	err    error
}

func (s *engineSource) CreateInstance(_ context.Context, _ string, restore *machine.Snapshot) (machine.Instance, error) {
	if s.err != nil {
		return nil, s.err
	}
	if restore != nil {
		return s.engine.Restore(s.def, *restore)
	}
	return s.engine.NewInstance(s.def)
}

// memSessionRepo is an in-memory SessionRepository.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (m *memSessionRepo) Create(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return domain.ErrConflict
	}
	clone := *s
	m.sessions[s.ID] = &clone
	return nil
}

func (m *memSessionRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *memSessionRepo) List(_ context.Context, agentType string) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if agentType == "" || s.AgentType == agentType {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memSessionRepo) UpdateState(_ context.Context, id string, state domain.SessionState, status domain.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.State = state
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memSessionRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memSessionRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memSessionRepo) CountActiveByType(_ context.Context, agentType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.AgentType == agentType && s.Status == domain.SessionStatusActive {
			n++
		}
	}
	return n, nil
}

// memConversationRepo is an in-memory ConversationRepository.
type memConversationRepo struct {
	mu      sync.Mutex
	entries []*domain.ConversationEntry
}

func (m *memConversationRepo) Append(_ context.Context, e *domain.ConversationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.entries = append(m.entries, &clone)
	return nil
}

func (m *memConversationRepo) ListBySession(_ context.Context, sessionID string, _, _ int) ([]*domain.ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConversationEntry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memConversationRepo) CountBySession(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (m *memConversationRepo) DeleteBySession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// capturePublisher records published payloads.
type capturePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newRuntime(t *testing.T) (*runtime.Runtime, *memSessionRepo, *memConversationRepo, *capturePublisher) {
	t.Helper()

	def, err := machine.Decode(json.RawMessage(orderDef))
	require.NoError(t, err)

	source := &engineSource{engine: machine.NewChartEngine(), def: def}
	sessions := newMemSessionRepo()
	history := &memConversationRepo{}
	pub := &capturePublisher{}
	return runtime.New(source, sessions, history, pub), sessions, history, pub
}

func TestCreateSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("starts at initial state and persists", func(t *testing.T) {
		t.Parallel()

		rt, sessions, _, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)

		assert.Equal(t, "idle", info.State.Value)
		assert.Equal(t, []string{"START"}, info.AvailableEvents)
		assert.Contains(t, info.SessionID, "order-")

		stored, err := sessions.GetByID(ctx, info.SessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusActive, stored.Status)
		assert.Equal(t, "idle", stored.State.Value)
	})

	t.Run("restore seeds instance at snapshot", func(t *testing.T) {
		t.Parallel()

		rt, _, _, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", &machine.Snapshot{
			Value:   "working",
			History: []string{"idle", "working"},
		})
		require.NoError(t, err)

		assert.Equal(t, "working", info.State.Value)
		assert.ElementsMatch(t, []string{"ABORT", "FINISH"}, info.AvailableEvents)
	})

	t.Run("unknown agent type propagates", func(t *testing.T) {
		t.Parallel()

		sessions := newMemSessionRepo()
		rt := runtime.New(&engineSource{err: domain.ErrNotFound}, sessions, &memConversationRepo{}, nil)

		_, err := rt.CreateSession(ctx, "ghost", nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSendEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid event advances, persists, records history", func(t *testing.T) {
		t.Parallel()

		rt, sessions, history, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)

		res, err := rt.SendEvent(ctx, info.SessionID, "START", map[string]any{"note": "go"})
		require.NoError(t, err)
		assert.Equal(t, "working", res.State.Value)
		assert.Contains(t, res.Message, "idle -> working on START")

		stored, err := sessions.GetByID(ctx, info.SessionID)
		require.NoError(t, err)
		assert.Equal(t, "working", stored.State.Value)
		assert.Equal(t, domain.SessionStatusActive, stored.Status)

		entries, err := history.ListBySession(ctx, info.SessionID, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "START", entries[0].Event)
		assert.Equal(t, "idle", entries[0].StateBefore)
		assert.Equal(t, "working", entries[0].StateAfter)
		assert.Equal(t, domain.RoleUser, entries[0].Sender)
		assert.Equal(t, domain.RoleAgent, entries[0].Receiver)
		assert.JSONEq(t, `{"note":"go"}`, entries[0].Content)
	})

	t.Run("final state completes the session", func(t *testing.T) {
		t.Parallel()

		rt, sessions, _, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)

		_, err = rt.SendEvent(ctx, info.SessionID, "START", nil)
		require.NoError(t, err)
		res, err := rt.SendEvent(ctx, info.SessionID, "FINISH", nil)
		require.NoError(t, err)

		assert.Contains(t, res.Message, "session completed")
		assert.Empty(t, res.AvailableEvents)

		stored, err := sessions.GetByID(ctx, info.SessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusCompleted, stored.Status)
	})

	t.Run("invalid event leaves stored state untouched", func(t *testing.T) {
		t.Parallel()

		rt, sessions, history, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)

		_, err = rt.SendEvent(ctx, info.SessionID, "FINISH", nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		stored, err := sessions.GetByID(ctx, info.SessionID)
		require.NoError(t, err)
		assert.Equal(t, "idle", stored.State.Value)

		entries, err := history.ListBySession(ctx, info.SessionID, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("completed session rejects further events", func(t *testing.T) {
		t.Parallel()

		rt, _, _, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)

		_, err = rt.SendEvent(ctx, info.SessionID, "START", nil)
		require.NoError(t, err)
		_, err = rt.SendEvent(ctx, info.SessionID, "FINISH", nil)
		require.NoError(t, err)

		_, err = rt.SendEvent(ctx, info.SessionID, "START", nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()

		rt, _, _, _ := newRuntime(t)
		_, err := rt.SendEvent(ctx, "nope", "START", nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("publishes transition events", func(t *testing.T) {
		t.Parallel()

		rt, _, _, pub := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)

		_, err = rt.SendEvent(ctx, info.SessionID, "START", nil)
		require.NoError(t, err)

		require.Len(t, pub.payloads, 1)
		assert.Equal(t, runtime.SessionChannel(info.SessionID), pub.channels[0])

		var event struct {
			SessionID   string `json:"session_id"`
			Event       string `json:"event"`
			StateBefore string `json:"state_before"`
			StateAfter  string `json:"state_after"`
			Final       bool   `json:"final"`
		}
		require.NoError(t, json.Unmarshal(pub.payloads[0], &event))
		assert.Equal(t, info.SessionID, event.SessionID)
		assert.Equal(t, "START", event.Event)
		assert.Equal(t, "idle", event.StateBefore)
		assert.Equal(t, "working", event.StateAfter)
		assert.False(t, event.Final)
	})
}

func TestSessionRestoreAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	def, err := machine.Decode(json.RawMessage(orderDef))
	require.NoError(t, err)
	source := &engineSource{engine: machine.NewChartEngine(), def: def}
	sessions := newMemSessionRepo()
	history := &memConversationRepo{}

	first := runtime.New(source, sessions, history, nil)
	info, err := first.CreateSession(ctx, "order", nil)
	require.NoError(t, err)
	_, err = first.SendEvent(ctx, info.SessionID, "START", nil)
	require.NoError(t, err)

	// A fresh runtime sharing the store simulates a process restart.
	second := runtime.New(source, sessions, history, nil)

	events, err := second.AvailableEvents(ctx, info.SessionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ABORT", "FINISH"}, events)

	res, err := second.SendEvent(ctx, info.SessionID, "FINISH", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.State.Value)
}

func TestTerminalSessionNotRestored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rt, sessions, _, _ := newRuntime(t)
	info, err := rt.CreateSession(ctx, "order", nil)
	require.NoError(t, err)

	require.NoError(t, sessions.UpdateState(ctx, info.SessionID,
		domain.SessionState{Value: "done"}, domain.SessionStatusError))

	// A fresh runtime forces a restore attempt.
	second := runtime.New(&engineSource{engine: machine.NewChartEngine()}, sessions, &memConversationRepo{}, nil)

	_, err = second.SendEvent(ctx, info.SessionID, "START", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestHistoryAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("history requires existing session", func(t *testing.T) {
		t.Parallel()

		rt, _, _, _ := newRuntime(t)
		_, err := rt.History(ctx, "nope", 0, 0)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("delete removes session and history", func(t *testing.T) {
		t.Parallel()

		rt, sessions, history, _ := newRuntime(t)
		info, err := rt.CreateSession(ctx, "order", nil)
		require.NoError(t, err)
		_, err = rt.SendEvent(ctx, info.SessionID, "START", nil)
		require.NoError(t, err)

		require.NoError(t, rt.DeleteSession(ctx, info.SessionID))

		_, err = sessions.GetByID(ctx, info.SessionID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		n, err := history.CountBySession(ctx, info.SessionID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete unknown session", func(t *testing.T) {
		t.Parallel()

		rt, _, _, _ := newRuntime(t)
		assert.ErrorIs(t, rt.DeleteSession(ctx, "nope"), domain.ErrNotFound)
	})
}

func TestCleanupSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rt, sessions, _, _ := newRuntime(t)

	done, err := rt.CreateSession(ctx, "order", nil)
	require.NoError(t, err)
	active, err := rt.CreateSession(ctx, "order", nil)
	require.NoError(t, err)

	// Mark one session completed long ago.
	sessions.mu.Lock()
	sessions.sessions[done.SessionID].Status = domain.SessionStatusCompleted
	sessions.sessions[done.SessionID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	sessions.mu.Unlock()

	removed, err := rt.CleanupSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = sessions.GetByID(ctx, done.SessionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = sessions.GetByID(ctx, active.SessionID)
	assert.NoError(t, err)
}
