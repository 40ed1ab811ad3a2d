package v1_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/machine"
	"github.com/caravel-dev/caravel/internal/registry"
	"github.com/caravel-dev/caravel/internal/runtime"
)

// ---------------------------------------------------------------------------
// Authorizers
// ---------------------------------------------------------------------------

// forbidAll rejects every operation, used to test the 403 paths.
type forbidAll struct{}

func (forbidAll) CanDeployAgent(context.Context) error    { return auth.ErrForbidden }
func (forbidAll) CanManageSessions(context.Context) error { return auth.ErrForbidden }
func (forbidAll) CanListResources(context.Context) error  { return auth.ErrForbidden }

var (
	allowAll auth.Authorizer = auth.AllowAll{}
	denyAll  auth.Authorizer = forbidAll{}
)

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	applications  domain.ApplicationRepository
	agents        domain.AgentRepository
	sessions      domain.SessionRepository
	conversations domain.ConversationRepository
	healthFunc    func(ctx context.Context) (*domain.StoreHealth, error)
}

func (m *mockDataStore) Applications() domain.ApplicationRepository   { return m.applications }
func (m *mockDataStore) Agents() domain.AgentRepository               { return m.agents }
func (m *mockDataStore) Sessions() domain.SessionRepository           { return m.sessions }
func (m *mockDataStore) Conversations() domain.ConversationRepository { return m.conversations }

func (m *mockDataStore) Health(ctx context.Context) (*domain.StoreHealth, error) {
	return m.healthFunc(ctx)
}

// ---------------------------------------------------------------------------
// Mock ApplicationRepository
// ---------------------------------------------------------------------------

type mockApplicationRepo struct {
	createFunc  func(ctx context.Context, app *domain.Application) error
	getByIDFunc func(ctx context.Context, id uuid.UUID) (*domain.Application, error)
	listFunc    func(ctx context.Context) ([]*domain.Application, error)
	updateFunc  func(ctx context.Context, app *domain.Application) error
	deleteFunc  func(ctx context.Context, id uuid.UUID) error
}

func (m *mockApplicationRepo) Create(ctx context.Context, app *domain.Application) error {
	return m.createFunc(ctx, app)
}

func (m *mockApplicationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockApplicationRepo) List(ctx context.Context) ([]*domain.Application, error) {
	return m.listFunc(ctx)
}

func (m *mockApplicationRepo) Update(ctx context.Context, app *domain.Application) error {
	return m.updateFunc(ctx, app)
}

func (m *mockApplicationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.deleteFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock AgentRepository
// ---------------------------------------------------------------------------

type mockAgentRepo struct {
	createFunc    func(ctx context.Context, a *domain.AgentRegistration) error
	getByTypeFunc func(ctx context.Context, agentType string) (*domain.AgentRegistration, error)
	listFunc      func(ctx context.Context, filter domain.AgentFilter) ([]*domain.AgentRegistration, error)
	updateFunc    func(ctx context.Context, a *domain.AgentRegistration) error
	setErrorFunc  func(ctx context.Context, agentType, message string) error
	deleteFunc    func(ctx context.Context, agentType string) error
	countFunc     func(ctx context.Context, applicationID uuid.UUID) (int64, error)
}

func (m *mockAgentRepo) Create(ctx context.Context, a *domain.AgentRegistration) error {
	return m.createFunc(ctx, a)
}

func (m *mockAgentRepo) GetByType(ctx context.Context, agentType string) (*domain.AgentRegistration, error) {
	return m.getByTypeFunc(ctx, agentType)
}

func (m *mockAgentRepo) List(ctx context.Context, filter domain.AgentFilter) ([]*domain.AgentRegistration, error) {
	return m.listFunc(ctx, filter)
}

func (m *mockAgentRepo) Update(ctx context.Context, a *domain.AgentRegistration) error {
	return m.updateFunc(ctx, a)
}

func (m *mockAgentRepo) SetError(ctx context.Context, agentType, message string) error {
	return m.setErrorFunc(ctx, agentType, message)
}

func (m *mockAgentRepo) Delete(ctx context.Context, agentType string) error {
	return m.deleteFunc(ctx, agentType)
}

func (m *mockAgentRepo) CountByApplication(ctx context.Context, applicationID uuid.UUID) (int64, error) {
	return m.countFunc(ctx, applicationID)
}

// ---------------------------------------------------------------------------
// Mock SessionRepository
// ---------------------------------------------------------------------------

type mockSessionRepo struct {
	createFunc      func(ctx context.Context, s *domain.Session) error
	getByIDFunc     func(ctx context.Context, id string) (*domain.Session, error)
	listFunc        func(ctx context.Context, agentType string) ([]*domain.Session, error)
	updateStateFunc func(ctx context.Context, id string, state domain.SessionState, status domain.SessionStatus) error
	deleteFunc      func(ctx context.Context, id string) error
	deleteOldFunc   func(ctx context.Context, cutoff time.Time) (int64, error)
	countFunc       func(ctx context.Context, agentType string) (int64, error)
}

func (m *mockSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	return m.createFunc(ctx, s)
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockSessionRepo) List(ctx context.Context, agentType string) ([]*domain.Session, error) {
	return m.listFunc(ctx, agentType)
}

func (m *mockSessionRepo) UpdateState(ctx context.Context, id string, state domain.SessionState, status domain.SessionStatus) error {
	return m.updateStateFunc(ctx, id, state, status)
}

func (m *mockSessionRepo) Delete(ctx context.Context, id string) error {
	return m.deleteFunc(ctx, id)
}

func (m *mockSessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.deleteOldFunc(ctx, cutoff)
}

func (m *mockSessionRepo) CountActiveByType(ctx context.Context, agentType string) (int64, error) {
	return m.countFunc(ctx, agentType)
}

// ---------------------------------------------------------------------------
// Mock Deployer
// ---------------------------------------------------------------------------

type mockDeployer struct {
	deployFunc      func(ctx context.Context, req registry.DeployRequest) *registry.DeployResult
	createDraftFunc func(ctx context.Context, agentType string, applicationID uuid.UUID) (*domain.AgentRegistration, error)
	removeFunc      func(ctx context.Context, agentType string) error
}

func (m *mockDeployer) Deploy(ctx context.Context, req registry.DeployRequest) *registry.DeployResult {
	return m.deployFunc(ctx, req)
}

func (m *mockDeployer) CreateDraft(ctx context.Context, agentType string, applicationID uuid.UUID) (*domain.AgentRegistration, error) {
	return m.createDraftFunc(ctx, agentType, applicationID)
}

func (m *mockDeployer) Remove(ctx context.Context, agentType string) error {
	return m.removeFunc(ctx, agentType)
}

// ---------------------------------------------------------------------------
// Mock SessionManager
// ---------------------------------------------------------------------------

type mockSessionManager struct {
	createFunc    func(ctx context.Context, agentType string, restore *machine.Snapshot) (*runtime.SessionInfo, error)
	sendEventFunc func(ctx context.Context, sessionID, event string, payload map[string]any) (*runtime.EventResult, error)
	eventsFunc    func(ctx context.Context, sessionID string) ([]string, error)
	getFunc       func(ctx context.Context, sessionID string) (*domain.Session, error)
	historyFunc   func(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error)
	deleteFunc    func(ctx context.Context, sessionID string) error
}

func (m *mockSessionManager) CreateSession(ctx context.Context, agentType string, restore *machine.Snapshot) (*runtime.SessionInfo, error) {
	return m.createFunc(ctx, agentType, restore)
}

func (m *mockSessionManager) SendEvent(ctx context.Context, sessionID, event string, payload map[string]any) (*runtime.EventResult, error) {
	return m.sendEventFunc(ctx, sessionID, event, payload)
}

func (m *mockSessionManager) AvailableEvents(ctx context.Context, sessionID string) ([]string, error) {
	return m.eventsFunc(ctx, sessionID)
}

func (m *mockSessionManager) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.getFunc(ctx, sessionID)
}

func (m *mockSessionManager) History(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error) {
	return m.historyFunc(ctx, sessionID, limit, offset)
}

func (m *mockSessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	return m.deleteFunc(ctx, sessionID)
}

// ---------------------------------------------------------------------------
// Mock DeploymentNotifier
// ---------------------------------------------------------------------------

// mockNotifier delivers results over a channel because the deploy handler
// dispatches notifications on a goroutine.
type mockNotifier struct {
	results chan *registry.DeployResult
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{results: make(chan *registry.DeployResult, 1)}
}

func (m *mockNotifier) DeploymentFinished(_ context.Context, res *registry.DeployResult) {
	m.results <- res
}
