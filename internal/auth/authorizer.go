package auth

import (
	"context"
	"errors"
)

// ErrForbidden is returned when the caller's role does not permit an operation.
var ErrForbidden = errors.New("auth: forbidden")

// Authorizer decides whether the caller in ctx may perform an operation.
type Authorizer interface {
	CanDeployAgent(ctx context.Context) error
	CanManageSessions(ctx context.Context) error
	CanListResources(ctx context.Context) error
}

// RoleFunc extracts the caller's role from a request context. The server
// middleware provides the implementation.
type RoleFunc func(ctx context.Context) (string, bool)

// RoleAuthorizer grants operations by role: viewers read, operators run
// sessions, admins deploy.
type RoleAuthorizer struct {
	roleFrom RoleFunc
}

func NewRoleAuthorizer(roleFrom RoleFunc) *RoleAuthorizer {
	return &RoleAuthorizer{roleFrom: roleFrom}
}

func (a *RoleAuthorizer) CanDeployAgent(ctx context.Context) error {
	return a.require(ctx, RoleAdmin)
}

func (a *RoleAuthorizer) CanManageSessions(ctx context.Context) error {
	return a.require(ctx, RoleOperator)
}

func (a *RoleAuthorizer) CanListResources(ctx context.Context) error {
	return a.require(ctx, RoleViewer)
}

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

func (a *RoleAuthorizer) require(ctx context.Context, minRole string) error {
	role, ok := a.roleFrom(ctx)
	if !ok {
		return ErrForbidden
	}
	if roleRank[role] < roleRank[minRole] {
		return ErrForbidden
	}
	return nil
}

// AllowAll grants every operation. Used when auth is disabled in development.
type AllowAll struct{}

func (AllowAll) CanDeployAgent(context.Context) error    { return nil }
func (AllowAll) CanManageSessions(context.Context) error { return nil }
func (AllowAll) CanListResources(context.Context) error  { return nil }
