package authz

import (
	"context"
	"errors"
	"fmt"
)

// Level is an authority tier in the admin hierarchy. Authority is monotonic:
// each level may perform every operation the levels below it can.
type Level int

const (
	LevelNone Level = iota
	LevelTenantAdmin
	LevelElevatedAdmin
	LevelSuperAdmin
)

func (l Level) String() string {
	switch l {
	case LevelTenantAdmin:
		return "tenant-admin"
	case LevelElevatedAdmin:
		return "elevated-admin"
	case LevelSuperAdmin:
		return "super-admin"
	default:
		return "none"
	}
}

// Actor identifies the caller of an operation.
type Actor struct {
	ID       string
	TenantID string
}

// Grant maps an actor to exactly one authority level. TenantID scopes
// tenant-admin grants and non-global elevated-admin grants; Global marks an
// elevated-admin grant that spans every tenant.
type Grant struct {
	ActorID  string
	Level    Level
	TenantID string
	Global   bool
}

// ErrGrantNotFound is returned by a Directory when an actor has no grant.
var ErrGrantNotFound = errors.New("grant not found")

// Directory resolves actor identities to grants.
type Directory interface {
	GrantFor(ctx context.Context, actorID string) (*Grant, error)
}

// PermissionError reports a denied operation and the minimum authority level
// that would have been sufficient.
type PermissionError struct {
	ActorID  string
	Kind     string
	TenantID string
	Required Level
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s on tenant %s requires at least %s (actor %s)",
		e.Kind, e.TenantID, e.Required, e.ActorID)
}
