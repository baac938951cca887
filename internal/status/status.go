package status

import (
	"time"
)

// State of a resource. A resource counts toward its tenant's used capacity
// iff it is active.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// Resource is one individually activatable unit belonging to a tenant.
type Resource struct {
	ResourceID  string     `json:"resource_id"`
	TenantID    string     `json:"tenant_id"`
	State       State      `json:"state"`
	ActivatedBy string     `json:"activated_by,omitempty"`
	ActivatedAt time.Time  `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the resource carries an expiry in the past. An
// expired activation behaves as if deactivation had already run; the
// materialized transition happens at the next access or sweep.
func (r *Resource) Expired(now time.Time) bool {
	return r.State == StateActive && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// History actions
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionExpire     = "expire"
)

// SystemActorID marks system-triggered transitions with no human actor.
const SystemActorID = "system"

// Entry is one append-only history record for a resource.
type Entry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ResourceID string    `json:"resource_id"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}
