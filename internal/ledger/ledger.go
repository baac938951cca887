package ledger

import (
	"time"
)

// Ledger tracks the slot capacity granted to a tenant and how much of it is
// in use. Invariant: 0 <= Used <= Total, always, including under concurrent
// mutation.
type Ledger struct {
	TenantID  string    `json:"tenant_id"`
	Total     int       `json:"total_capacity"`
	Used      int       `json:"used_capacity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the number of free slots.
func (l *Ledger) Available() int {
	return l.Total - l.Used
}

// Usage is the read-model snapshot exposed to callers.
type Usage struct {
	TenantID  string `json:"tenant_id"`
	Total     int    `json:"total"`
	Used      int    `json:"used"`
	Available int    `json:"available"`
}

// History actions
const (
	ActionIncrease = "increase"
	ActionDecrease = "decrease"
	ActionSet      = "set"
	ActionAcquire  = "acquire"
	ActionRelease  = "release"
)

// Entry is one append-only history record. History is durable and never
// rewritten, only appended.
type Entry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Action    string    `json:"action"`
	Delta     int       `json:"delta"`
	Target    int       `json:"target"`
	ActorID   string    `json:"actor_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
