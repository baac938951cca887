package dispatch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/slotgate/slotgate/internal/authz"
)

// Kind names an operation the dispatcher can execute.
type Kind string

const (
	KindRead           Kind = "read"
	KindActivate       Kind = "activate"
	KindDeactivate     Kind = "deactivate"
	KindSetCapacity    Kind = "set_capacity"
	KindAdjustCapacity Kind = "adjust_capacity"
)

// Operation is one request. Deadline is the latest instant the
// submitter is willing to wait for a synchronous result; past it the
// dispatcher acknowledges early and finishes the work in the background.
type Operation struct {
	ID         string
	Kind       Kind
	TenantID   string
	ResourceID string
	Actor      authz.Actor
	ExpiresAt  *time.Time
	Target     int
	Delta      int
	Reason     string
	Deadline   time.Time
}

// ValidationError reports a structurally malformed operation, rejected
// before any execution.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks structural well-formedness. Semantic failures (capacity,
// permission) surface from execution, not from here.
func (o *Operation) Validate() error {
	switch o.Kind {
	case KindRead:
		// Tenant-level when ResourceID is empty, resource-level otherwise.
	case KindActivate, KindDeactivate:
		if o.ResourceID == "" {
			return validationErrorf("%s requires a resource id", o.Kind)
		}
	case KindSetCapacity:
		if o.Target < 0 {
			return validationErrorf("capacity target must be non-negative, got %d", o.Target)
		}
	case KindAdjustCapacity:
		if o.Delta == 0 {
			return validationErrorf("capacity adjustment requires a non-zero delta")
		}
	default:
		return validationErrorf("unknown operation kind %q", o.Kind)
	}
	if o.TenantID == "" {
		return validationErrorf("operation requires a tenant id")
	}
	if o.Actor.ID == "" {
		return validationErrorf("operation requires an actor id")
	}
	return nil
}

// DedupKey derives the coalescing key: kind plus target entity plus the
// payload fields that carry intent. Two operations share a key only when
// executing one of them satisfies both. The actor is deliberately excluded;
// identical intent from two admins is still one piece of work.
func (o *Operation) DedupKey() string {
	switch o.Kind {
	case KindRead:
		if o.ResourceID != "" {
			return fmt.Sprintf("read:%s/%s", o.TenantID, o.ResourceID)
		}
		return "read:" + o.TenantID
	case KindActivate:
		expiry := "none"
		if o.ExpiresAt != nil {
			expiry = strconv.FormatInt(o.ExpiresAt.Unix(), 10)
		}
		return fmt.Sprintf("activate:%s/%s:%s", o.TenantID, o.ResourceID, expiry)
	case KindDeactivate:
		return fmt.Sprintf("deactivate:%s/%s", o.TenantID, o.ResourceID)
	case KindSetCapacity:
		return fmt.Sprintf("set_capacity:%s:%d", o.TenantID, o.Target)
	case KindAdjustCapacity:
		return fmt.Sprintf("adjust_capacity:%s:%+d", o.TenantID, o.Delta)
	default:
		return string(o.Kind) + ":" + o.TenantID
	}
}

// Result is the terminal outcome of an operation. Value holds the
// kind-specific payload: *status.Resource for resource transitions,
// *ledger.Ledger for capacity changes, *ledger.Usage or *status.Resource
// for reads.
type Result struct {
	Value any
	Err   error
}

// Response is what Submit hands back. When Deferred is false, Result is set
// and Done is nil. When Deferred is true, the operation was acknowledged
// before completion: Result is nil and Done delivers the terminal Result
// exactly once.
type Response struct {
	OperationID string
	Deferred    bool
	Result      *Result
	Done        <-chan Result
}
