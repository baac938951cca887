package ledger

import "fmt"

// CapacityError reports that no slot is available for a tenant. Active lists
// the resources currently holding slots so a caller can be told what to
// deactivate to free capacity.
type CapacityError struct {
	TenantID string
	Total    int
	Used     int
	Active   []string
}

func (e *CapacityError) Error() string {
	if len(e.Active) > 0 {
		return fmt.Sprintf("capacity exceeded for tenant %s: %d/%d slots in use, deactivate one of %v to free a slot",
			e.TenantID, e.Used, e.Total, e.Active)
	}
	return fmt.Sprintf("capacity exceeded for tenant %s: %d/%d slots in use", e.TenantID, e.Used, e.Total)
}

// BelowUsageError reports a capacity reduction that would underflow current
// usage. No mutation occurs.
type BelowUsageError struct {
	TenantID  string
	Requested int
	Used      int
	Active    []string
}

// Excess is the number of resources that must be released before the
// requested capacity can be applied.
func (e *BelowUsageError) Excess() int {
	return e.Used - e.Requested
}

func (e *BelowUsageError) Error() string {
	return fmt.Sprintf("cannot set capacity of tenant %s to %d: %d slots in use, release %d resource(s) first",
		e.TenantID, e.Requested, e.Used, e.Excess())
}

// InvariantError signals an internal bug: usage would go negative or exceed
// total. It is always surfaced, never silently corrected beyond a defensive
// floor, and aborts only the offending operation.
type InvariantError struct {
	TenantID string
	Op       string
	Used     int
	Total    int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("capacity invariant violated for tenant %s during %s: used=%d total=%d",
		e.TenantID, e.Op, e.Used, e.Total)
}
