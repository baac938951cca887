package memory

import (
	"context"
	"sync"
	"time"

	"github.com/slotgate/slotgate/internal/status"
)

// StatusRepository is an in-memory implementation of status.Repository.
type StatusRepository struct {
	mu      sync.RWMutex
	records map[string]status.Resource
	history map[string][]*status.Entry
}

// NewStatusRepository creates a new in-memory status repository
func NewStatusRepository() *StatusRepository {
	return &StatusRepository{
		records: make(map[string]status.Resource),
		history: make(map[string][]*status.Entry),
	}
}

func key(tenantID, resourceID string) string {
	return tenantID + "/" + resourceID
}

func (r *StatusRepository) Get(ctx context.Context, tenantID, resourceID string) (*status.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key(tenantID, resourceID)]
	if !ok {
		return nil, status.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (r *StatusRepository) Save(ctx context.Context, rec *status.Resource, entry *status.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(rec.TenantID, rec.ResourceID)
	r.records[k] = *rec
	e := *entry
	r.history[k] = append(r.history[k], &e)
	return nil
}

func (r *StatusRepository) History(ctx context.Context, tenantID, resourceID string) ([]*status.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.history[key(tenantID, resourceID)]
	out := make([]*status.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (r *StatusRepository) ListActive(ctx context.Context, tenantID string) ([]*status.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*status.Resource
	for _, rec := range r.records {
		if rec.TenantID == tenantID && rec.State == status.StateActive {
			c := rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *StatusRepository) ListExpired(ctx context.Context, now time.Time) ([]*status.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*status.Resource
	for _, rec := range r.records {
		if rec.Expired(now) {
			c := rec
			out = append(out, &c)
		}
	}
	return out, nil
}
