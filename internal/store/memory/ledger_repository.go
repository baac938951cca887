package memory

import (
	"context"
	"sync"

	"github.com/slotgate/slotgate/internal/ledger"
)

// LedgerRepository is an in-memory implementation of ledger.Repository.
// Used by tests and single-node deployments without postgres.
type LedgerRepository struct {
	mu      sync.RWMutex
	records map[string]ledger.Ledger
	history map[string][]*ledger.Entry
}

// NewLedgerRepository creates a new in-memory ledger repository
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		records: make(map[string]ledger.Ledger),
		history: make(map[string][]*ledger.Entry),
	}
}

func (r *LedgerRepository) Get(ctx context.Context, tenantID string) (*ledger.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[tenantID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (r *LedgerRepository) Save(ctx context.Context, rec *ledger.Ledger, entry *ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.TenantID] = *rec
	e := *entry
	r.history[rec.TenantID] = append(r.history[rec.TenantID], &e)
	return nil
}

func (r *LedgerRepository) History(ctx context.Context, tenantID string) ([]*ledger.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.history[tenantID]
	out := make([]*ledger.Entry, len(entries))
	copy(out, entries)
	return out, nil
}
