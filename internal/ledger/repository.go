package ledger

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("capacity ledger not found")

// Repository defines the interface for ledger storage. Save persists the
// record and its history entry atomically: a mutation is never visible
// without its history line, and never the other way around.
type Repository interface {
	Get(ctx context.Context, tenantID string) (*Ledger, error)
	Save(ctx context.Context, ledger *Ledger, entry *Entry) error
	History(ctx context.Context, tenantID string) ([]*Entry, error)
}
