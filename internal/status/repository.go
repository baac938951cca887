package status

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("resource not found")

// Repository defines the interface for resource status storage. Save
// persists the record and its history entry atomically.
type Repository interface {
	Get(ctx context.Context, tenantID, resourceID string) (*Resource, error)
	Save(ctx context.Context, resource *Resource, entry *Entry) error
	History(ctx context.Context, tenantID, resourceID string) ([]*Entry, error)
	ListActive(ctx context.Context, tenantID string) ([]*Resource, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Resource, error)
}
