package memory

import (
	"context"
	"sync"

	"github.com/slotgate/slotgate/internal/authz"
)

// GrantRepository is an in-memory authz.Directory.
type GrantRepository struct {
	mu     sync.RWMutex
	grants map[string]authz.Grant
}

// NewGrantRepository creates a new in-memory grant repository
func NewGrantRepository() *GrantRepository {
	return &GrantRepository{grants: make(map[string]authz.Grant)}
}

// Put stores or replaces an actor's grant.
func (r *GrantRepository) Put(ctx context.Context, grant *authz.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.grants[grant.ActorID] = *grant
	return nil
}

func (r *GrantRepository) GrantFor(ctx context.Context, actorID string) (*authz.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[actorID]
	if !ok {
		return nil, authz.ErrGrantNotFound
	}
	out := g
	return &out, nil
}
