// Copyright 2026 The Slotgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slotgate/slotgate/internal/audit"
	"github.com/slotgate/slotgate/internal/ledger"
	"github.com/slotgate/slotgate/internal/observability/logger"
)

// Service drives the per-resource state machine. Activation acquires a
// ledger slot before transitioning; deactivation transitions before
// releasing. That ordering keeps the cross-entity invariant (used capacity
// equals the count of active resources) intact under concurrency: the ledger
// acquire is the serialization point.
type Service struct {
	repo        Repository
	ledger      *ledger.Service
	auditLogger audit.Logger
	onExpire    func(tenantID, resourceID string)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// OnExpire registers a hook invoked after an expiry transition commits.
// Expiry fires inside reads and sweeps, so callers holding derived state
// (the dispatcher's read cache) use it to drop entries the transition made
// stale. Must be set before the service starts handling requests.
func (s *Service) OnExpire(fn func(tenantID, resourceID string)) {
	s.onExpire = fn
}

// NewService creates a new resource status service
func NewService(repo Repository, ledgerService *ledger.Service, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		ledger:      ledgerService,
		auditLogger: auditLogger,
		locks:       make(map[string]*sync.Mutex),
	}
}

func resourceKey(tenantID, resourceID string) string {
	return tenantID + "/" + resourceID
}

func (s *Service) resourceLock(tenantID, resourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey(tenantID, resourceID)
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// load returns the resource, lazily creating an inactive record on first
// reference. Must be called with the resource lock held.
func (s *Service) load(ctx context.Context, tenantID, resourceID string) (*Resource, error) {
	rec, err := s.repo.Get(ctx, tenantID, resourceID)
	if errors.Is(err, ErrNotFound) {
		return &Resource{ResourceID: resourceID, TenantID: tenantID, State: StateInactive}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resource: %w", err)
	}
	return rec, nil
}

// Activate grants the resource a capacity slot and marks it active. It is
// idempotent: re-activating an active resource succeeds without a second
// acquire. On a full ledger it returns *ledger.CapacityError without
// touching resource state.
func (s *Service) Activate(ctx context.Context, tenantID, resourceID, actorID string, expiresAt *time.Time, reason string) (*Resource, error) {
	lock := s.resourceLock(tenantID, resourceID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, tenantID, resourceID)
	if err != nil {
		return nil, err
	}
	if err := s.materializeExpiry(ctx, rec); err != nil {
		return nil, err
	}

	if rec.State == StateActive {
		out := *rec
		return &out, nil
	}

	// Acquire-then-transition: the slot must be held before the resource
	// becomes visible as active.
	ok, err := s.ledger.TryAcquire(ctx, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.capacityError(ctx, tenantID)
	}

	now := time.Now()
	rec.State = StateActive
	rec.ActivatedBy = actorID
	rec.ActivatedAt = now
	rec.ExpiresAt = expiresAt
	rec.UpdatedAt = now

	entry, err := newEntry(tenantID, resourceID, ActionActivate, actorID, reason)
	if err == nil {
		err = s.repo.Save(ctx, rec, entry)
	}
	if err != nil {
		// Hand the slot back so the ledger cannot leak a claim for a
		// resource that never became active.
		if relErr := s.ledger.Release(ctx, tenantID, actorID); relErr != nil {
			slog.ErrorContext(ctx, "failed to release slot after save failure",
				logger.Component("status"), logger.TenantID(tenantID), logger.Error(relErr))
		}
		return nil, fmt.Errorf("failed to save resource: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:       audit.TypeResourceActivated,
		TenantID:   tenantID,
		ActorID:    actorID,
		ResourceID: resourceID,
		Reason:     reason,
	})

	out := *rec
	return &out, nil
}

// Deactivate marks the resource inactive and releases its slot. Already
// inactive resources are a no-op success and do not release a second time.
func (s *Service) Deactivate(ctx context.Context, tenantID, resourceID, actorID, reason string) (*Resource, error) {
	lock := s.resourceLock(tenantID, resourceID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, tenantID, resourceID)
	if err != nil {
		return nil, err
	}
	if err := s.materializeExpiry(ctx, rec); err != nil {
		return nil, err
	}

	if rec.State == StateInactive {
		out := *rec
		return &out, nil
	}

	entry, err := newEntry(tenantID, resourceID, ActionDeactivate, actorID, reason)
	if err != nil {
		return nil, err
	}
	rec.State = StateInactive
	rec.ExpiresAt = nil
	rec.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, rec, entry); err != nil {
		return nil, fmt.Errorf("failed to save resource: %w", err)
	}
	if err := s.ledger.Release(ctx, tenantID, actorID); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:       audit.TypeResourceDeactivated,
		TenantID:   tenantID,
		ActorID:    actorID,
		ResourceID: resourceID,
		Reason:     reason,
	})

	out := *rec
	return &out, nil
}

// Get returns the resource's current state. A past expiry is materialized
// before the state is reported, so callers never observe a stale activation.
func (s *Service) Get(ctx context.Context, tenantID, resourceID string) (*Resource, error) {
	lock := s.resourceLock(tenantID, resourceID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.repo.Get(ctx, tenantID, resourceID)
	if err != nil {
		return nil, err
	}
	if err := s.materializeExpiry(ctx, rec); err != nil {
		return nil, err
	}

	out := *rec
	return &out, nil
}

// IsActive reports whether the resource currently holds a slot.
func (s *Service) IsActive(ctx context.Context, tenantID, resourceID string) (bool, error) {
	rec, err := s.Get(ctx, tenantID, resourceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.State == StateActive, nil
}

// ListActive returns the resources currently holding slots for a tenant.
func (s *Service) ListActive(ctx context.Context, tenantID string) ([]*Resource, error) {
	return s.repo.ListActive(ctx, tenantID)
}

// History returns the resource's ordered append-only history.
func (s *Service) History(ctx context.Context, tenantID, resourceID string) ([]*Entry, error) {
	return s.repo.History(ctx, tenantID, resourceID)
}

// SweepExpired materializes every overdue expiry. Each transition happens at
// most once: the per-resource lock plus the state re-check make a sweep and
// a concurrent lazy read race harmless. Returns the number of resources
// expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	overdue, err := s.repo.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired resources: %w", err)
	}

	expired := 0
	for _, rec := range overdue {
		lock := s.resourceLock(rec.TenantID, rec.ResourceID)
		lock.Lock()
		current, err := s.repo.Get(ctx, rec.TenantID, rec.ResourceID)
		if err != nil {
			lock.Unlock()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		wasActive := current.Expired(time.Now())
		if wasActive {
			err = s.expireLocked(ctx, current)
		}
		lock.Unlock()
		if err != nil {
			return expired, err
		}
		if wasActive {
			expired++
		}
	}
	return expired, nil
}

// materializeExpiry turns a past expires_at into the real deactivation.
// Must be called with the resource lock held.
func (s *Service) materializeExpiry(ctx context.Context, rec *Resource) error {
	if !rec.Expired(time.Now()) {
		return nil
	}
	return s.expireLocked(ctx, rec)
}

func (s *Service) expireLocked(ctx context.Context, rec *Resource) error {
	entry, err := newEntry(rec.TenantID, rec.ResourceID, ActionExpire, SystemActorID, "expired")
	if err != nil {
		return err
	}
	rec.State = StateInactive
	rec.ExpiresAt = nil
	rec.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, rec, entry); err != nil {
		return fmt.Errorf("failed to save expired resource: %w", err)
	}
	if err := s.ledger.Release(ctx, rec.TenantID, SystemActorID); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:       audit.TypeResourceExpired,
		TenantID:   rec.TenantID,
		ActorID:    SystemActorID,
		ResourceID: rec.ResourceID,
		Reason:     "expired",
	})
	if s.onExpire != nil {
		s.onExpire(rec.TenantID, rec.ResourceID)
	}
	return nil
}

// capacityError builds the no-slot error, naming the active resources that
// could be deactivated to free capacity.
func (s *Service) capacityError(ctx context.Context, tenantID string) error {
	capErr := &ledger.CapacityError{TenantID: tenantID}

	if usage, err := s.ledger.Usage(ctx, tenantID); err == nil {
		capErr.Total = usage.Total
		capErr.Used = usage.Used
	}
	if active, err := s.repo.ListActive(ctx, tenantID); err == nil {
		for _, r := range active {
			capErr.Active = append(capErr.Active, r.ResourceID)
		}
	}
	return capErr
}

// newEntry builds one history entry. The repository persists it in the same
// write as the status record.
func newEntry(tenantID, resourceID, action, actorID, reason string) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate history id: %w", err)
	}
	return &Entry{
		ID:         id.String(),
		TenantID:   tenantID,
		ResourceID: resourceID,
		Action:     action,
		ActorID:    actorID,
		Reason:     reason,
		Timestamp:  time.Now(),
	}, nil
}
