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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slotgate/slotgate/internal/audit"
	"github.com/slotgate/slotgate/internal/observability/logger"
)

// Service provides the capacity-allocation business logic. All mutations for
// a tenant run inside that tenant's exclusive section, which makes the
// check-and-increment in TryAcquire indivisible with respect to every
// concurrent caller.
type Service struct {
	repo        Repository
	auditLogger audit.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a new ledger service
func NewService(repo Repository, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		auditLogger: auditLogger,
		locks:       make(map[string]*sync.Mutex),
	}
}

// tenantLock returns the exclusive section for a tenant, creating it on
// first reference. Lock entries are never removed; tenants are never deleted.
func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenantID] = lock
	}
	return lock
}

// load returns the tenant's ledger, lazily creating a zero-capacity record
// on first reference. Must be called with the tenant lock held.
func (s *Service) load(ctx context.Context, tenantID string) (*Ledger, error) {
	rec, err := s.repo.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return &Ledger{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return rec, nil
}

// SetCapacity sets the tenant's total capacity to target. Setting below
// current usage fails with *BelowUsageError and never truncates usage.
func (s *Service) SetCapacity(ctx context.Context, tenantID string, target int, actorID, reason string) (*Ledger, error) {
	if target < 0 {
		return nil, fmt.Errorf("capacity must be non-negative, got %d", target)
	}

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if target < rec.Used {
		return nil, &BelowUsageError{TenantID: tenantID, Requested: target, Used: rec.Used}
	}

	entry, err := newEntry(tenantID, ActionSet, 0, target, actorID, reason)
	if err != nil {
		return nil, err
	}
	rec.Total = target
	rec.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, rec, entry); err != nil {
		return nil, fmt.Errorf("failed to save ledger: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCapacitySet,
		TenantID: tenantID,
		ActorID:  actorID,
		Reason:   reason,
		Metadata: map[string]any{"total": rec.Total, "used": rec.Used},
	})

	return rec, nil
}

// AdjustCapacity changes the tenant's total capacity by delta. A negative
// delta that would drive total below usage fails with *BelowUsageError.
func (s *Service) AdjustCapacity(ctx context.Context, tenantID string, delta int, actorID, reason string) (*Ledger, error) {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	target := rec.Total + delta
	if target < 0 {
		target = 0
	}
	if target < rec.Used {
		return nil, &BelowUsageError{TenantID: tenantID, Requested: target, Used: rec.Used}
	}

	action := ActionIncrease
	if delta < 0 {
		action = ActionDecrease
	}
	entry, err := newEntry(tenantID, action, delta, target, actorID, reason)
	if err != nil {
		return nil, err
	}
	rec.Total = target
	rec.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, rec, entry); err != nil {
		return nil, fmt.Errorf("failed to save ledger: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCapacityAdjusted,
		TenantID: tenantID,
		ActorID:  actorID,
		Reason:   reason,
		Metadata: map[string]any{"delta": delta, "total": rec.Total, "used": rec.Used},
	})

	return rec, nil
}

// TryAcquire atomically checks Used < Total and claims one slot on success.
// It returns false without mutation when the tenant is at capacity. This
// check-and-increment is the serialization point for the cross-entity
// invariant: two concurrent acquires for the last slot see exactly one
// success.
func (s *Service) TryAcquire(ctx context.Context, tenantID, actorID string) (bool, error) {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, tenantID)
	if err != nil {
		return false, err
	}

	if rec.Used >= rec.Total {
		return false, nil
	}

	entry, err := newEntry(tenantID, ActionAcquire, 1, rec.Total, actorID, "slot acquired")
	if err != nil {
		return false, err
	}
	rec.Used++
	rec.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, rec, entry); err != nil {
		return false, fmt.Errorf("failed to save ledger: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSlotAcquired,
		TenantID: tenantID,
		ActorID:  actorID,
		Metadata: map[string]any{"total": rec.Total, "used": rec.Used},
	})

	return true, nil
}

// Release returns one slot to the tenant. Decrementing below zero is a logic
// error: the value is floored defensively but the condition is still
// reported as *InvariantError.
func (s *Service) Release(ctx context.Context, tenantID, actorID string) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(ctx, tenantID)
	if err != nil {
		return err
	}

	if rec.Used <= 0 {
		violation := &InvariantError{TenantID: tenantID, Op: "release", Used: rec.Used, Total: rec.Total}
		slog.ErrorContext(ctx, "usage underflow on release",
			logger.Component("ledger"), logger.TenantID(tenantID), logger.Error(violation))
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeInvariantViolation,
			TenantID: tenantID,
			ActorID:  actorID,
			Reason:   violation.Error(),
		})
		return violation
	}

	entry, err := newEntry(tenantID, ActionRelease, -1, rec.Total, actorID, "slot released")
	if err != nil {
		return err
	}
	rec.Used--
	rec.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, rec, entry); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSlotReleased,
		TenantID: tenantID,
		ActorID:  actorID,
		Metadata: map[string]any{"total": rec.Total, "used": rec.Used},
	})

	return nil
}

// Usage returns the tenant's capacity snapshot. Unknown tenants yield
// ErrNotFound; a read does not lazily create a ledger.
func (s *Service) Usage(ctx context.Context, tenantID string) (*Usage, error) {
	rec, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Usage{
		TenantID:  rec.TenantID,
		Total:     rec.Total,
		Used:      rec.Used,
		Available: rec.Available(),
	}, nil
}

// History returns the tenant's ordered append-only capacity history.
func (s *Service) History(ctx context.Context, tenantID string) ([]*Entry, error) {
	return s.repo.History(ctx, tenantID)
}

// newEntry builds one history entry. The repository persists it in the same
// write as the ledger record.
func newEntry(tenantID, action string, delta, target int, actorID, reason string) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate history id: %w", err)
	}
	return &Entry{
		ID:        id.String(),
		TenantID:  tenantID,
		Action:    action,
		Delta:     delta,
		Target:    target,
		ActorID:   actorID,
		Reason:    reason,
		Timestamp: time.Now(),
	}, nil
}
