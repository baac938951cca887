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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/slotgate/slotgate/internal/authz"
	"github.com/slotgate/slotgate/internal/cache"
	"github.com/slotgate/slotgate/internal/dedup"
	"github.com/slotgate/slotgate/internal/ledger"
	"github.com/slotgate/slotgate/internal/observability/logger"
	"github.com/slotgate/slotgate/internal/observability/metrics"
	"github.com/slotgate/slotgate/internal/status"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config tunes the dispatcher's concurrency and deadline behavior.
type Config struct {
	Workers         int
	QueueSize       int
	DeadlineMargin  time.Duration
	DefaultDeadline time.Duration
}

// Dispatcher is the single entry point for operations. Mutations are
// deduplicated, authorized, executed on a bounded worker pool, and
// acknowledged before their deadline even when execution is still running.
// Reads go through the short-TTL cache.
type Dispatcher struct {
	cfg      Config
	pool     *Pool
	registry *dedup.Registry
	cache    *cache.Cache
	resolver *authz.Resolver
	ledger   *ledger.Service
	status   *status.Service

	opsTotal      metric.Int64Counter
	deferredTotal metric.Int64Counter
	opDuration    metric.Float64Histogram
	queueDepth    metric.Int64UpDownCounter
}

// New creates a dispatcher and starts its worker pool.
func New(cfg Config, resolver *authz.Resolver, ledgerSvc *ledger.Service, statusSvc *status.Service, readCache *cache.Cache, registry *dedup.Registry, meter *metrics.Meter) (*Dispatcher, error) {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 5 * time.Second
	}
	if cfg.DeadlineMargin <= 0 {
		cfg.DeadlineMargin = 250 * time.Millisecond
	}

	opsTotal, err := meter.CreateCounter("slotgate_operations_total", "Operations submitted, by kind and outcome")
	if err != nil {
		return nil, err
	}
	deferredTotal, err := meter.CreateCounter("slotgate_operations_deferred_total", "Operations acknowledged before completion")
	if err != nil {
		return nil, err
	}
	opDuration, err := meter.CreateHistogram("slotgate_operation_duration_seconds", "Operation execution time", "s")
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.CreateUpDownCounter("slotgate_dispatch_queue_depth", "Operations admitted but not yet executing")
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:           cfg,
		pool:          NewPool(cfg.Workers, cfg.QueueSize),
		registry:      registry,
		cache:         readCache,
		resolver:      resolver,
		ledger:        ledgerSvc,
		status:        statusSvc,
		opsTotal:      opsTotal,
		deferredTotal: deferredTotal,
		opDuration:    opDuration,
		queueDepth:    queueDepth,
	}

	// Expiries materialize inside status reads and sweeps, not through run,
	// so their cache invalidation arrives through this hook.
	statusSvc.OnExpire(func(tenantID, resourceID string) {
		d.cache.Invalidate(resourceKeys(tenantID, resourceID)...)
	})

	return d, nil
}

// Submit executes or joins the operation identified by op's dedup key and
// waits for its result until deadline minus the configured margin. If the
// result is not ready by then, Submit returns a deferred Response whose Done
// channel delivers the terminal result; the execution itself continues to
// completion regardless of the caller's context.
func (d *Dispatcher) Submit(ctx context.Context, op Operation) (*Response, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate operation id: %w", err)
		}
		op.ID = id.String()
	}
	if op.Deadline.IsZero() {
		op.Deadline = time.Now().Add(d.cfg.DefaultDeadline)
	}

	key := op.DedupKey()
	// Execution is pinned to a context that survives the submitter: once an
	// operation is admitted it runs to completion, deferred or not.
	runCtx := context.WithoutCancel(ctx)

	flight := d.registry.DoChan(key, func() (any, error) {
		return d.execute(runCtx, op)
	})

	ackAt := op.Deadline.Add(-d.cfg.DeadlineMargin)
	timer := time.NewTimer(time.Until(ackAt))
	defer timer.Stop()

	select {
	case res := <-flight:
		return &Response{
			OperationID: op.ID,
			Result:      &Result{Value: res.Value, Err: res.Err},
		}, nil
	case <-timer.C:
		d.deferredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(op.Kind))))
		slog.InfoContext(ctx, "operation acknowledged before completion",
			logger.Component("dispatch"), logger.OperationID(op.ID),
			logger.OperationKind(string(op.Kind)), logger.DedupKey(key))

		done := make(chan Result, 1)
		go func() {
			res := <-flight
			done <- Result{Value: res.Value, Err: res.Err}
		}()
		return &Response{OperationID: op.ID, Deferred: true, Done: done}, nil
	}
}

// execute admits the operation to the worker pool and waits for it inside
// the single-flight so every joined caller shares one execution.
func (d *Dispatcher) execute(ctx context.Context, op Operation) (any, error) {
	resCh := make(chan Result, 1)

	d.queueDepth.Add(ctx, 1)
	err := d.pool.Submit(ctx, func() {
		// A panic must still terminate the flight: every joined caller
		// blocks until resCh receives.
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "operation panicked",
					logger.Component("dispatch"), logger.OperationID(op.ID),
					logger.OperationKind(string(op.Kind)), slog.Any("panic", r))
				resCh <- Result{Err: fmt.Errorf("%s operation panicked: %v", op.Kind, r)}
			}
		}()
		d.queueDepth.Add(ctx, -1)
		start := time.Now()
		value, runErr := d.run(ctx, op)
		d.observe(ctx, op, runErr, time.Since(start))
		resCh <- Result{Value: value, Err: runErr}
	})
	if err != nil {
		d.queueDepth.Add(ctx, -1)
		return nil, fmt.Errorf("failed to admit operation: %w", err)
	}

	res := <-resCh
	return res.Value, res.Err
}

// run authorizes and performs one operation, then invalidates the cache keys
// the mutation made stale. Invalidation happens before the result is
// delivered, so a caller that reads right after a reply cannot observe
// pre-mutation state.
func (d *Dispatcher) run(ctx context.Context, op Operation) (any, error) {
	if err := d.resolver.Require(ctx, op.Actor, string(op.Kind), op.TenantID); err != nil {
		return nil, err
	}

	switch op.Kind {
	case KindRead:
		if op.ResourceID != "" {
			return d.ResourceStatus(ctx, op.TenantID, op.ResourceID)
		}
		return d.Usage(ctx, op.TenantID)

	case KindActivate:
		rec, err := d.status.Activate(ctx, op.TenantID, op.ResourceID, op.Actor.ID, op.ExpiresAt, op.Reason)
		if err != nil {
			return nil, err
		}
		d.cache.Invalidate(resourceKeys(op.TenantID, op.ResourceID)...)
		return rec, nil

	case KindDeactivate:
		rec, err := d.status.Deactivate(ctx, op.TenantID, op.ResourceID, op.Actor.ID, op.Reason)
		if err != nil {
			return nil, err
		}
		d.cache.Invalidate(resourceKeys(op.TenantID, op.ResourceID)...)
		return rec, nil

	case KindSetCapacity:
		rec, err := d.ledger.SetCapacity(ctx, op.TenantID, op.Target, op.Actor.ID, op.Reason)
		if err != nil {
			return nil, err
		}
		d.cache.Invalidate(usageKey(op.TenantID), capacityHistoryKey(op.TenantID))
		return rec, nil

	case KindAdjustCapacity:
		rec, err := d.ledger.AdjustCapacity(ctx, op.TenantID, op.Delta, op.Actor.ID, op.Reason)
		if err != nil {
			return nil, err
		}
		d.cache.Invalidate(usageKey(op.TenantID), capacityHistoryKey(op.TenantID))
		return rec, nil

	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (d *Dispatcher) observe(ctx context.Context, op Operation, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.ErrorContext(ctx, "operation failed",
			logger.Component("dispatch"), logger.OperationID(op.ID),
			logger.OperationKind(string(op.Kind)), logger.TenantID(op.TenantID),
			logger.Error(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(op.Kind)),
		attribute.String("outcome", outcome),
	)
	d.opsTotal.Add(ctx, 1, attrs)
	d.opDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Usage returns the tenant's capacity snapshot through the read cache.
func (d *Dispatcher) Usage(ctx context.Context, tenantID string) (*ledger.Usage, error) {
	v, err := d.cache.GetOrLoad(ctx, usageKey(tenantID), func(ctx context.Context) (any, error) {
		return d.ledger.Usage(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ledger.Usage), nil
}

// ResourceStatus returns the resource's current state through the read cache.
func (d *Dispatcher) ResourceStatus(ctx context.Context, tenantID, resourceID string) (*status.Resource, error) {
	v, err := d.cache.GetOrLoad(ctx, statusKey(tenantID, resourceID), func(ctx context.Context) (any, error) {
		return d.status.Get(ctx, tenantID, resourceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*status.Resource), nil
}

// IsActive reports whether the resource currently holds a slot. Unknown
// resources are simply inactive.
func (d *Dispatcher) IsActive(ctx context.Context, tenantID, resourceID string) (bool, error) {
	rec, err := d.ResourceStatus(ctx, tenantID, resourceID)
	if errors.Is(err, status.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.State == status.StateActive, nil
}

// CapacityHistory returns the tenant's capacity history through the read
// cache.
func (d *Dispatcher) CapacityHistory(ctx context.Context, tenantID string) ([]*ledger.Entry, error) {
	v, err := d.cache.GetOrLoad(ctx, capacityHistoryKey(tenantID), func(ctx context.Context) (any, error) {
		return d.ledger.History(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*ledger.Entry), nil
}

// StatusHistory returns the resource's status history through the read cache.
func (d *Dispatcher) StatusHistory(ctx context.Context, tenantID, resourceID string) ([]*status.Entry, error) {
	v, err := d.cache.GetOrLoad(ctx, statusHistoryKey(tenantID, resourceID), func(ctx context.Context) (any, error) {
		return d.status.History(ctx, tenantID, resourceID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*status.Entry), nil
}

// Shutdown drains the worker pool. In-flight and queued operations run to
// completion; new submissions must stop first.
func (d *Dispatcher) Shutdown() {
	d.pool.Shutdown()
}

func usageKey(tenantID string) string {
	return "usage:" + tenantID
}

func statusKey(tenantID, resourceID string) string {
	return "status:" + tenantID + "/" + resourceID
}

func capacityHistoryKey(tenantID string) string {
	return "capacity-history:" + tenantID
}

func statusHistoryKey(tenantID, resourceID string) string {
	return "status-history:" + tenantID + "/" + resourceID
}

// resourceKeys lists every cache key a resource transition makes stale. The
// slot acquire or release also appends to the capacity history, so that key
// goes stale too.
func resourceKeys(tenantID, resourceID string) []string {
	return []string{
		statusKey(tenantID, resourceID),
		statusHistoryKey(tenantID, resourceID),
		usageKey(tenantID),
		capacityHistoryKey(tenantID),
	}
}
