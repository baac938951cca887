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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/slotgate/slotgate/internal/status"
)

// StatusRepository implements status.Repository
type StatusRepository struct {
	db *DB
}

// NewStatusRepository creates a new resource status repository
func NewStatusRepository(db *DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// Get retrieves a resource's status record
func (r *StatusRepository) Get(ctx context.Context, tenantID, resourceID string) (*status.Resource, error) {
	var rec status.Resource
	var activatedAt, expiresAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT tenant_id, resource_id, state, activated_by, activated_at, expires_at, updated_at
		FROM resource_status
		WHERE tenant_id = $1 AND resource_id = $2
	`, tenantID, resourceID).Scan(
		&rec.TenantID, &rec.ResourceID, &rec.State, &rec.ActivatedBy,
		&activatedAt, &expiresAt, &rec.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, status.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get resource status: %w", err)
	}

	if activatedAt.Valid {
		rec.ActivatedAt = activatedAt.Time
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}

	return &rec, nil
}

// Save upserts a resource's status record and appends the transition's
// history entry in one transaction.
func (r *StatusRepository) Save(ctx context.Context, rec *status.Resource, entry *status.Entry) error {
	var activatedAt *time.Time
	if !rec.ActivatedAt.IsZero() {
		activatedAt = &rec.ActivatedAt
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin status save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO resource_status (tenant_id, resource_id, state, activated_by, activated_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, resource_id) DO UPDATE SET
			state = EXCLUDED.state,
			activated_by = EXCLUDED.activated_by,
			activated_at = EXCLUDED.activated_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, rec.TenantID, rec.ResourceID, rec.State, rec.ActivatedBy, activatedAt, rec.ExpiresAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save resource status: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO resource_status_history (id, tenant_id, resource_id, action, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.TenantID, entry.ResourceID, entry.Action, entry.ActorID, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit status save: %w", err)
	}
	return nil
}

// History retrieves a resource's status history in chronological order
func (r *StatusRepository) History(ctx context.Context, tenantID, resourceID string) ([]*status.Entry, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, resource_id, action, actor_id, reason, created_at
		FROM resource_status_history
		WHERE tenant_id = $1 AND resource_id = $2
		ORDER BY created_at, id
	`, tenantID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var entries []*status.Entry
	for rows.Next() {
		var e status.Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ResourceID, &e.Action, &e.ActorID, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status history: %w", err)
	}

	return entries, nil
}

// ListActive retrieves a tenant's active resources
func (r *StatusRepository) ListActive(ctx context.Context, tenantID string) ([]*status.Resource, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT tenant_id, resource_id, state, activated_by, activated_at, expires_at, updated_at
		FROM resource_status
		WHERE tenant_id = $1 AND state = 'active'
		ORDER BY resource_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active resources: %w", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

// ListExpired retrieves active resources whose expiry lies before now
func (r *StatusRepository) ListExpired(ctx context.Context, now time.Time) ([]*status.Resource, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT tenant_id, resource_id, state, activated_by, activated_at, expires_at, updated_at
		FROM resource_status
		WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired resources: %w", err)
	}
	defer rows.Close()

	return scanResources(rows)
}

func scanResources(rows pgx.Rows) ([]*status.Resource, error) {
	var out []*status.Resource
	for rows.Next() {
		var rec status.Resource
		var activatedAt, expiresAt sql.NullTime
		if err := rows.Scan(
			&rec.TenantID, &rec.ResourceID, &rec.State, &rec.ActivatedBy,
			&activatedAt, &expiresAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan resource status: %w", err)
		}
		if activatedAt.Valid {
			rec.ActivatedAt = activatedAt.Time
		}
		if expiresAt.Valid {
			rec.ExpiresAt = &expiresAt.Time
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read resource status rows: %w", err)
	}
	return out, nil
}
