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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/slotgate/slotgate/internal/ledger"
)

// LedgerRepository implements ledger.Repository
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Get retrieves a tenant's capacity ledger
func (r *LedgerRepository) Get(ctx context.Context, tenantID string) (*ledger.Ledger, error) {
	var rec ledger.Ledger

	err := r.db.pool.QueryRow(ctx, `
		SELECT tenant_id, total_capacity, used_capacity, updated_at
		FROM capacity_ledgers
		WHERE tenant_id = $1
	`, tenantID).Scan(&rec.TenantID, &rec.Total, &rec.Used, &rec.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}

	return &rec, nil
}

// Save upserts a tenant's capacity ledger and appends the mutation's history
// entry in one transaction, so the record never diverges from its audit log.
func (r *LedgerRepository) Save(ctx context.Context, rec *ledger.Ledger, entry *ledger.Entry) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ledger save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO capacity_ledgers (tenant_id, total_capacity, used_capacity, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			total_capacity = EXCLUDED.total_capacity,
			used_capacity = EXCLUDED.used_capacity,
			updated_at = EXCLUDED.updated_at
	`, rec.TenantID, rec.Total, rec.Used, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO capacity_ledger_history (id, tenant_id, action, delta, target, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.TenantID, entry.Action, entry.Delta, entry.Target, entry.ActorID, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append ledger history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger save: %w", err)
	}
	return nil
}

// History retrieves a tenant's capacity history in chronological order
func (r *LedgerRepository) History(ctx context.Context, tenantID string) ([]*ledger.Entry, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, action, delta, target, actor_id, reason, created_at
		FROM capacity_ledger_history
		WHERE tenant_id = $1
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Delta, &e.Target, &e.ActorID, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan ledger history: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger history: %w", err)
	}

	return entries, nil
}
