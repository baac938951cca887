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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/slotgate/slotgate/internal/authz"
)

// GrantRepository implements authz.Directory backed by the grants table.
type GrantRepository struct {
	db *DB
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(db *DB) *GrantRepository {
	return &GrantRepository{db: db}
}

// GrantFor retrieves an actor's authority grant
func (r *GrantRepository) GrantFor(ctx context.Context, actorID string) (*authz.Grant, error) {
	var g authz.Grant

	err := r.db.pool.QueryRow(ctx, `
		SELECT actor_id, level, tenant_id, is_global
		FROM grants
		WHERE actor_id = $1
	`, actorID).Scan(&g.ActorID, &g.Level, &g.TenantID, &g.Global)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authz.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	return &g, nil
}

// Put stores or replaces an actor's grant
func (r *GrantRepository) Put(ctx context.Context, grant *authz.Grant) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO grants (actor_id, level, tenant_id, is_global, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id) DO UPDATE SET
			level = EXCLUDED.level,
			tenant_id = EXCLUDED.tenant_id,
			is_global = EXCLUDED.is_global,
			updated_at = EXCLUDED.updated_at
	`, grant.ActorID, grant.Level, grant.TenantID, grant.Global, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// Delete removes an actor's grant
func (r *GrantRepository) Delete(ctx context.Context, actorID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM grants WHERE actor_id = $1
	`, actorID)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return authz.ErrGrantNotFound
	}
	return nil
}
