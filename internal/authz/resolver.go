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

package authz

import (
	"context"
	"errors"
	"fmt"
)

// Operation kinds the resolver decides on. Values match dispatch.Kind.
const (
	KindRead           = "read"
	KindActivate       = "activate"
	KindDeactivate     = "deactivate"
	KindSetCapacity    = "set_capacity"
	KindAdjustCapacity = "adjust_capacity"
)

// Resolver is the pure decision function over a caller identity and a
// requested operation. Grants come from an injected Directory so the
// authority logic stays testable in isolation from transport concerns.
type Resolver struct {
	dir Directory
}

// NewResolver creates a new permission resolver
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// AuthorityOf returns the actor's authority level. Actors without a grant
// hold LevelNone.
func (r *Resolver) AuthorityOf(ctx context.Context, actorID string) (Level, error) {
	grant, err := r.dir.GrantFor(ctx, actorID)
	if errors.Is(err, ErrGrantNotFound) {
		return LevelNone, nil
	}
	if err != nil {
		return LevelNone, fmt.Errorf("failed to resolve grant: %w", err)
	}
	return grant.Level, nil
}

// Require checks whether the actor may perform kind against targetTenant.
// It returns nil when permitted and a *PermissionError naming the minimum
// sufficient level when not. Reads are open to every caller.
func (r *Resolver) Require(ctx context.Context, actor Actor, kind, targetTenant string) error {
	if kind == KindRead {
		return nil
	}

	required := minimumLevel(kind)

	grant, err := r.dir.GrantFor(ctx, actor.ID)
	if errors.Is(err, ErrGrantNotFound) {
		return &PermissionError{ActorID: actor.ID, Kind: kind, TenantID: targetTenant, Required: required}
	}
	if err != nil {
		return fmt.Errorf("failed to resolve grant: %w", err)
	}

	if r.permits(grant, kind, targetTenant) {
		return nil
	}
	return &PermissionError{ActorID: actor.ID, Kind: kind, TenantID: targetTenant, Required: required}
}

func (r *Resolver) permits(grant *Grant, kind, targetTenant string) bool {
	switch grant.Level {
	case LevelSuperAdmin:
		return true
	case LevelElevatedAdmin:
		// Scope is a configurable attribute of the grant: a global
		// elevated-admin covers every tenant, otherwise only its own.
		return grant.Global || grant.TenantID == targetTenant
	case LevelTenantAdmin:
		if kind != KindActivate && kind != KindDeactivate {
			return false
		}
		return grant.TenantID == targetTenant
	default:
		return false
	}
}

// minimumLevel names the lowest level that can ever perform kind. Used in
// denial messages so callers know what to ask for.
func minimumLevel(kind string) Level {
	switch kind {
	case KindActivate, KindDeactivate:
		return LevelTenantAdmin
	case KindSetCapacity, KindAdjustCapacity:
		return LevelElevatedAdmin
	default:
		return LevelNone
	}
}
