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

import "context"

// ConfigDirectory layers deployment-level authority configuration over a
// stored Directory. Operator-designated super-admins need no stored grant,
// and elevated-admin scope can be widened to every tenant for deployments
// that run a single trusted admin team.
type ConfigDirectory struct {
	inner          Directory
	superAdmins    map[string]struct{}
	elevatedGlobal bool
}

// NewConfigDirectory wraps inner with operator overrides.
func NewConfigDirectory(inner Directory, superAdminIDs []string, elevatedGlobal bool) *ConfigDirectory {
	supers := make(map[string]struct{}, len(superAdminIDs))
	for _, id := range superAdminIDs {
		supers[id] = struct{}{}
	}
	return &ConfigDirectory{
		inner:          inner,
		superAdmins:    supers,
		elevatedGlobal: elevatedGlobal,
	}
}

func (d *ConfigDirectory) GrantFor(ctx context.Context, actorID string) (*Grant, error) {
	if _, ok := d.superAdmins[actorID]; ok {
		return &Grant{ActorID: actorID, Level: LevelSuperAdmin}, nil
	}

	grant, err := d.inner.GrantFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if d.elevatedGlobal && grant.Level == LevelElevatedAdmin {
		grant.Global = true
	}
	return grant, nil
}
