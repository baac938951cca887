package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory struct {
	grants map[string]*Grant
}

func (d *staticDirectory) GrantFor(ctx context.Context, actorID string) (*Grant, error) {
	if g, ok := d.grants[actorID]; ok {
		return g, nil
	}
	return nil, ErrGrantNotFound
}

func newTestResolver() *Resolver {
	return NewResolver(&staticDirectory{grants: map[string]*Grant{
		"root":     {ActorID: "root", Level: LevelSuperAdmin},
		"elevated": {ActorID: "elevated", Level: LevelElevatedAdmin, Global: true},
		"scoped":   {ActorID: "scoped", Level: LevelElevatedAdmin, TenantID: "t1"},
		"admin-t1": {ActorID: "admin-t1", Level: LevelTenantAdmin, TenantID: "t1"},
	}})
}

func TestResolver_Require_Hierarchy(t *testing.T) {
	resolver := newTestResolver()
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   string
		kind    string
		tenant  string
		allowed bool
	}{
		{"super admin may set capacity anywhere", "root", KindSetCapacity, "t9", true},
		{"super admin may activate anywhere", "root", KindActivate, "t9", true},
		{"global elevated admin may set capacity anywhere", "elevated", KindSetCapacity, "t2", true},
		{"global elevated admin may deactivate anywhere", "elevated", KindDeactivate, "t2", true},
		{"scoped elevated admin may mutate own tenant", "scoped", KindAdjustCapacity, "t1", true},
		{"scoped elevated admin denied on other tenant", "scoped", KindAdjustCapacity, "t2", false},
		{"tenant admin may activate own tenant", "admin-t1", KindActivate, "t1", true},
		{"tenant admin may deactivate own tenant", "admin-t1", KindDeactivate, "t1", true},
		{"tenant admin denied on other tenant", "admin-t1", KindActivate, "t2", false},
		{"tenant admin never sets capacity", "admin-t1", KindSetCapacity, "t1", false},
		{"tenant admin never adjusts capacity", "admin-t1", KindAdjustCapacity, "t1", false},
		{"unknown actor denied mutation", "nobody", KindActivate, "t1", false},
		{"unknown actor may read", "nobody", KindRead, "t1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resolver.Require(ctx, Actor{ID: tt.actor}, tt.kind, tt.tenant)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestResolver_Require_DenialNamesMinimumLevel(t *testing.T) {
	resolver := newTestResolver()
	ctx := context.Background()

	err := resolver.Require(ctx, Actor{ID: "admin-t1"}, KindSetCapacity, "t1")
	require.Error(t, err)

	var perm *PermissionError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, LevelElevatedAdmin, perm.Required)
	assert.Contains(t, perm.Error(), "elevated-admin")

	err = resolver.Require(ctx, Actor{ID: "nobody"}, KindDeactivate, "t1")
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, LevelTenantAdmin, perm.Required)
}

func TestResolver_AuthorityOf(t *testing.T) {
	resolver := newTestResolver()
	ctx := context.Background()

	level, err := resolver.AuthorityOf(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, LevelSuperAdmin, level)

	level, err = resolver.AuthorityOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, LevelNone, level)
}
