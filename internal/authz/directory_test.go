package authz_test

import (
	"context"
	"testing"

	"github.com/slotgate/slotgate/internal/authz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapDirectory map[string]*authz.Grant

func (d mapDirectory) GrantFor(ctx context.Context, actorID string) (*authz.Grant, error) {
	g, ok := d[actorID]
	if !ok {
		return nil, authz.ErrGrantNotFound
	}
	out := *g
	return &out, nil
}

func TestConfigDirectory_SuperAdminOverride(t *testing.T) {
	dir := authz.NewConfigDirectory(mapDirectory{}, []string{"owner"}, false)

	grant, err := dir.GrantFor(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, authz.LevelSuperAdmin, grant.Level)

	_, err = dir.GrantFor(context.Background(), "stranger")
	assert.ErrorIs(t, err, authz.ErrGrantNotFound)
}

func TestConfigDirectory_ElevatedGlobalWidening(t *testing.T) {
	stored := mapDirectory{
		"alice": {ActorID: "alice", Level: authz.LevelElevatedAdmin, TenantID: "t1"},
		"bob":   {ActorID: "bob", Level: authz.LevelTenantAdmin, TenantID: "t1"},
	}

	scoped := authz.NewConfigDirectory(stored, nil, false)
	grant, err := scoped.GrantFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, grant.Global)

	widened := authz.NewConfigDirectory(stored, nil, true)
	grant, err = widened.GrantFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, grant.Global)

	// Widening applies to elevated admins only
	grant, err = widened.GrantFor(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, grant.Global)
}
