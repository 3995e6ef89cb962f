package auth

import (
	"context"
	"testing"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer([]types.StaticTokenRule{
		{Token: "tok-alice", UserID: "alice", Projects: []string{"p1"}},
		{Token: "tok-bob", UserID: "bob", ReadOnly: true},
	})
	ctx := context.Background()

	id, err := a.Authenticate(ctx, "tok-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = a.Authenticate(ctx, "nope")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrAuthRequired)

	assert.True(t, a.CanAccessProject(ctx, "alice", "p1"))
	assert.False(t, a.CanAccessProject(ctx, "alice", "p2"))
	assert.True(t, a.CanAccessProject(ctx, "bob", "p2"))
	assert.False(t, a.CanAccessProject(ctx, "mallory", "p1"))

	assert.True(t, a.CanEdit(ctx, "alice", "f1"))
	assert.False(t, a.CanEdit(ctx, "bob", "f1"))
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, RequireAuth(ctx), ErrAuthRequired)

	ctx = WithIdentity(ctx, &Identity{UserID: "alice", Projects: []string{"*"}})
	assert.NoError(t, RequireAuth(ctx))
	assert.NoError(t, RequireProjectAccess(ctx, "anything"))
	assert.Equal(t, "alice", UserID(ctx))
}
