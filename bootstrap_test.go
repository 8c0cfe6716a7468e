package auth_test

import (
	"context"
	"testing"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureOwner(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t)

	owner, created, err := auth.EnsureOwner(ctx, store, testHasher, "owner@example.com", "owner-password")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, auth.RoleOwner, owner.Role)

	again, created, err := auth.EnsureOwner(ctx, store, testHasher, "OWNER@example.com", "other-password")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, owner.ID, again.ID)

	authenticator := auth.NewCredentialAuthenticator(store, auth.WithHasher(testHasher))
	_, err = authenticator.Authenticate(ctx, "owner@example.com", "owner-password")
	assert.NoError(t, err)
}

func TestEnsureOwnerRequiresCredentials(t *testing.T) {
	store, _ := setupStore(t)

	_, _, err := auth.EnsureOwner(context.Background(), store, testHasher, "", "x")
	assert.Error(t, err)
}
