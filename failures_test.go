package auth_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateStoreFailureIsNotACredentialError(t *testing.T) {
	store := new(MockAccountStore)
	store.On("FindByEmailOrUsername", mock.Anything, "bob@example.com").
		Return(nil, io.ErrUnexpectedEOF).Once()

	creds := auth.NewCredentialAuthenticator(store, auth.WithCredentialLogger(auth.NopLogger()))

	account, err := creds.Authenticate(context.Background(), "bob@example.com", "password123")
	require.Error(t, err)
	assert.Nil(t, account)
	assert.False(t, auth.IsInvalidCredentials(err))

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "TrackLogin", mock.Anything, mock.Anything, mock.Anything)
}

func TestGateFailsClosedOnVerifierError(t *testing.T) {
	verifier := new(MockTokenVerifier)
	verifier.On("Verify", "broken").Return(auth.Claims{}, errors.New("keyset unavailable")).Once()
	registry := new(MockSessionRegistry)

	gate := auth.NewGate(verifier, auth.WithSessionRegistry(registry))

	d := gate.Evaluate(context.Background(), auth.Request{Path: "/admin/orders", Token: "broken"})
	assert.False(t, d.Allowed())
	assert.False(t, d.Authenticated())
	assert.Equal(t, "/login", d.Target)
	assert.Equal(t, "/admin/orders", d.ReturnTo)

	verifier.AssertExpectations(t)
	registry.AssertNotCalled(t, "Touch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGateTouchesRegistryBeforeRoleCheck(t *testing.T) {
	now := time.Now()
	claims := auth.NewClaimsForTest("acc-1", auth.RoleUser, now, now.Add(time.Hour))

	verifier := new(MockTokenVerifier)
	verifier.On("Verify", "user-token").Return(claims, nil)
	registry := new(MockSessionRegistry)
	registry.On("Touch", mock.Anything, "acc-1", auth.RoleUser, mock.Anything).Return().Once()

	gate := auth.NewGate(verifier, auth.WithSessionRegistry(registry))

	d := gate.Evaluate(context.Background(), auth.Request{Path: "/admin", Token: "user-token"})
	assert.False(t, d.Allowed())
	assert.Equal(t, "/acces-refuse", d.Target)

	registry.AssertExpectations(t)
}

func TestAuthenticateWrongPasswordDoesNotWaitForTracking(t *testing.T) {
	hash, err := testHasher.HashPassword("correct-horse")
	require.NoError(t, err)
	account := &auth.Account{
		ID:             uuid.New(),
		Email:          "jane@example.com",
		CredentialHash: hash,
		Role:           auth.RoleUser,
		Status:         auth.StatusActive,
	}

	release := make(chan struct{})
	store := new(MockAccountStore)
	store.On("FindByEmailOrUsername", mock.Anything, "jane").Return(account, nil)
	store.On("TrackLogin", mock.Anything, account.ID.String(), false).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()

	creds := auth.NewCredentialAuthenticator(store, auth.WithHasher(testHasher))

	done := make(chan error, 1)
	go func() {
		_, err := creds.Authenticate(context.Background(), "jane", "wrong-horse")
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	case <-time.After(2 * time.Second):
		t.Fatal("authenticate blocked on the failed attempt write")
	}

	close(release)
	creds.Wait()
	store.AssertExpectations(t)
}
