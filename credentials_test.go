package auth_test

import (
	"context"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCredentials(t *testing.T, opts ...auth.CredentialOption) (*auth.CredentialAuthenticator, *auth.BunAccountStore, *recordingSink) {
	t.Helper()

	store, _ := setupStore(t)
	sink := &recordingSink{}
	base := []auth.CredentialOption{
		auth.WithHasher(testHasher),
		auth.WithCredentialActivitySink(sink),
	}
	authenticator := auth.NewCredentialAuthenticator(store, append(base, opts...)...)
	t.Cleanup(authenticator.Wait)
	return authenticator, store, sink
}

func TestAuthenticateSuccess(t *testing.T) {
	ctx := context.Background()
	authenticator, store, sink := setupCredentials(t)

	created := createAccountWithPassword(t, store, "jane@example.com", "jane", "correct-horse")

	for _, identifier := range []string{"jane@example.com", "JANE@example.com", "jane"} {
		account, err := authenticator.Authenticate(ctx, identifier, "correct-horse")
		require.NoError(t, err, identifier)
		assert.Equal(t, created.ID, account.ID)
	}

	stored, err := store.FindByID(ctx, created.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, stored.LoggedInAt)
	assert.Contains(t, sink.Types(), auth.ActivityEventLogin)
}

func TestAuthenticateFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	authenticator, store, _ := setupCredentials(t)

	createAccountWithPassword(t, store, "jane@example.com", "jane", "correct-horse")
	createAccount(t, store, "discord-only@example.com", auth.RoleUser)

	tests := []struct {
		name       string
		identifier string
		password   string
	}{
		{"unknown identifier", "nobody@example.com", "whatever1"},
		{"wrong password", "jane@example.com", "wrong-horse"},
		{"account without password", "discord-only@example.com", "anything1"},
		{"empty identifier", "", "whatever1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, err := authenticator.Authenticate(ctx, tt.identifier, tt.password)
			assert.Nil(t, account)
			assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
		})
	}
}

func TestAuthenticateWrongPasswordTracksAttempt(t *testing.T) {
	ctx := context.Background()
	authenticator, store, sink := setupCredentials(t)

	created := createAccountWithPassword(t, store, "jane@example.com", "jane", "correct-horse")

	_, err := authenticator.Authenticate(ctx, "jane", "nope-nope")
	require.Error(t, err)
	authenticator.Wait()

	stored, err := store.FindByID(ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LoginAttempts)
	assert.Contains(t, sink.Types(), auth.ActivityEventLoginFailed)
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	ctx := context.Background()
	authenticator, store, _ := setupCredentials(t)

	created := createAccountWithPassword(t, store, "banned@example.com", "banned", "correct-horse")
	_, err := store.Update(ctx, auth.SystemActor, created.ID.String(), auth.AccountPatch{
		Status: auth.StatusPtr(auth.StatusBanned),
	})
	require.NoError(t, err)

	_, err = authenticator.Authenticate(ctx, "banned", "correct-horse")
	assert.True(t, auth.IsAccountNotActive(err))

	_, err = authenticator.Authenticate(ctx, "banned", "wrong-horse")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials, "status must not leak before the password matched")
}

func TestAuthenticateRateLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	authenticator, store, _ := setupCredentials(t,
		auth.WithCredentialClock(clock.Now),
		auth.WithLoginRateLimit(3, time.Minute),
	)

	createAccountWithPassword(t, store, "jane@example.com", "jane", "correct-horse")

	for i := 0; i < 3; i++ {
		_, err := authenticator.Authenticate(ctx, "jane", "wrong-horse")
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	_, err := authenticator.Authenticate(ctx, "JANE", "correct-horse")
	assert.True(t, auth.IsTooManyLoginAttempts(err))

	clock.Advance(time.Minute)
	account, err := authenticator.Authenticate(ctx, "jane", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "jane", account.Username)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	authenticator, _, sink := setupCredentials(t)

	account, err := authenticator.Register(ctx, auth.RegisterPayload{
		Email:    "new@example.com",
		Username: "newbie",
		Password: "long-enough",
	})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleUser, account.Role)
	assert.True(t, account.HasCredentials())
	assert.NotEqual(t, "long-enough", account.CredentialHash)
	assert.Contains(t, sink.Types(), auth.ActivityEventSignup)

	_, err = authenticator.Authenticate(ctx, "newbie", "long-enough")
	assert.NoError(t, err)

	_, err = authenticator.Register(ctx, auth.RegisterPayload{
		Email:    "NEW@example.com",
		Password: "long-enough",
	})
	assert.True(t, auth.IsDuplicateIdentity(err))
}

func TestRegisterValidation(t *testing.T) {
	authenticator, _, _ := setupCredentials(t)

	tests := []struct {
		name    string
		payload auth.RegisterPayload
	}{
		{"missing email", auth.RegisterPayload{Password: "long-enough"}},
		{"bad email", auth.RegisterPayload{Email: "not-an-email", Password: "long-enough"}},
		{"short password", auth.RegisterPayload{Email: "a@example.com", Password: "short"}},
		{"bad username", auth.RegisterPayload{Email: "a@example.com", Username: "bad name!", Password: "long-enough"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := authenticator.Register(context.Background(), tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestChangePasswordHandler(t *testing.T) {
	authenticator, store, sink := setupCredentials(t)
	created := createAccountWithPassword(t, store, "jane@example.com", "jane", "old-password")
	handler := auth.NewChangePasswordHandler(authenticator)

	msg := auth.ChangePasswordMessage{AccountID: created.ID.String(), Current: "old-password", Next: "new-password"}
	assert.Equal(t, "account.password.change", msg.Type())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := handler.Execute(cancelled, msg)
	var richErr *goerrors.Error
	if assert.ErrorAs(t, err, &richErr) {
		assert.Equal(t, goerrors.CategoryOperation, richErr.Category)
	}

	require.NoError(t, handler.Execute(context.Background(), msg))
	assert.Contains(t, sink.Types(), auth.ActivityEventPasswordChange)

	_, err = authenticator.Authenticate(context.Background(), "jane", "new-password")
	assert.NoError(t, err)
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	authenticator, _, sink := setupCredentials(t)

	payload := func(email string) auth.RegisterPayload {
		return auth.RegisterPayload{Email: email, Password: "long-enough"}
	}
	admin := auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	owner := auth.Actor{ID: "owner-1", Role: auth.RoleOwner}

	account, err := authenticator.CreateAccount(ctx, admin, payload("mod@example.com"), auth.RoleModerator)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleModerator, account.Role)
	assert.Contains(t, sink.Types(), auth.ActivityEventAccountCreated)

	_, err = authenticator.CreateAccount(ctx, admin, payload("peer@example.com"), auth.RoleAdmin)
	assert.True(t, auth.IsForbidden(err))

	_, err = authenticator.CreateAccount(ctx, auth.Actor{ID: "mod-1", Role: auth.RoleModerator}, payload("u@example.com"), auth.RoleUser)
	assert.True(t, auth.IsForbidden(err))

	_, err = authenticator.CreateAccount(ctx, owner, payload("root@example.com"), auth.RoleSuperAdmin)
	assert.True(t, auth.IsRoleNotAssignable(err))

	account, err = authenticator.CreateAccount(ctx, owner, payload("peer@example.com"), "")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleUser, account.Role)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	authenticator, store, _ := setupCredentials(t)

	created := createAccountWithPassword(t, store, "jane@example.com", "jane", "old-password")

	err := authenticator.ChangePassword(ctx, created.ID.String(), "wrong-password", "new-password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	require.NoError(t, authenticator.ChangePassword(ctx, created.ID.String(), "old-password", "new-password"))

	_, err = authenticator.Authenticate(ctx, "jane", "old-password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = authenticator.Authenticate(ctx, "jane", "new-password")
	assert.NoError(t, err)
}
