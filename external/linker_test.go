package external_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/goliatone/go-auth-gate/external"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const (
	adminRoleID = "role-admin"
	modRoleID   = "role-mod"
)

type fakeProvider struct {
	identity *external.Identity
	err      error
	delay    time.Duration
	panics   bool
}

func (f *fakeProvider) Name() string { return "discord" }

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.test/authorize?state=" + state
}

func (f *fakeProvider) Exchange(ctx context.Context, code string) (*external.Identity, error) {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	id := *f.identity
	id.GroupRoles = append([]string(nil), f.identity.GroupRoles...)
	return &id, nil
}

type events struct {
	mu   sync.Mutex
	list []auth.ActivityEvent
}

func (e *events) Record(_ context.Context, evt auth.ActivityEvent) error {
	e.mu.Lock()
	e.list = append(e.list, evt)
	e.mu.Unlock()
	return nil
}

func setupStore(t *testing.T) *auth.BunAccountStore {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	store := auth.NewAccountStore(db)
	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}

func newLinker(t *testing.T, provider external.Provider, opts ...external.Option) (*external.Linker, *auth.BunAccountStore) {
	t.Helper()
	store := setupStore(t)
	base := []external.Option{
		external.WithRoleMap(map[string]auth.Role{
			adminRoleID: auth.RoleAdmin,
			modRoleID:   auth.RoleModerator,
		}),
	}
	return external.NewLinker(provider, store, append(base, opts...)...), store
}

func TestResolveRole(t *testing.T) {
	l, _ := newLinker(t, &fakeProvider{})

	assert.Equal(t, auth.RoleUser, l.ResolveRole(nil))
	assert.Equal(t, auth.RoleUser, l.ResolveRole([]string{"unknown"}))
	assert.Equal(t, auth.RoleModerator, l.ResolveRole([]string{modRoleID}))
	assert.Equal(t, auth.RoleAdmin, l.ResolveRole([]string{modRoleID, adminRoleID}))
	assert.Equal(t, auth.RoleAdmin, l.ResolveRole([]string{adminRoleID, modRoleID}))
}

func TestWithRoleMapIgnoresInvalidRoles(t *testing.T) {
	l := external.NewLinker(&fakeProvider{}, setupStore(t), external.WithRoleMap(map[string]auth.Role{
		"bad": auth.Role("EMPEROR"),
	}))
	assert.Equal(t, auth.RoleUser, l.ResolveRole([]string{"bad"}))
}

func TestLoginCreatesAccountWithMappedRole(t *testing.T) {
	sink := &events{}
	provider := &fakeProvider{identity: &external.Identity{
		SubjectID:   "42",
		Username:    "gamer",
		DisplayName: "Gamer",
		AvatarURL:   "https://cdn.test/a.png",
		GroupRoles:  []string{adminRoleID},
	}}
	l, store := newLinker(t, provider, external.WithActivitySink(sink))

	account, err := l.Login(context.Background(), "code")
	require.NoError(t, err)

	assert.Equal(t, auth.RoleAdmin, account.Role)
	assert.Equal(t, "42", account.ExternalID)
	assert.Equal(t, "discord", account.Provider)
	assert.Equal(t, external.SynthesizedEmail("discord", "42"), account.Email)
	assert.Equal(t, "gamer", account.Username)
	assert.Equal(t, "Gamer", account.DisplayName)
	assert.False(t, account.HasCredentials())

	stored, err := store.FindByExternalID(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, account.ID, stored.ID)

	require.Len(t, sink.list, 1)
	assert.Equal(t, auth.ActivityEventExternalLogin, sink.list[0].EventType)
	assert.Equal(t, true, sink.list[0].Metadata["created"])
}

func TestLinkNeverLowersRole(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{
		SubjectID:  "42",
		GroupRoles: []string{adminRoleID},
	}}
	l, _ := newLinker(t, provider)
	ctx := context.Background()

	first, err := l.Login(ctx, "code")
	require.NoError(t, err)
	require.Equal(t, auth.RoleAdmin, first.Role)

	provider.identity.GroupRoles = nil
	second, err := l.Login(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, auth.RoleAdmin, second.Role)
}

func TestLinkRaisesRole(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{SubjectID: "7"}}
	l, _ := newLinker(t, provider)
	ctx := context.Background()

	first, err := l.Login(ctx, "code")
	require.NoError(t, err)
	require.Equal(t, auth.RoleUser, first.Role)

	provider.identity.GroupRoles = []string{modRoleID}
	second, err := l.Login(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleModerator, second.Role)
}

func TestOwnerIDsForceOwner(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{SubjectID: "owner-1"}}
	l, _ := newLinker(t, provider, external.WithOwnerIDs(" owner-1 "))

	account, err := l.Login(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleOwner, account.Role)
}

func TestVerifiedEmailLinksExistingAccount(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{
		SubjectID:     "99",
		Email:         "Jane@Example.com",
		EmailVerified: true,
	}}
	l, store := newLinker(t, provider)
	ctx := context.Background()

	existing, err := store.Create(ctx, auth.NewAccount{Email: "jane@example.com"})
	require.NoError(t, err)

	account, err := l.Login(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, account.ID)
	assert.Equal(t, "99", account.ExternalID)
}

func TestUnverifiedEmailDoesNotLink(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{
		SubjectID: "99",
		Email:     "jane@example.com",
	}}
	l, store := newLinker(t, provider)
	ctx := context.Background()

	existing, err := store.Create(ctx, auth.NewAccount{Email: "jane@example.com"})
	require.NoError(t, err)

	account, err := l.Login(ctx, "code")
	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, account.ID)
	assert.Equal(t, external.SynthesizedEmail("discord", "99"), account.Email)
}

func TestEmailLinkedToOtherIdentityConflicts(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{
		SubjectID:     "1",
		Email:         "shared@example.com",
		EmailVerified: true,
	}}
	l, _ := newLinker(t, provider)
	ctx := context.Background()

	_, err := l.Login(ctx, "code")
	require.NoError(t, err)

	provider.identity.SubjectID = "2"
	_, err = l.Login(ctx, "code")
	require.Error(t, err)
	assert.True(t, auth.IsDuplicateIdentity(err))
}

func TestExchangeFailureIsProviderError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream down")}
	l, _ := newLinker(t, provider)

	_, err := l.Login(context.Background(), "code")
	require.Error(t, err)
	assert.True(t, auth.IsProviderError(err))
	assert.False(t, auth.IsAuthenticationFailure(errors.New("upstream down")))
}

func TestExchangeTimeout(t *testing.T) {
	provider := &fakeProvider{
		identity: &external.Identity{SubjectID: "1"},
		delay:    time.Second,
	}
	l, _ := newLinker(t, provider, external.WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := l.Login(context.Background(), "code")
	require.Error(t, err)
	assert.True(t, auth.IsProviderError(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExchangePanicIsProviderError(t *testing.T) {
	l, _ := newLinker(t, &fakeProvider{panics: true})

	_, err := l.Login(context.Background(), "code")
	require.Error(t, err)
	assert.True(t, auth.IsProviderError(err))
}

func TestExchangeWithoutSubject(t *testing.T) {
	l, _ := newLinker(t, &fakeProvider{identity: &external.Identity{}})

	_, err := l.Exchange(context.Background(), "code")
	require.Error(t, err)
	assert.True(t, auth.IsProviderError(err))
}

func TestProviderErrorDetails(t *testing.T) {
	perr := &external.ProviderError{
		Provider:    "discord",
		Operation:   "member",
		Status:      403,
		Code:        "discord_50001",
		Description: "Missing Access",
	}
	l, _ := newLinker(t, &fakeProvider{err: perr})

	_, err := l.Exchange(context.Background(), "code")
	require.Error(t, err)
	assert.True(t, auth.IsProviderError(err))
	assert.Equal(t, "discord member failed: Missing Access", perr.Error())
	assert.Equal(t, 403, perr.Metadata()["status"])
}

func TestLoginInactiveAccount(t *testing.T) {
	provider := &fakeProvider{identity: &external.Identity{SubjectID: "5"}}
	l, store := newLinker(t, provider)
	ctx := context.Background()

	account, err := l.Login(ctx, "code")
	require.NoError(t, err)

	_, err = store.Update(ctx, auth.SystemActor, account.ID.String(), auth.AccountPatch{
		Status: auth.StatusPtr(auth.StatusBanned),
	})
	require.NoError(t, err)

	_, err = l.Login(ctx, "code")
	require.Error(t, err)
	assert.True(t, auth.IsAccountNotActive(err))
}
