package auth_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"
)

var testHasher = auth.BcryptHasher{Cost: bcrypt.MinCost}

// fakeClock is a settable clock shared by the components under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func setupStore(t *testing.T, opts ...auth.AccountStoreOption) (*auth.BunAccountStore, *bun.DB) {
	t.Helper()

	db := setupDB(t)
	store := auth.NewAccountStore(db, opts...)
	require.NoError(t, store.CreateSchema(context.Background()))
	return store, db
}

func createAccount(t *testing.T, store auth.AccountStore, email string, role auth.Role) *auth.Account {
	t.Helper()

	account, err := store.Create(context.Background(), auth.NewAccount{
		Email: email,
		Role:  role,
	})
	require.NoError(t, err)
	return account
}

func createAccountWithPassword(t *testing.T, store auth.AccountStore, email, username, password string) *auth.Account {
	t.Helper()

	hash, err := testHasher.HashPassword(password)
	require.NoError(t, err)

	account, err := store.Create(context.Background(), auth.NewAccount{
		Email:          email,
		Username:       username,
		CredentialHash: hash,
	})
	require.NoError(t, err)
	return account
}

func actorFor(a *auth.Account) auth.Actor {
	return auth.Actor{ID: a.ID.String(), Role: a.Role}
}

// recordingSink keeps every activity event in memory
type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, evt auth.ActivityEvent) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Types() []auth.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}
