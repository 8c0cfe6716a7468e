package auth_test

import (
	"context"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/stretchr/testify/mock"
)

// MockAccountStore implements auth.AccountStore
type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) account(args mock.Arguments) *auth.Account {
	if a, ok := args.Get(0).(*auth.Account); ok {
		return a
	}
	return nil
}

func (m *MockAccountStore) Create(ctx context.Context, candidate auth.NewAccount) (*auth.Account, error) {
	args := m.Called(ctx, candidate)
	return m.account(args), args.Error(1)
}

func (m *MockAccountStore) FindByEmailOrUsername(ctx context.Context, identifier string) (*auth.Account, error) {
	args := m.Called(ctx, identifier)
	return m.account(args), args.Error(1)
}

func (m *MockAccountStore) FindByID(ctx context.Context, id string) (*auth.Account, error) {
	args := m.Called(ctx, id)
	return m.account(args), args.Error(1)
}

func (m *MockAccountStore) FindByExternalID(ctx context.Context, externalID string) (*auth.Account, error) {
	args := m.Called(ctx, externalID)
	return m.account(args), args.Error(1)
}

func (m *MockAccountStore) Update(ctx context.Context, actor auth.Actor, id string, patch auth.AccountPatch) (*auth.Account, error) {
	args := m.Called(ctx, actor, id, patch)
	return m.account(args), args.Error(1)
}

func (m *MockAccountStore) Delete(ctx context.Context, actor auth.Actor, id string) (bool, error) {
	args := m.Called(ctx, actor, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockAccountStore) UpsertExternal(ctx context.Context, profile auth.ExternalProfile, nextRole auth.RoleResolver) (*auth.Account, bool, error) {
	args := m.Called(ctx, profile, nextRole)
	return m.account(args), args.Bool(1), args.Error(2)
}

func (m *MockAccountStore) TrackLogin(ctx context.Context, id string, success bool) error {
	args := m.Called(ctx, id, success)
	return args.Error(0)
}

func (m *MockAccountStore) List(ctx context.Context, limit, offset int) ([]*auth.Account, error) {
	args := m.Called(ctx, limit, offset)
	accounts, _ := args.Get(0).([]*auth.Account)
	return accounts, args.Error(1)
}

// MockTokenVerifier implements auth.TokenVerifier without refresh
type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) Verify(token string) (auth.Claims, error) {
	args := m.Called(token)
	return args.Get(0).(auth.Claims), args.Error(1)
}

// MockSessionRegistry implements auth.SessionRegistry
type MockSessionRegistry struct {
	mock.Mock
}

func (m *MockSessionRegistry) Touch(ctx context.Context, accountID string, role auth.Role, displayName string) {
	m.Called(ctx, accountID, role, displayName)
}

func (m *MockSessionRegistry) ListOnline(ctx context.Context, maxAge time.Duration) []auth.PresenceEntry {
	args := m.Called(ctx, maxAge)
	entries, _ := args.Get(0).([]auth.PresenceEntry)
	return entries
}

func (m *MockSessionRegistry) Evict(ctx context.Context, accountID string) {
	m.Called(ctx, accountID)
}
