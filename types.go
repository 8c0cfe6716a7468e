package auth

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger is the structured logger used across the package. Arguments are
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AccountStore is the durable record of accounts
type AccountStore interface {
	Create(ctx context.Context, candidate NewAccount) (*Account, error)
	FindByEmailOrUsername(ctx context.Context, identifier string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByExternalID(ctx context.Context, externalID string) (*Account, error)
	Update(ctx context.Context, actor Actor, id string, patch AccountPatch) (*Account, error)
	Delete(ctx context.Context, actor Actor, id string) (bool, error)
	UpsertExternal(ctx context.Context, profile ExternalProfile, nextRole RoleResolver) (*Account, bool, error)
	TrackLogin(ctx context.Context, id string, success bool) error
	List(ctx context.Context, limit, offset int) ([]*Account, error)
}

// RoleResolver decides the role stored by UpsertExternal. exists is false
// when the account is about to be created.
type RoleResolver func(current Role, exists bool) Role

// PasswordHasher hashes and compares passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// SessionRegistry tracks recently seen sessions for presence display. It is
// never consulted for access control and implementations swallow their own
// failures.
type SessionRegistry interface {
	Touch(ctx context.Context, accountID string, role Role, displayName string)
	ListOnline(ctx context.Context, maxAge time.Duration) []PresenceEntry
	Evict(ctx context.Context, accountID string)
}

// PresenceEntry is a single online session
type PresenceEntry struct {
	AccountID   string    `json:"account_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Clock returns the current time, tests swap it
type Clock func() time.Time

func defaultClock() time.Time {
	return time.Now().UTC()
}

type defLogger struct {
	l *slog.Logger
}

// NewDefaultLogger returns a text logger writing to stderr
func NewDefaultLogger() Logger {
	return defLogger{
		l: slog.New(slog.NewTextHandler(os.Stderr, nil)).With("module", "auth"),
	}
}

func (d defLogger) Debug(msg string, args ...any) { d.l.Debug(msg, args...) }
func (d defLogger) Info(msg string, args ...any)  { d.l.Info(msg, args...) }
func (d defLogger) Warn(msg string, args ...any)  { d.l.Warn(msg, args...) }
func (d defLogger) Error(msg string, args ...any) { d.l.Error(msg, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything
func NopLogger() Logger {
	return nopLogger{}
}

func resolveLogger(l Logger) Logger {
	if l == nil {
		return NewDefaultLogger()
	}
	return l
}
