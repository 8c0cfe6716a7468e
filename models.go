package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountStatus is the lifecycle status of an account
type AccountStatus string

const (
	// StatusActive accounts can authenticate
	StatusActive AccountStatus = "ACTIVE"
	// StatusSuspended accounts are temporarily blocked
	StatusSuspended AccountStatus = "SUSPENDED"
	// StatusBanned accounts are permanently blocked
	StatusBanned AccountStatus = "BANNED"
)

// IsValid checks the status against the known values
func (s AccountStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusBanned:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes casing. Unknown values return false.
func ParseStatus(s string) (AccountStatus, bool) {
	status := AccountStatus(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.IsValid()
}

// Account is the durable identity record
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`

	ID             uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	Email          string        `bun:"email,notnull" json:"email"`
	EmailKey       string        `bun:"email_key,notnull,unique" json:"-"`
	Username       string        `bun:"username,nullzero" json:"username,omitempty"`
	UsernameKey    string        `bun:"username_key,nullzero,unique" json:"-"`
	DisplayName    string        `bun:"display_name" json:"display_name,omitempty"`
	AvatarURL      string        `bun:"avatar_url" json:"avatar_url,omitempty"`
	CredentialHash string        `bun:"credential_hash" json:"-"`
	Role           Role          `bun:"role,notnull" json:"role"`
	Status         AccountStatus `bun:"status,notnull" json:"status"`
	ExternalID     string        `bun:"external_id,nullzero,unique" json:"external_id,omitempty"`
	Provider       string        `bun:"provider" json:"provider,omitempty"`
	LoginAttempts  int           `bun:"login_attempts,notnull,default:0" json:"login_attempts"`
	LoginAttemptAt *time.Time    `bun:"login_attempt_at,nullzero" json:"login_attempt_at,omitempty"`
	LoggedInAt     *time.Time    `bun:"loggedin_at,nullzero" json:"loggedin_at,omitempty"`
	Version        int64         `bun:"version,notnull,default:1" json:"-"`
	CreatedAt      time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time     `bun:"updated_at,notnull" json:"updated_at"`
}

// HasCredentials reports whether the account can use password login
func (a *Account) HasCredentials() bool {
	return a != nil && a.CredentialHash != ""
}

// IsActive reports whether the account may authenticate
func (a *Account) IsActive() bool {
	return a != nil && a.Status == StatusActive
}

// Name returns the label used for presence display. It never falls back
// to the full email address.
func (a *Account) Name() string {
	if a == nil {
		return ""
	}
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Username != "" {
		return a.Username
	}
	if at := strings.Index(a.Email, "@"); at > 0 {
		return a.Email[:at]
	}
	return "user"
}

// Clone returns a copy that can be mutated without touching the original
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.LoginAttemptAt != nil {
		t := *a.LoginAttemptAt
		c.LoginAttemptAt = &t
	}
	if a.LoggedInAt != nil {
		t := *a.LoggedInAt
		c.LoggedInAt = &t
	}
	return &c
}

// AccountPatch holds the mutable fields of an account. Nil fields are left
// untouched. Identity and creation time are not part of the patch.
type AccountPatch struct {
	Email          *string
	Username       *string
	DisplayName    *string
	AvatarURL      *string
	CredentialHash *string
	Role           *Role
	Status         *AccountStatus
}

// IsEmpty reports whether the patch changes nothing
func (p AccountPatch) IsEmpty() bool {
	return p.Email == nil &&
		p.Username == nil &&
		p.DisplayName == nil &&
		p.AvatarURL == nil &&
		p.CredentialHash == nil &&
		p.Role == nil &&
		p.Status == nil
}

// touchesProfile reports changes to self-service fields
func (p AccountPatch) touchesProfile() bool {
	return p.Email != nil ||
		p.Username != nil ||
		p.DisplayName != nil ||
		p.AvatarURL != nil ||
		p.CredentialHash != nil
}

// NewAccount holds the input for AccountStore.Create
type NewAccount struct {
	Email          string
	Username       string
	DisplayName    string
	AvatarURL      string
	CredentialHash string
	Role           Role
	Status         AccountStatus
	ExternalID     string
	Provider       string
}

// ExternalProfile is the cached profile of an externally confirmed identity
type ExternalProfile struct {
	Provider    string
	ExternalID  string
	Email       string
	Username    string
	DisplayName string
	AvatarURL   string
}

// NormalizeEmail returns the case-insensitive lookup key for an email
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// StringPtr is a helper to build patches
func StringPtr(s string) *string {
	return &s
}

// RolePtr is a helper to build patches
func RolePtr(r Role) *Role {
	return &r
}

// StatusPtr is a helper to build patches
func StatusPtr(s AccountStatus) *AccountStatus {
	return &s
}
