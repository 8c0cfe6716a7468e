package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified content of a session token. It is produced by the
// SessionIssuer and is read only; there are no setters.
type Claims struct {
	subject     string
	role        Role
	externalID  string
	displayName string
	tokenID     string
	issuedAt    time.Time
	expiresAt   time.Time
}

// Subject returns the account id
func (c Claims) Subject() string { return c.subject }

// Role returns the role snapshot taken at issuance
func (c Claims) Role() Role { return c.role }

// ExternalID returns the linked external identity, if any
func (c Claims) ExternalID() string { return c.externalID }

// DisplayName returns the name shown in presence lists
func (c Claims) DisplayName() string { return c.displayName }

// TokenID returns the jti claim
func (c Claims) TokenID() string { return c.tokenID }

func (c Claims) IssuedAt() time.Time { return c.issuedAt }

func (c Claims) ExpiresAt() time.Time { return c.expiresAt }

// IsZero reports whether the claims are empty
func (c Claims) IsZero() bool {
	return c.subject == ""
}

// IsAtLeast checks the role snapshot against min
func (c Claims) IsAtLeast(min Role) bool {
	return c.role.IsAtLeast(min)
}

// HasAnyRole reports whether the role snapshot is in roles
func (c Claims) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if c.role == r {
			return true
		}
	}
	return false
}

// jwtClaims is the wire form of Claims
type jwtClaims struct {
	jwt.RegisteredClaims
	UserRole   string `json:"role"`
	ExternalID string `json:"ext,omitempty"`
	Name       string `json:"name,omitempty"`
}

func (j *jwtClaims) toClaims() Claims {
	c := Claims{
		subject:     j.Subject,
		role:        Role(j.UserRole),
		externalID:  j.ExternalID,
		displayName: j.Name,
		tokenID:     j.ID,
	}
	if j.IssuedAt != nil {
		c.issuedAt = j.IssuedAt.Time
	}
	if j.ExpiresAt != nil {
		c.expiresAt = j.ExpiresAt.Time
	}
	return c
}

// NewClaimsForTest builds claims without signing a token. It exists for
// consumers that need to fake a verified session.
func NewClaimsForTest(subject string, role Role, issuedAt, expiresAt time.Time) Claims {
	return Claims{
		subject:   subject,
		role:      role,
		issuedAt:  issuedAt,
		expiresAt: expiresAt,
	}
}
