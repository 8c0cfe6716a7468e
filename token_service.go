package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultTokenTTL is the lifetime of a freshly issued session token
	DefaultTokenTTL = 30 * 24 * time.Hour
	// DefaultRefreshAfter is the age after which a token is re-signed
	DefaultRefreshAfter = 24 * time.Hour
	// DefaultClockSkew is the tolerance applied to issued-at checks
	DefaultClockSkew = time.Minute
)

// TokenVerifier validates session tokens
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

// TokenRefresher re-signs tokens past the rolling refresh window
type TokenRefresher interface {
	RefreshIfStale(token string) (string, Claims, bool, error)
}

// SessionIssuer signs and verifies stateless session tokens. It never reads
// the account store after issuance.
type SessionIssuer struct {
	method       jwt.SigningMethod
	signKey      any
	verifyKey    any
	keyID        string
	issuer       string
	audience     jwt.ClaimStrings
	ttl          time.Duration
	refreshAfter time.Duration
	skew         time.Duration
	now          Clock
	metrics      *Metrics
	logger       Logger
}

var (
	_ TokenVerifier  = (*SessionIssuer)(nil)
	_ TokenRefresher = (*SessionIssuer)(nil)
)

// IssuerOption configures a SessionIssuer
type IssuerOption func(*SessionIssuer)

func WithIssuer(iss string) IssuerOption {
	return func(s *SessionIssuer) { s.issuer = iss }
}

func WithAudience(aud ...string) IssuerOption {
	return func(s *SessionIssuer) { s.audience = append(jwt.ClaimStrings(nil), aud...) }
}

func WithTokenTTL(ttl time.Duration) IssuerOption {
	return func(s *SessionIssuer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithRefreshAfter(d time.Duration) IssuerOption {
	return func(s *SessionIssuer) {
		if d > 0 {
			s.refreshAfter = d
		}
	}
}

func WithClockSkew(d time.Duration) IssuerOption {
	return func(s *SessionIssuer) {
		if d >= 0 {
			s.skew = d
		}
	}
}

func WithIssuerClock(c Clock) IssuerOption {
	return func(s *SessionIssuer) {
		if c != nil {
			s.now = c
		}
	}
}

func WithIssuerMetrics(m *Metrics) IssuerOption {
	return func(s *SessionIssuer) { s.metrics = m }
}

func WithIssuerLogger(l Logger) IssuerOption {
	return func(s *SessionIssuer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHMACIssuer returns an HS256 issuer
func NewHMACIssuer(secret []byte, opts ...IssuerOption) (*SessionIssuer, error) {
	if len(secret) < 32 {
		return nil, goerrors.New("signing secret must be at least 32 bytes", goerrors.CategoryBadInput)
	}
	return newIssuer(jwt.SigningMethodHS256, secret, secret, opts...), nil
}

// NewRSAIssuer returns an RS256 issuer. Sibling services verify its tokens
// with the public key, see RemoteVerifier.
func NewRSAIssuer(privateKeyPEM []byte, opts ...IssuerOption) (*SessionIssuer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid RSA private key")
	}
	s := newIssuer(jwt.SigningMethodRS256, key, &key.PublicKey, opts...)
	s.keyID = rsaKeyID(&key.PublicKey)
	return s, nil
}

func newIssuer(method jwt.SigningMethod, signKey, verifyKey any, opts ...IssuerOption) *SessionIssuer {
	s := &SessionIssuer{
		method:       method,
		signKey:      signKey,
		verifyKey:    verifyKey,
		ttl:          DefaultTokenTTL,
		refreshAfter: DefaultRefreshAfter,
		skew:         DefaultClockSkew,
		now:          defaultClock,
		logger:       NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// PublicKey returns the RSA verification key, nil for HMAC issuers
func (s *SessionIssuer) PublicKey() *rsa.PublicKey {
	if k, ok := s.verifyKey.(*rsa.PublicKey); ok {
		return k
	}
	return nil
}

// JWKS returns the public key set served to sibling services. HMAC issuers
// return an empty set.
func (s *SessionIssuer) JWKS() map[string]any {
	keys := []map[string]any{}
	if pub := s.PublicKey(); pub != nil {
		keys = append(keys, map[string]any{
			"kty": "RSA",
			"use": "sig",
			"alg": jwt.SigningMethodRS256.Alg(),
			"kid": s.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return map[string]any{"keys": keys}
}

func rsaKeyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// TTL returns the token lifetime
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for account with the role it holds right now
func (s *SessionIssuer) Issue(account *Account) (string, Claims, error) {
	if account == nil {
		return "", Claims{}, goerrors.New("account is required", goerrors.CategoryBadInput)
	}
	if !account.Role.IsValid() {
		return "", Claims{}, goerrors.New("account has an invalid role", goerrors.CategoryInternal).
			WithMetadata(map[string]any{"account_id": account.ID.String()})
	}
	return s.sign(account.ID.String(), account.Role, account.ExternalID, account.Name())
}

// Verify checks the signature and then the expiry. A token whose expiry
// equals the current time is expired.
func (s *SessionIssuer) Verify(token string) (Claims, error) {
	parsed, err := s.parse(token)
	if err != nil {
		return Claims{}, err
	}
	return s.checkClaims(parsed)
}

// RefreshIfStale re-signs the token with a new issued-at and expiry once it
// is older than the refresh window. The role snapshot is carried over as is.
// Fresh tokens are returned unchanged with refreshed set to false.
func (s *SessionIssuer) RefreshIfStale(token string) (string, Claims, bool, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", Claims{}, false, err
	}

	if s.now().Sub(claims.IssuedAt()) <= s.refreshAfter {
		return token, claims, false, nil
	}

	next, nextClaims, err := s.sign(claims.Subject(), claims.Role(), claims.ExternalID(), claims.DisplayName())
	if err != nil {
		return "", Claims{}, false, err
	}
	if s.metrics != nil {
		s.metrics.TokenRefreshed()
	}
	return next, nextClaims, true, nil
}

func (s *SessionIssuer) sign(subject string, role Role, externalID, name string) (string, Claims, error) {
	now := s.now().Truncate(time.Second)
	claims := &jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		UserRole:   string(role),
		ExternalID: externalID,
		Name:       name,
	}

	tok := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	signed, err := tok.SignedString(s.signKey)
	if err != nil {
		return "", Claims{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}
	return signed, claims.toClaims(), nil
}

func (s *SessionIssuer) parse(token string) (*jwtClaims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	claims := &jwtClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.verifyKey, nil
	},
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, newError(ErrTokenInvalid, err, nil)
	}
	return claims, nil
}

func (s *SessionIssuer) checkClaims(c *jwtClaims) (Claims, error) {
	return validateClaims(c, claimRules{
		now:      s.now(),
		skew:     s.skew,
		issuer:   s.issuer,
		audience: s.audience,
	})
}

type claimRules struct {
	now      time.Time
	skew     time.Duration
	issuer   string
	audience jwt.ClaimStrings
}

func validateClaims(c *jwtClaims, rules claimRules) (Claims, error) {
	if c.Subject == "" || c.ExpiresAt == nil || c.IssuedAt == nil {
		return Claims{}, newError(ErrTokenInvalid, errors.New("missing required claims"), nil)
	}

	if !rules.now.Before(c.ExpiresAt.Time) {
		return Claims{}, ErrTokenExpired
	}

	if c.IssuedAt.Time.After(rules.now.Add(rules.skew)) {
		return Claims{}, newError(ErrTokenInvalid, errors.New("token used before issued"), nil)
	}

	if rules.issuer != "" && c.Issuer != rules.issuer {
		return Claims{}, newError(ErrTokenInvalid, errors.New("issuer mismatch"), nil)
	}

	if len(rules.audience) > 0 && !audienceMatches(c.Audience, rules.audience) {
		return Claims{}, newError(ErrTokenInvalid, errors.New("audience mismatch"), nil)
	}

	if !Role(c.UserRole).IsValid() {
		return Claims{}, newError(ErrTokenInvalid, errors.New("unknown role"), nil)
	}

	return c.toClaims(), nil
}

func audienceMatches(got, want jwt.ClaimStrings) bool {
	for _, w := range want {
		for _, g := range got {
			if g == w {
				return true
			}
		}
	}
	return false
}
