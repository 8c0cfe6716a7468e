package auth

import (
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// RemoteVerifier verifies RS256 session tokens against a JWKS endpoint. It
// lets sibling services check sessions without holding the private key.
// It cannot refresh tokens.
type RemoteVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience jwt.ClaimStrings
	skew     time.Duration
	now      Clock
}

var _ TokenVerifier = (*RemoteVerifier)(nil)

// NewRemoteVerifier fetches the key set at jwksURL and keeps it refreshed
// in the background until Close is called.
func NewRemoteVerifier(jwksURL string, logger Logger, opts ...IssuerOption) (*RemoteVerifier, error) {
	logger = resolveLogger(logger)

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.Warn("failed to do a background refresh of JWT set", "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to load JWKS")
	}

	// reuse issuer options for the shared settings
	cfg := newIssuer(jwt.SigningMethodRS256, nil, nil, opts...)

	return &RemoteVerifier{
		jwks:     jwks,
		issuer:   cfg.issuer,
		audience: cfg.audience,
		skew:     cfg.skew,
		now:      cfg.now,
	}, nil
}

// Verify implements TokenVerifier
func (r *RemoteVerifier) Verify(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrTokenInvalid
	}

	claims := &jwtClaims{}
	_, err := jwt.ParseWithClaims(token, claims, r.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, newError(ErrTokenInvalid, err, nil)
	}

	return validateClaims(claims, claimRules{
		now:      r.now(),
		skew:     r.skew,
		issuer:   r.issuer,
		audience: r.audience,
	})
}

// Close stops the background refresh
func (r *RemoteVerifier) Close() {
	if r.jwks != nil {
		r.jwks.EndBackground()
	}
}
