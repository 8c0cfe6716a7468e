package auth

import (
	"context"
)

var claimsCtxKey = &contextKey{"claims"}

type contextKey struct {
	name string
}

// WithClaimsContext sets the verified Claims in the given context
func WithClaimsContext(r context.Context, claims Claims) context.Context {
	return context.WithValue(r, claimsCtxKey, claims)
}

// GetClaims extracts the verified Claims from the standard context
func GetClaims(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	raw, ok := ctx.Value(claimsCtxKey).(Claims)
	if !ok || raw.IsZero() {
		return Claims{}, false
	}
	return raw, true
}

// ActorFromContext returns the actor behind the session stored in ctx
func ActorFromContext(ctx context.Context) (Actor, bool) {
	claims, ok := GetClaims(ctx)
	if !ok {
		return Actor{}, false
	}
	return ActorFromClaims(claims), true
}

// IsAtLeast checks the role of the session stored in ctx
func IsAtLeast(ctx context.Context, min Role) bool {
	claims, ok := GetClaims(ctx)
	if !ok {
		return false
	}
	return claims.IsAtLeast(min)
}
