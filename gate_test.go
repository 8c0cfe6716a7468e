package auth_test

import (
	"context"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFixture struct {
	clock    *fakeClock
	issuer   *auth.SessionIssuer
	registry *auth.MemoryRegistry
	gate     *auth.Gate
}

func newGateFixture(t *testing.T, opts ...auth.GateOption) *gateFixture {
	t.Helper()

	clock := newFakeClock()
	issuer := newTestIssuer(t, clock)
	registry := auth.NewMemoryRegistry(auth.DefaultPresenceWindow, clock.Now)

	base := []auth.GateOption{auth.WithSessionRegistry(registry)}
	return &gateFixture{
		clock:    clock,
		issuer:   issuer,
		registry: registry,
		gate:     auth.NewGate(issuer, append(base, opts...)...),
	}
}

func (f *gateFixture) token(t *testing.T, role auth.Role) string {
	t.Helper()
	token, _, err := f.issuer.Issue(testAccount(role))
	require.NoError(t, err)
	return token
}

func TestGateEvaluate(t *testing.T) {
	f := newGateFixture(t)

	user := f.token(t, auth.RoleUser)
	moderator := f.token(t, auth.RoleModerator)
	admin := f.token(t, auth.RoleAdmin)
	owner := f.token(t, auth.RoleOwner)

	tests := []struct {
		name     string
		path     string
		token    string
		outcome  auth.Outcome
		target   string
		returnTo string
	}{
		{"home is public", "/", "", auth.OutcomeAllowed, "", ""},
		{"assets are public", "/_next/static/app.js", "", auth.OutcomeAllowed, "", ""},
		{"auth api is public", "/api/auth/login", "", auth.OutcomeAllowed, "", ""},
		{"anonymous on login", "/login", "", auth.OutcomeAllowed, "", ""},
		{"anonymous on signup", "/inscription", "", auth.OutcomeAllowed, "", ""},
		{"anonymous on dashboard", "/dashboard", "", auth.OutcomeDeniedRedirect, "/login", "/dashboard"},
		{"anonymous on checkout", "/paiement/step-2", "", auth.OutcomeDeniedRedirect, "/login", "/paiement/step-2"},
		{"anonymous on admin", "/admin", "", auth.OutcomeDeniedRedirect, "/login", "/admin"},
		{"anonymous on unlisted path", "/some/new/page", "", auth.OutcomeDeniedRedirect, "/login", "/some/new/page"},
		{"garbage token on dashboard", "/dashboard", "garbage", auth.OutcomeDeniedRedirect, "/login", "/dashboard"},
		{"user on dashboard", "/dashboard", user, auth.OutcomeAllowed, "", ""},
		{"user on unlisted path", "/some/new/page", user, auth.OutcomeAllowed, "", ""},
		{"user on admin", "/admin/orders", user, auth.OutcomeDeniedRedirect, "/acces-refuse", ""},
		{"moderator on admin api", "/api/admin/users", moderator, auth.OutcomeDeniedRedirect, "/acces-refuse", ""},
		{"admin on admin", "/admin/orders", admin, auth.OutcomeAllowed, "", ""},
		{"owner on admin api", "/api/admin/users", owner, auth.OutcomeAllowed, "", ""},
		{"user on login goes to dashboard", "/login", user, auth.OutcomeDeniedRedirect, "/dashboard", ""},
		{"admin on signup goes to admin", "/inscription", admin, auth.OutcomeDeniedRedirect, "/admin/dashboard", ""},
		{"user on public path", "/", user, auth.OutcomeAllowed, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.gate.Evaluate(context.Background(), auth.Request{Path: tt.path, Token: tt.token})
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.target, d.Target)
			assert.Equal(t, tt.returnTo, d.ReturnTo)
		})
	}
}

func TestGateSegmentBoundaries(t *testing.T) {
	f := newGateFixture(t)
	user := f.token(t, auth.RoleUser)

	d := f.gate.Evaluate(context.Background(), auth.Request{Path: "/administrator", Token: user})
	assert.True(t, d.Allowed(), "/admin must not cover /administrator")
	assert.Equal(t, auth.ClassAuthenticated, d.Classification)

	d = f.gate.Evaluate(context.Background(), auth.Request{Path: "/ADMIN/Orders", Token: user})
	assert.False(t, d.Allowed(), "matching is case-insensitive")
	assert.Equal(t, "/acces-refuse", d.Target)

	d = f.gate.Evaluate(context.Background(), auth.Request{Path: "/dashboard/../admin", Token: user})
	assert.False(t, d.Allowed(), "dot segments are cleaned before matching")
}

func TestGateClassifyLongestPrefixWins(t *testing.T) {
	gate := auth.NewGate(nil, auth.WithRules([]auth.PathRule{
		{Prefix: "/shop", Classification: auth.ClassPublic},
		{Prefix: "/shop/orders", Classification: auth.ClassAuthenticated},
		{Prefix: "/shop/orders/export", Classification: auth.ClassRoleGated, AllowedRoles: []auth.Role{auth.RoleOwner}},
	}))

	assert.Equal(t, auth.ClassPublic, gate.Classify("/shop/items").Classification)
	assert.Equal(t, auth.ClassAuthenticated, gate.Classify("/shop/orders/42").Classification)
	assert.Equal(t, auth.ClassRoleGated, gate.Classify("/shop/orders/export").Classification)
	assert.Equal(t, auth.ClassAuthenticated, gate.Classify("/elsewhere").Classification)
}

func TestGateClassifyTieBreak(t *testing.T) {
	gate := auth.NewGate(nil, auth.WithRules([]auth.PathRule{
		{Prefix: "/reports", Classification: auth.ClassAuthenticated},
		{Prefix: "/reports", Classification: auth.ClassRoleGated, AllowedRoles: []auth.Role{auth.RoleAdmin, auth.RoleOwner}},
		{Prefix: "/", Classification: auth.ClassAuthenticated},
		{Prefix: "/", Exact: true, Classification: auth.ClassPublic},
	}))

	rule := gate.Classify("/reports/daily")
	assert.Equal(t, auth.ClassRoleGated, rule.Classification, "the smaller allowed set wins a tie")

	assert.Equal(t, auth.ClassPublic, gate.Classify("/").Classification, "exact beats prefix on a tie")
	assert.Equal(t, auth.ClassAuthenticated, gate.Classify("/other").Classification)
}

func TestGateRefreshesStaleToken(t *testing.T) {
	f := newGateFixture(t)
	token := f.token(t, auth.RoleUser)

	f.clock.Advance(2 * time.Hour)
	d := f.gate.Evaluate(context.Background(), auth.Request{Path: "/dashboard", Token: token})
	require.True(t, d.Allowed())
	assert.Empty(t, d.RefreshedToken, "a fresh token is not re-signed")

	f.clock.Advance(auth.DefaultRefreshAfter)
	d = f.gate.Evaluate(context.Background(), auth.Request{Path: "/dashboard", Token: token})
	require.True(t, d.Allowed())
	require.NotEmpty(t, d.RefreshedToken)

	claims, err := f.issuer.Verify(d.RefreshedToken)
	require.NoError(t, err)
	assert.True(t, claims.IssuedAt().Equal(f.clock.Now()))
}

func TestGateExpiredTokenIsAnonymous(t *testing.T) {
	f := newGateFixture(t)
	token := f.token(t, auth.RoleAdmin)

	f.clock.Advance(auth.DefaultTokenTTL)

	d := f.gate.Evaluate(context.Background(), auth.Request{Path: "/admin", Token: token})
	assert.Equal(t, auth.OutcomeDeniedRedirect, d.Outcome)
	assert.Equal(t, "/login", d.Target)
	assert.False(t, d.Authenticated())

	d = f.gate.Evaluate(context.Background(), auth.Request{Path: "/login", Token: token})
	assert.True(t, d.Allowed(), "expired sessions may reach the login page")
}

func TestGateTouchesPresence(t *testing.T) {
	f := newGateFixture(t)
	token := f.token(t, auth.RoleAdmin)

	f.gate.Evaluate(context.Background(), auth.Request{Path: "/", Token: token})
	assert.Empty(t, f.registry.ListOnline(context.Background(), 0), "public paths do not resolve the session")

	f.gate.Evaluate(context.Background(), auth.Request{Path: "/admin", Token: token})
	online := f.registry.ListOnline(context.Background(), 0)
	require.Len(t, online, 1)
	assert.Equal(t, auth.RoleAdmin, online[0].Role)
	assert.Equal(t, "Jane", online[0].DisplayName)
}

type panickingVerifier struct{}

func (panickingVerifier) Verify(string) (auth.Claims, error) {
	panic("boom")
}

func TestGateRecoversFromVerifierPanic(t *testing.T) {
	gate := auth.NewGate(panickingVerifier{})

	d := gate.Evaluate(context.Background(), auth.Request{Path: "/dashboard", Token: "x"})
	assert.Equal(t, auth.OutcomeDeniedRedirect, d.Outcome)
	assert.Equal(t, "/login", d.Target)
}

func TestGateRedirectURL(t *testing.T) {
	f := newGateFixture(t)

	d := f.gate.Evaluate(context.Background(), auth.Request{Path: "/paiement?step=2"})
	assert.Equal(t, "/login?returnTo=%2Fpaiement%3Fstep%3D2", f.gate.RedirectURL(d))

	allowed := f.gate.Evaluate(context.Background(), auth.Request{Path: "/"})
	assert.Empty(t, f.gate.RedirectURL(allowed))

	d = auth.Decision{Outcome: auth.OutcomeDeniedRedirect, Target: "/login", ReturnTo: "//evil.example.com"}
	assert.Equal(t, "/login", f.gate.RedirectURL(d))
}

func TestIsSafeReturnPath(t *testing.T) {
	assert.True(t, auth.IsSafeReturnPath("/dashboard"))
	assert.True(t, auth.IsSafeReturnPath("/paiement?step=2"))
	assert.False(t, auth.IsSafeReturnPath(""))
	assert.False(t, auth.IsSafeReturnPath("dashboard"))
	assert.False(t, auth.IsSafeReturnPath("//evil.example.com"))
	assert.False(t, auth.IsSafeReturnPath("/\\evil.example.com"))
	assert.False(t, auth.IsSafeReturnPath("https://evil.example.com"))
	assert.False(t, auth.IsSafeReturnPath("/ok\r\nSet-Cookie: x"))
}

func TestGateLandingFor(t *testing.T) {
	gate := auth.NewGate(nil)

	assert.Equal(t, "/dashboard", gate.LandingFor(auth.RoleUser))
	assert.Equal(t, "/dashboard", gate.LandingFor(auth.RoleModerator))
	assert.Equal(t, "/admin/dashboard", gate.LandingFor(auth.RoleAdmin))
	assert.Equal(t, "/admin/dashboard", gate.LandingFor(auth.RoleSuperAdmin))
}
