package auth

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Classification is the access level a path requires
type Classification string

const (
	ClassPublic        Classification = "PUBLIC"
	ClassAuthenticated Classification = "AUTHENTICATED"
	ClassRoleGated     Classification = "ROLE_GATED"
)

// IsValid checks the classification against the known values
func (c Classification) IsValid() bool {
	switch c {
	case ClassPublic, ClassAuthenticated, ClassRoleGated:
		return true
	default:
		return false
	}
}

// Outcome is the terminal state of a gate evaluation
type Outcome string

const (
	OutcomeAllowed        Outcome = "ALLOWED"
	OutcomeDeniedRedirect Outcome = "DENIED_REDIRECT"
)

// PathRule maps a path prefix to the access it requires. Prefixes match on
// segment boundaries, "/admin" matches "/admin" and "/admin/users" but not
// "/administrator". Exact rules only match the path itself.
type PathRule struct {
	Prefix         string
	Exact          bool
	Classification Classification
	AllowedRoles   []Role
}

// Matches reports whether the rule covers p
func (r PathRule) Matches(p string) bool {
	prefix := normalizePath(r.Prefix)
	if r.Exact {
		return p == prefix
	}
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Allows reports whether role satisfies the rule
func (r PathRule) Allows(role Role) bool {
	switch r.Classification {
	case ClassPublic, ClassAuthenticated:
		return true
	case ClassRoleGated:
		for _, allowed := range r.AllowedRoles {
			if allowed == role {
				return true
			}
		}
	}
	return false
}

// restrictiveness is the size of the allowed set, smaller is stricter.
// Anonymous callers count as one extra member for public rules.
func (r PathRule) restrictiveness() int {
	switch r.Classification {
	case ClassPublic:
		return len(roleRanks) + 1
	case ClassAuthenticated:
		return len(roleRanks)
	default:
		return len(r.AllowedRoles)
	}
}

func (r PathRule) String() string {
	p := r.Prefix
	if r.Exact {
		p += "$"
	}
	if r.Classification != ClassRoleGated {
		return fmt.Sprintf("%s=%s", p, r.Classification)
	}
	roles := make([]string, 0, len(r.AllowedRoles))
	for _, role := range r.AllowedRoles {
		roles = append(roles, string(role))
	}
	return fmt.Sprintf("%s=%s:%s", p, r.Classification, strings.Join(roles, "|"))
}

// GatePaths are the redirect targets used by the gate
type GatePaths struct {
	LoginPath        string
	AuthPaths        []string
	AccessDeniedPath string
	DefaultLanding   string
	AdminLanding     string
	ReturnToParam    string
}

// DefaultGatePaths returns the paths used by the storefront
func DefaultGatePaths() GatePaths {
	return GatePaths{
		LoginPath:        "/login",
		AuthPaths:        []string{"/login", "/inscription"},
		AccessDeniedPath: "/acces-refuse",
		DefaultLanding:   "/dashboard",
		AdminLanding:     "/admin/dashboard",
		ReturnToParam:    "returnTo",
	}
}

// DefaultRules returns the path table of the storefront and back-office
func DefaultRules() []PathRule {
	staff := RolesAtLeast(RoleAdmin)
	return []PathRule{
		{Prefix: "/", Exact: true, Classification: ClassPublic},
		{Prefix: "/login", Classification: ClassPublic},
		{Prefix: "/inscription", Classification: ClassPublic},
		{Prefix: "/acces-refuse", Classification: ClassPublic},
		{Prefix: "/api/auth", Classification: ClassPublic},
		{Prefix: "/_next", Classification: ClassPublic},
		{Prefix: "/favicon.ico", Classification: ClassPublic},
		{Prefix: "/.well-known", Classification: ClassPublic},
		{Prefix: "/paiement", Classification: ClassAuthenticated},
		{Prefix: "/dashboard", Classification: ClassAuthenticated},
		{Prefix: "/compte", Classification: ClassAuthenticated},
		{Prefix: "/profil", Classification: ClassAuthenticated},
		{Prefix: "/parametres", Classification: ClassAuthenticated},
		{Prefix: "/credits", Classification: ClassAuthenticated},
		{Prefix: "/client", Classification: ClassAuthenticated},
		{Prefix: "/admin", Classification: ClassRoleGated, AllowedRoles: staff},
		{Prefix: "/api/admin", Classification: ClassRoleGated, AllowedRoles: staff},
	}
}

// Request is the part of an inbound request the gate looks at
type Request struct {
	Path  string
	Token string
}

// Decision is the result of Gate.Evaluate
type Decision struct {
	Outcome        Outcome
	Classification Classification
	Rule           string
	Target         string
	ReturnTo       string
	Reason         string
	Claims         Claims
	RefreshedToken string
}

// Allowed reports whether the request may proceed
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// Authenticated reports whether a valid session was resolved
func (d Decision) Authenticated() bool {
	return !d.Claims.IsZero()
}

// Gate is the per request authorization decision point
type Gate struct {
	verifier  TokenVerifier
	refresher TokenRefresher
	rules     []PathRule
	paths     GatePaths
	registry  SessionRegistry
	metrics   *Metrics
	logger    Logger
	authPaths map[string]struct{}
}

// GateOption configures a Gate
type GateOption func(*Gate)

func WithRules(rules []PathRule) GateOption {
	return func(g *Gate) {
		if len(rules) > 0 {
			g.rules = append([]PathRule(nil), rules...)
		}
	}
}

func WithGatePaths(p GatePaths) GateOption {
	return func(g *Gate) { g.paths = p }
}

func WithSessionRegistry(r SessionRegistry) GateOption {
	return func(g *Gate) { g.registry = normalizeRegistry(r) }
}

func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

func WithGateLogger(l Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate returns a gate verifying sessions with verifier. When verifier
// also implements TokenRefresher stale tokens are re-signed on the way.
func NewGate(verifier TokenVerifier, opts ...GateOption) *Gate {
	g := &Gate{
		verifier: verifier,
		rules:    DefaultRules(),
		paths:    DefaultGatePaths(),
		registry: noopRegistry{},
		logger:   NopLogger(),
	}
	if r, ok := verifier.(TokenRefresher); ok {
		g.refresher = r
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	g.authPaths = map[string]struct{}{}
	for _, p := range g.paths.AuthPaths {
		g.authPaths[normalizePath(p)] = struct{}{}
	}
	return g
}

// Paths returns the configured redirect targets
func (g *Gate) Paths() GatePaths {
	return g.paths
}

// Classify returns the rule that governs p. Longest prefix wins, on a tie
// the exact rule and then the smaller allowed set win. Unmatched paths
// require authentication.
func (g *Gate) Classify(p string) PathRule {
	p = normalizePath(p)

	var (
		best  PathRule
		found bool
	)
	for _, r := range g.rules {
		if !r.Matches(p) {
			continue
		}
		if !found || ruleBeats(r, best) {
			best, found = r, true
		}
	}

	if !found {
		return PathRule{Prefix: p, Classification: ClassAuthenticated}
	}
	return best
}

func ruleBeats(a, b PathRule) bool {
	la, lb := len(normalizePath(a.Prefix)), len(normalizePath(b.Prefix))
	if la != lb {
		return la > lb
	}
	if a.Exact != b.Exact {
		return a.Exact
	}
	return a.restrictiveness() < b.restrictiveness()
}

// Evaluate runs the gate state machine for req. Every failure to resolve a
// session is handled as an anonymous request.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	p := normalizePath(req.Path)
	rule := g.Classify(p)

	d := Decision{
		Classification: rule.Classification,
		Rule:           rule.String(),
	}

	_, isAuthPath := g.authPaths[p]

	if rule.Classification == ClassPublic && !isAuthPath {
		return g.finish(d.allow("public"), p)
	}

	claims, refreshed, ok := g.resolve(req.Token)

	if isAuthPath {
		if !ok {
			return g.finish(d.allow("anonymous on auth path"), p)
		}
		d.Claims = claims
		d.RefreshedToken = refreshed
		return g.finish(d.redirect(g.LandingFor(claims.Role()), "already authenticated"), p)
	}

	if !ok {
		d.ReturnTo = req.Path
		return g.finish(d.redirect(g.paths.LoginPath, "no session"), p)
	}

	d.Claims = claims
	d.RefreshedToken = refreshed

	g.registry.Touch(ctx, claims.Subject(), claims.Role(), claims.DisplayName())
	g.metrics.PresenceTouched()

	if rule.Classification == ClassRoleGated && !rule.Allows(claims.Role()) {
		return g.finish(d.redirect(g.paths.AccessDeniedPath, "role not allowed"), p)
	}

	return g.finish(d.allow("authorized"), p)
}

// LandingFor returns where a logged in caller with role is sent
func (g *Gate) LandingFor(role Role) string {
	if role.IsAtLeast(RoleAdmin) {
		return g.paths.AdminLanding
	}
	return g.paths.DefaultLanding
}

// RedirectURL renders the redirect of d, adding the return path for login
// redirects.
func (g *Gate) RedirectURL(d Decision) string {
	if d.Outcome != OutcomeDeniedRedirect {
		return ""
	}
	if d.ReturnTo == "" || !IsSafeReturnPath(d.ReturnTo) {
		return d.Target
	}
	param := g.paths.ReturnToParam
	if param == "" {
		param = "returnTo"
	}
	sep := "?"
	if strings.Contains(d.Target, "?") {
		sep = "&"
	}
	return d.Target + sep + param + "=" + url.QueryEscape(d.ReturnTo)
}

// resolve verifies the token and refreshes it when stale. Panics from the
// verifier are recovered and reported as no session.
func (g *Gate) resolve(token string) (claims Claims, refreshed string, ok bool) {
	if token == "" || g.verifier == nil {
		return Claims{}, "", false
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("token verification panicked", "panic", fmt.Sprint(r))
			claims, refreshed, ok = Claims{}, "", false
		}
	}()

	if g.refresher != nil {
		next, c, didRefresh, err := g.refresher.RefreshIfStale(token)
		if err != nil {
			g.logger.Debug("session rejected", "reason", textCodeOf(err))
			return Claims{}, "", false
		}
		if didRefresh {
			return c, next, true
		}
		return c, "", true
	}

	c, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug("session rejected", "reason", textCodeOf(err))
		return Claims{}, "", false
	}
	return c, "", true
}

func (g *Gate) finish(d Decision, p string) Decision {
	g.metrics.GateDecision(d.Classification, d.Outcome)

	role := ""
	if !d.Claims.IsZero() {
		role = d.Claims.Role().String()
	}
	g.logger.Debug("gate decision",
		"path", p,
		"classification", string(d.Classification),
		"outcome", string(d.Outcome),
		"role", role,
		"reason", d.Reason,
	)
	return d
}

func (d Decision) allow(reason string) Decision {
	d.Outcome = OutcomeAllowed
	d.Reason = reason
	return d
}

func (d Decision) redirect(target, reason string) Decision {
	d.Outcome = OutcomeDeniedRedirect
	d.Target = target
	d.Reason = reason
	return d
}

// IsSafeReturnPath accepts local absolute paths only
func IsSafeReturnPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	return !strings.ContainsAny(p, "\r\n")
}

// normalizePath cleans p and lowercases it, routing is case-insensitive
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.ToLower(path.Clean(p))
}

func textCodeOf(err error) string {
	switch {
	case IsTokenExpired(err):
		return TextCodeTokenExpired
	case IsTokenInvalid(err):
		return TextCodeTokenInvalid
	default:
		return "error"
	}
}
