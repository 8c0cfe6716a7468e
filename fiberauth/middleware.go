package fiberauth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-auth-gate"
)

// LocalsClaimsKey is where the verified claims are stored in fiber locals
const LocalsClaimsKey = "auth_claims"

// Config configures the gate middleware
type Config struct {
	// Filter skips the middleware when it returns true
	Filter func(*fiber.Ctx) bool
	Gate   *auth.Gate
	// TokenLookup lists the token sources, see GetExtractors
	TokenLookup string
	AuthScheme  string
	Cookie      Cookie
	// APIPrefix marks paths answered with a JSON status instead of a
	// redirect when denied
	APIPrefix string
	Logger    auth.Logger
}

func getDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Gate == nil {
		panic("AUTH: gate middleware configuration: Gate is required.")
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.Logger == nil {
		cfg.Logger = auth.NopLogger()
	}
	cfg.Cookie = cfg.Cookie.withDefaults()
	return cfg
}

// New returns a handler that evaluates the gate for every request. Allowed
// requests continue with the claims in locals and in the user context,
// denied ones are redirected to the decision target.
func New(config ...Config) fiber.Handler {
	cfg := getDefaultConfig(config...)
	extractors := GetExtractors(cfg.TokenLookup, cfg.AuthScheme)

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		d := cfg.Gate.Evaluate(c.UserContext(), auth.Request{
			Path:  c.OriginalURL(),
			Token: ExtractToken(c, extractors),
		})

		if d.RefreshedToken != "" {
			cfg.Cookie.Set(c, d.RefreshedToken)
		}

		if d.Authenticated() {
			c.Locals(LocalsClaimsKey, d.Claims)
			c.SetUserContext(auth.WithClaimsContext(c.UserContext(), d.Claims))
		}

		if d.Allowed() {
			return c.Next()
		}

		target := cfg.Gate.RedirectURL(d)

		if isAPIPath(c.Path(), cfg.APIPrefix) {
			status := fiber.StatusUnauthorized
			msg := "authentication required"
			if d.Authenticated() {
				status = fiber.StatusForbidden
				msg = "access denied"
			}
			return c.Status(status).JSON(fiber.Map{
				"error":    msg,
				"redirect": target,
			})
		}

		status := fiber.StatusSeeOther
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			status = fiber.StatusFound
		}
		return c.Redirect(target, status)
	}
}

// ClaimsFromLocals returns the claims stored by the middleware
func ClaimsFromLocals(c *fiber.Ctx) (auth.Claims, bool) {
	claims, ok := c.Locals(LocalsClaimsKey).(auth.Claims)
	if !ok || claims.IsZero() {
		return auth.Claims{}, false
	}
	return claims, true
}

func isAPIPath(p, prefix string) bool {
	p = strings.ToLower(p)
	prefix = strings.ToLower(prefix)
	return strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/")
}
