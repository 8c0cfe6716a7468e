// Package routerauth runs the authorization gate as a go-router middleware,
// for hosts that mount handlers through router.Context instead of fiber.
package routerauth

import (
	"net/http"
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/goliatone/go-router"
)

// DefaultContextKey is where the verified claims are stored in locals
const DefaultContextKey = "auth_claims"

// Cookie describes the session cookie written on token refresh
type Cookie struct {
	Name     string
	Path     string
	Secure   bool
	SameSite string
	MaxAge   time.Duration
}

// Config defines the config for the gate middleware
type Config struct {
	// Filter skips the gate when it returns true
	Filter func(router.Context) bool
	Gate   *auth.Gate
	// TokenLookup lists the token sources, "cookie:auth_session,header:Authorization"
	// by default
	TokenLookup string
	AuthScheme  string
	ContextKey  string
	Cookie      Cookie
	// APIPrefix marks paths answered with a JSON status instead of a
	// redirect when denied
	APIPrefix string
	Logger    auth.Logger
}

// GetDefaultConfig fills the zero fields of the first config
func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Gate == nil {
		panic("AUTH: router gate middleware configuration: Gate is required.")
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}

	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}

	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = "auth_session"
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie.Path = "/"
	}
	if cfg.Cookie.SameSite == "" {
		cfg.Cookie.SameSite = "Lax"
	}
	if cfg.Cookie.MaxAge <= 0 {
		cfg.Cookie.MaxAge = 30 * 24 * time.Hour
	}

	if cfg.Logger == nil {
		cfg.Logger = auth.NopLogger()
	}

	return cfg
}

// New returns a middleware that evaluates the gate before the wrapped
// handler. Allowed requests reach it with the claims in locals and in the
// request context.
func New(config ...Config) router.MiddlewareFunc {
	cfg := GetDefaultConfig(config...)
	extractors := GetExtractors(cfg.TokenLookup, cfg.AuthScheme)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Filter != nil && cfg.Filter(ctx) {
				return hf(ctx)
			}

			d := cfg.Gate.Evaluate(ctx.Context(), auth.Request{
				Path:  ctx.OriginalURL(),
				Token: ExtractToken(ctx, extractors),
			})

			if d.RefreshedToken != "" {
				ctx.Cookie(&router.Cookie{
					Name:     cfg.Cookie.Name,
					Value:    d.RefreshedToken,
					Path:     cfg.Cookie.Path,
					Expires:  time.Now().Add(cfg.Cookie.MaxAge),
					HTTPOnly: true,
					Secure:   cfg.Cookie.Secure,
					SameSite: cfg.Cookie.SameSite,
				})
			}

			if d.Authenticated() {
				ctx.Locals(cfg.ContextKey, d.Claims)
				ctx.SetContext(auth.WithClaimsContext(ctx.Context(), d.Claims))
			}

			if d.Allowed() {
				return hf(ctx)
			}

			target := cfg.Gate.RedirectURL(d)
			cfg.Logger.Debug("router gate denied request", "path", ctx.Path(), "rule", d.Rule, "outcome", string(d.Outcome))

			if isAPIPath(ctx.Path(), cfg.APIPrefix) {
				status := http.StatusUnauthorized
				msg := "authentication required"
				if d.Authenticated() {
					status = http.StatusForbidden
					msg = "access denied"
				}
				return ctx.JSON(status, map[string]string{
					"error":    msg,
					"redirect": target,
				})
			}

			status := http.StatusSeeOther
			if m := strings.ToUpper(ctx.Method()); m == http.MethodGet || m == http.MethodHead {
				status = http.StatusFound
			}
			return ctx.Redirect(target, status)
		}
	}
}

// ClaimsFromContext returns the claims stored by the middleware under key,
// DefaultContextKey when key is empty
func ClaimsFromContext(ctx router.Context, key ...string) (auth.Claims, bool) {
	k := DefaultContextKey
	if len(key) > 0 && key[0] != "" {
		k = key[0]
	}
	claims, ok := ctx.Locals(k).(auth.Claims)
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
