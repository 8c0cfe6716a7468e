package fiberauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-auth-gate"
	"github.com/goliatone/go-auth-gate/external"
)

const stateCookieName = "auth_oauth_state"

// EventReader serves the most recent auth events
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]auth.ActivityEvent, error)
}

// Routes are the controller endpoints
type Routes struct {
	Login         string
	Logout        string
	Register      string
	OAuthBegin    string
	OAuthCallback string
	Me            string
	Password      string
	AdminAccounts string
	AdminOnline   string
	AdminEvents   string
	AdminRoot     string
	JWKS          string
}

// DefaultRoutes returns the endpoints used by the storefront
func DefaultRoutes() Routes {
	return Routes{
		Login:         "/api/auth/login",
		Logout:        "/api/auth/logout",
		Register:      "/api/auth/register",
		OAuthBegin:    "/api/auth/signin/:provider",
		OAuthCallback: "/api/auth/callback/:provider",
		Me:            "/api/account/me",
		Password:      "/api/account/password",
		AdminAccounts: "/api/admin/accounts",
		AdminOnline:   "/api/admin/online",
		AdminEvents:   "/api/admin/events",
		AdminRoot:     "/admin",
		JWKS:          "/.well-known/jwks.json",
	}
}

// ControllerConfig wires the controller to the auth core
type ControllerConfig struct {
	Credentials *auth.CredentialAuthenticator
	Issuer      *auth.SessionIssuer
	Store       auth.AccountStore
	Gate        *auth.Gate
	Registry    auth.SessionRegistry
	// Linker is optional, without it the OAuth routes are not registered
	Linker *external.Linker
	// StateCodec signs the OAuth state, a random key is used when nil
	StateCodec *external.StateCodec
	Events     EventReader
	Activity   auth.ActivitySink

	Cookie         Cookie
	TokenLookup    string
	AuthScheme     string
	PresenceWindow time.Duration
	Routes         *Routes
	Logger         auth.Logger
}

// Controller exposes the auth flows over HTTP
type Controller struct {
	credentials    *auth.CredentialAuthenticator
	changePassword *auth.ChangePasswordHandler
	issuer         *auth.SessionIssuer
	store          auth.AccountStore
	gate           *auth.Gate
	registry       auth.SessionRegistry
	linker         *external.Linker
	states         *external.StateCodec
	events         EventReader
	activity       auth.ActivitySink
	cookie         Cookie
	extractors     []Extractor
	window         time.Duration
	routes         Routes
	logger         auth.Logger
}

// NewController panics when a required dependency is missing
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Credentials == nil {
		panic("Missing CredentialAuthenticator in auth controller...")
	}
	if cfg.Issuer == nil {
		panic("Missing SessionIssuer in auth controller...")
	}
	if cfg.Store == nil {
		panic("Missing AccountStore in auth controller...")
	}
	if cfg.Gate == nil {
		panic("Missing Gate in auth controller...")
	}

	h := &Controller{
		credentials:    cfg.Credentials,
		changePassword: auth.NewChangePasswordHandler(cfg.Credentials),
		issuer:         cfg.Issuer,
		store:          cfg.Store,
		gate:           cfg.Gate,
		registry:       cfg.Registry,
		linker:         cfg.Linker,
		states:         cfg.StateCodec,
		events:         cfg.Events,
		activity:       cfg.Activity,
		cookie:         cfg.Cookie.withDefaults(),
		extractors:     GetExtractors(cfg.TokenLookup, cfg.AuthScheme),
		window:         cfg.PresenceWindow,
		routes:         DefaultRoutes(),
		logger:         cfg.Logger,
	}
	if cfg.Routes != nil {
		h.routes = *cfg.Routes
	}
	if h.logger == nil {
		h.logger = auth.NopLogger()
	}
	if h.window <= 0 {
		h.window = auth.DefaultPresenceWindow
	}
	if cfg.Cookie.MaxAge <= 0 {
		h.cookie.MaxAge = cfg.Issuer.TTL()
	}
	if h.linker != nil && h.states == nil {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("failed to generate oauth state key: " + err.Error())
		}
		h.states, _ = external.NewStateCodec(key, 0, nil)
	}
	return h
}

// Register mounts the routes on r. The gate middleware must run before
// them, the admin and account routes rely on its claims.
func (h *Controller) Register(r fiber.Router) {
	r.Post(h.routes.Login, h.Login).Name("auth.login")
	r.Post(h.routes.Register, h.RegisterAccount).Name("auth.register")
	r.Post(h.routes.Logout, h.Logout).Name("auth.logout")

	if h.linker != nil {
		r.Get(h.routes.OAuthBegin, h.OAuthBegin).Name("auth.oauth.begin")
		r.Get(h.routes.OAuthCallback, h.OAuthCallback).Name("auth.oauth.callback")
	}

	r.Get(h.routes.Me, h.Me).Name("account.me")
	r.Put(h.routes.Me, h.UpdateProfile).Name("account.profile")
	r.Post(h.routes.Password, h.ChangePassword).Name("account.password")

	r.Get(h.routes.AdminAccounts, h.ListAccounts).Name("admin.accounts.list")
	r.Post(h.routes.AdminAccounts, h.CreateAccount).Name("admin.accounts.create")
	r.Patch(h.routes.AdminAccounts+"/:id", h.UpdateAccount).Name("admin.accounts.update")
	r.Delete(h.routes.AdminAccounts+"/:id", h.DeleteAccount).Name("admin.accounts.delete")
	r.Get(h.routes.AdminOnline, h.Online).Name("admin.online")
	r.Get(h.routes.AdminEvents, h.Events).Name("admin.events")
	r.Get(h.routes.AdminRoot, h.AdminRoot).Name("admin.root")

	r.Get(h.routes.JWKS, h.JWKS).Name("auth.jwks")
}

// Login authenticates credentials and sets the session cookie
func (h *Controller) Login(c *fiber.Ctx) error {
	var payload LoginPayload
	if err := c.BodyParser(&payload); err != nil {
		return invalidPayload(err)
	}
	if err := payload.Validate(); err != nil {
		return writeValidation(c, err)
	}

	account, err := h.credentials.Authenticate(c.UserContext(), payload.Identifier, payload.Password)
	if err != nil {
		return err
	}

	return h.startSession(c, account, payload.ReturnTo)
}

// RegisterAccount creates a credential account and signs it in
func (h *Controller) RegisterAccount(c *fiber.Ctx) error {
	var payload auth.RegisterPayload
	if err := c.BodyParser(&payload); err != nil {
		return invalidPayload(err)
	}
	if err := payload.Validate(); err != nil {
		return writeValidation(c, err)
	}

	account, err := h.credentials.Register(c.UserContext(), payload)
	if err != nil {
		return err
	}

	c.Status(fiber.StatusCreated)
	return h.startSession(c, account, "")
}

// Logout evicts the caller from the presence registry and clears the
// cookie. It succeeds without a valid session.
func (h *Controller) Logout(c *fiber.Ctx) error {
	if token := ExtractToken(c, h.extractors); token != "" {
		if claims, err := h.issuer.Verify(token); err == nil {
			if h.registry != nil {
				h.registry.Evict(c.UserContext(), claims.Subject())
			}
			h.record(c, auth.ActivityEvent{
				EventType: auth.ActivityEventLogout,
				ActorID:   claims.Subject(),
				AccountID: claims.Subject(),
				Role:      claims.Role(),
			})
		}
	}

	h.cookie.Clear(c)
	return c.JSON(fiber.Map{"redirect": h.gate.Paths().LoginPath})
}

// OAuthBegin redirects to the provider consent page. The signed state
// carries the return path, its nonce is pinned in a cookie.
func (h *Controller) OAuthBegin(c *fiber.Ctx) error {
	if !h.knownProvider(c) {
		return fiber.ErrNotFound
	}

	state := &external.OAuthState{
		Provider: h.linker.Provider().Name(),
		ReturnTo: c.Query(h.gate.Paths().ReturnToParam),
	}
	if h.isAuthPath(state.ReturnTo) {
		state.ReturnTo = ""
	}
	token, err := h.states.Encode(state)
	if err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     stateCookieName,
		Value:    state.Nonce,
		Path:     "/",
		Domain:   h.cookie.Domain,
		Expires:  time.Now().Add(external.DefaultStateTTL),
		HTTPOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	return c.Redirect(h.linker.Provider().AuthCodeURL(token), fiber.StatusFound)
}

// OAuthCallback completes the provider flow. Every failure sends the
// caller back to the login page with a generic error.
func (h *Controller) OAuthCallback(c *fiber.Ctx) error {
	if !h.knownProvider(c) {
		return fiber.ErrNotFound
	}

	nonce := c.Cookies(stateCookieName)
	clearCookie(c, h.cookie, stateCookieName)

	state, err := h.states.Decode(c.Query("state"))
	if err != nil {
		h.logger.Warn("oauth callback invalid state", "provider", c.Params("provider"), "error", err)
		return h.loginFailed(c)
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(state.Nonce)) != 1 ||
		!strings.EqualFold(state.Provider, c.Params("provider")) {
		h.logger.Warn("oauth callback state mismatch", "provider", c.Params("provider"))
		return h.loginFailed(c)
	}
	if c.Query("error") != "" {
		h.logger.Info("oauth callback denied by provider", "provider", c.Params("provider"))
		return h.loginFailed(c)
	}

	account, err := h.linker.Login(c.UserContext(), c.Query("code"))
	if err != nil {
		h.logger.Info("oauth login failed", "provider", c.Params("provider"), "error", err)
		return h.loginFailed(c)
	}

	token, claims, err := h.issuer.Issue(account)
	if err != nil {
		return err
	}
	h.cookie.Set(c, token)
	h.touch(c, claims)
	return c.Redirect(h.redirectAfterLogin(account, state.ReturnTo), fiber.StatusFound)
}

// Me returns the session claims
func (h *Controller) Me(c *fiber.Ctx) error {
	claims, ok := ClaimsFromLocals(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	return c.JSON(claimsView(claims))
}

// UpdateProfile lets the caller edit its own email, username and display
// name. The session is reissued so the claims follow the new profile.
func (h *Controller) UpdateProfile(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c.UserContext())
	if !ok {
		return fiber.ErrUnauthorized
	}

	var payload ProfileUpdatePayload
	if err := c.BodyParser(&payload); err != nil {
		return invalidPayload(err)
	}
	if err := payload.Validate(); err != nil {
		return writeValidation(c, err)
	}

	updated, err := h.store.Update(c.UserContext(), actor, actor.ID, payload.Patch())
	if err != nil {
		return err
	}

	token, claims, err := h.issuer.Issue(updated)
	if err != nil {
		return err
	}
	h.cookie.Set(c, token)
	h.touch(c, claims)

	h.record(c, auth.ActivityEvent{
		EventType: auth.ActivityEventProfileUpdate,
		ActorID:   actor.ID,
		AccountID: updated.ID.String(),
		Role:      updated.Role,
	})
	return c.JSON(fiber.Map{"account": updated})
}

// ChangePassword replaces the caller password
func (h *Controller) ChangePassword(c *fiber.Ctx) error {
	claims, ok := ClaimsFromLocals(c)
	if !ok {
		return fiber.ErrUnauthorized
	}

	var payload PasswordChangePayload
	if err := c.BodyParser(&payload); err != nil {
		return invalidPayload(err)
	}
	if err := payload.Validate(); err != nil {
		return writeValidation(c, err)
	}

	if err := h.changePassword.Execute(c.UserContext(), auth.ChangePasswordMessage{
		AccountID: claims.Subject(),
		Current:   payload.Current,
		Next:      payload.Next,
	}); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListAccounts pages through accounts
func (h *Controller) ListAccounts(c *fiber.Ctx) error {
	accounts, err := h.store.List(c.UserContext(), c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"accounts": accounts})
}

// CreateAccount creates a credential account on behalf of staff
func (h *Controller) CreateAccount(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c.UserContext())
	if !ok {
		return fiber.ErrUnauthorized
	}

	var payload AccountCreatePayload
	if err := c.BodyParser(&payload); err != nil {
		return invalidPayload(err)
	}
	if err := payload.Validate(); err != nil {
		return writeValidation(c, err)
	}

	account, err := h.credentials.CreateAccount(c.UserContext(), actor, payload.RegisterPayload, payload.TargetRole())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(account)
}

// UpdateAccount applies an administrative change through the store policy
func (h *Controller) UpdateAccount(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c.UserContext())
	if !ok {
		return fiber.ErrUnauthorized
	}

	var payload AccountUpdatePayload
	if err := c.BodyParser(&payload); err != nil {
		return invalidPayload(err)
	}
	if err := payload.Validate(); err != nil {
		return writeValidation(c, err)
	}

	id := c.Params("id")
	before, err := h.store.FindByID(c.UserContext(), id)
	if err != nil {
		return err
	}

	updated, err := h.store.Update(c.UserContext(), actor, id, payload.Patch())
	if err != nil {
		return err
	}

	if updated.Role != before.Role {
		h.record(c, auth.ActivityEvent{
			EventType: auth.ActivityEventRoleChanged,
			ActorID:   actor.ID,
			AccountID: updated.ID.String(),
			Role:      updated.Role,
			Metadata:  map[string]any{"from": string(before.Role), "to": string(updated.Role)},
		})
	}
	if updated.Status != before.Status {
		h.record(c, auth.ActivityEvent{
			EventType: auth.ActivityEventStatusChanged,
			ActorID:   actor.ID,
			AccountID: updated.ID.String(),
			Role:      updated.Role,
			Metadata:  map[string]any{"from": string(before.Status), "to": string(updated.Status)},
		})
		if !updated.IsActive() && h.registry != nil {
			h.registry.Evict(c.UserContext(), updated.ID.String())
		}
	}

	return c.JSON(updated)
}

// DeleteAccount removes an account when the actor outranks it
func (h *Controller) DeleteAccount(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c.UserContext())
	if !ok {
		return fiber.ErrUnauthorized
	}

	id := c.Params("id")
	deleted, err := h.store.Delete(c.UserContext(), actor, id)
	if err != nil {
		return err
	}
	if !deleted {
		return auth.ErrAccountDeleteForbidden
	}

	if h.registry != nil {
		h.registry.Evict(c.UserContext(), id)
	}
	h.record(c, auth.ActivityEvent{
		EventType: auth.ActivityEventAccountDeleted,
		ActorID:   actor.ID,
		AccountID: id,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// Online lists staff seen within the presence window, or everyone with
// scope=all
func (h *Controller) Online(c *fiber.Ctx) error {
	min := auth.RoleAdmin
	if c.Query("scope") == "all" {
		min = auth.RoleUser
	}
	return c.JSON(fiber.Map{
		"online": auth.ListOnlineAtLeast(c.UserContext(), h.registry, h.window, min),
	})
}

// Events returns the most recent auth events
func (h *Controller) Events(c *fiber.Ctx) error {
	if h.events == nil {
		return c.JSON(fiber.Map{"events": []auth.ActivityEvent{}})
	}
	events, err := h.events.Recent(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events})
}

// AdminRoot sends staff to the admin landing page
func (h *Controller) AdminRoot(c *fiber.Ctx) error {
	return c.Redirect(h.gate.Paths().AdminLanding, fiber.StatusFound)
}

// JWKS publishes the RS256 verification key
func (h *Controller) JWKS(c *fiber.Ctx) error {
	if h.issuer.PublicKey() == nil {
		return fiber.ErrNotFound
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age=3600")
	return c.JSON(h.issuer.JWKS())
}

func (h *Controller) startSession(c *fiber.Ctx, account *auth.Account, returnTo string) error {
	token, claims, err := h.issuer.Issue(account)
	if err != nil {
		return err
	}
	h.cookie.Set(c, token)
	h.touch(c, claims)

	return c.JSON(fiber.Map{
		"account":    account,
		"token":      token,
		"expires_at": claims.ExpiresAt(),
		"redirect":   h.redirectAfterLogin(account, returnTo),
	})
}

func (h *Controller) redirectAfterLogin(account *auth.Account, returnTo string) string {
	if auth.IsSafeReturnPath(returnTo) && !h.isAuthPath(returnTo) {
		return returnTo
	}
	return h.gate.LandingFor(account.Role)
}

func (h *Controller) touch(c *fiber.Ctx, claims auth.Claims) {
	if h.registry == nil {
		return
	}
	h.registry.Touch(c.UserContext(), claims.Subject(), claims.Role(), claims.DisplayName())
}

func (h *Controller) loginFailed(c *fiber.Ctx) error {
	q := url.Values{}
	q.Set("error", genericAuthFailure)
	return c.Redirect(h.gate.Paths().LoginPath+"?"+q.Encode(), fiber.StatusFound)
}

func (h *Controller) knownProvider(c *fiber.Ctx) bool {
	return h.linker != nil && strings.EqualFold(c.Params("provider"), h.linker.Provider().Name())
}

func (h *Controller) isAuthPath(p string) bool {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	for _, ap := range h.gate.Paths().AuthPaths {
		if strings.EqualFold(strings.TrimSuffix(p, "/"), ap) {
			return true
		}
	}
	return false
}

func (h *Controller) record(c *fiber.Ctx, event auth.ActivityEvent) {
	if h.activity == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := h.activity.Record(c.UserContext(), event); err != nil {
		h.logger.Warn("failed to record activity", "event", string(event.EventType), "error", err)
	}
}

func claimsView(claims auth.Claims) fiber.Map {
	return fiber.Map{
		"id":           claims.Subject(),
		"role":         claims.Role(),
		"display_name": claims.DisplayName(),
		"external_id":  claims.ExternalID(),
		"issued_at":    claims.IssuedAt(),
		"expires_at":   claims.ExpiresAt(),
	}
}

func writeValidation(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "invalid request payload",
		"fields": err,
	})
}
