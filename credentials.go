package auth

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"
)

const (
	// DefaultLoginAttempts is the number of login attempts allowed per
	// identifier in DefaultLoginWindow
	DefaultLoginAttempts = 10
	// DefaultLoginWindow is the refill period of the login limiter
	DefaultLoginWindow = 15 * time.Minute

	maxTrackedLimiters = 10_000

	failedLoginTrackTimeout = 5 * time.Second
)

// UsernamePattern is the accepted username alphabet. It excludes '@' so a
// username never collides with an email identifier.
var UsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// RegisterPayload holds the input of a credential registration
type RegisterPayload struct {
	Email       string `form:"email" json:"email"`
	Username    string `form:"username" json:"username"`
	DisplayName string `form:"display_name" json:"display_name"`
	Password    string `form:"password" json:"password"`
}

// Validate will validate the payload
func (r RegisterPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&r.Username, validation.Length(3, 32), validation.Match(UsernamePattern)),
		validation.Field(&r.DisplayName, validation.Length(0, 100)),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 100)),
	)
}

// CredentialAuthenticator verifies first party credentials
type CredentialAuthenticator struct {
	store    AccountStore
	hasher   PasswordHasher
	activity ActivitySink
	metrics  *Metrics
	logger   Logger
	now      Clock

	attempts int
	window   time.Duration

	mu       sync.Mutex
	limiters map[string]*loginLimiter

	dummyOnce sync.Once
	dummyHash string

	pending sync.WaitGroup
}

type loginLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CredentialOption configures a CredentialAuthenticator
type CredentialOption func(*CredentialAuthenticator)

func WithHasher(h PasswordHasher) CredentialOption {
	return func(c *CredentialAuthenticator) {
		if h != nil {
			c.hasher = h
		}
	}
}

func WithCredentialActivitySink(s ActivitySink) CredentialOption {
	return func(c *CredentialAuthenticator) {
		c.activity = normalizeActivitySink(s)
	}
}

func WithCredentialMetrics(m *Metrics) CredentialOption {
	return func(c *CredentialAuthenticator) {
		c.metrics = m
	}
}

func WithCredentialLogger(l Logger) CredentialOption {
	return func(c *CredentialAuthenticator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCredentialClock(clock Clock) CredentialOption {
	return func(c *CredentialAuthenticator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithLoginRateLimit allows attempts logins per identifier every window.
// A non positive attempts disables throttling.
func WithLoginRateLimit(attempts int, window time.Duration) CredentialOption {
	return func(c *CredentialAuthenticator) {
		c.attempts = attempts
		if window > 0 {
			c.window = window
		}
	}
}

// NewCredentialAuthenticator returns an authenticator reading from store
func NewCredentialAuthenticator(store AccountStore, opts ...CredentialOption) *CredentialAuthenticator {
	c := &CredentialAuthenticator{
		store:    store,
		hasher:   NewBcryptHasher(),
		activity: noopActivitySink{},
		logger:   NopLogger(),
		now:      defaultClock,
		attempts: DefaultLoginAttempts,
		window:   DefaultLoginWindow,
		limiters: map[string]*loginLimiter{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Authenticate verifies identifier and password. Unknown identifiers and
// wrong passwords both fail with ErrInvalidCredentials after the same
// bcrypt work. Status is only checked once the password matched.
func (c *CredentialAuthenticator) Authenticate(ctx context.Context, identifier, password string) (*Account, error) {
	if !c.allow(identifier) {
		c.observe("rate_limited")
		return nil, ErrTooManyLoginAttempts
	}

	account, err := c.store.FindByEmailOrUsername(ctx, identifier)
	if err != nil && !IsAccountNotFound(err) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve account during authentication")
	}

	if account == nil || !account.HasCredentials() {
		_ = c.hasher.ComparePasswordAndHash(password, c.dummy())
		c.observe("invalid")
		recordActivity(ctx, c.activity, c.logger, c.now, ActivityEvent{
			EventType: ActivityEventLoginFailed,
			Metadata:  map[string]any{"method": "credentials"},
		})
		return nil, ErrInvalidCredentials
	}

	if err := c.hasher.ComparePasswordAndHash(password, account.CredentialHash); err != nil {
		c.trackFailure(ctx, account.ID.String())
		c.observe("invalid")
		recordActivity(ctx, c.activity, c.logger, c.now, ActivityEvent{
			EventType: ActivityEventLoginFailed,
			AccountID: account.ID.String(),
			Metadata:  map[string]any{"method": "credentials"},
		})
		return nil, ErrInvalidCredentials
	}

	if !account.IsActive() {
		c.observe("not_active")
		c.logger.Info("login refused for inactive account", "account_id", account.ID.String(), "status", string(account.Status))
		return nil, newError(ErrAccountNotActive, nil, map[string]any{
			"account_id": account.ID.String(),
			"status":     string(account.Status),
		})
	}

	if err := c.store.TrackLogin(ctx, account.ID.String(), true); err != nil {
		c.logger.Error("failed to track successful login", "account_id", account.ID.String(), "error", err)
	}

	c.observe("success")
	recordActivity(ctx, c.activity, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventLogin,
		ActorID:   account.ID.String(),
		AccountID: account.ID.String(),
		Role:      account.Role,
		Metadata:  map[string]any{"method": "credentials"},
	})

	return account, nil
}

// Register creates a USER account with a hashed password
func (c *CredentialAuthenticator) Register(ctx context.Context, payload RegisterPayload) (*Account, error) {
	if err := payload.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid registration payload").
			WithCode(goerrors.CodeBadRequest)
	}

	hash, err := c.hasher.HashPassword(payload.Password)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	account, err := c.store.Create(ctx, NewAccount{
		Email:          payload.Email,
		Username:       payload.Username,
		DisplayName:    payload.DisplayName,
		CredentialHash: hash,
		Role:           RoleUser,
		Status:         StatusActive,
	})
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, c.activity, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventSignup,
		ActorID:   account.ID.String(),
		AccountID: account.ID.String(),
		Role:      account.Role,
	})

	return account, nil
}

// CreateAccount is the administrative form of Register. The actor must be
// staff and may only hand out roles it could grant through an update.
func (c *CredentialAuthenticator) CreateAccount(ctx context.Context, actor Actor, payload RegisterPayload, role Role) (*Account, error) {
	if !actor.IsSystem() && !actor.Role.IsAtLeast(RoleAdmin) {
		return nil, ErrAccountUpdateForbidden
	}
	if role == "" {
		role = RoleUser
	}
	if err := CanChangeRole(actor, &Account{Role: RoleUser}, role); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid account payload").
			WithCode(goerrors.CodeBadRequest)
	}

	hash, err := c.hasher.HashPassword(payload.Password)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	account, err := c.store.Create(ctx, NewAccount{
		Email:          payload.Email,
		Username:       payload.Username,
		DisplayName:    payload.DisplayName,
		CredentialHash: hash,
		Role:           role,
		Status:         StatusActive,
	})
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, c.activity, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventAccountCreated,
		ActorID:   actor.ID,
		AccountID: account.ID.String(),
		Role:      account.Role,
	})

	return account, nil
}

// ChangePassword replaces the password of accountID after checking the
// current one.
func (c *CredentialAuthenticator) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if err := validation.Validate(next, validation.Required, validation.Length(8, 100)); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password").
			WithCode(goerrors.CodeBadRequest)
	}

	account, err := c.store.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.HasCredentials() {
		_ = c.hasher.ComparePasswordAndHash(current, c.dummy())
		return ErrInvalidCredentials
	}
	if err := c.hasher.ComparePasswordAndHash(current, account.CredentialHash); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := c.hasher.HashPassword(next)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	actor := Actor{ID: account.ID.String(), Role: account.Role}
	if _, err := c.store.Update(ctx, actor, accountID, AccountPatch{CredentialHash: &hash}); err != nil {
		return err
	}

	recordActivity(ctx, c.activity, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventPasswordChange,
		ActorID:   account.ID.String(),
		AccountID: account.ID.String(),
	})
	return nil
}

// trackFailure records a failed attempt off the request path so a wrong
// password costs the caller the same as an unknown identifier
func (c *CredentialAuthenticator) trackFailure(ctx context.Context, accountID string) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failedLoginTrackTimeout)
		defer cancel()

		if err := c.store.TrackLogin(ctx, accountID, false); err != nil {
			c.logger.Error("failed to track login attempt", "account_id", accountID, "error", err)
		}
	}()
}

// Wait blocks until pending failed attempt writes are done
func (c *CredentialAuthenticator) Wait() {
	c.pending.Wait()
}

func (c *CredentialAuthenticator) dummy() string {
	c.dummyOnce.Do(func() {
		c.dummyHash = RandomPasswordHash(c.hasher)
	})
	return c.dummyHash
}

func (c *CredentialAuthenticator) observe(result string) {
	if c.metrics != nil {
		c.metrics.LoginAttempt("credentials", result)
	}
}

func (c *CredentialAuthenticator) allow(identifier string) bool {
	if c.attempts <= 0 {
		return true
	}

	key := strings.ToLower(strings.TrimSpace(identifier))
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.limiters[key]
	if !ok {
		if len(c.limiters) >= maxTrackedLimiters {
			c.pruneLocked(now)
		}
		every := rate.Every(c.window / time.Duration(c.attempts))
		entry = &loginLimiter{limiter: rate.NewLimiter(every, c.attempts)}
		c.limiters[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

func (c *CredentialAuthenticator) pruneLocked(now time.Time) {
	for key, entry := range c.limiters {
		if now.Sub(entry.lastSeen) > c.window {
			delete(c.limiters, key)
		}
	}
}
