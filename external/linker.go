package external

import (
	"context"
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-gate"
)

// DefaultTimeout bounds a whole provider exchange
const DefaultTimeout = 5 * time.Second

// Linker maps provider identities onto accounts
type Linker struct {
	provider Provider
	store    auth.AccountStore
	roleMap  map[string]auth.Role
	owners   map[string]struct{}
	timeout  time.Duration
	activity auth.ActivitySink
	metrics  *auth.Metrics
	logger   auth.Logger
	now      auth.Clock
}

// Option configures a Linker
type Option func(*Linker)

// WithRoleMap sets the external role id to internal role table
func WithRoleMap(m map[string]auth.Role) Option {
	return func(l *Linker) {
		for id, role := range m {
			if role.IsValid() {
				l.roleMap[strings.TrimSpace(id)] = role
			}
		}
	}
}

// WithOwnerIDs lists subject ids that are always linked as OWNER
func WithOwnerIDs(ids ...string) Option {
	return func(l *Linker) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				l.owners[id] = struct{}{}
			}
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(l *Linker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithActivitySink(s auth.ActivitySink) Option {
	return func(l *Linker) { l.activity = s }
}

func WithMetrics(m *auth.Metrics) Option {
	return func(l *Linker) { l.metrics = m }
}

func WithLogger(lg auth.Logger) Option {
	return func(l *Linker) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithClock(c auth.Clock) Option {
	return func(l *Linker) {
		if c != nil {
			l.now = c
		}
	}
}

// NewLinker returns a linker for provider writing to store
func NewLinker(provider Provider, store auth.AccountStore, opts ...Option) *Linker {
	l := &Linker{
		provider: provider,
		store:    store,
		roleMap:  map[string]auth.Role{},
		owners:   map[string]struct{}{},
		timeout:  DefaultTimeout,
		logger:   auth.NopLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Provider returns the wrapped provider
func (l *Linker) Provider() Provider {
	return l.provider
}

// Exchange runs the provider exchange under the linker timeout. Any
// failure, including the timeout, is a ProviderError.
func (l *Linker) Exchange(ctx context.Context, code string) (identity *Identity, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			identity = nil
			err = wrapProviderError(l.provider.Name(), "exchange", &ProviderError{
				Provider:    l.provider.Name(),
				Operation:   "exchange",
				Description: "provider panicked",
			})
		}
	}()

	identity, err = l.provider.Exchange(ctx, code)
	if err != nil {
		return nil, wrapProviderError(l.provider.Name(), "exchange", err)
	}
	if identity == nil || strings.TrimSpace(identity.SubjectID) == "" {
		return nil, wrapProviderError(l.provider.Name(), "exchange", &ProviderError{
			Provider:    l.provider.Name(),
			Operation:   "exchange",
			Code:        "invalid_identity",
			Description: "provider returned no subject id",
		})
	}
	if identity.Provider == "" {
		identity.Provider = l.provider.Name()
	}
	return identity, nil
}

// ResolveRole maps external role ids through the role table. The highest
// mapped role wins, USER when nothing matches.
func (l *Linker) ResolveRole(groupRoles []string) auth.Role {
	role := auth.RoleUser
	for _, id := range groupRoles {
		if mapped, ok := l.roleMap[strings.TrimSpace(id)]; ok {
			role = auth.MaxRole(role, mapped)
		}
	}
	return role
}

func (l *Linker) isOwner(subjectID string) bool {
	_, ok := l.owners[subjectID]
	return ok
}

// LinkOrCreate upserts the account for identity. Existing accounts keep
// their role unless the resolved role is higher, roles are never lowered
// here. Unverified provider emails are not used to match accounts.
func (l *Linker) LinkOrCreate(ctx context.Context, identity *Identity) (*auth.Account, error) {
	if identity == nil || identity.SubjectID == "" {
		return nil, wrapProviderError(l.provider.Name(), "link", &ProviderError{
			Provider:    l.provider.Name(),
			Operation:   "link",
			Code:        "invalid_identity",
			Description: "identity has no subject id",
		})
	}

	provider := identity.Provider
	if provider == "" {
		provider = l.provider.Name()
	}

	resolved := l.ResolveRole(identity.GroupRoles)
	if l.isOwner(identity.SubjectID) {
		resolved = auth.RoleOwner
	}

	profile := auth.ExternalProfile{
		Provider:    provider,
		ExternalID:  identity.SubjectID,
		Email:       SynthesizedEmail(provider, identity.SubjectID),
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	}
	if identity.Email != "" && identity.EmailVerified {
		profile.Email = identity.Email
	}

	account, created, err := l.store.UpsertExternal(ctx, profile, func(current auth.Role, exists bool) auth.Role {
		if !exists {
			return resolved
		}
		return auth.MaxRole(current, resolved)
	})
	if err != nil {
		if auth.IsDuplicateIdentity(err) {
			return nil, err
		}
		l.logger.Error("external link failed", "provider", provider, "error", err)
		return nil, wrapProviderError(provider, "link", err)
	}

	l.record(ctx, auth.ActivityEvent{
		EventType: auth.ActivityEventExternalLogin,
		ActorID:   account.ID.String(),
		AccountID: account.ID.String(),
		Role:      account.Role,
		Metadata: map[string]any{
			"provider": provider,
			"created":  created,
		},
	})

	return account, nil
}

// Login exchanges code and links the identity. Inactive accounts fail with
// auth.ErrAccountNotActive after linking.
func (l *Linker) Login(ctx context.Context, code string) (*auth.Account, error) {
	identity, err := l.Exchange(ctx, code)
	if err != nil {
		l.observe("provider_error")
		return nil, err
	}

	account, err := l.LinkOrCreate(ctx, identity)
	if err != nil {
		l.observe("provider_error")
		return nil, err
	}

	if !account.IsActive() {
		l.observe("not_active")
		l.logger.Info("external login refused for inactive account", "account_id", account.ID.String())
		return nil, auth.ErrAccountNotActive
	}

	l.observe("success")
	return account, nil
}

// SynthesizedEmail is the placeholder address of accounts whose provider
// did not share a verified email
func SynthesizedEmail(provider, subjectID string) string {
	return subjectID + "@" + provider + ".invalid"
}

func (l *Linker) observe(result string) {
	if l.metrics != nil {
		l.metrics.LoginAttempt(l.provider.Name(), result)
	}
}

func (l *Linker) record(ctx context.Context, event auth.ActivityEvent) {
	if l.activity == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}
	if err := l.activity.Record(ctx, event); err != nil {
		l.logger.Warn("failed to record activity", "event", string(event.EventType), "error", err)
	}
}
