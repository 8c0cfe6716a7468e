package auth

import (
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	goerrors "github.com/goliatone/go-errors"
)

// EnvPrefix is the prefix of every environment variable read by LoadConfig
const EnvPrefix = "AUTH_"

// Config is the runtime configuration of the auth core. It is loaded from
// the environment, see the env tags for the variable names (all prefixed
// with AUTH_).
type Config struct {
	Token    TokenConfig    `envPrefix:"TOKEN_"`
	Cookie   CookieConfig   `envPrefix:"COOKIE_"`
	Paths    PathsConfig    `envPrefix:"PATH_"`
	Presence PresenceConfig `envPrefix:"PRESENCE_"`
	Login    LoginConfig    `envPrefix:"LOGIN_"`
	DB       DBConfig       `envPrefix:"DB_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Discord  DiscordConfig  `envPrefix:"DISCORD_"`
	HTTP     HTTPConfig     `envPrefix:"HTTP_"`

	// Rules overrides the default path table, see ParseRules
	Rules string `env:"RULES"`

	BootstrapOwnerEmail    string `env:"BOOTSTRAP_OWNER_EMAIL"`
	BootstrapOwnerPassword string `env:"BOOTSTRAP_OWNER_PASSWORD"`

	ActivityRetention int  `env:"ACTIVITY_RETENTION" envDefault:"1000"`
	MetricsEnabled    bool `env:"METRICS_ENABLED" envDefault:"true"`
}

type TokenConfig struct {
	SigningMethod string        `env:"SIGNING_METHOD" envDefault:"HS256"`
	Secret        string        `env:"SECRET"`
	PrivateKey    string        `env:"PRIVATE_KEY"`
	PrivateKeyPEM string        `env:"PRIVATE_KEY_FILE,file"`
	Issuer        string        `env:"ISSUER" envDefault:"authgate"`
	Audience      []string      `env:"AUDIENCE" envSeparator:","`
	TTL           time.Duration `env:"TTL" envDefault:"720h"`
	RefreshAfter  time.Duration `env:"REFRESH_AFTER" envDefault:"24h"`
	ClockSkew     time.Duration `env:"CLOCK_SKEW" envDefault:"1m"`
	Lookup        string        `env:"LOOKUP" envDefault:"cookie:auth_session,header:Authorization"`
	AuthScheme    string        `env:"AUTH_SCHEME" envDefault:"Bearer"`
}

type CookieConfig struct {
	Name     string `env:"NAME" envDefault:"auth_session"`
	Domain   string `env:"DOMAIN"`
	Secure   bool   `env:"SECURE" envDefault:"true"`
	SameSite string `env:"SAME_SITE" envDefault:"Lax"`
}

type PathsConfig struct {
	Login          string   `env:"LOGIN" envDefault:"/login"`
	Auth           []string `env:"AUTH" envDefault:"/login,/inscription" envSeparator:","`
	AccessDenied   string   `env:"ACCESS_DENIED" envDefault:"/acces-refuse"`
	DefaultLanding string   `env:"DEFAULT_LANDING" envDefault:"/dashboard"`
	AdminLanding   string   `env:"ADMIN_LANDING" envDefault:"/admin/dashboard"`
	ReturnToParam  string   `env:"RETURN_TO_PARAM" envDefault:"returnTo"`
}

type PresenceConfig struct {
	Window        time.Duration `env:"WINDOW" envDefault:"5m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

type LoginConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"10"`
	Window      time.Duration `env:"WINDOW" envDefault:"15m"`
}

type DBConfig struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DSN" envDefault:"file:authgate.db?cache=shared&_pragma=busy_timeout(5000)"`
	Debug  bool   `env:"DEBUG" envDefault:"false"`
}

type RedisConfig struct {
	URL string `env:"URL"`
	Key string `env:"KEY" envDefault:"authgate:presence"`
}

type DiscordConfig struct {
	ClientID               string            `env:"CLIENT_ID"`
	ClientSecret           string            `env:"CLIENT_SECRET"`
	RedirectURL            string            `env:"REDIRECT_URL"`
	GuildID                string            `env:"GUILD_ID"`
	RoleMap                map[string]string `env:"ROLE_MAP" envSeparator:"," envKeyValSeparator:"="`
	OwnerIDs               []string          `env:"OWNER_IDS" envSeparator:","`
	RequireGuildMembership bool              `env:"REQUIRE_GUILD" envDefault:"true"`
	Timeout                time.Duration     `env:"TIMEOUT" envDefault:"5s"`
	APIBaseURL             string            `env:"API_BASE_URL" envDefault:"https://discord.com/api/v10"`

	// StateSecret signs the OAuth state so it survives restarts and is
	// shared between replicas. A random key is used when empty.
	StateSecret string        `env:"STATE_SECRET"`
	StateTTL    time.Duration `env:"STATE_TTL" envDefault:"10m"`
}

type HTTPConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadConfig parses the AUTH_ environment variables
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to parse auth configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects missing signing material and malformed rules
func (c Config) Validate() error {
	switch strings.ToUpper(c.Token.SigningMethod) {
	case "HS256":
		if len(c.Token.Secret) < 32 {
			return configError("AUTH_TOKEN_SECRET must be at least 32 bytes for HS256")
		}
	case "RS256":
		if c.Token.PrivateKey == "" && c.Token.PrivateKeyPEM == "" {
			return configError("AUTH_TOKEN_PRIVATE_KEY or AUTH_TOKEN_PRIVATE_KEY_FILE is required for RS256")
		}
	default:
		return configError("unsupported signing method " + c.Token.SigningMethod)
	}

	if c.Token.TTL <= 0 {
		return configError("AUTH_TOKEN_TTL must be positive")
	}
	if c.Token.RefreshAfter <= 0 || c.Token.RefreshAfter >= c.Token.TTL {
		return configError("AUTH_TOKEN_REFRESH_AFTER must be positive and shorter than the TTL")
	}

	for name, p := range map[string]string{
		"AUTH_PATH_LOGIN":           c.Paths.Login,
		"AUTH_PATH_ACCESS_DENIED":   c.Paths.AccessDenied,
		"AUTH_PATH_DEFAULT_LANDING": c.Paths.DefaultLanding,
		"AUTH_PATH_ADMIN_LANDING":   c.Paths.AdminLanding,
	} {
		if !IsSafeReturnPath(p) {
			return configError(name + " must be a local absolute path")
		}
	}

	if c.Rules != "" {
		if _, err := ParseRules(c.Rules); err != nil {
			return err
		}
	}

	for id, role := range c.Discord.RoleMap {
		if _, ok := ParseRole(role); !ok {
			return configError("AUTH_DISCORD_ROLE_MAP has an unknown role for " + id)
		}
	}

	if c.Discord.ClientID != "" && strings.TrimSpace(c.Discord.GuildID) == "" {
		return configError("AUTH_DISCORD_GUILD_ID is required when AUTH_DISCORD_CLIENT_ID is set")
	}
	if c.Discord.StateSecret != "" && len(c.Discord.StateSecret) < 32 {
		return configError("AUTH_DISCORD_STATE_SECRET must be at least 32 bytes")
	}

	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return configError("AUTH_DB_DRIVER must be sqlite or postgres")
	}

	return nil
}

// SigningKey returns the PEM for RS256 or the secret for HS256
func (c Config) SigningKey() []byte {
	if strings.EqualFold(c.Token.SigningMethod, "RS256") {
		if c.Token.PrivateKeyPEM != "" {
			return []byte(c.Token.PrivateKeyPEM)
		}
		return []byte(c.Token.PrivateKey)
	}
	return []byte(c.Token.Secret)
}

// GatePaths returns the gate redirect targets
func (c Config) GatePaths() GatePaths {
	return GatePaths{
		LoginPath:        c.Paths.Login,
		AuthPaths:        c.Paths.Auth,
		AccessDeniedPath: c.Paths.AccessDenied,
		DefaultLanding:   c.Paths.DefaultLanding,
		AdminLanding:     c.Paths.AdminLanding,
		ReturnToParam:    c.Paths.ReturnToParam,
	}
}

// PathRules returns the configured rules or the defaults
func (c Config) PathRules() ([]PathRule, error) {
	if strings.TrimSpace(c.Rules) == "" {
		return DefaultRules(), nil
	}
	return ParseRules(c.Rules)
}

// NewIssuerFromConfig builds the session issuer described by c
func NewIssuerFromConfig(c Config, opts ...IssuerOption) (*SessionIssuer, error) {
	base := []IssuerOption{
		WithIssuer(c.Token.Issuer),
		WithAudience(c.Token.Audience...),
		WithTokenTTL(c.Token.TTL),
		WithRefreshAfter(c.Token.RefreshAfter),
		WithClockSkew(c.Token.ClockSkew),
	}
	base = append(base, opts...)

	if strings.EqualFold(c.Token.SigningMethod, "RS256") {
		return NewRSAIssuer(c.SigningKey(), base...)
	}
	return NewHMACIssuer(c.SigningKey(), base...)
}

func configError(msg string) error {
	return goerrors.New(msg, goerrors.CategoryValidation).
		WithTextCode("INVALID_CONFIG")
}
