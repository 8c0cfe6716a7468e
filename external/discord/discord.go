package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-auth-gate/external"
	"golang.org/x/oauth2"
)

const (
	ProviderName = "discord"

	defaultAuthURL    = "https://discord.com/oauth2/authorize"
	defaultTokenURL   = "https://discord.com/api/oauth2/token"
	defaultAPIBaseURL = "https://discord.com/api/v10"
	defaultCDNURL     = "https://cdn.discordapp.com"
)

// Config holds the Discord application settings
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// GuildID is the designated guild. Membership is confirmed and the
	// member roles are read from it.
	GuildID string
	// RequireGuildMembership fails the exchange for non members. When false
	// non members get no group roles.
	RequireGuildMembership bool

	AuthURL    string
	TokenURL   string
	APIBaseURL string
	CDNURL     string

	HTTPClient *http.Client
}

// DefaultScopes returns the scopes needed for profile, email and guild roles
func DefaultScopes() []string {
	return []string{"identify", "email", "guilds", "guilds.members.read"}
}

// Provider implements external.Provider for Discord
type Provider struct {
	config     Config
	oauth      *oauth2.Config
	httpClient *http.Client
}

var _ external.Provider = (*Provider)(nil)

// New creates a Discord provider
func New(cfg Config) *Provider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes()
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.CDNURL == "" {
		cfg.CDNURL = defaultCDNURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Provider{
		config: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: client,
	}
}

// Name implements external.Provider
func (p *Provider) Name() string {
	return ProviderName
}

// AuthCodeURL implements external.Provider
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange implements external.Provider. It reads the user profile, then
// confirms guild membership and finally reads the member roles. A failure
// of any call fails the exchange, as does a provider without a guild.
func (p *Provider) Exchange(ctx context.Context, code string) (*external.Identity, error) {
	if strings.TrimSpace(code) == "" {
		return nil, providerError("exchange", 0, "missing_code", "authorization code is required", nil)
	}
	if strings.TrimSpace(p.config.GuildID) == "" {
		return nil, providerError("exchange", 0, "missing_guild", "guild id is not configured", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, exchangeError(err)
	}
	client := p.oauth.Client(ctx, token)

	var user discordUser
	if err := p.getJSON(ctx, client, "user", "/users/@me", &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, providerError("user", http.StatusOK, "invalid_response", "missing user id", nil)
	}

	identity := mapIdentity(user, p.config.CDNURL)

	member, err := p.isGuildMember(ctx, client)
	if err != nil {
		return nil, err
	}
	if !member {
		if p.config.RequireGuildMembership {
			return nil, providerError("guilds", http.StatusOK, "not_member", "user is not a member of the guild", nil)
		}
		return identity, nil
	}

	var m guildMember
	if err := p.getJSON(ctx, client, "member", "/users/@me/guilds/"+p.config.GuildID+"/member", &m); err != nil {
		return nil, err
	}
	identity.GroupRoles = append([]string(nil), m.Roles...)
	if m.Nick != "" && identity.DisplayName == "" {
		identity.DisplayName = m.Nick
	}

	return identity, nil
}

func (p *Provider) isGuildMember(ctx context.Context, client *http.Client) (bool, error) {
	var guilds []partialGuild
	if err := p.getJSON(ctx, client, "guilds", "/users/@me/guilds", &guilds); err != nil {
		return false, err
	}
	for _, g := range guilds {
		if g.ID == p.config.GuildID {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provider) getJSON(ctx context.Context, client *http.Client, operation, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.APIBaseURL+path, nil)
	if err != nil {
		return providerError(operation, 0, "request_failed", "", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return providerError(operation, 0, "request_failed", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providerError(operation, resp.StatusCode, "read_failed", "", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		return providerError(operation, resp.StatusCode, apiErr.code(), apiErr.Message, nil)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return providerError(operation, resp.StatusCode, "invalid_response", "failed to decode response", err)
	}
	return nil
}

func exchangeError(err error) error {
	if rerr, ok := err.(*oauth2.RetrieveError); ok {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return providerError("exchange", status, rerr.ErrorCode, rerr.ErrorDescription, err)
	}
	return providerError("exchange", 0, "request_failed", "", err)
}

func providerError(operation string, status int, code, description string, err error) error {
	return &external.ProviderError{
		Provider:    ProviderName,
		Operation:   operation,
		Status:      status,
		Code:        code,
		Description: description,
		Err:         err,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e apiError) code() string {
	if e.Code == 0 {
		return "http_error"
	}
	return fmt.Sprintf("discord_%d", e.Code)
}
