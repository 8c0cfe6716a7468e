package external

import (
	"context"
)

// Identity is an identity confirmed by an external provider
type Identity struct {
	Provider      string
	SubjectID     string
	Email         string
	EmailVerified bool
	Username      string
	DisplayName   string
	AvatarURL     string
	// GroupRoles are the role ids the subject holds in the designated
	// external group
	GroupRoles []string
}

// Provider is an OAuth style identity provider
type Provider interface {
	// Name returns the provider identifier, e.g. "discord"
	Name() string

	// AuthCodeURL returns the URL the browser is sent to. state is echoed
	// back on the callback.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a confirmed identity. Every
	// call it makes to the provider must succeed.
	Exchange(ctx context.Context, code string) (*Identity, error)
}
