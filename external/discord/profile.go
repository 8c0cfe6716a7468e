package discord

import (
	"strconv"

	"github.com/goliatone/go-auth-gate/external"
)

type discordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Email         string `json:"email"`
	Verified      bool   `json:"verified"`
}

type partialGuild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type guildMember struct {
	Nick  string   `json:"nick"`
	Roles []string `json:"roles"`
}

func mapIdentity(u discordUser, cdn string) *external.Identity {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return &external.Identity{
		Provider:      ProviderName,
		SubjectID:     u.ID,
		Email:         u.Email,
		EmailVerified: u.Verified,
		Username:      u.Username,
		DisplayName:   name,
		AvatarURL:     avatarURL(u, cdn),
	}
}

func avatarURL(u discordUser, cdn string) string {
	if u.Avatar != "" {
		return cdn + "/avatars/" + u.ID + "/" + u.Avatar + ".png"
	}
	disc, err := strconv.Atoi(u.Discriminator)
	if err != nil {
		disc = 0
	}
	return cdn + "/embed/avatars/" + strconv.Itoa(disc%5) + ".png"
}
