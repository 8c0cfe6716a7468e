package fiberauth

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Cookie describes the session cookie
type Cookie struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite string
	MaxAge   time.Duration
}

func (k Cookie) withDefaults() Cookie {
	if k.Name == "" {
		k.Name = "auth_session"
	}
	if k.Path == "" {
		k.Path = "/"
	}
	if k.SameSite == "" {
		k.SameSite = fiber.CookieSameSiteLaxMode
	}
	if k.MaxAge <= 0 {
		k.MaxAge = 30 * 24 * time.Hour
	}
	return k
}

// Set writes token as the session cookie
func (k Cookie) Set(c *fiber.Ctx, token string) {
	k = k.withDefaults()
	c.Cookie(&fiber.Cookie{
		Name:     k.Name,
		Value:    token,
		Path:     k.Path,
		Domain:   k.Domain,
		Expires:  time.Now().Add(k.MaxAge),
		MaxAge:   int(k.MaxAge.Seconds()),
		HTTPOnly: true,
		Secure:   k.Secure,
		SameSite: k.SameSite,
	})
}

// Clear expires the session cookie
func (k Cookie) Clear(c *fiber.Ctx) {
	k = k.withDefaults()
	clearCookie(c, k, k.Name)
}

func clearCookie(c *fiber.Ctx, k Cookie, name string) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    "",
		Path:     k.Path,
		Domain:   k.Domain,
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		MaxAge:   -1,
		HTTPOnly: true,
		Secure:   k.Secure,
		SameSite: k.SameSite,
	})
}
