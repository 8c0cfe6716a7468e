package auth_test

import (
	"testing"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	rules, err := auth.ParseRules(`/$=PUBLIC; /login=public
/compte=AUTHENTICATED, /admin=ROLE_GATED:ADMIN
/reports=ROLE_GATED:MODERATOR|OWNER`)
	require.NoError(t, err)
	require.Len(t, rules, 5)

	assert.Equal(t, auth.PathRule{Prefix: "/", Exact: true, Classification: auth.ClassPublic}, rules[0])
	assert.Equal(t, auth.ClassPublic, rules[1].Classification)
	assert.Equal(t, auth.ClassAuthenticated, rules[2].Classification)

	assert.Equal(t, auth.ClassRoleGated, rules[3].Classification)
	assert.Equal(t, auth.RolesAtLeast(auth.RoleAdmin), rules[3].AllowedRoles, "a single role is a minimum")

	assert.Equal(t, []auth.Role{auth.RoleModerator, auth.RoleOwner}, rules[4].AllowedRoles, "a role list is literal")
	assert.False(t, rules[4].Allows(auth.RoleAdmin))
}

func TestParseRulesRoundTripsDefaults(t *testing.T) {
	defaults := auth.DefaultRules()

	text := ""
	for i, r := range defaults {
		if i > 0 {
			text += ";"
		}
		text += r.String()
	}

	parsed, err := auth.ParseRules(text)
	require.NoError(t, err)
	assert.Equal(t, defaults, parsed)
}

func TestParseRulesErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing equals", "/admin"},
		{"relative path", "admin=PUBLIC"},
		{"unknown class", "/admin=SECRET"},
		{"unknown role", "/admin=ROLE_GATED:ROOT"},
		{"missing role", "/admin=ROLE_GATED"},
		{"roles on public", "/admin=PUBLIC:ADMIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.ParseRules(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestParseRulesEmpty(t *testing.T) {
	rules, err := auth.ParseRules(" ; , ")
	require.NoError(t, err)
	assert.Empty(t, rules)
}
