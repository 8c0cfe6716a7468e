package auth

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ParseRules reads a path table from its text form. Entries are separated
// by commas or semicolons and look like:
//
//	/$=PUBLIC
//	/login=PUBLIC
//	/compte=AUTHENTICATED
//	/admin=ROLE_GATED:ADMIN
//	/reports=ROLE_GATED:MODERATOR|OWNER
//
// A trailing "$" makes the rule exact. A single role after ROLE_GATED is a
// minimum, several roles joined by "|" are taken literally.
func ParseRules(s string) ([]PathRule, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})

	rules := make([]PathRule, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		rule, err := parseRule(field)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(field string) (PathRule, error) {
	prefix, spec, ok := strings.Cut(field, "=")
	if !ok {
		return PathRule{}, invalidRule(field, "missing '='")
	}

	prefix = strings.TrimSpace(prefix)
	rule := PathRule{}
	if strings.HasSuffix(prefix, "$") {
		rule.Exact = true
		prefix = strings.TrimSuffix(prefix, "$")
	}
	if !strings.HasPrefix(prefix, "/") {
		return PathRule{}, invalidRule(field, "path must start with '/'")
	}
	rule.Prefix = prefix

	class, roles, _ := strings.Cut(strings.TrimSpace(spec), ":")
	rule.Classification = Classification(strings.ToUpper(strings.TrimSpace(class)))
	if !rule.Classification.IsValid() {
		return PathRule{}, invalidRule(field, "unknown classification")
	}

	if rule.Classification != ClassRoleGated {
		if roles != "" {
			return PathRule{}, invalidRule(field, "roles are only allowed on ROLE_GATED rules")
		}
		return rule, nil
	}

	parts := strings.Split(roles, "|")
	parsed := make([]Role, 0, len(parts))
	for _, part := range parts {
		role, ok := ParseRole(part)
		if !ok {
			return PathRule{}, invalidRule(field, "unknown role "+strings.TrimSpace(part))
		}
		parsed = append(parsed, role)
	}

	if len(parsed) == 1 {
		rule.AllowedRoles = RolesAtLeast(parsed[0])
	} else {
		rule.AllowedRoles = parsed
	}
	return rule, nil
}

func invalidRule(field, reason string) error {
	return goerrors.New("invalid path rule: "+reason, goerrors.CategoryValidation).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{"rule": field})
}
