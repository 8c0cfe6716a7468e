package routerauth

import (
	"strings"

	"github.com/goliatone/go-router"
)

const defaultTokenLookup = "cookie:auth_session,header:" + router.HeaderAuthorization

// Extractor pulls a raw session token out of a request, empty when absent
type Extractor func(c router.Context) string

// GetExtractors parses a lookup string such as
// "cookie:auth_session,header:Authorization,query:token"
func GetExtractors(tokenLookup string, authScheme string) []Extractor {
	if strings.TrimSpace(tokenLookup) == "" {
		tokenLookup = defaultTokenLookup
	}
	if strings.TrimSpace(authScheme) == "" {
		authScheme = "Bearer"
	}

	extractors := make([]Extractor, 0)
	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.SplitN(strings.TrimSpace(rootPart), ":", 2)
		if len(parts) != 2 {
			continue
		}
		source, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if name == "" {
			continue
		}

		switch source {
		case "header":
			extractors = append(extractors, fromHeader(name, authScheme))
		case "query":
			extractors = append(extractors, fromQuery(name))
		case "cookie":
			extractors = append(extractors, fromCookie(name))
		}
	}
	return extractors
}

// ExtractToken returns the first token found by extractors
func ExtractToken(c router.Context, extractors []Extractor) string {
	for _, extractor := range extractors {
		if token := extractor(c); token != "" {
			return token
		}
	}
	return ""
}

func fromHeader(header, authScheme string) Extractor {
	scheme := strings.TrimSpace(authScheme)
	l := len(scheme)
	return func(c router.Context) string {
		a := c.Header(header)
		if len(a) > l+1 && strings.EqualFold(a[:l], scheme) && a[l] == ' ' {
			return strings.TrimSpace(a[l:])
		}
		return ""
	}
}

func fromQuery(param string) Extractor {
	return func(c router.Context) string {
		return c.Query(param, "")
	}
}

func fromCookie(name string) Extractor {
	return func(c router.Context) string {
		return c.Cookies(name)
	}
}
