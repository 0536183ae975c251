package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

type originChecker struct {
	allowAll bool
	origins  map[string]struct{}
}

func newOriginChecker(origins []string) *originChecker {
	oc := &originChecker{origins: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			oc.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn().Str("module", "adapters.http").Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		oc.origins[normalized] = struct{}{}
	}
	return oc
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// allowOrigin reports whether a non-empty Origin value is permitted.
func (oc *originChecker) allowOrigin(origin string) bool {
	if oc.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := oc.origins[normalized]
	return exists
}

// allowed admits requests without an Origin header (non-browser clients).
func (oc *originChecker) allowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || oc.allowOrigin(header) {
		return true
	}
	log.Warn().Str("module", "adapters.http").Str("origin", header).Msg("blocked WebSocket connection from disallowed origin")
	return false
}
