package strava

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// logRequest logs outbound calls without query strings, which carry codes
// and secrets on the token endpoint.
func logRequest(method, endpoint string) {
	if method == "" && endpoint == "" {
		return
	}

	safe := endpoint
	if parsed, err := url.Parse(endpoint); err == nil {
		parsed.User = nil
		parsed.RawQuery = ""
		parsed.Fragment = ""
		if parsed.Scheme != "" || parsed.Host != "" {
			safe = parsed.Scheme + "://" + parsed.Host + parsed.Path
		} else {
			safe = parsed.Path
		}
	} else if idx := strings.Index(endpoint, "?"); idx >= 0 {
		safe = endpoint[:idx]
	}

	ev := log.Debug()
	if m := strings.ToUpper(strings.TrimSpace(method)); m != "" {
		ev = ev.Str("method", m)
	}
	ev.Str("endpoint", safe).Msg("strava request")
}
