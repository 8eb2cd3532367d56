// Package upstream builds outbound Gemini API requests: the target URL and
// the model name extracted from an inbound proxy path, so the rotation loop
// in internal/proxy never has to parse Gemini's REST conventions itself.
package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultBaseURL is used when an operator does not override the upstream
// host, e.g. to point at a regional endpoint or a test double.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// BuildURL joins base and requestPath into the final upstream URL. Both the
// configured base and the inbound proxy path can legitimately carry a
// "/v1beta" (or "/v1") API-version prefix; joining them naively would
// duplicate it, so any such prefix already present on base is stripped from
// requestPath before the two are concatenated.
func BuildURL(base, requestPath string) (string, error) {
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", base, err)
	}

	requestPath = "/" + strings.TrimLeft(requestPath, "/")

	for _, prefix := range []string{"/v1beta", "/v1"} {
		if strings.HasSuffix(u.Path, prefix) && strings.HasPrefix(requestPath, prefix) {
			requestPath = strings.TrimPrefix(requestPath, prefix)
			if requestPath == "" {
				requestPath = "/"
			}
			break
		}
	}

	return base + requestPath, nil
}
