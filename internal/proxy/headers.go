package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped in both directions per RFC 7230 §6.1; they
// describe this specific connection and must not be blindly relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// buildUpstreamHeaders copies the inbound request's headers, removes
// whatever credential the caller sent (the pool's own secret takes over),
// and sets the Gemini auth header expected by the upstream API.
func buildUpstreamHeaders(src http.Header, secret string) http.Header {
	dst := src.Clone()

	stripHopByHop(dst)
	dst.Del("Host")
	dst.Del("Authorization")
	dst.Del("X-Goog-Api-Key")
	dst.Del("Content-Length")

	dst.Set("x-goog-api-key", secret)

	return dst
}

// copyResponseHeaders relays an upstream response's headers to the client,
// stripping hop-by-hop headers along the way.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}

	stripHopByHop(dst)
}

// isSSEResponse reports whether an upstream response is a server-sent-event
// stream, which must be relayed chunk-by-chunk through a flusher instead of
// a single io.Copy.
func isSSEResponse(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}
