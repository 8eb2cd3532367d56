// Package authgate implements the two authentication surfaces the server
// exposes: the proxy access key (checked on every relayed request) and the
// admin session cookie (checked on every admin-surface request).
package authgate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/store"
)

const (
	SessionCookieName = "gr_admin_session"
	sessionDuration    = 2 * time.Hour
	sessionTokenBytes  = 32

	loginThrottleWindow = time.Minute
	loginThrottleMax    = 5
)

// Gate checks proxy access keys and manages admin sessions.
type Gate struct {
	st        store.Backend
	accessKey string
	adminKey  string

	mu        sync.Mutex
	loginFail map[string][]time.Time
}

func New(st store.Backend, accessKey, adminKey string) *Gate {
	return &Gate{
		st:        st,
		accessKey: accessKey,
		adminKey:  adminKey,
		loginFail: make(map[string][]time.Time),
	}
}

// CheckAccessKey verifies the proxy access key on an inbound relay request,
// checked in order of precedence: Authorization: Bearer, then the "key"
// query parameter, then the x-goog-api-key header (the three conventions
// Gemini client libraries use interchangeably).
func (g *Gate) CheckAccessKey(r *http.Request) bool {
	if g.accessKey == "" {
		return true
	}

	if token := bearerToken(r); token != "" {
		return g.matchesAccessKey(token)
	}

	if key := r.URL.Query().Get("key"); key != "" {
		return g.matchesAccessKey(key)
	}

	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return g.matchesAccessKey(key)
	}

	return false
}

// matchesAccessKey compares candidate against every entry of the
// comma-separated access key list (entries are trimmed, empty ones skipped).
func (g *Gate) matchesAccessKey(candidate string) bool {
	matched := false
	for _, key := range strings.Split(g.accessKey, ",") {
		key = strings.TrimSpace(key)
		if key != "" && secureCompare(candidate, key) {
			matched = true
		}
	}
	return matched
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Login checks the admin key (with a sliding-window throttle per remote
// address) and, on success, creates a new admin session.
func (g *Gate) Login(ctx context.Context, remoteAddr, suppliedKey string) (token string, expiresAt time.Time, err error) {
	if g.adminKey == "" {
		return "", time.Time{}, fmt.Errorf("admin surface is not configured")
	}

	if g.throttled(remoteAddr) {
		return "", time.Time{}, fmt.Errorf("too many login attempts, try again later")
	}

	if !secureCompare(suppliedKey, g.adminKey) {
		g.recordFailure(remoteAddr)
		return "", time.Time{}, fmt.Errorf("invalid admin key")
	}

	token, err = newSessionToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now().UTC()
	expiresAt = now.Add(sessionDuration)

	if err := g.st.CreateSession(ctx, token, now, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}

	return token, expiresAt, nil
}

func (g *Gate) throttled(remoteAddr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-loginThrottleWindow)
	attempts := g.loginFail[remoteAddr]

	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.loginFail[remoteAddr] = kept

	return len(kept) >= loginThrottleMax
}

func (g *Gate) recordFailure(remoteAddr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.loginFail[remoteAddr] = append(g.loginFail[remoteAddr], time.Now())
}

// VerifySession looks up an admin session token and reports whether it is
// still valid (exists and not expired).
func (g *Gate) VerifySession(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}

	sess, err := g.st.GetSession(ctx, token)
	if err != nil || sess == nil {
		return false
	}

	return sess.ExpiresAt.After(time.Now().UTC())
}

// Logout deletes an admin session.
func (g *Gate) Logout(ctx context.Context, token string) error {
	return g.st.DeleteSession(ctx, token)
}

func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
