package authgate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/store"
)

type fakeSessionStore struct {
	sessions map[string]*store.AdminSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*store.AdminSession)}
}

func (f *fakeSessionStore) RefillCredentials(context.Context, int, time.Time) ([]store.Credential, error) {
	return nil, nil
}
func (f *fakeSessionStore) RecordSuccess(context.Context, string, *string, time.Time) error { return nil }
func (f *fakeSessionStore) RecordFailure(context.Context, string, *string, *int, *string, int, time.Time) error {
	return nil
}
func (f *fakeSessionStore) LogRequestFailure(context.Context, string, *string, int, string, time.Time) error {
	return nil
}
func (f *fakeSessionStore) AddCredential(context.Context, string, time.Time) error { return nil }
func (f *fakeSessionStore) Reactivate(context.Context, string) error              { return nil }
func (f *fakeSessionStore) ListCredentials(context.Context) ([]store.Credential, error) {
	return nil, nil
}
func (f *fakeSessionStore) ListInvalidCredentials(context.Context) ([]store.Credential, error) {
	return nil, nil
}
func (f *fakeSessionStore) DeleteCredential(context.Context, int64) error { return nil }
func (f *fakeSessionStore) CountCredentials(context.Context) (int, error) { return 0, nil }
func (f *fakeSessionStore) GetConfig(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeSessionStore) SetConfig(context.Context, string, string) error { return nil }

func (f *fakeSessionStore) CreateSession(ctx context.Context, token string, createdAt, expiresAt time.Time) error {
	f.sessions[token] = &store.AdminSession{Token: token, CreatedAt: createdAt, ExpiresAt: expiresAt}
	return nil
}
func (f *fakeSessionStore) GetSession(ctx context.Context, token string) (*store.AdminSession, error) {
	return f.sessions[token], nil
}
func (f *fakeSessionStore) DeleteSession(ctx context.Context, token string) error {
	delete(f.sessions, token)
	return nil
}
func (f *fakeSessionStore) DeleteExpiredSessions(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeSessionStore) ListErrorEntries(context.Context, int, int) ([]store.ErrorEntry, error) {
	return nil, nil
}
func (f *fakeSessionStore) ListCallRecords(context.Context, int, int) ([]store.CallRecord, error) {
	return nil, nil
}
func (f *fakeSessionStore) PruneErrorEntries(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeSessionStore) PruneCallRecords(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeSessionStore) Close() {}

var _ store.Backend = (*fakeSessionStore)(nil)

func TestCheckAccessKeyPrecedence(t *testing.T) {
	g := New(newFakeSessionStore(), "secret-key", "")

	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent?key=wrong", nil)
	r.Header.Set("Authorization", "Bearer secret-key")
	if !g.CheckAccessKey(r) {
		t.Fatal("expected bearer token to take precedence and succeed")
	}
}

func TestCheckAccessKeyQueryParam(t *testing.T) {
	g := New(newFakeSessionStore(), "secret-key", "")

	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent?key=secret-key", nil)
	if !g.CheckAccessKey(r) {
		t.Fatal("expected query param key to succeed")
	}
}

func TestCheckAccessKeyRejectsWrongKey(t *testing.T) {
	g := New(newFakeSessionStore(), "secret-key", "")

	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", nil)
	r.Header.Set("x-goog-api-key", "wrong-key")
	if g.CheckAccessKey(r) {
		t.Fatal("expected mismatched key to fail")
	}
}

func TestCheckAccessKeyUnconfiguredAllowsAll(t *testing.T) {
	g := New(newFakeSessionStore(), "", "")

	r := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", nil)
	if !g.CheckAccessKey(r) {
		t.Fatal("expected no access key configured to allow all requests")
	}
}

func TestLoginAndVerifySession(t *testing.T) {
	g := New(newFakeSessionStore(), "", "admin-secret")
	ctx := context.Background()

	token, expiresAt, err := g.Login(ctx, "1.2.3.4", "admin-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatal("expected expiry in the future")
	}

	if !g.VerifySession(ctx, token) {
		t.Fatal("expected session to verify")
	}

	if err := g.Logout(ctx, token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if g.VerifySession(ctx, token) {
		t.Fatal("expected session to be gone after logout")
	}
}

func TestLoginThrottle(t *testing.T) {
	g := New(newFakeSessionStore(), "", "admin-secret")
	ctx := context.Background()

	for i := 0; i < loginThrottleMax; i++ {
		if _, _, err := g.Login(ctx, "5.6.7.8", "wrong"); err == nil {
			t.Fatal("expected failed login")
		}
	}

	_, _, err := g.Login(ctx, "5.6.7.8", "admin-secret")
	if err == nil {
		t.Fatal("expected throttle to reject even a correct key after too many failures")
	}
}
