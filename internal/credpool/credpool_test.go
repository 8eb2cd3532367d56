package credpool

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/registry"
	"github.com/rakunlabs/gemini-relay/internal/store"
)

// fakeBackend is a minimal in-memory store.Backend for exercising the pool
// without a real database.
type fakeBackend struct {
	creds map[string]*store.Credential
}

func newFakeBackend(secrets ...string) *fakeBackend {
	fb := &fakeBackend{creds: make(map[string]*store.Credential)}
	for i, s := range secrets {
		fb.creds[s] = &store.Credential{ID: int64(i + 1), Secret: s, Valid: true}
	}
	return fb
}

func (f *fakeBackend) RefillCredentials(ctx context.Context, limit int, now time.Time) ([]store.Credential, error) {
	var out []store.Credential
	for _, c := range f.creds {
		if !c.Valid {
			continue
		}
		out = append(out, *c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBackend) RecordSuccess(ctx context.Context, secret string, modelName *string, now time.Time) error {
	if c, ok := f.creds[secret]; ok {
		c.LastUsed = &now
		c.FailureCount = 0
	}
	return nil
}

func (f *fakeBackend) RecordFailure(ctx context.Context, secret string, modelName *string, code *int, message *string, maxFailures int, now time.Time) error {
	c, ok := f.creds[secret]
	if !ok {
		return nil
	}
	c.FailureCount++
	if c.FailureCount >= maxFailures {
		c.Valid = false
	}
	return nil
}

func (f *fakeBackend) LogRequestFailure(ctx context.Context, secret string, modelName *string, code int, message string, now time.Time) error {
	return nil
}

func (f *fakeBackend) AddCredential(ctx context.Context, secret string, now time.Time) error {
	f.creds[secret] = &store.Credential{ID: int64(len(f.creds) + 1), Secret: secret, Valid: true}
	return nil
}

func (f *fakeBackend) Reactivate(ctx context.Context, secret string) error {
	if c, ok := f.creds[secret]; ok {
		c.Valid = true
		c.FailureCount = 0
	}
	return nil
}

func (f *fakeBackend) ListCredentials(ctx context.Context) ([]store.Credential, error) {
	var out []store.Credential
	for _, c := range f.creds {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeBackend) ListInvalidCredentials(ctx context.Context) ([]store.Credential, error) {
	var out []store.Credential
	for _, c := range f.creds {
		if !c.Valid {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeBackend) DeleteCredential(ctx context.Context, id int64) error {
	for s, c := range f.creds {
		if c.ID == id {
			delete(f.creds, s)
		}
	}
	return nil
}

func (f *fakeBackend) CountCredentials(ctx context.Context) (int, error) {
	n := 0
	for _, c := range f.creds {
		if c.Valid {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) GetConfig(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (f *fakeBackend) SetConfig(ctx context.Context, key, value string) error          { return nil }

func (f *fakeBackend) CreateSession(ctx context.Context, token string, createdAt, expiresAt time.Time) error {
	return nil
}
func (f *fakeBackend) GetSession(ctx context.Context, token string) (*store.AdminSession, error) {
	return nil, nil
}
func (f *fakeBackend) DeleteSession(ctx context.Context, token string) error { return nil }
func (f *fakeBackend) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeBackend) ListErrorEntries(ctx context.Context, limit, offset int) ([]store.ErrorEntry, error) {
	return nil, nil
}
func (f *fakeBackend) ListCallRecords(ctx context.Context, limit, offset int) ([]store.CallRecord, error) {
	return nil, nil
}
func (f *fakeBackend) PruneErrorEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeBackend) PruneCallRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeBackend) Close() {}

var _ store.Backend = (*fakeBackend)(nil)

func TestPoolGetRefillsFromStore(t *testing.T) {
	fb := newFakeBackend("secret-a", "secret-b")
	reg := registry.New(fb)
	pool := New(fb, reg)

	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		secret, err := pool.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		seen[secret] = true
	}

	if !seen["secret-a"] || !seen["secret-b"] {
		t.Fatalf("expected both credentials to be handed out, got %v", seen)
	}
}

func TestPoolGetExhausted(t *testing.T) {
	fb := newFakeBackend()
	reg := registry.New(fb)
	pool := New(fb, reg)

	_, err := pool.Get(context.Background())
	if err == nil {
		t.Fatal("expected error when no credentials exist")
	}

	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindAllCredentialsExhausted {
		t.Fatalf("expected AllCredentialsExhausted, got %v", err)
	}
}

func TestPoolRecordFailureInvalidatesAfterThreshold(t *testing.T) {
	fb := newFakeBackend("secret-a")
	reg := registry.New(fb)
	pool := New(fb, reg)

	ctx := context.Background()
	code := 429
	msg := "rate limited"

	for i := 0; i < registry.DefaultMaxFailures; i++ {
		if err := pool.RecordFailure(ctx, "secret-a", nil, &code, &msg); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	invalid, err := pool.ListInvalidCredentials(ctx)
	if err != nil {
		t.Fatalf("ListInvalidCredentials: %v", err)
	}
	if len(invalid) != 1 {
		t.Fatalf("expected 1 invalid credential, got %d", len(invalid))
	}
}

func TestPoolAddMakesCredentialImmediatelyAvailable(t *testing.T) {
	fb := newFakeBackend()
	reg := registry.New(fb)
	pool := New(fb, reg)

	ctx := context.Background()
	if err := pool.Add(ctx, "fresh-secret"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	secret, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if secret != "fresh-secret" {
		t.Fatalf("expected fresh-secret, got %q", secret)
	}
}

func TestPoolClearQueueForcesRefill(t *testing.T) {
	fb := newFakeBackend("secret-a")
	reg := registry.New(fb)
	pool := New(fb, reg)

	ctx := context.Background()
	if err := pool.Add(ctx, "secret-b"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	pool.ClearQueue()

	secret, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get after clear: %v", err)
	}
	if secret == "" {
		t.Fatal("expected a credential after refill")
	}
}
