package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/store"
)

// fakeConfigStore is a minimal in-memory store.Backend for exercising the
// registry without a real database.
type fakeConfigStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{data: make(map[string]string)}
}

func (f *fakeConfigStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeConfigStore) SetConfig(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeConfigStore) RefillCredentials(context.Context, int, time.Time) ([]store.Credential, error) {
	return nil, nil
}
func (f *fakeConfigStore) RecordSuccess(context.Context, string, *string, time.Time) error { return nil }
func (f *fakeConfigStore) RecordFailure(context.Context, string, *string, *int, *string, int, time.Time) error {
	return nil
}
func (f *fakeConfigStore) LogRequestFailure(context.Context, string, *string, int, string, time.Time) error {
	return nil
}
func (f *fakeConfigStore) AddCredential(context.Context, string, time.Time) error { return nil }
func (f *fakeConfigStore) Reactivate(context.Context, string) error              { return nil }
func (f *fakeConfigStore) ListCredentials(context.Context) ([]store.Credential, error) {
	return nil, nil
}
func (f *fakeConfigStore) ListInvalidCredentials(context.Context) ([]store.Credential, error) {
	return nil, nil
}
func (f *fakeConfigStore) DeleteCredential(context.Context, int64) error  { return nil }
func (f *fakeConfigStore) CountCredentials(context.Context) (int, error) { return 0, nil }

func (f *fakeConfigStore) CreateSession(context.Context, string, time.Time, time.Time) error {
	return nil
}
func (f *fakeConfigStore) GetSession(context.Context, string) (*store.AdminSession, error) {
	return nil, nil
}
func (f *fakeConfigStore) DeleteSession(context.Context, string) error { return nil }
func (f *fakeConfigStore) DeleteExpiredSessions(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeConfigStore) ListErrorEntries(context.Context, int, int) ([]store.ErrorEntry, error) {
	return nil, nil
}
func (f *fakeConfigStore) ListCallRecords(context.Context, int, int) ([]store.CallRecord, error) {
	return nil, nil
}
func (f *fakeConfigStore) PruneErrorEntries(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeConfigStore) PruneCallRecords(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeConfigStore) Close() {}

var _ store.Backend = (*fakeConfigStore)(nil)

func TestRegistryDefaultsWhenUnset(t *testing.T) {
	reg := New(newFakeConfigStore())

	if reg.MaxFailures() != DefaultMaxFailures {
		t.Fatalf("expected default max failures %d, got %d", DefaultMaxFailures, reg.MaxFailures())
	}
	if reg.RetentionDays() != DefaultRetentionDays {
		t.Fatalf("expected default retention days %d, got %d", DefaultRetentionDays, reg.RetentionDays())
	}
}

func TestRegistrySetPersistsAndCaches(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	if err := reg.Set(ctx, KeyMaxFailures, "5"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if reg.MaxFailures() != 5 {
		t.Fatalf("expected 5, got %d", reg.MaxFailures())
	}

	v, ok, err := fb.GetConfig(ctx, KeyMaxFailures)
	if err != nil || !ok || v != "5" {
		t.Fatalf("expected persisted value 5, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestRegistryIsRecognizedKey(t *testing.T) {
	if !IsRecognizedKey(KeyMaxFailures) {
		t.Fatal("expected max_failures to be recognized")
	}
	if IsRecognizedKey("not_a_real_key") {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestRegistryValidationProbeTimeout(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	if got := reg.ValidationProbeTimeout(); got != DefaultValidationProbeTimeout {
		t.Fatalf("expected default %v, got %v", DefaultValidationProbeTimeout, got)
	}

	if err := reg.Set(ctx, KeyValidationProbeTimeout, "20s"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.ValidationProbeTimeout(); got != 20*time.Second {
		t.Fatalf("expected 20s, got %v", got)
	}

	// An unparsable override falls back to the default rather than erroring.
	if err := reg.Set(ctx, KeyValidationProbeTimeout, "not-a-duration"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.ValidationProbeTimeout(); got != DefaultValidationProbeTimeout {
		t.Fatalf("expected fallback to default on bad value, got %v", got)
	}
}

func TestRegistryMaxRetriesClamped(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	if got := reg.MaxRetries(); got != DefaultMaxRetryCount {
		t.Fatalf("expected default %d, got %d", DefaultMaxRetryCount, got)
	}

	if err := reg.Set(ctx, KeyMaxRetryCount, "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.MaxRetries(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}

	if err := reg.Set(ctx, KeyMaxRetryCount, "500"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.MaxRetries(); got != maxMaxRetryCount {
		t.Fatalf("expected clamp to %d, got %d", maxMaxRetryCount, got)
	}
}

func TestRegistrySchedulerTimezonePrefixesCronSpecs(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	if got := reg.PruneCallsSpec(); got != DefaultPruneCallsSpec {
		t.Fatalf("expected no timezone prefix by default, got %q", got)
	}

	if err := reg.Set(ctx, KeySchedulerTimezone, "America/New_York"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := "CRON_TZ=America/New_York " + DefaultPruneCallsSpec
	if got := reg.PruneCallsSpec(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRegistryValidationIntervalFeedsRevalidationSpec(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	if got := reg.RevalidationSpec(); got != DefaultRevalidationSpec {
		t.Fatalf("expected default %q, got %q", DefaultRevalidationSpec, got)
	}

	if err := reg.Set(ctx, KeyValidationIntervalHours, "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.RevalidationSpec(); got != "0 */2 * * *" {
		t.Fatalf("expected hours-derived spec, got %q", got)
	}

	// An explicit cron override still wins over the hours-derived spec.
	if err := reg.Set(ctx, KeyRevalidationSpec, "15 */3 * * *"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.RevalidationSpec(); got != "15 */3 * * *" {
		t.Fatalf("expected explicit override, got %q", got)
	}
}

func TestRegistrySchedulerAffectingKeysDebounce(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	var mu sync.Mutex
	reloads := 0
	reg.OnSchedulerChange(func() {
		mu.Lock()
		reloads++
		mu.Unlock()
	})

	// Mirrors scenario 7: VALIDATION_MODEL, then SCHEDULER_TIMEZONE, then
	// KEY_VALIDATION_INTERVAL_HOURS in rapid succession must coalesce into
	// exactly one restart.
	if err := reg.Set(ctx, KeyValidationModel, "gemini-2.0-flash"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := reg.Set(ctx, KeySchedulerTimezone, "UTC"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := reg.Set(ctx, KeyValidationIntervalHours, "12"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(restartDebounce + 200*time.Millisecond)

	mu.Lock()
	got := reloads
	mu.Unlock()

	if got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestRegistryDebouncedSchedulerReload(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	var mu sync.Mutex
	reloads := 0
	reg.OnSchedulerChange(func() {
		mu.Lock()
		reloads++
		mu.Unlock()
	})

	// Three rapid scheduler-affecting writes should coalesce into one reload.
	if err := reg.Set(ctx, KeyRevalidationSpec, "0 */1 * * *"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := reg.Set(ctx, KeyPruneCallsSpec, "0 4 * * *"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := reg.Set(ctx, KeyPruneErrorsSpec, "5 4 * * *"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(restartDebounce + 200*time.Millisecond)

	mu.Lock()
	got := reloads
	mu.Unlock()

	if got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestRegistryBulkSuppressesReload(t *testing.T) {
	fb := newFakeConfigStore()
	reg := New(fb)
	ctx := context.Background()

	var mu sync.Mutex
	reloads := 0
	reg.OnSchedulerChange(func() {
		mu.Lock()
		reloads++
		mu.Unlock()
	})

	reg.BeginBulk()
	if err := reg.Set(ctx, KeyRevalidationSpec, "0 */2 * * *"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(restartDebounce + 200*time.Millisecond)

	mu.Lock()
	got := reloads
	mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no reload while bulk is open, got %d", got)
	}

	reg.EndBulk()
	time.Sleep(restartDebounce + 200*time.Millisecond)

	mu.Lock()
	got = reloads
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected 1 reload after EndBulk, got %d", got)
	}
}
