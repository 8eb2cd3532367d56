// Package registry holds operator-tunable configuration that lives in the
// config_entries table rather than the static config file: failure
// thresholds, batch sizes, and the scheduler's cron specs. Values here can be
// changed at runtime through the admin surface without a restart.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/store"

	str2duration "github.com/xhit/go-str2duration/v2"
)

const restartDebounce = 500 * time.Millisecond

// Defaults used when a key has never been written to the store.
const (
	DefaultMaxFailures      = 3
	DefaultRefillBatchSize  = 10
	DefaultRevalidationSpec = "0 */6 * * *"
	DefaultPruneCallsSpec   = "0 3 * * *"
	DefaultPruneErrorsSpec  = "5 3 * * *"
	DefaultPruneSessionSpec = "10 3 * * *"
	DefaultRetentionDays    = 30

	// DefaultValidationModel is the model the scheduler probes with a tiny
	// countTokens call to test whether an invalidated credential has
	// recovered.
	DefaultValidationModel = "gemini-2.0-flash-lite"

	// DefaultValidationProbeTimeout bounds a single revalidation probe call.
	DefaultValidationProbeTimeout = 10 * time.Second

	// DefaultValidationIntervalHours is how often the revalidation job runs
	// when no explicit KeyRevalidationSpec cron override is set.
	DefaultValidationIntervalHours = 6

	// DefaultMaxRetryCount bounds how many times a single credential is
	// retried against a transient upstream error before the proxy rotates to
	// the next one.
	DefaultMaxRetryCount = 3
	minMaxRetryCount     = 1
	maxMaxRetryCount     = 20

	// DefaultSchedulerTimezone is empty: cron specs run in hardloop's default
	// (server-local) timezone until an operator sets an IANA zone.
	DefaultSchedulerTimezone = ""
)

const (
	KeyMaxFailures      = "max_failures"
	KeyRefillBatchSize  = "refill_batch_size"
	KeyRevalidationSpec = "revalidation_cron"
	KeyPruneCallsSpec   = "prune_calls_cron"
	KeyPruneErrorsSpec  = "prune_errors_cron"
	KeyPruneSessionSpec = "prune_sessions_cron"
	KeyRetentionDays    = "retention_days"
	KeyValidationModel  = "validation_model"

	// KeyValidationProbeTimeout holds an operator-supplied duration string
	// (e.g. "15s") parsed with str2duration; unset or unparsable falls back
	// to DefaultValidationProbeTimeout.
	KeyValidationProbeTimeout = "validation_probe_timeout"

	// KeyValidationIntervalHours overrides how often revalidate-credentials
	// runs when KeyRevalidationSpec has not been set explicitly.
	KeyValidationIntervalHours = "key_validation_interval_hours"

	// KeySchedulerTimezone is the IANA zone (e.g. "America/New_York") the
	// scheduler's cron jobs run in; empty uses hardloop's default.
	KeySchedulerTimezone = "scheduler_timezone"

	// KeyMaxRetryCount bounds retries of a single credential against
	// transient upstream errors before the proxy rotates (1..20).
	KeyMaxRetryCount = "max_retry_count"
)

// schedulerKeys changing any of these triggers a debounced scheduler reload.
// This mirrors the original's scheduler-affecting config set: the cron specs
// themselves, the validation model and interval (the revalidation job reads
// both), the scheduler timezone, and the log retention window the daily
// prune jobs use to compute their cutoff.
var schedulerKeys = map[string]bool{
	KeyRevalidationSpec:        true,
	KeyPruneCallsSpec:          true,
	KeyPruneErrorsSpec:         true,
	KeyPruneSessionSpec:        true,
	KeyValidationModel:         true,
	KeyValidationIntervalHours: true,
	KeySchedulerTimezone:       true,
	KeyRetentionDays:           true,
}

// recognizedKeys is the full set of keys the admin config surface is allowed
// to read or write; anything else is rejected with BadRequest rather than
// silently accepted into the config_entries table.
var recognizedKeys = map[string]bool{
	KeyMaxFailures:             true,
	KeyRefillBatchSize:         true,
	KeyRevalidationSpec:        true,
	KeyPruneCallsSpec:          true,
	KeyPruneErrorsSpec:         true,
	KeyPruneSessionSpec:        true,
	KeyRetentionDays:           true,
	KeyValidationModel:         true,
	KeyValidationProbeTimeout:  true,
	KeyValidationIntervalHours: true,
	KeySchedulerTimezone:       true,
	KeyMaxRetryCount:           true,
}

// IsRecognizedKey reports whether key is part of the enumerated ConfigEntry
// key set the admin surface may read or write.
func IsRecognizedKey(key string) bool {
	return recognizedKeys[key]
}

// Registry caches config_entries in memory and debounces scheduler restarts
// so a burst of admin edits (e.g. from a bulk import) triggers one reload
// instead of one per key.
type Registry struct {
	store store.Backend

	mu                sync.RWMutex
	cache             map[string]string
	bulk              int
	timer             *time.Timer
	onSchedulerChange func()
}

func New(st store.Backend) *Registry {
	return &Registry{
		store: st,
		cache: make(map[string]string),
	}
}

// Load populates the in-memory cache from the store. Call once at startup.
func (r *Registry) Load(ctx context.Context) error {
	for _, key := range []string{
		KeyMaxFailures, KeyRefillBatchSize,
		KeyRevalidationSpec, KeyPruneCallsSpec, KeyPruneErrorsSpec, KeyPruneSessionSpec,
		KeyRetentionDays, KeyValidationModel, KeyValidationProbeTimeout,
		KeyValidationIntervalHours, KeySchedulerTimezone, KeyMaxRetryCount,
	} {
		value, ok, err := r.store.GetConfig(ctx, key)
		if err != nil {
			return fmt.Errorf("load config %q: %w", key, err)
		}
		if ok {
			r.mu.Lock()
			r.cache[key] = value
			r.mu.Unlock()
		}
	}

	return nil
}

// OnSchedulerChange registers the callback invoked (debounced) after a
// scheduler-affecting key changes. Must be called before Set is used.
func (r *Registry) OnSchedulerChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSchedulerChange = fn
}

func (r *Registry) get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.cache[key]
	return v, ok
}

func (r *Registry) GetString(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

func (r *Registry) GetInt(key string, def int) int {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (r *Registry) MaxFailures() int {
	return r.GetInt(KeyMaxFailures, DefaultMaxFailures)
}

func (r *Registry) RefillBatchSize() int {
	return r.GetInt(KeyRefillBatchSize, DefaultRefillBatchSize)
}

func (r *Registry) RetentionDays() int {
	return r.GetInt(KeyRetentionDays, DefaultRetentionDays)
}

// RevalidationSpec returns the cron spec for the revalidate-credentials job.
// An explicit KeyRevalidationSpec override wins; otherwise it is built from
// ValidationIntervalHours. The scheduler's configured timezone (if any) is
// prefixed as a CRON_TZ= directive, per hardloop's per-job timezone support.
func (r *Registry) RevalidationSpec() string {
	if v, ok := r.get(KeyRevalidationSpec); ok {
		return r.withTimezone(v)
	}
	return r.withTimezone(fmt.Sprintf("0 */%d * * *", r.ValidationIntervalHours()))
}

func (r *Registry) PruneCallsSpec() string {
	return r.withTimezone(r.GetString(KeyPruneCallsSpec, DefaultPruneCallsSpec))
}

func (r *Registry) PruneErrorsSpec() string {
	return r.withTimezone(r.GetString(KeyPruneErrorsSpec, DefaultPruneErrorsSpec))
}

func (r *Registry) PruneSessionSpec() string {
	return r.withTimezone(r.GetString(KeyPruneSessionSpec, DefaultPruneSessionSpec))
}

// ValidationIntervalHours is how often (in hours) the revalidation job runs
// when no explicit RevalidationSpec override has been set.
func (r *Registry) ValidationIntervalHours() int {
	return r.GetInt(KeyValidationIntervalHours, DefaultValidationIntervalHours)
}

// SchedulerTimezone is the IANA zone the scheduler's cron jobs run in; empty
// means hardloop's default (server-local time).
func (r *Registry) SchedulerTimezone() string {
	return r.GetString(KeySchedulerTimezone, DefaultSchedulerTimezone)
}

func (r *Registry) withTimezone(spec string) string {
	tz := r.SchedulerTimezone()
	if tz == "" {
		return spec
	}
	return "CRON_TZ=" + tz + " " + spec
}

// MaxRetries bounds how many times the proxy engine retries a single
// credential against a transient upstream error before rotating. Clamped to
// the 1..20 range regardless of what was persisted.
func (r *Registry) MaxRetries() int {
	n := r.GetInt(KeyMaxRetryCount, DefaultMaxRetryCount)
	if n < minMaxRetryCount {
		return minMaxRetryCount
	}
	if n > maxMaxRetryCount {
		return maxMaxRetryCount
	}
	return n
}

func (r *Registry) ValidationModel() string {
	return r.GetString(KeyValidationModel, DefaultValidationModel)
}

// ValidationProbeTimeout parses an operator-supplied duration override (e.g.
// "15s"); an unset or unparsable value falls back to
// DefaultValidationProbeTimeout.
func (r *Registry) ValidationProbeTimeout() time.Duration {
	v, ok := r.get(KeyValidationProbeTimeout)
	if !ok {
		return DefaultValidationProbeTimeout
	}

	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return DefaultValidationProbeTimeout
	}

	return d
}

// Set persists a key both to the store and to the in-memory cache. If key
// affects the scheduler, a reload is scheduled after restartDebounce unless
// a bulk update is in progress.
func (r *Registry) Set(ctx context.Context, key, value string) error {
	if err := r.store.SetConfig(ctx, key, value); err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = value
	affectsScheduler := schedulerKeys[key]
	r.mu.Unlock()

	if affectsScheduler {
		r.scheduleSchedulerReload()
	}

	return nil
}

// BeginBulk suppresses scheduler-reload scheduling until a matching number of
// EndBulk calls have been made; calls nest (reentrant).
func (r *Registry) BeginBulk() {
	r.mu.Lock()
	r.bulk++
	r.mu.Unlock()
}

// EndBulk closes one BeginBulk scope. Once the outermost scope closes, a
// debounced scheduler reload is scheduled, whether or not any
// scheduler-affecting key changed during the bulk window.
func (r *Registry) EndBulk() {
	r.mu.Lock()
	r.bulk--
	remaining := r.bulk
	r.mu.Unlock()

	if remaining <= 0 {
		r.scheduleSchedulerReload()
	}
}

func (r *Registry) scheduleSchedulerReload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bulk > 0 {
		return
	}

	if r.onSchedulerChange == nil {
		return
	}

	if r.timer != nil {
		r.timer.Stop()
	}

	r.timer = time.AfterFunc(restartDebounce, r.onSchedulerChange)
}
