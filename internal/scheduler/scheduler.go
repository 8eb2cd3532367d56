// Package scheduler runs the background maintenance jobs: periodic
// revalidation of invalidated credentials, and daily pruning of old call
// records, error entries, and expired admin sessions.
//
// Because hardloop's cron runner does not support dynamic add/remove of
// jobs, the scheduler stops and recreates the whole runner whenever its
// cron specs change (reported by the registry through a debounced
// callback), mirroring how a cron-trigger reload works for a larger set of
// dynamic jobs.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/credpool"
	"github.com/rakunlabs/gemini-relay/internal/proxy"
	"github.com/rakunlabs/gemini-relay/internal/registry"
	"github.com/rakunlabs/gemini-relay/internal/store"
	"github.com/rakunlabs/gemini-relay/internal/upstream"
	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"
	"github.com/worldline-go/klient"
)

const revalidationBatchSize = 10
const revalidationPause = 500 * time.Millisecond

// validationProbeBody is the smallest possible countTokens payload: one
// short text part, enough to exercise auth without burning quota.
const validationProbeBody = `{"contents":[{"parts":[{"text":"ping"}]}]}`

// cronRunner is satisfied by hardloop's unexported *cronJob type (returned
// by hardloop.NewCron), allowing us to store it without referencing the
// unexported struct name directly.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Scheduler is unconditionally the leader: this process runs as a single
// instance, so there is no lock-acquisition loop to coordinate with peers.
type Scheduler struct {
	st      store.Backend
	pool    *credpool.Pool
	reg     *registry.Registry
	client  *klient.Client
	baseURL string

	mu     sync.Mutex
	cron   cronRunner
	cancel context.CancelFunc
	ctx    context.Context
}

func New(st store.Backend, pool *credpool.Pool, reg *registry.Registry, client *klient.Client, baseURL string) *Scheduler {
	return &Scheduler{st: st, pool: pool, reg: reg, client: client, baseURL: baseURL}
}

// Start loads the current cron specs from the registry and starts the
// runner. It should be called once during server initialization, and the
// registry should have OnSchedulerChange wired to Reload beforehand.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx

	return s.reload()
}

// Reload stops the current cron runner and rebuilds it from the registry's
// current cron specs. Called (debounced) after an admin edits a
// scheduler-affecting config key.
func (s *Scheduler) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		if s.ctx != nil {
			logi.Ctx(s.ctx).Error("scheduler: reload failed", "error", err)
		}
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *Scheduler) reload() error {
	s.stopLocked()

	if s.ctx == nil {
		return nil
	}

	crons := []hardloop.Cron{
		{Name: "revalidate-credentials", Specs: []string{s.reg.RevalidationSpec()}, Func: s.revalidate},
		{Name: "prune-call-records", Specs: []string{s.reg.PruneCallsSpec()}, Func: s.pruneCallRecords},
		{Name: "prune-error-entries", Specs: []string{s.reg.PruneErrorsSpec()}, Func: s.pruneErrorEntries},
		{Name: "prune-admin-sessions", Specs: []string{s.reg.PruneSessionSpec()}, Func: s.pruneSessions},
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("scheduler: create cron runner: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("scheduler: start cron runner: %w", err)
	}

	logi.Ctx(s.ctx).Info("scheduler: started jobs", "count", len(crons))

	return nil
}

// revalidate pulls invalid credentials in small batches and probes each with
// a tiny countTokens call against the configured validation model, pausing
// between batches so a large backlog does not starve the write guard out
// from under live traffic. A successful probe reactivates the credential; a
// failed one is recorded like any other request failure, leaving it invalid.
func (s *Scheduler) revalidate(ctx context.Context) error {
	logger := logi.Ctx(ctx)

	invalid, err := s.st.ListInvalidCredentials(ctx)
	if err != nil {
		logger.Error("scheduler: list invalid credentials failed", "error", err)
		return nil // don't stop the cron loop on transient errors
	}

	logger.Info("scheduler: revalidation started", "candidates", len(invalid))

	model := s.reg.ValidationModel()
	reactivated := 0
	for i := 0; i < len(invalid); i += revalidationBatchSize {
		end := min(i+revalidationBatchSize, len(invalid))
		batch := invalid[i:end]

		for _, c := range batch {
			ok, probeErr := s.probe(ctx, c.Secret, model)
			if probeErr != nil {
				logger.Error("scheduler: validation probe failed", "credential_id", c.ID, "error", probeErr)
				continue
			}

			if !ok {
				msg := "validation probe failed"
				if err := s.pool.RecordFailure(ctx, c.Secret, &model, nil, &msg); err != nil {
					logger.Error("scheduler: record probe failure failed", "credential_id", c.ID, "error", err)
				}
				continue
			}

			if err := s.pool.Reactivate(ctx, c.Secret); err != nil {
				logger.Error("scheduler: reactivate credential failed", "credential_id", c.ID, "error", err)
				continue
			}
			reactivated++
		}

		if end < len(invalid) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(revalidationPause):
			}
		}
	}

	logger.Info("scheduler: revalidation finished", "reactivated", reactivated)

	return nil
}

// probe issues one countTokens call for secret against model, bounded by the
// registry's configured validation probe timeout. It returns whether the
// credential appears healthy;
// classification mirrors the proxy engine's success/rotate/retry split, but
// any non-success outcome here is simply treated as "still unhealthy".
func (s *Scheduler) probe(ctx context.Context, secret, model string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.reg.ValidationProbeTimeout())
	defer cancel()

	targetURL, err := upstream.BuildURL(s.baseURL, fmt.Sprintf("/v1beta/models/%s:countTokens", model))
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, targetURL, bytes.NewReader([]byte(validationProbeBody)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", secret)

	resp, err := s.client.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return proxy.Classify(resp.StatusCode) == proxy.OutcomeSuccess, nil
}

func (s *Scheduler) retentionCutoff() time.Time {
	days := s.reg.RetentionDays()
	return time.Now().UTC().AddDate(0, 0, -days)
}

func (s *Scheduler) pruneCallRecords(ctx context.Context) error {
	n, err := s.st.PruneCallRecords(ctx, s.retentionCutoff())
	if err != nil {
		logi.Ctx(ctx).Error("scheduler: prune call records failed", "error", err)
		return nil
	}
	logi.Ctx(ctx).Info("scheduler: pruned call records", "deleted", n)
	return nil
}

func (s *Scheduler) pruneErrorEntries(ctx context.Context) error {
	n, err := s.st.PruneErrorEntries(ctx, s.retentionCutoff())
	if err != nil {
		logi.Ctx(ctx).Error("scheduler: prune error entries failed", "error", err)
		return nil
	}
	logi.Ctx(ctx).Info("scheduler: pruned error entries", "deleted", n)
	return nil
}

func (s *Scheduler) pruneSessions(ctx context.Context) error {
	n, err := s.st.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		logi.Ctx(ctx).Error("scheduler: prune admin sessions failed", "error", err)
		return nil
	}
	logi.Ctx(ctx).Info("scheduler: pruned expired sessions", "deleted", n)
	return nil
}
