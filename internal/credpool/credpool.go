// Package credpool implements the credential rotation queue fronting the
// store: a proxy request pops the next available credential's secret from
// an in-memory queue, refilling it from the store on demand, and reports
// success/failure back so the store stays the single source of truth for
// which credentials are still valid.
package credpool

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/registry"
	"github.com/rakunlabs/gemini-relay/internal/store"
)

// Pool is the CredentialPool: a RotationQueue of secrets backed by the
// store, with a RefillGuard preventing two callers from refilling the queue
// concurrently when it runs dry.
type Pool struct {
	st  store.Backend
	reg *registry.Registry

	queueMu sync.Mutex
	queue   []string

	refillMu sync.Mutex
}

func New(st store.Backend, reg *registry.Registry) *Pool {
	return &Pool{st: st, reg: reg}
}

func (p *Pool) dequeue() (string, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	if len(p.queue) == 0 {
		return "", false
	}

	secret := p.queue[0]
	p.queue = p.queue[1:]

	return secret, true
}

func (p *Pool) enqueue(secrets ...string) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	p.queue = append(p.queue, secrets...)
}

// ClearQueue drops all queued secrets, forcing the next Get to refill from
// the store. Used after a bulk credential import/delete so stale queue
// entries for deleted credentials are not handed out.
func (p *Pool) ClearQueue() {
	p.queueMu.Lock()
	p.queue = nil
	p.queueMu.Unlock()
}

// Get returns the next credential secret in rotation, refilling the queue
// from the store if it is empty. Returns apierr.AllCredentialsExhausted if
// no valid credential exists at all.
func (p *Pool) Get(ctx context.Context) (string, error) {
	if secret, ok := p.dequeue(); ok {
		return secret, nil
	}

	if err := p.refill(ctx); err != nil {
		return "", err
	}

	if secret, ok := p.dequeue(); ok {
		return secret, nil
	}

	return "", apierr.AllCredentialsExhausted("no valid credentials available")
}

// refill is double-checked: the queue is re-inspected after acquiring
// refillMu in case another goroutine already refilled it while this one was
// waiting for the lock.
func (p *Pool) refill(ctx context.Context) error {
	p.refillMu.Lock()
	defer p.refillMu.Unlock()

	p.queueMu.Lock()
	empty := len(p.queue) == 0
	p.queueMu.Unlock()

	if !empty {
		return nil
	}

	creds, err := p.st.RefillCredentials(ctx, p.reg.RefillBatchSize(), time.Now())
	if err != nil {
		return err
	}

	secrets := make([]string, 0, len(creds))
	for _, c := range creds {
		secrets = append(secrets, c.Secret)
	}

	p.enqueue(secrets...)

	return nil
}

// RecordSuccess bumps last_used and logs the call. The credential is not
// re-enqueued immediately: the store is authoritative, and since last_used
// now sorts it to the back of the next refill's ordering, it naturally
// reappears only once every other credential has had a turn.
func (p *Pool) RecordSuccess(ctx context.Context, secret string, modelName *string) error {
	return p.st.RecordSuccess(ctx, secret, modelName, time.Now())
}

// RecordFailure increments the credential's failure count, invalidating it
// once the configured threshold is reached. Like RecordSuccess, the
// credential is not pushed back onto the queue; if it is still valid it
// will surface again on the next refill.
func (p *Pool) RecordFailure(ctx context.Context, secret string, modelName *string, code *int, message *string) error {
	return p.st.RecordFailure(ctx, secret, modelName, code, message, p.reg.MaxFailures(), time.Now())
}

// LogRequestFailure records an error not attributable to the credential
// itself, leaving its validity and position untouched.
func (p *Pool) LogRequestFailure(ctx context.Context, secret string, modelName *string, code int, message string) error {
	return p.st.LogRequestFailure(ctx, secret, modelName, code, message, time.Now())
}

// Add persists a new credential and makes it immediately available for
// rotation rather than waiting for the next refill.
func (p *Pool) Add(ctx context.Context, secret string) error {
	if err := p.st.AddCredential(ctx, secret, time.Now()); err != nil {
		return err
	}

	p.enqueue(secret)

	return nil
}

// Reactivate is called only by the scheduler's revalidation job: it flips a
// previously invalidated credential back to valid and re-enqueues it.
func (p *Pool) Reactivate(ctx context.Context, secret string) error {
	if err := p.st.Reactivate(ctx, secret); err != nil {
		return err
	}

	p.enqueue(secret)

	return nil
}

func (p *Pool) Delete(ctx context.Context, id int64) error {
	if err := p.st.DeleteCredential(ctx, id); err != nil {
		return err
	}

	p.ClearQueue()

	return nil
}

func (p *Pool) ListCredentials(ctx context.Context) ([]store.Credential, error) {
	return p.st.ListCredentials(ctx)
}

func (p *Pool) ListInvalidCredentials(ctx context.Context) ([]store.Credential, error) {
	return p.st.ListInvalidCredentials(ctx)
}

func (p *Pool) CountCredentials(ctx context.Context) (int, error) {
	return p.st.CountCredentials(ctx)
}
