// Package proxy relays inbound Gemini-API-shaped requests to the real
// upstream API, rotating through the credential pool on auth/rate-limit
// failures and retrying transient upstream errors with exponential backoff.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/credpool"
	"github.com/rakunlabs/gemini-relay/internal/registry"
	"github.com/rakunlabs/gemini-relay/internal/upstream"

	"github.com/worldline-go/klient"
)

// MaxRotations bounds how many distinct credentials a single inbound
// request will cycle through before giving up with AllCredentialsExhausted.
const MaxRotations = 10

type Engine struct {
	pool    *credpool.Pool
	reg     *registry.Registry
	client  *klient.Client
	baseURL string
}

func New(pool *credpool.Pool, reg *registry.Registry, baseURL string, opts ...klient.OptionClientFn) (*Engine, error) {
	if baseURL == "" {
		baseURL = upstream.DefaultBaseURL
	}

	clientOpts := append([]klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
	}, opts...)

	c, err := klient.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	return &Engine{pool: pool, reg: reg, client: c, baseURL: baseURL}, nil
}

// Client returns the shared upstream klient, so other components (the
// scheduler's validation probe) can issue requests against the same
// connection pool instead of opening a second one.
func (e *Engine) Client() *klient.Client {
	return e.client
}

// BaseURL returns the configured upstream base URL.
func (e *Engine) BaseURL() string {
	return e.baseURL
}

// backoff returns the deterministic, non-jittered 2^attempt second delay
// used between retries against the same credential.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Handle relays r to the upstream Gemini API, rotating credentials and
// retrying as Classify directs, and writes the final response (or an
// apierr envelope) to w.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteJSON(w, apierr.BadRequest("read request body: %v", err))
		return
	}
	r.Body.Close()

	model := upstream.ExtractModel(r.URL.Path)
	var modelPtr *string
	if model != "" {
		modelPtr = &model
	}

	targetURL, err := upstream.BuildURL(e.baseURL, r.URL.Path)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	// The caller's own access key may arrive as the "key" query parameter;
	// it is dropped so only the pool's secret reaches the upstream.
	query := r.URL.Query()
	query.Del("key")
	if encoded := query.Encode(); encoded != "" {
		targetURL += "?" + encoded
	}

	for rotation := 0; rotation < MaxRotations; rotation++ {
		secret, err := e.pool.Get(ctx)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}

		resp, attemptErr := e.attemptWithRetry(ctx, r.Method, targetURL, body, r.Header, secret)
		if attemptErr != nil {
			if ctx.Err() != nil {
				return
			}
			if apiErr, ok := apierr.As(attemptErr); ok {
				apierr.WriteJSON(w, apiErr)
				return
			}
			apierr.WriteJSON(w, apierr.BadGateway("upstream request failed: %v", attemptErr))
			return
		}

		outcome := Classify(resp.StatusCode)

		switch outcome {
		case OutcomeSuccess:
			if err := e.pool.RecordSuccess(ctx, secret, modelPtr); err != nil {
				slog.Error("record credential success", "error", err)
			}
			relay(w, resp)
			return

		case OutcomeRotate, OutcomeRetry:
			// OutcomeRetry reaching here means attemptWithRetry already
			// exhausted its retries against this credential; rotate to the
			// next one, same as an immediate-rotate status.
			code := resp.StatusCode
			message := readAndCloseForLog(resp)
			if err := e.pool.RecordFailure(ctx, secret, modelPtr, &code, &message); err != nil {
				slog.Error("record credential failure", "error", err)
			}
			continue

		default: // OutcomeFailFast: not attributable to the credential, no rotation, no recorded failure.
			message := readAndCloseForLog(resp)
			apierr.WriteJSON(w, apierr.NotFound("upstream rejected request: %s", message))
			return
		}
	}

	apierr.WriteJSON(w, apierr.AllCredentialsExhausted("exhausted %d credential rotations", MaxRotations))
}

// attemptWithRetry runs one credential through up to the registry's
// configured MaxRetries attempts. Both a transient (5xx/retryable) response
// and a transport-level error (timeout, connection failure) are retried with
// the same exponential backoff; it returns as soon as a non-retry outcome is
// reached, or once retries are exhausted (transport errors surface as
// ServiceUnavailable instead of rotating).
func (e *Engine) attemptWithRetry(ctx context.Context, method, targetURL string, body []byte, headers http.Header, secret string) (*http.Response, error) {
	maxRetries := e.reg.MaxRetries()

	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header = buildUpstreamHeaders(headers, secret)

		resp, lastErr = e.client.HTTP.Do(req)
		if lastErr != nil {
			resp = nil
			continue
		}

		if Classify(resp.StatusCode) != OutcomeRetry {
			return resp, nil
		}

		if attempt < maxRetries-1 {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
		}
	}

	if resp == nil {
		return nil, apierr.ServiceUnavailable("upstream request failed after %d attempts: %v", maxRetries, lastErr)
	}

	return resp, nil
}

func readAndCloseForLog(resp *http.Response) string {
	defer resp.Body.Close()

	const maxLogBody = 2048
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxLogBody))

	return string(data)
}

// relay streams an upstream response to the client, using chunked flushing
// for server-sent-event streams and a plain copy otherwise.
func relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if !isSSEResponse(resp.Header) {
		io.Copy(w, resp.Body) //nolint:errcheck
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		io.Copy(w, resp.Body) //nolint:errcheck
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}
