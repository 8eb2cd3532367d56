package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/upstream"
)

const modelDiscoveryTimeout = 15 * time.Second

// modelDiscoveryModelName is the ModelName recorded against record_failure
// when a model-discovery probe fails, distinguishing it in the call/error
// logs from an ordinary relayed request.
const modelDiscoveryModelName = "model-discovery"

// ListModelsHandler handles GET /admin/models: the deliberate bypass of the
// ProxyEngine's rotation/retry policy described in SPEC_FULL.md §6 and
// DESIGN.md. It takes one credential directly from the pool, issues a
// single "GET models" upstream call, and relays the raw response body.
func (s *Server) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), modelDiscoveryTimeout)
	defer cancel()

	secret, err := s.pool.Get(ctx)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	targetURL, err := upstream.BuildURL(s.engine.BaseURL(), "/v1beta/models")
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	req.Header.Set("x-goog-api-key", secret)

	resp, err := s.engine.Client().HTTP.Do(req)
	if err != nil {
		model := modelDiscoveryModelName
		msg := err.Error()
		s.pool.RecordFailure(ctx, secret, &model, nil, &msg) //nolint:errcheck
		apierr.WriteJSON(w, apierr.BadGateway("model discovery request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		model := modelDiscoveryModelName
		code := resp.StatusCode
		msg := string(body)
		s.pool.RecordFailure(ctx, secret, &model, &code, &msg) //nolint:errcheck
		apierr.WriteJSON(w, apierr.BadGateway("upstream model discovery returned %d", resp.StatusCode))
		return
	}

	model := modelDiscoveryModelName
	s.pool.RecordSuccess(ctx, secret, &model) //nolint:errcheck

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
