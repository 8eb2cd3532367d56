package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/store"
)

// maskSecret renders a credential secret as first4…last4 so it can be
// displayed in admin listings without ever exposing the full value.
func maskSecret(secret string) string {
	const keep = 4
	if len(secret) <= keep*2 {
		return "****"
	}
	return secret[:keep] + "…" + secret[len(secret)-keep:]
}

type credentialView struct {
	ID           int64   `json:"id"`
	Secret       string  `json:"secret"`
	Valid        bool    `json:"valid"`
	FailureCount int     `json:"failure_count"`
	LastUsed     *string `json:"last_used,omitempty"`
}

func toCredentialView(c store.Credential) credentialView {
	v := credentialView{
		ID:           c.ID,
		Secret:       maskSecret(c.Secret),
		Valid:        c.Valid,
		FailureCount: c.FailureCount,
	}
	if c.LastUsed != nil {
		s := c.LastUsed.Format("2006-01-02T15:04:05Z07:00")
		v.LastUsed = &s
	}
	return v
}

// ListCredentialsHandler handles GET /admin/credentials.
func (s *Server) ListCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := s.pool.ListCredentials(r.Context())
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}

	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, toCredentialView(c))
	}

	httpResponseJSON(w, views, http.StatusOK)
}

type addCredentialRequest struct {
	Secret string `json:"secret"`
}

// AddCredentialHandler handles POST /admin/credentials. The new credential
// is immediately enqueued for rotation, and the queue is cleared afterwards
// so any stale in-flight listing doesn't race the insert.
func (s *Server) AddCredentialHandler(w http.ResponseWriter, r *http.Request) {
	var req addCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.Secret == "" {
		apierr.WriteJSON(w, apierr.BadRequest("secret is required"))
		return
	}

	if err := s.pool.Add(r.Context(), req.Secret); err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	s.pool.ClearQueue()

	httpResponse(w, "credential added", http.StatusCreated)
}

// DeleteCredentialHandler handles DELETE /admin/credentials/{id}.
func (s *Server) DeleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("*")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		apierr.WriteJSON(w, apierr.BadRequest("invalid credential id %q", idStr))
		return
	}

	if err := s.pool.Delete(r.Context(), id); err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}

	httpResponse(w, "credential deleted", http.StatusOK)
}
