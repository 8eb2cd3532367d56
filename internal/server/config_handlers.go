package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/registry"
)

type configEntryView struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetConfigHandler handles GET /admin/config/{key}.
func (s *Server) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("*")
	if !registry.IsRecognizedKey(key) {
		apierr.WriteJSON(w, apierr.BadRequest("unrecognized config key %q", key))
		return
	}

	value, ok, err := s.st.GetConfig(r.Context(), key)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	if !ok {
		apierr.WriteJSON(w, apierr.NotFound("config key %q has not been set", key))
		return
	}

	httpResponseJSON(w, configEntryView{Key: key, Value: value}, http.StatusOK)
}

type setConfigRequest struct {
	Value string `json:"value"`
}

// SetConfigHandler handles PUT /admin/config/{key}.
func (s *Server) SetConfigHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("*")
	if !registry.IsRecognizedKey(key) {
		apierr.WriteJSON(w, apierr.BadRequest("unrecognized config key %q", key))
		return
	}

	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.BadRequest("invalid request body: %v", err))
		return
	}

	if err := s.reg.Set(r.Context(), key, req.Value); err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}

	httpResponseJSON(w, configEntryView{Key: key, Value: req.Value}, http.StatusOK)
}
