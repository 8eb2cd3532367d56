package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/authgate"
)

// loginBaseDelay and loginFailureDelay blunt credential-stuffing against the
// admin password: every attempt costs the caller 500ms, and a wrong key
// costs an extra second on top of that.
const (
	loginBaseDelay    = 500 * time.Millisecond
	loginFailureDelay = time.Second
)

type loginRequest struct {
	Key string `json:"key"`
}

type loginResponse struct {
	ExpiresAt string `json:"expires_at"`
}

// LoginHandler handles POST /login.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	time.Sleep(loginBaseDelay)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.BadRequest("invalid request body: %v", err))
		return
	}

	token, expiresAt, err := s.gate.Login(r.Context(), r.RemoteAddr, req.Key)
	if err != nil {
		time.Sleep(loginFailureDelay)
		apierr.WriteJSON(w, apierr.Authentication("%v", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authgate.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.environment == "production",
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})

	httpResponseJSON(w, loginResponse{ExpiresAt: expiresAt.Format(time.RFC3339)}, http.StatusOK)
}

// LogoutHandler handles POST /logout.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(authgate.SessionCookieName)
	if err == nil {
		s.gate.Logout(r.Context(), cookie.Value) //nolint:errcheck
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authgate.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.environment == "production",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})

	httpResponse(w, "logged out", http.StatusOK)
}
