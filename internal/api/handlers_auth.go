package api

import (
	"log"
	"net/http"
	"time"

	"github.com/jordanhubbard/orgcoord/internal/auth"
)

// TokenRequest exchanges an API key for a bearer token
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse is returned by POST /auth/token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

func (s *Server) authManager() *auth.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

// require rejects callers without permission. Routes are open when auth is off.
func (s *Server) require(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		am := s.authManager()
		if am == nil {
			next(w, r)
			return
		}

		claims, err := am.Authenticate(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !claims.HasPermission(permission) {
			s.respondError(w, http.StatusForbidden, "role "+claims.Role+" lacks "+permission)
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}

// handleToken handles POST /auth/token
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	am := s.authManager()
	if am == nil {
		s.respondError(w, http.StatusNotFound, "authentication is not enabled")
		return
	}

	var req TokenRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	claims, err := am.ValidateAPIKey(req.APIKey)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, expiresAt, err := am.GenerateToken(claims.Subject, claims.Role)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[Auth] Issued %s token to %s", claims.Role, claims.Subject)
	s.respondJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt, Role: claims.Role})
}
