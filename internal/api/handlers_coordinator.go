package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/jordanhubbard/orgcoord/internal/auth"
	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// OrchestrateRequest is the body of POST /coordinator/{id}/orchestrate
type OrchestrateRequest struct {
	Force bool `json:"force"`
}

// handleOrchestrate handles POST /coordinator/{id}/orchestrate
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")

	var req OrchestrateRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.registry.Orchestrate(r.Context(), entityID, req.Force)
	if err != nil {
		log.Printf("[API] Orchestrate %s failed: %v", entityID, err)
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleStatus handles GET /coordinator/{id}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")

	state, err := s.registry.Status(r.Context(), entityID)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, state)
	case errors.Is(err, coordinator.ErrNotInitialized):
		// Not an error for status: callers poll before the first run.
		s.respondJSON(w, http.StatusOK, map[string]string{
			"status":  coordinator.StatusNotInitialized,
			"message": "No pipeline run initiated yet",
		})
	default:
		log.Printf("[API] Status %s failed: %v", entityID, err)
		s.respondErr(w, err)
	}
}

// handleReset handles POST /coordinator/{id}/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")

	if err := s.registry.Reset(r.Context(), entityID); err != nil {
		log.Printf("[API] Reset %s failed: %v", entityID, err)
		s.respondErr(w, err)
		return
	}
	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		log.Printf("[API] %s reset by %s", entityID, c.Subject)
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": coordinator.StatusReset})
}

// handleAgentComplete handles POST /coordinator/{id}/agent-complete
func (s *Server) handleAgentComplete(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")

	var body messages.AgentCompletion
	if err := s.parseJSON(r, &body); err != nil {
		s.respondErr(w, err)
		return
	}

	kind, err := messages.ParseAgentKind(body.AgentKind)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.registry.AgentComplete(r.Context(), entityID, kind, body.Outcome())
	if err != nil {
		s.respondErr(w, err)
		return
	}

	status := http.StatusOK
	if res.Status == coordinator.StatusError {
		// The failure is recorded; the 500 tells the caller the run is dead.
		status = http.StatusInternalServerError
	}
	s.respondJSON(w, status, res)
}

// handleListCoordinators handles GET /coordinators
func (s *Server) handleListCoordinators(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"coordinators": ids,
		"count":        len(ids),
	})
}
