package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/orgcoord/internal/logging"
)

// handleLogs handles GET /logs
// Query params: limit, level, source, entity, since (RFC3339)
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	logs := s.logs
	s.mu.RUnlock()
	if logs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "log buffer not enabled")
		return
	}

	q := r.URL.Query()
	f := logging.Filter{
		Level:  q.Get("level"),
		Source: q.Get("source"),
		Entity: q.Get("entity"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		f.Since = t
	}

	entries := logs.GetRecent(f)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}
