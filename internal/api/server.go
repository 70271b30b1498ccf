package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/orgcoord/internal/auth"
	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/internal/logging"
	"github.com/jordanhubbard/orgcoord/internal/metrics"
)

// maxBodyBytes bounds request bodies; agent results are small JSON documents.
const maxBodyBytes = 1 << 20

// HealthCheck reports whether a dependency is usable
type HealthCheck func() error

// HealthDetail returns informational statistics shown by GET /health. It
// never affects the reported status.
type HealthDetail func() interface{}

// Server represents the HTTP API server
type Server struct {
	registry *coordinator.Registry
	watchers *coordinator.Hub
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	checks  map[string]HealthCheck
	details map[string]HealthDetail
	logs    *logging.Manager
	auth    *auth.Manager
}

// NewServer creates a new API server. watchers may be nil, in which case the
// watch endpoint answers 503.
func NewServer(reg *coordinator.Registry, watchers *coordinator.Hub, m *metrics.Metrics) *Server {
	return &Server{
		registry: reg,
		watchers: watchers,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		checks:  make(map[string]HealthCheck),
		details: make(map[string]HealthDetail),
	}
}

// AddHealthCheck registers a dependency reported by GET /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// AddHealthDetail registers statistics reported under details by GET /health
func (s *Server) AddHealthDetail(name string, detail HealthDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[name] = detail
}

// SetLogs exposes the recent log buffer on GET /logs
func (s *Server) SetLogs(m *logging.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = m
}

// SetAuth turns on authentication for every route except /health and /metrics
func (s *Server) SetAuth(m *auth.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = m
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Coordinator
	mux.HandleFunc("POST /coordinator/{id}/orchestrate", s.require(auth.PermWrite, s.handleOrchestrate))
	mux.HandleFunc("GET /coordinator/{id}/status", s.require(auth.PermRead, s.handleStatus))
	mux.HandleFunc("POST /coordinator/{id}/reset", s.require(auth.PermWrite, s.handleReset))
	mux.HandleFunc("POST /coordinator/{id}/agent-complete", s.require(auth.PermComplete, s.handleAgentComplete))
	mux.HandleFunc("GET /coordinator/{id}/watch", s.require(auth.PermRead, s.handleWatch))
	mux.HandleFunc("GET /coordinators", s.require(auth.PermRead, s.handleListCoordinators))

	// Auth
	mux.HandleFunc("POST /auth/token", s.handleToken)

	// Operations
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /logs", s.require(auth.PermLogs, s.handleLogs))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.metricsMiddleware(mux)
}

// metricsMiddleware records request counts and latency by route pattern
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.statusCode == 0 {
		r.statusCode = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr classifies err and writes the matching response
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, label := errorStatus(err)
	if label == "" {
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, status, map[string]string{"status": label, "error": err.Error()})
}

// parseJSON parses a JSON request body. An empty body leaves v untouched.
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}
