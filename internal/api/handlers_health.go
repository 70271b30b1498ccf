package api

import (
	"context"
	"net/http"
	"os"
	"time"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string                 `json:"status"` // "healthy" or "unhealthy"
	Timestamp    time.Time              `json:"timestamp"`
	InstanceID   string                 `json:"instance_id,omitempty"`
	Uptime       int64                  `json:"uptime_seconds"`
	Coordinators int                    `json:"coordinators"`
	Policy       PolicyInfo             `json:"policy"`
	Dependencies map[string]DepHealth   `json:"dependencies"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// PolicyInfo reports the limits the coordinators enforce.
type PolicyInfo struct {
	LocatorTTL         string `json:"locator_ttl"`
	RetryCeiling       int    `json:"retry_ceiling"`
	HighValueThreshold int    `json:"high_value_threshold"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy" or "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

var startTime = time.Now()

// Pinger is a backend that can verify its connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts p to a HealthCheck bounded by timeout
func PingCheck(p Pinger, timeout time.Duration) HealthCheck {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// handleHealth handles GET /health. It answers 503 when any registered
// dependency check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := s.checkDependencies()
	policy := s.registry.Policy()

	health := HealthStatus{
		Status:       "healthy",
		Timestamp:    time.Now().UTC(),
		InstanceID:   instanceID(),
		Uptime:       int64(time.Since(startTime).Seconds()),
		Coordinators: len(s.registry.IDs()),
		Policy: PolicyInfo{
			LocatorTTL:         policy.LocatorTTL.String(),
			RetryCeiling:       policy.RetryCeiling,
			HighValueThreshold: policy.HighValueThreshold,
		},
		Dependencies: deps,
		Details:      s.collectDetails(),
	}

	status := http.StatusOK
	for _, dep := range deps {
		if dep.Status != "healthy" {
			health.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			break
		}
	}
	s.respondJSON(w, status, health)
}

func (s *Server) checkDependencies() map[string]DepHealth {
	s.mu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	deps := make(map[string]DepHealth, len(checks))
	for name, check := range checks {
		start := time.Now()
		err := check()
		dep := DepHealth{Status: "healthy", Latency: time.Since(start).Milliseconds()}
		if err != nil {
			dep.Status = "unhealthy"
			dep.Message = err.Error()
		}
		deps[name] = dep
	}
	return deps
}

func (s *Server) collectDetails() map[string]interface{} {
	s.mu.RLock()
	details := make(map[string]HealthDetail, len(s.details))
	for name, detail := range s.details {
		details[name] = detail
	}
	s.mu.RUnlock()

	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for name, detail := range details {
		out[name] = detail()
	}
	return out
}

func instanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	return host
}
