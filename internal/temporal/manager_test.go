package temporal

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/pkg/config"
)

type nopOrchestrator struct{}

func (nopOrchestrator) Orchestrate(ctx context.Context, entityID string, force bool) (*coordinator.OrchestrateResult, error) {
	return &coordinator.OrchestrateResult{Status: coordinator.StatusAlreadyRunning}, nil
}

func temporalRequired() bool {
	value := strings.ToLower(os.Getenv("TEMPORAL_REQUIRED"))
	return value == "true" || value == "1" || value == "yes"
}

// TestManagerScheduledOrchestration needs a Temporal server at TEMPORAL_HOST.
func TestManagerScheduledOrchestration(t *testing.T) {
	host := os.Getenv("TEMPORAL_HOST")
	if host == "" {
		if temporalRequired() {
			t.Fatal("TEMPORAL_HOST must be set when TEMPORAL_REQUIRED is set")
		}
		t.Skip("TEMPORAL_HOST not set")
	}

	cfg := &config.TemporalConfig{
		Enabled:   true,
		Host:      host,
		Namespace: "default",
		TaskQueue: "orgcoord-test",
		Interval:  time.Hour,
		EntityIDs: []string{"org-1"},
	}

	manager, err := NewManager(cfg, nopOrchestrator{})
	if err != nil {
		if temporalRequired() {
			t.Fatalf("Temporal server not available: %v", err)
		}
		t.Skipf("Temporal server not available: %v", err)
	}
	defer manager.Stop()

	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.StartScheduledOrchestration(ctx); err != nil {
		t.Fatalf("StartScheduledOrchestration failed: %v", err)
	}
	// Starting twice leaves the running schedule in place.
	if err := manager.StartScheduledOrchestration(ctx); err != nil {
		t.Fatalf("second StartScheduledOrchestration failed: %v", err)
	}
	if err := manager.StopScheduledOrchestration(ctx); err != nil {
		t.Errorf("StopScheduledOrchestration failed: %v", err)
	}
}
