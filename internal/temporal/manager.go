package temporal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/jordanhubbard/orgcoord/internal/temporal/activities"
	temporalclient "github.com/jordanhubbard/orgcoord/internal/temporal/client"
	"github.com/jordanhubbard/orgcoord/internal/temporal/workflows"
	"github.com/jordanhubbard/orgcoord/pkg/config"
)

// ScheduleWorkflowID identifies the single scheduled orchestration workflow
const ScheduleWorkflowID = "orgcoord-scheduled-orchestration"

// Manager runs the Temporal worker that drives scheduled orchestration
type Manager struct {
	client *temporalclient.Client
	worker worker.Worker
	config *config.TemporalConfig
}

// NewManager connects to Temporal and registers the scheduling workflow and
// its activities against o.
func NewManager(cfg *config.TemporalConfig, o activities.Orchestrator) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	c, err := temporalclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ScheduledOrchestrationWorkflow)
	w.RegisterActivity(activities.NewActivities(o))

	log.Printf("[Temporal] Worker registered for task queue: %s", cfg.TaskQueue)
	return &Manager{client: c, worker: w, config: cfg}, nil
}

// Start starts the Temporal worker
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	log.Println("[Temporal] Worker started")
	return nil
}

// Stop stops the worker and closes the client
func (m *Manager) Stop() {
	log.Println("[Temporal] Stopping worker...")
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}

// StartScheduledOrchestration starts the periodic orchestration workflow for
// the configured entities. An already running schedule is left in place.
func (m *Manager) StartScheduledOrchestration(ctx context.Context) error {
	if len(m.config.EntityIDs) == 0 {
		log.Println("[Temporal] No entities configured for scheduled orchestration")
		return nil
	}

	opts := client.StartWorkflowOptions{
		ID:                 ScheduleWorkflowID,
		TaskQueue:          m.config.TaskQueue,
		WorkflowRunTimeout: 0, // run indefinitely
	}
	input := workflows.ScheduledOrchestrationInput{
		EntityIDs: m.config.EntityIDs,
		Interval:  m.config.Interval,
	}

	_, err := m.client.ExecuteWorkflow(ctx, opts, workflows.ScheduledOrchestrationWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil
		}
		return fmt.Errorf("failed to start scheduled orchestration workflow: %w", err)
	}

	log.Printf("[Temporal] Scheduled orchestration of %d entities every %v", len(m.config.EntityIDs), m.config.Interval)
	return nil
}

// StopScheduledOrchestration cancels the periodic orchestration workflow
func (m *Manager) StopScheduledOrchestration(ctx context.Context) error {
	return m.client.CancelWorkflow(ctx, ScheduleWorkflowID, "")
}
