package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/internal/temporal/activities"
)

// cyclesPerRun bounds workflow history; the loop continues as new after this many cycles.
const cyclesPerRun = 100

// ScheduledOrchestrationInput controls periodic re-orchestration.
type ScheduledOrchestrationInput struct {
	EntityIDs []string
	Interval  time.Duration
	// MaxCycles stops the loop after this many cycles; 0 runs forever.
	MaxCycles int
}

// ScheduledOrchestrationWorkflow orchestrates every listed entity once per
// interval. Entities with a run in flight answer already_running and are
// left alone.
func ScheduledOrchestrationWorkflow(ctx workflow.Context, input ScheduledOrchestrationInput) error {
	logger := workflow.GetLogger(ctx)
	if input.Interval <= 0 {
		input.Interval = 24 * time.Hour
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaximumAttempts: 3,
		},
	})

	for cycle := 0; input.MaxCycles == 0 || cycle < input.MaxCycles; cycle++ {
		if input.MaxCycles == 0 && cycle > 0 && cycle%cyclesPerRun == 0 {
			return workflow.NewContinueAsNewError(ctx, ScheduledOrchestrationWorkflow, input)
		}

		started := 0
		for _, id := range input.EntityIDs {
			var out activities.OrchestrateOutput
			err := workflow.ExecuteActivity(ctx, "OrchestrateActivity", activities.OrchestrateInput{EntityID: id}).Get(ctx, &out)
			if err != nil {
				logger.Warn("Scheduled orchestration failed", "entityID", id, "error", err)
				continue
			}
			if out.Status == coordinator.StatusOrchestrating {
				started++
			}
		}
		logger.Info("Scheduled orchestration cycle", "cycle", cycle, "entities", len(input.EntityIDs), "started", started)

		if input.MaxCycles != 0 && cycle == input.MaxCycles-1 {
			break
		}
		if err := workflow.Sleep(ctx, input.Interval); err != nil {
			return err
		}
	}
	return nil
}
