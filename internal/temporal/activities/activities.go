package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
)

// Orchestrator starts pipeline runs
type Orchestrator interface {
	Orchestrate(ctx context.Context, entityID string, force bool) (*coordinator.OrchestrateResult, error)
}

// OrchestrateInput names the entity to orchestrate
type OrchestrateInput struct {
	EntityID string
	Force    bool
}

// OrchestrateOutput reports what the coordinator did
type OrchestrateOutput struct {
	EntityID string
	Status   string
	Phase    string
}

// Activities provides Temporal activities backed by a coordinator registry
type Activities struct {
	orchestrator Orchestrator
}

// NewActivities creates a new activities instance
func NewActivities(o Orchestrator) *Activities {
	return &Activities{orchestrator: o}
}

// OrchestrateActivity starts a run for one entity. A run already in flight
// is reported, not treated as a failure.
func (a *Activities) OrchestrateActivity(ctx context.Context, input OrchestrateInput) (OrchestrateOutput, error) {
	if input.EntityID == "" {
		return OrchestrateOutput{}, temporal.NewNonRetryableApplicationError("entity id is required", "InvalidInput", nil)
	}

	res, err := a.orchestrator.Orchestrate(ctx, input.EntityID, input.Force)
	if err != nil {
		if errors.Is(err, coordinator.ErrClosed) {
			return OrchestrateOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "RegistryClosed", err)
		}
		return OrchestrateOutput{}, fmt.Errorf("orchestrate %s: %w", input.EntityID, err)
	}

	activity.GetLogger(ctx).Info("Orchestrated entity", "entityID", input.EntityID, "status", res.Status, "phase", res.Phase)
	return OrchestrateOutput{
		EntityID: input.EntityID,
		Status:   res.Status,
		Phase:    string(res.Phase),
	}, nil
}
