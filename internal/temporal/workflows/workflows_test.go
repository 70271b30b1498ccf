package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/internal/temporal/activities"
)

type fakeOrchestrator struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeOrchestrator) Orchestrate(ctx context.Context, entityID string, force bool) (*coordinator.OrchestrateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entityID)
	if err := f.fail[entityID]; err != nil {
		return nil, err
	}
	return &coordinator.OrchestrateResult{Status: coordinator.StatusOrchestrating, Phase: "discovering"}, nil
}

func (f *fakeOrchestrator) count(entityID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == entityID {
			n++
		}
	}
	return n
}

func TestScheduledOrchestrationWorkflow(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	fake := &fakeOrchestrator{}
	env.RegisterActivity(activities.NewActivities(fake))

	env.ExecuteWorkflow(ScheduledOrchestrationWorkflow, ScheduledOrchestrationInput{
		EntityIDs: []string{"org-1", "org-2"},
		Interval:  time.Hour,
		MaxCycles: 3,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, fake.count("org-1"))
	assert.Equal(t, 3, fake.count("org-2"))
}

func TestScheduledOrchestrationWorkflow_FailureDoesNotStopCycle(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	fake := &fakeOrchestrator{fail: map[string]error{"org-1": coordinator.ErrClosed}}
	env.RegisterActivity(activities.NewActivities(fake))

	env.ExecuteWorkflow(ScheduledOrchestrationWorkflow, ScheduledOrchestrationInput{
		EntityIDs: []string{"org-1", "org-2"},
		Interval:  time.Minute,
		MaxCycles: 1,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	// closed registries are not retried
	assert.Equal(t, 1, fake.count("org-1"))
	assert.Equal(t, 1, fake.count("org-2"))
}

func TestScheduledOrchestrationWorkflow_RetriesTransientFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	fake := &fakeOrchestrator{fail: map[string]error{"org-1": errors.New("records unavailable")}}
	env.RegisterActivity(activities.NewActivities(fake))

	env.ExecuteWorkflow(ScheduledOrchestrationWorkflow, ScheduledOrchestrationInput{
		EntityIDs: []string{"org-1"},
		MaxCycles: 1,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, fake.count("org-1"))
}
