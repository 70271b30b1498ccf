package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

func newTestMachine(clock *fakeClock) *machine {
	return &machine{
		policy:   DefaultPolicy(),
		now:      clock.Now,
		newRunID: func() string { return "run-x" },
	}
}

func TestAccepts(t *testing.T) {
	tests := []struct {
		phase models.Phase
		kind  messages.AgentKind
		want  bool
	}{
		{models.PhaseDiscovering, messages.AgentDiscover, true},
		{models.PhaseResourceLocated, messages.AgentDiscover, true},
		{models.PhaseCollecting, messages.AgentDiscover, false},
		{models.PhaseCollecting, messages.AgentCollect, true},
		{models.PhaseCollected, messages.AgentCollect, true},
		{models.PhaseProcessingItems, messages.AgentCollect, false},
		{models.PhaseProcessingItems, messages.AgentProcessItem, true},
		{models.PhaseAggregating, messages.AgentProcessItem, false},
		{models.PhaseProcessingItems, messages.AgentGenerateArtifact, true},
		{models.PhaseAggregating, messages.AgentGenerateArtifact, true},
		{models.PhaseDiscovering, messages.AgentGenerateArtifact, false},
	}

	for _, tt := range tests {
		if got := accepts(tt.phase, tt.kind); got != tt.want {
			t.Errorf("accepts(%s, %s) = %v, want %v", tt.phase, tt.kind, got, tt.want)
		}
	}
}

func TestLocatorStale(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)
	s := models.NewCoordinatorState(&models.Entity{ID: "org-1"}, clock.Now())

	assert.True(t, m.locatorStale(s), "missing locator")

	url := "https://acme.com/careers"
	at := clock.Now()
	s.ResourceLocator = &url
	s.DiscoveredAt = &at
	assert.False(t, m.locatorStale(s))

	clock.Advance(7 * 24 * time.Hour)
	assert.False(t, m.locatorStale(s), "exactly the TTL is still fresh")

	clock.Advance(time.Second)
	assert.True(t, m.locatorStale(s))

	empty := ""
	s.ResourceLocator = &empty
	assert.True(t, m.locatorStale(s))
}

func TestStartRun_ResetsRunCounters(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	s := models.NewCoordinatorState(&models.Entity{ID: "org-1", Name: "Acme"}, clock.Now())
	s.Phase = models.PhaseComplete
	s.ItemsTotal = 4
	s.ItemsProcessed = 4
	s.ArtifactsGenerated = 1
	s.ItemIDs = []string{"a"}
	s.ProcessedItems = map[string]bool{"a": true}
	s.ItemsSucceededHighValue = []models.HighValueItem{{ItemID: "a", Score: 90}}
	msg := "old"
	s.LastError = &msg
	s.RetryCount = 2

	res, eff := m.startRun(s, false)
	assert.Equal(t, StatusOrchestrating, res.Status)
	assert.Equal(t, "run-x", s.RunID)
	assert.Zero(t, s.ItemsTotal)
	assert.Zero(t, s.ItemsProcessed)
	assert.Zero(t, s.ArtifactsGenerated)
	assert.Empty(t, s.ItemsSucceededHighValue)
	assert.NotNil(t, s.ItemsSucceededHighValue)
	assert.Nil(t, s.ProcessedItems)
	assert.Nil(t, s.LastError)
	assert.Zero(t, s.RetryCount)

	require.Len(t, eff.tasks, 1)
	assert.Equal(t, messages.AgentDiscover, eff.tasks[0].TaskKind)
	assert.Equal(t, []transition{{from: models.PhaseComplete, to: models.PhaseDiscovering}}, eff.transitions)
	assert.False(t, eff.notify)
}

func TestStartRun_AlreadyRunningHasNoEffects(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	s := models.NewCoordinatorState(&models.Entity{ID: "org-1"}, clock.Now())
	s.Phase = models.PhaseCollecting
	s.RunID = "run-1"

	res, eff := m.startRun(s, false)
	assert.Equal(t, StatusAlreadyRunning, res.Status)
	assert.Equal(t, "run-1", s.RunID)
	assert.Empty(t, eff.tasks)
	assert.Empty(t, eff.transitions)
}

func TestTouch_Monotonic(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	s := models.NewCoordinatorState(&models.Entity{ID: "org-1"}, clock.Now().Add(time.Hour))
	m.touch(s)
	assert.True(t, s.UpdatedAt.Equal(clock.Now().Add(time.Hour)), "clock skew never moves updated_at backwards")

	clock.Advance(2 * time.Hour)
	m.touch(s)
	assert.True(t, s.UpdatedAt.Equal(clock.Now()))
}

func TestApply_CollectRecordsTransitionsInOrder(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	s := models.NewCoordinatorState(&models.Entity{ID: "org-1"}, clock.Now())
	s.Phase = models.PhaseCollecting
	s.RunID = "run-x"

	out, err := messages.SuccessOutcome("run-x", messages.CollectResult{Items: []messages.CollectedItem{{ID: "a"}}})
	require.NoError(t, err)

	res, eff, err := m.apply(s, messages.AgentCollect, out)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, "0/1 items processed", res.Progress)
	assert.Equal(t, []transition{
		{from: models.PhaseCollecting, to: models.PhaseCollected},
		{from: models.PhaseCollected, to: models.PhaseProcessingItems},
	}, eff.transitions)
	require.NotNil(t, s.LastCollectedAt)
}

func TestApply_CollectRejectsItemWithoutID(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	s := models.NewCoordinatorState(&models.Entity{ID: "org-1"}, clock.Now())
	s.Phase = models.PhaseCollecting

	out, err := messages.SuccessOutcome("", messages.CollectResult{Items: []messages.CollectedItem{{Title: "no id"}}})
	require.NoError(t, err)

	_, _, err = m.apply(s, messages.AgentCollect, out)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}
