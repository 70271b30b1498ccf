package coordinator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/orgcoord/internal/messagebus"
	"github.com/jordanhubbard/orgcoord/internal/records"
	"github.com/jordanhubbard/orgcoord/internal/statestore"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

const testEntity = "org-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu          sync.Mutex
	completions []messages.Completion
	err         error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(ctx context.Context, c messages.Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, c)
	return n.err
}

func (n *recordingNotifier) Completions() []messages.Completion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]messages.Completion{}, n.completions...)
}

// flakyQueue fails every publish once its budget of successful publishes
// is spent. A negative budget never fails.
type flakyQueue struct {
	*messagebus.MemoryQueue

	mu     sync.Mutex
	budget int
}

func (q *flakyQueue) PublishTask(ctx context.Context, task *messages.TaskMessage) error {
	q.mu.Lock()
	if q.budget == 0 {
		q.mu.Unlock()
		return errors.New("queue unavailable")
	}
	if q.budget > 0 {
		q.budget--
	}
	q.mu.Unlock()
	return q.MemoryQueue.PublishTask(ctx, task)
}

func (q *flakyQueue) setBudget(n int) {
	q.mu.Lock()
	q.budget = n
	q.mu.Unlock()
}

type fixture struct {
	reg      *Registry
	store    *statestore.MemoryStore
	queue    *flakyQueue
	notifier *recordingNotifier
	hub      *Hub
	clock    *fakeClock
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		store:    statestore.NewMemoryStore(),
		queue:    &flakyQueue{MemoryQueue: messagebus.NewMemoryQueue(messagebus.Config{}), budget: -1},
		notifier: &recordingNotifier{},
		hub:      NewHub(64),
		clock:    newFakeClock(),
	}

	runs := 0
	var runMu sync.Mutex
	deps := Deps{
		Store: f.store,
		Records: records.Static{
			testEntity: {Name: "Acme", Ref: "acme.com"},
			"org-2":    {Name: "Globex", Ref: "globex.com"},
		},
		Queue:    f.queue,
		Notifier: f.notifier,
		Watchers: f.hub,
		Now:      f.clock.Now,
		NewRunID: func() string {
			runMu.Lock()
			defer runMu.Unlock()
			runs++
			return "run-" + strconv.Itoa(runs)
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	reg, err := NewRegistry(deps)
	require.NoError(t, err)
	f.reg = reg

	t.Cleanup(func() {
		reg.Close()
		f.queue.Close()
	})
	return f
}

func (f *fixture) state(t *testing.T) *models.CoordinatorState {
	t.Helper()
	s, err := f.reg.Status(context.Background(), testEntity)
	require.NoError(t, err)
	return s
}

func (f *fixture) stored(t *testing.T) *models.CoordinatorState {
	t.Helper()
	s, err := f.store.Load(context.Background(), testEntity)
	require.NoError(t, err)
	return s
}

func (f *fixture) tasks(kind messages.AgentKind) []*messages.TaskMessage {
	return f.queue.PublishedOf(kind)
}

func (f *fixture) succeed(t *testing.T, kind messages.AgentKind, runID string, result interface{}) *CallbackResult {
	t.Helper()
	out, err := messages.SuccessOutcome(runID, result)
	require.NoError(t, err)
	res, err := f.reg.AgentComplete(context.Background(), testEntity, kind, out)
	require.NoError(t, err)
	return res
}

func (f *fixture) fail(t *testing.T, kind messages.AgentKind, runID, msg string) *CallbackResult {
	t.Helper()
	res, err := f.reg.AgentComplete(context.Background(), testEntity, kind, messages.FailureOutcome(runID, msg))
	require.NoError(t, err)
	return res
}

func (f *fixture) orchestrate(t *testing.T, force bool) *OrchestrateResult {
	t.Helper()
	res, err := f.reg.Orchestrate(context.Background(), testEntity, force)
	require.NoError(t, err)
	return res
}

// toProcessing runs orchestrate, discovery and a collection of items and
// returns the run id.
func (f *fixture) toProcessing(t *testing.T, items ...string) string {
	t.Helper()
	f.orchestrate(t, false)
	runID := f.state(t).RunID

	f.succeed(t, messages.AgentDiscover, runID, messages.DiscoverResult{URL: "https://acme.com/careers", Method: "search"})

	collected := messages.CollectResult{Items: []messages.CollectedItem{}}
	for _, id := range items {
		collected.Items = append(collected.Items, messages.CollectedItem{ID: id})
	}
	f.succeed(t, messages.AgentCollect, runID, collected)
	return runID
}

func itemResult(id string, score int) messages.ItemResult {
	return messages.ItemResult{ItemID: id, Score: score, Label: "role " + id}
}
