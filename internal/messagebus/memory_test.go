package messagebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

func newTestQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(Config{MaxDeliver: 3, RetryDelay: 5 * time.Millisecond})
	t.Cleanup(func() { q.Close() })
	return q
}

func TestMemoryQueue_DeliversAndAcks(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	go q.Consume(ctx, messages.AgentProcessItem, func(ctx context.Context, task *messages.TaskMessage) error {
		mu.Lock()
		got = append(got, task.ItemID())
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.PublishTask(ctx, messages.ProcessItemTask("org-1", "acme.com", id, "run-1")))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, q.PublishedOf(messages.AgentProcessItem), 3)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueue_HandlerGetsCopy(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := messages.CollectTask("org-1", "acme.com", "https://acme.com/jobs", "run-1")
	require.NoError(t, q.PublishTask(ctx, task))

	seen := make(chan *messages.TaskMessage, 1)
	go q.Consume(ctx, messages.AgentCollect, func(ctx context.Context, tm *messages.TaskMessage) error {
		seen <- tm
		return nil
	})

	select {
	case tm := <-seen:
		assert.NotSame(t, task, tm)
		assert.Equal(t, task.TraceID, tm.TraceID)
		assert.Equal(t, "run-1", tm.RunID())
	case <-time.After(time.Second):
		t.Fatal("task not delivered")
	}
}

func TestMemoryQueue_RedeliversThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	go q.Consume(ctx, messages.AgentDiscover, func(ctx context.Context, task *messages.TaskMessage) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, q.PublishTask(ctx, messages.DiscoverTask("org-1", "acme.com", "Acme", "run-1")))

	assert.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())

	dl := q.DeadLetters()[0]
	assert.Equal(t, 3, dl.Deliveries)
	assert.Equal(t, "boom", dl.Reason)

	events := q.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "task.dead_lettered", events[0].Type)
}

func TestMemoryQueue_RecoversOnRedelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	go q.Consume(ctx, messages.AgentCollect, func(ctx context.Context, task *messages.TaskMessage) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, q.PublishTask(ctx, messages.CollectTask("org-1", "acme.com", "u", "run-1")))
	assert.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueue_Stats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.PublishTask(ctx, messages.ProcessItemTask("org-1", "acme.com", "a", "run-1")))
	require.NoError(t, q.PublishTask(ctx, messages.ProcessItemTask("org-1", "acme.com", "b", "run-1")))
	require.NoError(t, q.PublishTask(ctx, messages.DiscoverTask("org-2", "globex.com", "Globex", "run-2")))

	stats := q.Stats()
	assert.Equal(t, "memory", stats["backend"])
	assert.Equal(t, 3, stats["published"])
	assert.Equal(t, 0, stats["dead_letters"])
	assert.Equal(t, map[string]int{
		"discover":          1,
		"collect":           0,
		"process_item":      2,
		"generate_artifact": 0,
	}, stats["pending"])
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(Config{})
	require.NoError(t, q.Health())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Health(), ErrClosed)
	err := q.PublishTask(context.Background(), messages.DiscoverTask("org-1", "", "", "r"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, q.Close())
}
