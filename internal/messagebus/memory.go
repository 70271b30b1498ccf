package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/orgcoord/internal/metrics"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

type memoryDelivery struct {
	data       []byte
	deliveries int
}

// DeadLetter is a task the memory queue gave up on.
type DeadLetter struct {
	Task       *messages.TaskMessage
	Deliveries int
	Reason     string
}

// MemoryQueue is an in-process Queue with the same at-least-once contract as
// NatsQueue: a failed handler causes redelivery after RetryDelay, up to
// MaxDeliver attempts, then the task is dead-lettered. It does not survive a
// restart.
type MemoryQueue struct {
	maxDeliver int
	retryDelay time.Duration
	source     string
	metrics    *metrics.Metrics

	mu          sync.Mutex
	queues      map[messages.AgentKind]chan *memoryDelivery
	published   []*messages.TaskMessage
	events      []*messages.EventMessage
	deadLetters []DeadLetter
	closed      bool
	done        chan struct{}
	timers      sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue. Zero values pick the same
// defaults as NatsQueue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	cfg.applyDefaults()
	return &MemoryQueue{
		maxDeliver: cfg.MaxDeliver,
		retryDelay: cfg.RetryDelay,
		source:     cfg.Source,
		metrics:    cfg.Metrics,
		queues:     make(map[messages.AgentKind]chan *memoryDelivery),
		done:       make(chan struct{}),
	}
}

func (q *MemoryQueue) queue(kind messages.AgentKind) chan *memoryDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[kind]
	if !ok {
		ch = make(chan *memoryDelivery, 4096)
		q.queues[kind] = ch
	}
	return ch
}

// PublishTask enqueues a serialized copy of task
func (q *MemoryQueue) PublishTask(ctx context.Context, task *messages.TaskMessage) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := q.Health(); err != nil {
		return err
	}
	if err := q.push(ctx, task.TaskKind, &memoryDelivery{data: data}); err != nil {
		return err
	}

	q.mu.Lock()
	q.published = append(q.published, task)
	q.mu.Unlock()
	q.metrics.RecordEnqueue(string(task.TaskKind))
	return nil
}

func (q *MemoryQueue) push(ctx context.Context, kind messages.AgentKind, d *memoryDelivery) error {
	select {
	case q.queue(kind) <- d:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishEvent records the event
func (q *MemoryQueue) PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.events = append(q.events, event)
	return nil
}

// Consume processes tasks of kind until ctx is cancelled or the queue closes
func (q *MemoryQueue) Consume(ctx context.Context, kind messages.AgentKind, handler TaskHandler) error {
	ch := q.queue(kind)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case d := <-ch:
			q.handle(ctx, kind, d, handler)
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, kind messages.AgentKind, d *memoryDelivery, handler TaskHandler) {
	d.deliveries++

	var task messages.TaskMessage
	if err := json.Unmarshal(d.data, &task); err != nil {
		log.Printf("[Queue] Dropping malformed %s task: %v", kind, err)
		return
	}

	err := handler(ctx, &task)
	if err == nil {
		return
	}

	if d.deliveries >= q.maxDeliver {
		log.Printf("[Queue] Task %s for %s exhausted %d deliveries: %v", task.TraceID, task.EntityID, d.deliveries, err)
		q.mu.Lock()
		q.deadLetters = append(q.deadLetters, DeadLetter{Task: &task, Deliveries: d.deliveries, Reason: err.Error()})
		q.events = append(q.events, messages.TaskDeadLettered(&task, uint64(d.deliveries), err.Error(), q.source))
		q.mu.Unlock()
		q.metrics.RecordDeadLetter(string(kind))
		return
	}

	q.redeliver(kind, d)
}

func (q *MemoryQueue) redeliver(kind messages.AgentKind, d *memoryDelivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.timers.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.timers.Done()
		select {
		case <-q.done:
			return
		case <-time.After(q.retryDelay):
		}
		_ = q.push(context.Background(), kind, d)
	}()
}

// Published returns every task published so far, in order
func (q *MemoryQueue) Published() []*messages.TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*messages.TaskMessage{}, q.published...)
}

// PublishedOf returns the published tasks of one kind
func (q *MemoryQueue) PublishedOf(kind messages.AgentKind) []*messages.TaskMessage {
	var out []*messages.TaskMessage
	for _, t := range q.Published() {
		if t.TaskKind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Events returns every event published so far
func (q *MemoryQueue) Events() []*messages.EventMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*messages.EventMessage{}, q.events...)
}

// DeadLetters returns the tasks that exhausted their deliveries
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter{}, q.deadLetters...)
}

// Pending returns the number of tasks of kind waiting for a consumer
func (q *MemoryQueue) Pending(kind messages.AgentKind) int {
	return len(q.queue(kind))
}

// Stats reports pending tasks per kind alongside publish totals
func (q *MemoryQueue) Stats() map[string]interface{} {
	pending := make(map[string]int, len(messages.AllAgentKinds))
	for _, kind := range messages.AllAgentKinds {
		pending[string(kind)] = q.Pending(kind)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"backend":      "memory",
		"pending":      pending,
		"published":    len(q.published),
		"events":       len(q.events),
		"dead_letters": len(q.deadLetters),
	}
}

// Health reports whether the queue is open
func (q *MemoryQueue) Health() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops consumers and pending redeliveries
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.timers.Wait()
	return nil
}
