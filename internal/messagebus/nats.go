package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/orgcoord/internal/metrics"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// NatsQueue implements Queue on NATS JetStream with durable pull consumers.
type NatsQueue struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  Config

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "ORGCOORD")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
	MaxDeliver     int           // Deliveries before a task is dead-lettered
	AckWait        time.Duration // Redelivery timeout for unacknowledged tasks
	RetryDelay     time.Duration // Delay before redelivering a failed task
	Source         string        // Source recorded on published events
	Metrics        *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.StreamName == "" {
		c.StreamName = "ORGCOORD"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait == 0 {
		c.AckWait = 6 * time.Minute
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Source == "" {
		c.Source = "orgcoord"
	}
}

// NewNatsQueue connects to NATS and ensures the stream exists
func NewNatsQueue(cfg Config) (*NatsQueue, error) {
	cfg.applyDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Source),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Queue] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Queue] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	q := &NatsQueue{conn: nc, js: js, cfg: cfg}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[Queue] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return q, nil
}

// ensureStream creates or updates the stream. Tasks, dead letters and events
// share one stream; LimitsPolicy lets several durable consumers read events.
func (q *NatsQueue) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      q.cfg.StreamName,
		Subjects:  []string{"orgcoord.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := q.js.StreamInfo(q.cfg.StreamName); err != nil {
		if _, err := q.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[Queue] Created JetStream stream: %s", q.cfg.StreamName)
		return nil
	}

	if _, err := q.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishTask publishes a task to orgcoord.tasks.<kind>
func (q *NatsQueue) PublishTask(ctx context.Context, task *messages.TaskMessage) error {
	if err := q.publish(ctx, TaskSubject(task.TaskKind), task); err != nil {
		return err
	}
	q.cfg.Metrics.RecordEnqueue(string(task.TaskKind))
	return nil
}

// PublishEvent publishes an event to orgcoord.events.<type>
func (q *NatsQueue) PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error {
	return q.publish(ctx, EventSubject(eventType), event)
}

func (q *NatsQueue) publish(ctx context.Context, subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Publish to JetStream for durability
	if _, err := q.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// prefixConsumer adds the optional consumer prefix for namespace isolation
func (q *NatsQueue) prefixConsumer(name string) string {
	if q.cfg.ConsumerPrefix != "" {
		return q.cfg.ConsumerPrefix + "-" + name
	}
	return name
}

// Consume binds to the durable pull consumer for kind and processes tasks
// one at a time until ctx is cancelled.
func (q *NatsQueue) Consume(ctx context.Context, kind messages.AgentKind, handler TaskHandler) error {
	subject := TaskSubject(kind)
	durable := q.prefixConsumer("tasks-" + string(kind))

	sub, err := q.js.PullSubscribe(subject, durable,
		nats.AckExplicit(),
		nats.MaxDeliver(q.cfg.MaxDeliver),
		nats.AckWait(q.cfg.AckWait),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	log.Printf("[Queue] Consuming %s with consumer %s", subject, durable)

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil
			}
			log.Printf("[Queue] Fetch on %s failed: %v", subject, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			q.handle(ctx, kind, msg, handler)
		}
	}
}

func (q *NatsQueue) handle(ctx context.Context, kind messages.AgentKind, msg *nats.Msg, handler TaskHandler) {
	var deliveries uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		deliveries = meta.NumDelivered
	}

	var task messages.TaskMessage
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		log.Printf("[Queue] Dropping malformed %s task: %v", kind, err)
		q.deadLetter(ctx, kind, msg.Data, nil, deliveries, err.Error())
		_ = msg.Term()
		return
	}

	err := whileInProgress(msg, q.cfg.AckWait/2, func() error {
		return handler(ctx, &task)
	})
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Printf("[Queue] Ack of %s task %s failed: %v", kind, task.TraceID, ackErr)
		}
		return
	}

	if deliveries >= uint64(q.cfg.MaxDeliver) {
		log.Printf("[Queue] Task %s for %s exhausted %d deliveries: %v", task.TraceID, task.EntityID, deliveries, err)
		q.deadLetter(ctx, kind, msg.Data, &task, deliveries, err.Error())
		_ = msg.Term()
		return
	}

	if nakErr := msg.NakWithDelay(q.cfg.RetryDelay); nakErr != nil {
		log.Printf("[Queue] Nak of %s task %s failed: %v", kind, task.TraceID, nakErr)
	}
}

// progressAcker is the part of a JetStream message that resets its ack timer.
type progressAcker interface {
	InProgress(opts ...nats.AckOpt) error
}

// whileInProgress runs fn and tells the server the message is still being
// worked on every interval, so a long agent run is not redelivered to
// another consumer before it finishes.
func whileInProgress(msg progressAcker, interval time.Duration, fn func() error) error {
	if interval <= 0 {
		return fn()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					log.Printf("[Queue] Failed to extend ack deadline: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	err := fn()
	close(done)
	wg.Wait()
	return err
}

func (q *NatsQueue) deadLetter(ctx context.Context, kind messages.AgentKind, data []byte, task *messages.TaskMessage, deliveries uint64, reason string) {
	if _, err := q.js.Publish(DeadLetterSubject(kind), data, nats.Context(ctx)); err != nil {
		log.Printf("[Queue] Failed to dead-letter %s task: %v", kind, err)
	}
	q.cfg.Metrics.RecordDeadLetter(string(kind))

	if task == nil {
		return
	}
	event := messages.TaskDeadLettered(task, deliveries, reason, q.cfg.Source)
	if err := q.PublishEvent(ctx, event.Type, event); err != nil {
		log.Printf("[Queue] Failed to publish dead-letter event: %v", err)
	}
}

// Close drains all subscriptions and closes the NATS connection
func (q *NatsQueue) Close() error {
	q.mu.Lock()
	for _, sub := range q.subs {
		_ = sub.Drain()
	}
	q.subs = nil
	q.mu.Unlock()

	q.conn.Close()
	log.Printf("[Queue] Closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (q *NatsQueue) Health() error {
	if q.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !q.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := q.js.StreamInfo(q.cfg.StreamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", q.cfg.StreamName, err)
	}
	return nil
}

// Stats returns statistics about the queue
func (q *NatsQueue) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["backend"] = "nats"
	stats["url"] = q.cfg.URL
	stats["stream"] = q.cfg.StreamName
	stats["connected"] = q.conn.IsConnected()

	q.mu.Lock()
	stats["subscriptions"] = len(q.subs)
	q.mu.Unlock()

	if info, err := q.js.StreamInfo(q.cfg.StreamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
