package messagebus

import (
	"context"
	"errors"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// TaskHandler processes one delivered task. Returning nil acknowledges the
// message; returning an error asks the queue to redeliver it until the
// delivery limit, after which it is dead-lettered.
type TaskHandler func(ctx context.Context, task *messages.TaskMessage) error

// TaskPublisher abstracts task publishing for testability.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task *messages.TaskMessage) error
}

// TaskConsumer pulls tasks of one kind and hands them to a handler. Consume
// blocks until ctx is cancelled; several Consume calls for the same kind
// share the work.
type TaskConsumer interface {
	Consume(ctx context.Context, kind messages.AgentKind, handler TaskHandler) error
}

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error
}

// Queue is the durable at-least-once task queue the coordinator runs on.
type Queue interface {
	TaskPublisher
	TaskConsumer
	EventPublisher
	Health() error
	Stats() map[string]interface{}
	Close() error
}

// TaskSubject returns the subject tasks of kind are published on
func TaskSubject(kind messages.AgentKind) string {
	return "orgcoord.tasks." + string(kind)
}

// DeadLetterSubject returns the subject exhausted tasks of kind are moved to
func DeadLetterSubject(kind messages.AgentKind) string {
	return "orgcoord.dlq." + string(kind)
}

// EventSubject returns the subject events of eventType are published on
func EventSubject(eventType string) string {
	return "orgcoord.events." + eventType
}

// Verify implementations at compile time.
var (
	_ Queue = (*NatsQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
