package notify

import (
	"context"

	"github.com/jordanhubbard/orgcoord/internal/messagebus"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// Bus publishes a pipeline.complete event on the message bus.
type Bus struct {
	publisher messagebus.EventPublisher
	source    string
}

// NewBus creates a bus notifier
func NewBus(publisher messagebus.EventPublisher, source string) *Bus {
	return &Bus{publisher: publisher, source: source}
}

// Name returns "bus"
func (b *Bus) Name() string { return "bus" }

// Notify publishes the event
func (b *Bus) Notify(ctx context.Context, c messages.Completion) error {
	event := messages.PipelineComplete(c, b.source)
	return b.publisher.PublishEvent(ctx, event.Type, event)
}
