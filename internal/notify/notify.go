// Package notify delivers the pipeline-complete side effect. Notifications
// are best-effort: a failure is reported to the caller for logging and never
// changes coordinator state.
package notify

import (
	"context"
	"errors"
	"log"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// Notifier receives one call per completed run.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, c messages.Completion) error
}

// Log writes completions to the standard logger.
type Log struct{}

// Name returns "log"
func (Log) Name() string { return "log" }

// Notify logs the completion summary
func (Log) Notify(ctx context.Context, c messages.Completion) error {
	log.Printf("[Notify] %s (%s) complete: %d items, %d high-value, %d artifacts",
		c.EntityName, c.EntityID, c.ItemsTotal, c.HighValueCount, c.ArtifactsGenerated)
	return nil
}

// Recorder reports each notifier's outcome, typically to metrics.
type Recorder func(notifier string, err error)

// Multi fans a completion out to several notifiers. Every notifier is called
// even when an earlier one fails; the errors are joined.
type Multi struct {
	notifiers []Notifier
	record    Recorder
}

// NewMulti combines notifiers; record may be nil
func NewMulti(record Recorder, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, record: record}
}

// Name returns "multi"
func (m *Multi) Name() string { return "multi" }

// Len returns the number of notifiers
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify calls every notifier in order
func (m *Multi) Notify(ctx context.Context, c messages.Completion) error {
	var errs []error
	for _, n := range m.notifiers {
		err := n.Notify(ctx, c)
		if m.record != nil {
			m.record(n.Name(), err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
