// Package consumer executes queued tasks with agent functions and delivers
// each outcome back to the coordinator that owns the entity.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/orgcoord/internal/messagebus"
	"github.com/jordanhubbard/orgcoord/internal/metrics"
	"github.com/jordanhubbard/orgcoord/internal/telemetry"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// ErrRejected marks an outcome the coordinator refused permanently, such as
// a callback for an entity that was reset. Redelivering it cannot succeed,
// so the task is acknowledged.
var ErrRejected = errors.New("outcome rejected by coordinator")

// Agent executes one task and returns a JSON-encodable result.
type Agent interface {
	Run(ctx context.Context, task *messages.TaskMessage) (interface{}, error)
}

// AgentFunc adapts a function to Agent
type AgentFunc func(ctx context.Context, task *messages.TaskMessage) (interface{}, error)

// Run calls f
func (f AgentFunc) Run(ctx context.Context, task *messages.TaskMessage) (interface{}, error) {
	return f(ctx, task)
}

// Router delivers an outcome to the coordinator for entityID. A nil error
// means the outcome is durably recorded and the task may be acknowledged.
type Router interface {
	Deliver(ctx context.Context, entityID string, kind messages.AgentKind, out messages.Outcome) error
}

// Config tunes a Worker
type Config struct {
	Concurrency    int           // consumers per agent kind
	AgentTimeout   time.Duration // upper bound on one agent run
	DeliverTimeout time.Duration // upper bound on delivering its outcome
}

// Worker pulls tasks for every kind it has an agent for.
type Worker struct {
	queue   messagebus.TaskConsumer
	router  Router
	agents  map[messages.AgentKind]Agent
	cfg     Config
	metrics *metrics.Metrics
}

// NewWorker creates a worker; m may be nil
func NewWorker(queue messagebus.TaskConsumer, router Router, agents map[messages.AgentKind]Agent, cfg Config, m *metrics.Metrics) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 5 * time.Minute
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	return &Worker{queue: queue, router: router, agents: agents, cfg: cfg, metrics: m}
}

// Kinds returns the agent kinds this worker consumes, in pipeline order
func (w *Worker) Kinds() []messages.AgentKind {
	var kinds []messages.AgentKind
	for _, k := range messages.AllAgentKinds {
		if _, ok := w.agents[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Run consumes until ctx is cancelled or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	kinds := w.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("no agents configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		for i := 0; i < w.cfg.Concurrency; i++ {
			g.Go(func() error {
				return w.queue.Consume(gctx, kind, w.Handle)
			})
		}
	}
	log.Printf("[Consumer] Running %d consumer(s) for %v", len(kinds)*w.cfg.Concurrency, kinds)
	return g.Wait()
}

// Handle executes one task. It returns nil only once the outcome has been
// delivered (or permanently rejected) and the agent succeeded; any other
// result leaves the message unacknowledged for redelivery.
func (w *Worker) Handle(ctx context.Context, task *messages.TaskMessage) error {
	agent, ok := w.agents[task.TaskKind]
	if !ok {
		return fmt.Errorf("no agent for task kind %q", task.TaskKind)
	}

	ctx, span := telemetry.StartSpan(ctx, "consumer.handle")
	defer span.End()

	start := time.Now()
	agentCtx, cancel := context.WithTimeout(ctx, w.cfg.AgentTimeout)
	result, runErr := agent.Run(agentCtx, task)
	cancel()

	elapsed := time.Since(start)
	w.metrics.RecordTask(string(task.TaskKind), runErr == nil, elapsed.Seconds())
	telemetry.ObserveAgent(ctx, string(task.TaskKind), elapsed, runErr == nil)

	var out messages.Outcome
	if runErr != nil {
		out = messages.FailureOutcome(task.RunID(), runErr.Error()).ForItem(task.ItemID())
	} else {
		var err error
		if out, err = messages.SuccessOutcome(task.RunID(), result); err != nil {
			runErr = err
			out = messages.FailureOutcome(task.RunID(), err.Error()).ForItem(task.ItemID())
		}
	}

	deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliverTimeout)
	err := w.router.Deliver(deliverCtx, task.EntityID, task.TaskKind, out)
	cancel()

	switch {
	case errors.Is(err, ErrRejected):
		log.Printf("[Consumer] %s outcome for %s rejected, dropping task %s: %v", task.TaskKind, task.EntityID, task.TraceID, err)
		return nil
	case err != nil:
		w.metrics.RecordDeliveryFailure()
		log.Printf("[Consumer] Failed to deliver %s outcome for %s: %v", task.TaskKind, task.EntityID, err)
		return fmt.Errorf("deliver %s outcome: %w", task.TaskKind, err)
	}

	if runErr != nil {
		log.Printf("[Consumer] %s agent failed for %s: %v", task.TaskKind, task.EntityID, runErr)
		return fmt.Errorf("%s agent failed: %w", task.TaskKind, runErr)
	}
	return nil
}
