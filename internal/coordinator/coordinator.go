package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jordanhubbard/orgcoord/internal/records"
	"github.com/jordanhubbard/orgcoord/internal/statestore"
	"github.com/jordanhubbard/orgcoord/internal/telemetry"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// actor owns one entity's state. Every method below runs on the actor's
// goroutine, one request at a time.
type actor struct {
	id  string
	reg *Registry

	mailbox chan *request
	refs    int // guarded by reg.mu

	loaded bool
	state  *models.CoordinatorState // nil when no state exists
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context, a *actor)
	done chan struct{}
}

func (a *actor) label() string {
	if a.state != nil && a.state.EntityName != "" {
		return a.state.EntityName
	}
	return a.id
}

// load returns the cached state, reading it from the store on first use.
func (a *actor) load(ctx context.Context) (*models.CoordinatorState, error) {
	if a.loaded {
		return a.state, nil
	}

	s, err := a.reg.deps.Store.Load(ctx, a.id)
	if errors.Is(err, statestore.ErrNotFound) {
		a.loaded = true
		a.state = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	a.loaded = true
	a.state = s
	return s, nil
}

func (a *actor) orchestrate(ctx context.Context, force bool) (*OrchestrateResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.orchestrate",
		attribute.String("entity_id", a.id),
		attribute.Bool("force", force),
	)
	defer span.End()

	res, err := a.doOrchestrate(ctx, force)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.reg.deps.Metrics.RecordOrchestration("failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("status", res.Status), attribute.String("phase", string(res.Phase)))
	a.reg.deps.Metrics.RecordOrchestration(res.Status)
	return res, nil
}

func (a *actor) doOrchestrate(ctx context.Context, force bool) (*OrchestrateResult, error) {
	cur, err := a.load(ctx)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if cur == nil {
		// Seed from the system of record. Nothing is persisted if this fails.
		entity, err := a.reg.deps.Records.Lookup(ctx, a.id)
		if err != nil {
			log.Printf("[Coordinator %s] Seed lookup failed: %v", a.id, err)
			return nil, fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
		}
		entity.ID = a.id
		next = models.NewCoordinatorState(entity, a.reg.machine.now())
	}

	res, eff := a.reg.machine.startRun(next, force)
	if res.Status == StatusAlreadyRunning {
		return res, nil
	}

	if err := a.commit(ctx, cur, next, eff); err != nil {
		return nil, err
	}
	telemetry.Count(ctx, telemetry.RunsStarted, 1)
	log.Printf("[Coordinator %s] Run %s started in phase %s", a.label(), next.RunID, next.Phase)
	return res, nil
}

func (a *actor) agentComplete(ctx context.Context, kind messages.AgentKind, out messages.Outcome) (*CallbackResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.agent_complete",
		attribute.String("entity_id", a.id),
		attribute.String("agent_kind", string(kind)),
	)
	defer span.End()

	res, err := a.doAgentComplete(ctx, kind, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.reg.deps.Metrics.RecordCallback(string(kind), "failed")
		return res, err
	}
	span.SetAttributes(attribute.String("status", res.Status), attribute.String("phase", string(res.Phase)))
	a.reg.deps.Metrics.RecordCallback(string(kind), res.Status)
	telemetry.Count(ctx, telemetry.CallbacksHandled, 1,
		attribute.String("agent_kind", string(kind)),
		attribute.String("status", res.Status),
	)
	return res, nil
}

func (a *actor) doAgentComplete(ctx context.Context, kind messages.AgentKind, out messages.Outcome) (*CallbackResult, error) {
	cur, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return &CallbackResult{Status: StatusNotInitialized}, ErrNotInitialized
	}

	next := cur.Clone()
	res, eff, err := a.reg.machine.apply(next, kind, out)
	if err != nil {
		log.Printf("[Coordinator %s] Rejected %s callback: %v", a.label(), kind, err)
		return nil, err
	}

	switch res.Status {
	case StatusIgnored:
		log.Printf("[Coordinator %s] Ignored %s callback: %s", a.label(), kind, res.Progress)
		return res, nil
	case StatusDuplicate:
		return res, nil
	}

	if err := a.commit(ctx, cur, next, eff); err != nil {
		return nil, err
	}

	switch res.Status {
	case StatusRetrying:
		log.Printf("[Coordinator %s] %s failed (%s): %s", a.label(), kind, res.Progress, out.Err)
	case StatusError:
		log.Printf("[Coordinator %s] %s failed %d times, giving up: %s", a.label(), kind, next.RetryCount, out.Err)
	}
	return res, nil
}

func (a *actor) status(ctx context.Context) (*models.CoordinatorState, error) {
	s, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (a *actor) reset(ctx context.Context) error {
	if err := a.reg.deps.Store.Delete(ctx, a.id); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	a.loaded = true
	a.state = nil
	if inv, ok := a.reg.deps.Records.(records.Invalidator); ok {
		inv.Invalidate(a.id)
	}

	log.Printf("[Coordinator %s] Reset", a.id)
	a.reg.deps.Watchers.Publish(a.id, nil)
	return nil
}

// commit persists next, then publishes its tasks. If a publish fails the
// stored state is rolled back to prev so a redelivered callback or a retried
// orchestrate sees the same state again.
func (a *actor) commit(ctx context.Context, prev, next *models.CoordinatorState, eff effects) error {
	deps := a.reg.deps

	if err := deps.Store.Save(ctx, next); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	for _, task := range eff.tasks {
		if err := deps.Queue.PublishTask(ctx, task); err != nil {
			a.rollback(ctx, prev)
			return fmt.Errorf("%w: %s: %w", ErrEnqueue, task.TaskKind, err)
		}
	}

	a.loaded = true
	a.state = next

	for _, t := range eff.transitions {
		deps.Metrics.RecordTransition(string(t.from), string(t.to))
		log.Printf("[Coordinator %s] %s -> %s", a.label(), t.from, t.to)
	}
	deps.Watchers.Publish(a.id, next)

	if eff.notify {
		telemetry.Count(ctx, telemetry.RunsCompleted, 1)
		a.reg.notifyComplete(messages.CompletionFromState(next))
	}
	return nil
}

func (a *actor) rollback(ctx context.Context, prev *models.CoordinatorState) {
	var err error
	if prev == nil {
		err = a.reg.deps.Store.Delete(ctx, a.id)
	} else {
		err = a.reg.deps.Store.Save(ctx, prev)
	}
	if err != nil {
		// The cache is dropped so the next request reloads whatever the
		// store now holds.
		log.Printf("[Coordinator %s] Rollback failed: %v", a.id, err)
		a.loaded = false
		a.state = nil
		return
	}
	a.loaded = true
	a.state = prev
}
