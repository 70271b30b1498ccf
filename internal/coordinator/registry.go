package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/orgcoord/internal/messagebus"
	"github.com/jordanhubbard/orgcoord/internal/metrics"
	"github.com/jordanhubbard/orgcoord/internal/notify"
	"github.com/jordanhubbard/orgcoord/internal/records"
	"github.com/jordanhubbard/orgcoord/internal/statestore"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// Deps are the collaborators a Registry works with. Store, Records and Queue
// are required.
type Deps struct {
	Store    statestore.Store
	Records  records.Source
	Queue    messagebus.TaskPublisher
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Watchers *Hub

	Policy   Policy
	Now      func() time.Time
	NewRunID func() string

	IdleTimeout   time.Duration // evict actors idle this long; 0 keeps them forever
	NotifyTimeout time.Duration
	MailboxSize   int
}

// Registry routes every request for an entity id to that entity's single
// actor, creating it on first use. Requests for one entity run one at a
// time in arrival order; different entities run in parallel.
type Registry struct {
	deps    Deps
	machine *machine

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	done   chan struct{}

	actorWG  sync.WaitGroup
	notifyWG sync.WaitGroup
}

// NewRegistry creates a registry
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Store == nil || deps.Records == nil || deps.Queue == nil {
		return nil, fmt.Errorf("coordinator registry requires a store, a records source and a queue")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Policy == (Policy{}) {
		deps.Policy = DefaultPolicy()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return uuid.New().String() }
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = 10 * time.Second
	}
	if deps.MailboxSize <= 0 {
		deps.MailboxSize = 64
	}

	return &Registry{
		deps: deps,
		machine: &machine{
			policy:   deps.Policy,
			now:      deps.Now,
			newRunID: deps.NewRunID,
		},
		actors: make(map[string]*actor),
		done:   make(chan struct{}),
	}, nil
}

// acquire returns the entity's actor, starting it if needed, and pins it
// against eviction until release.
func (r *Registry) acquire(entityID string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	a, ok := r.actors[entityID]
	if !ok {
		a = &actor{
			id:      entityID,
			reg:     r,
			mailbox: make(chan *request, r.deps.MailboxSize),
		}
		r.actors[entityID] = a
		r.actorWG.Add(1)
		go r.run(a)
		r.deps.Metrics.SetActiveActors(len(r.actors))
	}
	a.refs++
	return a, nil
}

func (r *Registry) release(a *actor) {
	r.mu.Lock()
	a.refs--
	r.mu.Unlock()
}

// evict removes a if nothing is pinned to it or waiting in its mailbox.
func (r *Registry) evict(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.refs > 0 || len(a.mailbox) > 0 {
		return false
	}
	delete(r.actors, a.id)
	r.deps.Metrics.SetActiveActors(len(r.actors))
	r.deps.Metrics.RecordEviction()
	return true
}

func (r *Registry) run(a *actor) {
	defer r.actorWG.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if r.deps.IdleTimeout > 0 {
		timer = time.NewTimer(r.deps.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-r.done:
			return
		case req := <-a.mailbox:
			// An operation that has started runs to completion even if the
			// caller stops waiting.
			req.fn(context.WithoutCancel(req.ctx), a)
			close(req.done)
			if timer != nil {
				timer.Reset(r.deps.IdleTimeout)
			}
		case <-idle:
			if r.evict(a) {
				return
			}
			timer.Reset(r.deps.IdleTimeout)
		}
	}
}

// do runs fn on the entity's actor and waits for it.
func (r *Registry) do(ctx context.Context, entityID string, fn func(ctx context.Context, a *actor)) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}

	a, err := r.acquire(entityID)
	if err != nil {
		return err
	}
	defer r.release(a)

	req := &request{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		// The actor may still be finishing this request.
		select {
		case <-req.done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Orchestrate starts a pipeline run for the entity unless one is in flight.
// force restarts from discovery even when a run is in progress.
func (r *Registry) Orchestrate(ctx context.Context, entityID string, force bool) (*OrchestrateResult, error) {
	var (
		res   *OrchestrateResult
		opErr error
	)
	err := r.do(ctx, entityID, func(ctx context.Context, a *actor) {
		res, opErr = a.orchestrate(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return res, opErr
}

// AgentComplete folds an agent's outcome into the entity's state.
func (r *Registry) AgentComplete(ctx context.Context, entityID string, kind messages.AgentKind, out messages.Outcome) (*CallbackResult, error) {
	var (
		res   *CallbackResult
		opErr error
	)
	err := r.do(ctx, entityID, func(ctx context.Context, a *actor) {
		res, opErr = a.agentComplete(ctx, kind, out)
	})
	if err != nil {
		return nil, err
	}
	return res, opErr
}

// Deliver routes an outcome to the owning coordinator. A nil error means
// the outcome was durably applied or deliberately ignored.
func (r *Registry) Deliver(ctx context.Context, entityID string, kind messages.AgentKind, out messages.Outcome) error {
	_, err := r.AgentComplete(ctx, entityID, kind, out)
	return err
}

// Status returns a snapshot of the entity's state, or ErrNotInitialized.
func (r *Registry) Status(ctx context.Context, entityID string) (*models.CoordinatorState, error) {
	var (
		state *models.CoordinatorState
		opErr error
	)
	err := r.do(ctx, entityID, func(ctx context.Context, a *actor) {
		state, opErr = a.status(ctx)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	if state == nil {
		return nil, ErrNotInitialized
	}
	return state, nil
}

// Reset deletes the entity's state unconditionally.
func (r *Registry) Reset(ctx context.Context, entityID string) error {
	var opErr error
	err := r.do(ctx, entityID, func(ctx context.Context, a *actor) {
		opErr = a.reset(ctx)
	})
	if err != nil {
		return err
	}
	return opErr
}

// IDs lists the entities with a resident actor
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Policy returns the limits the registry enforces
func (r *Registry) Policy() Policy {
	return r.deps.Policy
}

func (r *Registry) notifyComplete(c messages.Completion) {
	r.notifyWG.Add(1)
	go func() {
		defer r.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.deps.NotifyTimeout)
		defer cancel()

		log.Printf("[Coordinator %s] Run complete: %d items, %d high-value, %d artifacts",
			c.EntityName, c.ItemsTotal, c.HighValueCount, c.ArtifactsGenerated)
		if err := r.deps.Notifier.Notify(ctx, c); err != nil {
			log.Printf("[Coordinator %s] Completion notification failed: %v", c.EntityName, err)
		}
	}()
}

// WaitNotifications blocks until in-flight completion notifications finish
func (r *Registry) WaitNotifications() {
	r.notifyWG.Wait()
}

// Close stops every actor and waits for pending notifications.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.actorWG.Wait()
	r.notifyWG.Wait()

	r.mu.Lock()
	r.actors = make(map[string]*actor)
	r.deps.Metrics.SetActiveActors(0)
	r.mu.Unlock()
	return nil
}
