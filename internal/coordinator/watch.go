package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// Snapshot is one state change seen by watchers. State is nil after a reset.
type Snapshot struct {
	EntityID string                   `json:"entity_id"`
	State    *models.CoordinatorState `json:"state"`
}

// Watcher receives snapshots for one entity, or for every entity when
// EntityID is empty.
type Watcher struct {
	ID       string
	EntityID string
	Channel  chan Snapshot
}

// Hub fans snapshots out to watchers. Sends never block the publishing
// actor; a watcher whose buffer is full misses that snapshot.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	buffer   int
}

// NewHub creates a hub whose watchers buffer up to buffer snapshots
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{watchers: make(map[string]*Watcher), buffer: buffer}
}

// Subscribe registers a watcher for entityID ("" for all entities)
func (h *Hub) Subscribe(entityID string) *Watcher {
	w := &Watcher{
		ID:       uuid.New().String(),
		EntityID: entityID,
		Channel:  make(chan Snapshot, h.buffer),
	}

	h.mu.Lock()
	h.watchers[w.ID] = w
	h.mu.Unlock()
	return w
}

// Unsubscribe removes a watcher and closes its channel
func (h *Hub) Unsubscribe(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watchers[w.ID]; ok {
		close(w.Channel)
		delete(h.watchers, w.ID)
	}
}

// Publish sends a snapshot to every matching watcher
func (h *Hub) Publish(entityID string, state *models.CoordinatorState) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, w := range h.watchers {
		if w.EntityID != "" && w.EntityID != entityID {
			continue
		}
		snap := Snapshot{EntityID: entityID, State: state.Clone()}
		select {
		case w.Channel <- snap:
		default:
		}
	}
}

// Count returns the number of watchers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Close closes every watcher
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, w := range h.watchers {
		close(w.Channel)
		delete(h.watchers, id)
	}
}
