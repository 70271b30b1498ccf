package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// MemoryStore keeps serialized states in a map. It is used for local runs
// and tests; states are stored as JSON so callers never share pointers.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Load returns a copy of the stored state
func (m *MemoryStore) Load(ctx context.Context, entityID string) (*models.CoordinatorState, error) {
	m.mu.RLock()
	data, ok := m.states[entityID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var state models.CoordinatorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", entityID, err)
	}
	return &state, nil
}

// Save replaces the stored state
func (m *MemoryStore) Save(ctx context.Context, state *models.CoordinatorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", state.EntityID, err)
	}

	m.mu.Lock()
	m.states[state.EntityID] = data
	m.mu.Unlock()
	return nil
}

// Delete removes the stored state; deleting a missing state is not an error
func (m *MemoryStore) Delete(ctx context.Context, entityID string) error {
	m.mu.Lock()
	delete(m.states, entityID)
	m.mu.Unlock()
	return nil
}

// EntityIDs lists the entities with stored state
func (m *MemoryStore) EntityIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountByPhase reports how many stored entities sit in each phase
func (m *MemoryStore) CountByPhase(ctx context.Context) (map[models.Phase]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.Phase]int)
	for id, data := range m.states {
		var state struct {
			Phase models.Phase `json:"phase"`
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode state for %s: %w", id, err)
		}
		counts[state.Phase]++
	}
	return counts, nil
}
