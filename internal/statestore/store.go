package statestore

import (
	"context"
	"errors"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// ErrNotFound is returned by Load when no state exists for the entity.
var ErrNotFound = errors.New("coordinator state not found")

// Store persists coordinator state, one record per entity. Only the owning
// coordinator actor calls it for a given entity.
type Store interface {
	Load(ctx context.Context, entityID string) (*models.CoordinatorState, error)
	Save(ctx context.Context, state *models.CoordinatorState) error
	Delete(ctx context.Context, entityID string) error
}

// PhaseCounter is implemented by stores that can summarize how many
// entities sit in each phase. GET /health and the phase gauge use it.
type PhaseCounter interface {
	CountByPhase(ctx context.Context) (map[models.Phase]int, error)
}

// Verify implementations at compile time.
var (
	_ PhaseCounter = (*MemoryStore)(nil)
	_ PhaseCounter = (*PostgresStore)(nil)
	_ PhaseCounter = (*RedisStore)(nil)
)
