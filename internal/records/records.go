// Package records reads entity facts from the external system of record.
// A coordinator consults it once, when its state is first created.
package records

import (
	"context"
	"errors"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// ErrNotFound is returned when the system of record has no such entity.
var ErrNotFound = errors.New("entity not found")

// Source looks up entities by id.
type Source interface {
	Lookup(ctx context.Context, entityID string) (*models.Entity, error)
}

// Invalidator is implemented by sources that keep lookups in memory. A reset
// coordinator invalidates its entity so the next run reads fresh facts.
type Invalidator interface {
	Invalidate(entityID string)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, entityID string) (*models.Entity, error)

// Lookup calls f
func (f SourceFunc) Lookup(ctx context.Context, entityID string) (*models.Entity, error) {
	return f(ctx, entityID)
}

// Static is a fixed in-memory Source.
type Static map[string]models.Entity

// Lookup returns a copy of the entity
func (s Static) Lookup(ctx context.Context, entityID string) (*models.Entity, error) {
	e, ok := s[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.ID == "" {
		e.ID = entityID
	}
	return &e, nil
}
