package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// PostgresStore persists each entity's state as one JSONB row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL connection and ensures the schema exists.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewPostgresFromDB(db)
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewPostgresFromDB wraps an existing connection pool. The caller owns the
// schema in this case.
func NewPostgresFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS coordinator_state (
		entity_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		state JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_coordinator_state_phase ON coordinator_state(phase);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load reads the entity's state
func (s *PostgresStore) Load(ctx context.Context, entityID string) (*models.CoordinatorState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM coordinator_state WHERE entity_id = $1`, entityID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", entityID, err)
	}

	var state models.CoordinatorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", entityID, err)
	}
	return &state, nil
}

// Save upserts the entity's state
func (s *PostgresStore) Save(ctx context.Context, state *models.CoordinatorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", state.EntityID, err)
	}

	query := `
		INSERT INTO coordinator_state (entity_id, phase, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id) DO UPDATE
		SET phase = EXCLUDED.phase, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, state.EntityID, string(state.Phase), data, state.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", state.EntityID, err)
	}
	return nil
}

// Delete removes the entity's state
func (s *PostgresStore) Delete(ctx context.Context, entityID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM coordinator_state WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", entityID, err)
	}
	return nil
}

// CountByPhase reports how many entities sit in each phase
func (s *PostgresStore) CountByPhase(ctx context.Context) (map[models.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM coordinator_state GROUP BY phase`)
	if err != nil {
		return nil, fmt.Errorf("failed to count phases: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Phase]int)
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		counts[models.Phase(phase)] = n
	}
	return counts, rows.Err()
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
