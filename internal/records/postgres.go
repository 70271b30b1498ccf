package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// PostgresSource reads organizations from a table of (id, name, domain).
type PostgresSource struct {
	db    *sql.DB
	table string
}

// NewPostgresSource opens the database and verifies connectivity.
func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open records database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping records database: %w", err)
	}
	return NewPostgresSourceFromDB(db), nil
}

// NewPostgresSourceFromDB reads from the organizations table of an existing pool
func NewPostgresSourceFromDB(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db, table: "organizations"}
}

// Lookup reads one organization
func (p *PostgresSource) Lookup(ctx context.Context, entityID string) (*models.Entity, error) {
	query := fmt.Sprintf(`SELECT id, name, COALESCE(domain, '') FROM %s WHERE id = $1`, p.table)

	var e models.Entity
	err := p.db.QueryRowContext(ctx, query, entityID).Scan(&e.ID, &e.Name, &e.Ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", entityID, err)
	}
	return &e, nil
}

// Ping verifies the records database is reachable
func (p *PostgresSource) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresSource) Close() error {
	return p.db.Close()
}
