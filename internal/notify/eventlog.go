package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// EventType is the event_type written for completed runs
const EventType = "pipeline_complete"

// EventLog appends a row to the events table for every completion.
type EventLog struct {
	db        *sql.DB
	accountID string
}

// NewEventLog opens the database and ensures the events table exists
func NewEventLog(dsn, accountID string) (*EventLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping event log database: %w", err)
	}

	e := NewEventLogFromDB(db, accountID)
	if err := e.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// NewEventLogFromDB uses an existing pool
func NewEventLogFromDB(db *sql.DB, accountID string) *EventLog {
	return &EventLog{db: db, accountID: accountID}
}

func (e *EventLog) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		timestamp BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
	`
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

// Name returns "event_log"
func (e *EventLog) Name() string { return "event_log" }

// Notify inserts the completion summary
func (e *EventLog) Notify(ctx context.Context, c messages.Completion) error {
	payload, err := json.Marshal(map[string]interface{}{
		"run_id":              c.RunID,
		"items_total":         c.ItemsTotal,
		"highvalue_count":     c.HighValueCount,
		"artifacts_generated": c.ArtifactsGenerated,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	traceID := c.RunID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	query := `
		INSERT INTO events (id, trace_id, account_id, event_type, entity_type, entity_id, payload, timestamp)
		VALUES ($1, $2, $3, $4, 'organization', $5, $6, $7)
	`
	if _, err := e.db.ExecContext(ctx, query,
		uuid.New().String(), traceID, e.accountID, EventType, c.EntityID, payload, c.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Ping verifies the events database is reachable
func (e *EventLog) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close closes the database connection
func (e *EventLog) Close() error {
	return e.db.Close()
}
