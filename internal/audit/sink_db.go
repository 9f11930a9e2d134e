package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id      TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	level         TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource      TEXT NOT NULL,
	message       TEXT NOT NULL,
	context       TEXT NOT NULL,
	data          TEXT,
	success       INTEGER NOT NULL,
	error_details TEXT,
	duration_ms   INTEGER NOT NULL,
	checksum      TEXT NOT NULL
)`

// DatabaseSink persists audit events to a SQLite database so the trail can be
// queried for compliance reporting without parsing log files.
type DatabaseSink struct {
	db *sql.DB
}

// NewDatabaseSink opens (or creates) the SQLite database at path.
func NewDatabaseSink(path string) (*DatabaseSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	sink := &DatabaseSink{db: db}
	if _, err := db.Exec(createEventsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return sink, nil
}

// NewDatabaseSinkWithDB wraps an existing database handle. The schema must
// already exist; used by tests.
func NewDatabaseSinkWithDB(db *sql.DB) *DatabaseSink {
	return &DatabaseSink{db: db}
}

// Name returns the sink identifier.
func (s *DatabaseSink) Name() string { return "database" }

// Append inserts the batch inside a single transaction.
func (s *DatabaseSink) Append(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_events
		(event_id, timestamp, level, action, resource, message, context, data, success, error_details, duration_ms, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]

		ctxJSON, err := json.Marshal(ev.Context)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to serialize event context: %w", err)
		}

		var dataJSON []byte
		if ev.Data != nil {
			dataJSON, err = json.Marshal(ev.Data)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to serialize event data: %w", err)
			}
		}

		success := 0
		if ev.Success {
			success = 1
		}

		if _, err := stmt.ExecContext(ctx,
			ev.EventID,
			ev.Timestamp.Format(time.RFC3339Nano),
			string(ev.Level),
			string(ev.Action),
			ev.Resource,
			ev.Message,
			string(ctxJSON),
			string(dataJSON),
			success,
			ev.ErrorDetails,
			ev.DurationMs,
			ev.Checksum,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *DatabaseSink) Close() error { return s.db.Close() }

// CountSince returns the number of stored events in the [start, end) window.
func (s *DatabaseSink) CountSince(ctx context.Context, start, end time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}
