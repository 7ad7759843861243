// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/jllopis/flowllm/pkg/errors"
)

// SQLiteStore persists audit events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the modernc driver and prepares the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to open audit database", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "audit database is nil", nil)
	}
	if err := ensureSchema(db); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to create audit schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record stores a single audit event.
func (s *SQLiteStore) Record(ctx context.Context, event Event) error {
	payload, err := encodePayload(event.Payload)
	if err != nil {
		return errors.New(errors.CodeSerialization, "failed to encode audit payload", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flowllm_audit_events (
			kind, node_id, work_id, model, payload_json, error_text, elapsed_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(event.Kind),
		event.NodeID,
		event.WorkID,
		event.Model,
		string(payload),
		event.Error,
		event.ElapsedMs,
		event.At.UTC(),
	)
	if err != nil {
		return errors.New(errors.CodeStorage, "failed to record audit event", err)
	}
	return nil
}

// List returns audit events matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT kind, node_id, work_id, model, payload_json, error_text, elapsed_ms, created_at
		FROM flowllm_audit_events
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Kind != "" {
		addFilter("kind = ?", string(filter.Kind))
	}
	if filter.NodeID != "" {
		addFilter("node_id = ?", filter.NodeID)
	}
	if filter.WorkID != "" {
		addFilter("work_id = ?", filter.WorkID)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to query audit events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event       Event
			kind        string
			payloadJSON sql.NullString
			created     sql.NullTime
		)
		if err := rows.Scan(
			&kind,
			&event.NodeID,
			&event.WorkID,
			&event.Model,
			&payloadJSON,
			&event.Error,
			&event.ElapsedMs,
			&created,
		); err != nil {
			return nil, errors.New(errors.CodeStorage, "failed to scan audit event", err)
		}
		event.Kind = Kind(kind)
		if payloadJSON.Valid {
			if out, err := decodePayload([]byte(payloadJSON.String)); err == nil {
				event.Payload = out
			}
		}
		if created.Valid {
			event.At = created.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to read audit events", err)
	}
	return events, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flowllm_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			work_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			payload_json TEXT,
			error_text TEXT NOT NULL DEFAULT '',
			elapsed_ms REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_flowllm_audit_kind ON flowllm_audit_events(kind);
		CREATE INDEX IF NOT EXISTS idx_flowllm_audit_work ON flowllm_audit_events(work_id);
	`)
	return err
}
