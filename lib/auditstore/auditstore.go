// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auditstore persists wrapper audit events to PostgreSQL,
// complementing the newline-delimited JSON audit.JSONLSink with a
// queryable store for fleets running many supervised agents at once.
package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chaorenex1/memex-cli/lib/audit"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id      bigserial PRIMARY KEY,
	ts      timestamptz NOT NULL,
	kind    text NOT NULL,
	run_id  text NOT NULL,
	fields  jsonb
);
CREATE INDEX IF NOT EXISTS audit_events_run_id_idx ON audit_events (run_id);
`

// Store is an audit.Sink backed by a Postgres table. It is safe for
// concurrent use — sql.DB pools its own connections.
type Store struct {
	db *sql.DB
}

// Open connects to dsn via the pgx stdlib driver and verifies
// connectivity with a ping. The caller must call EnsureSchema before
// the first Emit against a fresh database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditstore: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditstore: pinging postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the audit_events table and its indexes if they
// do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("auditstore: ensuring schema: %w", err)
	}
	return nil
}

// Emit inserts ev as a new row. It implements audit.Sink.
func (s *Store) Emit(ev audit.Event) error {
	var fieldsJSON []byte
	if ev.Fields != nil {
		b, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("auditstore: marshaling fields: %w", err)
		}
		fieldsJSON = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, kind, run_id, fields) VALUES ($1, $2, $3, $4)`,
		ev.TS, string(ev.Kind), ev.RunID, fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("auditstore: inserting event: %w", err)
	}
	return nil
}

// ListByRunID returns every event recorded for runID, oldest first.
// It is the read side used by fleet-wide replay and audit tooling.
func (s *Store) ListByRunID(ctx context.Context, runID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, kind, run_id, fields FROM audit_events WHERE run_id = $1 ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("auditstore: querying events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var ev audit.Event
		var fieldsJSON []byte
		if err := rows.Scan(&ev.TS, &ev.Kind, &ev.RunID, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("auditstore: scanning event: %w", err)
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &ev.Fields); err != nil {
				return nil, fmt.Errorf("auditstore: unmarshaling fields: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditstore: iterating events: %w", err)
	}
	return events, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
