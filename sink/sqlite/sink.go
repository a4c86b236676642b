// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/courier/event"
	"github.com/absmach/courier/sink"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var _ sink.Sink = (*Sink)(nil)

const upsertSQL = `
INSERT INTO events (id, timestamp, payload, retry_count, stored_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    retry_count = excluded.retry_count,
    stored_at = excluded.stored_at`

// Sink stores delivered events in a SQLite table.
type Sink struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the database at path and applies the schema.
// The database runs in WAL mode with FULL synchronous writes, since a
// successful Store confirms delivery.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Sink{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Store upserts the event by id.
func (s *Sink) Store(ctx context.Context, ev event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sink.ErrClosed
	}

	_, err := s.db.ExecContext(ctx, upsertSQL,
		ev.ID,
		ev.Timestamp.UnixNano(),
		ev.Payload,
		ev.RetryCount,
		s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// Get returns a stored event.
func (s *Sink) Get(ctx context.Context, id string) (event.Event, error) {
	var (
		ev      event.Event
		ts      int64
		payload []byte
	)
	row := s.db.QueryRowContext(ctx,
		"SELECT id, timestamp, payload, retry_count FROM events WHERE id = ?", id)
	if err := row.Scan(&ev.ID, &ts, &payload, &ev.RetryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, sink.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("failed to read event: %w", err)
	}
	ev.Timestamp = time.Unix(0, ts)
	ev.Payload = payload

	return ev, nil
}

// Count returns the number of stored events.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close closes the database. Further Store calls fail with sink.ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
