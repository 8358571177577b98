// Package store persists charge samples to SQLite so history survives
// daemon restarts and can be served to the HTTP API.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one persisted charge sample.
type Row struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	Percent   int       `json:"percent"`
	Charging  bool      `json:"charging"`
	Watts     float64   `json:"watts"`
}

// Summary aggregates one charge session.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	FirstAt      time.Time `json:"firstAt"`
	LastAt       time.Time `json:"lastAt"`
	StartPercent int       `json:"startPercent"`
	EndPercent   int       `json:"endPercent"`
	Samples      int       `json:"samples"`
}

// Store is a SQLite-backed sample history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sample database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps the async append path from blocking readers.
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS samples (
			session_id TEXT NOT NULL,
			sampled_at INTEGER NOT NULL,
			percent    INTEGER NOT NULL,
			charging   INTEGER NOT NULL,
			watts      REAL NOT NULL,
			UNIQUE (session_id, sampled_at)
		);
		CREATE INDEX IF NOT EXISTS idx_samples_sampled_at ON samples (sampled_at);
	`)
	return err
}

// Append stores one sample. Duplicate delivery of the same
// (sessionID, at) pair is a no-op.
func (s *Store) Append(ctx context.Context, sessionID string, at time.Time, percent int, charging bool, watts float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO samples (session_id, sampled_at, percent, charging, watts)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, at.UnixMilli(), percent, charging, watts)
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

// Query returns all samples in [from, to], oldest first.
func (s *Store) Query(ctx context.Context, from, to time.Time) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sampled_at, percent, charging, watts
		FROM samples
		WHERE sampled_at >= ? AND sampled_at <= ?
		ORDER BY sampled_at ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var at int64
		if err := rows.Scan(&r.SessionID, &at, &r.Percent, &r.Charging, &r.Watts); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		r.At = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionSummary aggregates the samples of one session.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT MIN(sampled_at), MAX(sampled_at), COUNT(*)
		FROM samples WHERE session_id = ?`, sessionID)
	var first, last sql.NullInt64
	var count int
	if err := row.Scan(&first, &last, &count); err != nil {
		return Summary{}, fmt.Errorf("summarize session: %w", err)
	}
	if count == 0 {
		return Summary{}, fmt.Errorf("no samples for session %s", sessionID)
	}

	sum := Summary{
		SessionID: sessionID,
		FirstAt:   time.UnixMilli(first.Int64).UTC(),
		LastAt:    time.UnixMilli(last.Int64).UTC(),
		Samples:   count,
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT percent FROM samples WHERE session_id = ? ORDER BY sampled_at ASC LIMIT 1`,
		sessionID).Scan(&sum.StartPercent); err != nil {
		return Summary{}, fmt.Errorf("session start percent: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT percent FROM samples WHERE session_id = ? ORDER BY sampled_at DESC LIMIT 1`,
		sessionID).Scan(&sum.EndPercent); err != nil {
		return Summary{}, fmt.Errorf("session end percent: %w", err)
	}
	return sum, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
