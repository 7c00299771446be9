package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the optional SQLite journal of tick outcomes. The probe only writes to it;
// nothing read back from it influences an evaluation.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS ticks (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  at             TIMESTAMP NOT NULL,
  status         TEXT NOT NULL,
  network_height TEXT,
  indexed_height TEXT,
  lag            TEXT,
  network_error  TEXT,
  indexed_error  TEXT,
  alerts_sent    INTEGER NOT NULL DEFAULT 0,
  alerts_failed  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS ticks_at ON ticks(at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Tick is one journaled probe tick. Heights are decimal strings; empty means absent.
type Tick struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	Status       string    `json:"status"`
	Network      string    `json:"network,omitempty"`
	Indexed      string    `json:"indexed,omitempty"`
	Lag          string    `json:"lag,omitempty"`
	NetworkError string    `json:"network_error,omitempty"`
	IndexedError string    `json:"indexed_error,omitempty"`
	AlertsSent   int       `json:"alerts_sent"`
	AlertsFailed int       `json:"alerts_failed"`
}

// InsertTick appends a tick record.
func (s *Store) InsertTick(ctx context.Context, t Tick) error {
	if t.Status == "" || t.At.IsZero() {
		return errors.New("tick status and time are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ticks (at, status, network_height, indexed_height, lag, network_error, indexed_error, alerts_sent, alerts_failed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, t.At.UTC(), t.Status, nullString(t.Network), nullString(t.Indexed), nullString(t.Lag),
		nullString(t.NetworkError), nullString(t.IndexedError), t.AlertsSent, t.AlertsFailed)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

// RecentTicks returns up to limit ticks, newest first. A limit <= 0 returns all of them.
func (s *Store) RecentTicks(ctx context.Context, limit int) ([]Tick, error) {
	query := `
SELECT id, at, status, network_height, indexed_height, lag, network_error, indexed_error, alerts_sent, alerts_failed
FROM ticks ORDER BY at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []Tick
	for rows.Next() {
		var t Tick
		var network, indexed, lag, netErr, indexedErr sql.NullString
		if err := rows.Scan(&t.ID, &t.At, &t.Status, &network, &indexed, &lag, &netErr, &indexedErr, &t.AlertsSent, &t.AlertsFailed); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Network = network.String
		t.Indexed = indexed.String
		t.Lag = lag.String
		t.NetworkError = netErr.String
		t.IndexedError = indexedErr.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return out, nil
}

// PruneBefore deletes ticks older than cutoff and reports how many were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ticks WHERE at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune ticks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune ticks: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
