// Package sqlite implements a SubscriberStore on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

//go:embed schema.sql
var schema string

// Config locates the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store keeps subscribers in a single SQLite table. Row order follows
// insertion through the implicit rowid.
type Store struct {
	db    *sql.DB
	clock linestatus.Clock
}

var _ linestatus.SubscriberStore = (*Store)(nil)

// Open creates the database file when needed and applies the schema.
func Open(ctx context.Context, cfg Config, clock linestatus.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if clock == nil {
		return nil, errors.New("sqlite: clock is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// ListAll returns every subscriber in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]linestatus.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, p256dh, auth, created_at FROM subscribers ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	subs := []linestatus.Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return subs, nil
}

// Get looks up one subscriber by endpoint.
func (s *Store) Get(ctx context.Context, endpoint string) (linestatus.Subscriber, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT endpoint, p256dh, auth, created_at FROM subscribers WHERE endpoint = ?`, endpoint)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return linestatus.Subscriber{}, false, nil
	}
	if err != nil {
		return linestatus.Subscriber{}, false, err
	}
	return sub, true, nil
}

// Add inserts sub or replaces the keys of an existing endpoint.
func (s *Store) Add(ctx context.Context, sub linestatus.Subscriber) error {
	created := sub.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(endpoint, p256dh, auth, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add subscriber: %w", err)
	}
	return nil
}

// Remove deletes endpoint and reports whether it existed.
func (s *Store) Remove(ctx context.Context, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE endpoint = ?`, endpoint)
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	return n > 0, nil
}

// RemoveInvalid deletes every listed endpoint in one transaction and returns
// how many existed.
func (s *Store) RemoveInvalid(ctx context.Context, endpoints []string) (removed int, err error) {
	if len(endpoints) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin remove: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM subscribers WHERE endpoint = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare remove: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, endpoint := range endpoints {
		res, err := stmt.ExecContext(ctx, endpoint)
		if err != nil {
			return 0, fmt.Errorf("remove %s: %w", endpoint, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("remove %s: %w", endpoint, err)
		}
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit remove: %w", err)
	}
	return removed, nil
}

// Count returns the number of subscribers.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// Clear removes every subscriber.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers`); err != nil {
		return fmt.Errorf("clear subscribers: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (linestatus.Subscriber, error) {
	var (
		sub     linestatus.Subscriber
		created string
	)
	if err := row.Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sub, err
		}
		return sub, fmt.Errorf("scan subscriber: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return sub, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	sub.CreatedAt = ts
	return sub, nil
}
