// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable names the subscriber table when none is configured.
const DefaultTable = "push_subscribers"

// Config controls the Postgres connection pool used for subscriber rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// EnsureSchema creates the table on startup when it is missing.
	EnsureSchema bool
}

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SubscriberStore keeps push subscriptions in a Postgres table keyed by endpoint.
type SubscriberStore struct {
	pool  Pool
	table string
	clock linestatus.Clock
}

var _ linestatus.SubscriberStore = (*SubscriberStore)(nil)

// NewSubscriberStore connects to Postgres using the provided config.
func NewSubscriberStore(ctx context.Context, cfg Config, clock linestatus.Clock) (*SubscriberStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewSubscriberStoreWithPool(pool, table, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewSubscriberStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSubscriberStoreWithPool(pool Pool, table string, clock linestatus.Clock) (*SubscriberStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &SubscriberStore{pool: pool, table: name, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the subscriber table if it does not exist.
func (s *SubscriberStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	endpoint   TEXT PRIMARY KEY,
	p256dh     TEXT NOT NULL,
	auth       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	seq        BIGSERIAL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure subscriber table: %w", err)
	}
	return nil
}

// ListAll returns every subscriber in insertion order.
func (s *SubscriberStore) ListAll(ctx context.Context) ([]linestatus.Subscriber, error) {
	query := fmt.Sprintf(`SELECT endpoint, p256dh, auth, created_at FROM %s ORDER BY seq`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs := []linestatus.Subscriber{}
	for rows.Next() {
		var sub linestatus.Subscriber
		if err := rows.Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return subs, nil
}

// Get looks up one subscriber by endpoint.
func (s *SubscriberStore) Get(ctx context.Context, endpoint string) (linestatus.Subscriber, bool, error) {
	query := fmt.Sprintf(`SELECT endpoint, p256dh, auth, created_at FROM %s WHERE endpoint = $1`, s.table)
	var sub linestatus.Subscriber
	err := s.pool.QueryRow(ctx, query, endpoint).
		Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return linestatus.Subscriber{}, false, nil
	}
	if err != nil {
		return linestatus.Subscriber{}, false, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, true, nil
}

// Add inserts sub or replaces the keys of an existing endpoint. The original
// created_at and list position are kept on replace.
func (s *SubscriberStore) Add(ctx context.Context, sub linestatus.Subscriber) error {
	created := sub.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (endpoint, p256dh, auth, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`, s.table)
	if _, err := s.pool.Exec(ctx, query, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, created.UTC()); err != nil {
		return fmt.Errorf("add subscriber: %w", err)
	}
	return nil
}

// Remove deletes endpoint and reports whether it existed.
func (s *SubscriberStore) Remove(ctx context.Context, endpoint string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE endpoint = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, endpoint)
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveInvalid deletes every listed endpoint in one statement.
func (s *SubscriberStore) RemoveInvalid(ctx context.Context, endpoints []string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE endpoint = ANY($1)`, s.table)
	tag, err := s.pool.Exec(ctx, query, endpoints)
	if err != nil {
		return 0, fmt.Errorf("remove invalid subscribers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Count returns the number of subscribers.
func (s *SubscriberStore) Count(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var n int
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// Close releases the underlying pool resources.
func (s *SubscriberStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
