// Package postgres provides the shared PostgreSQL client used by the raw
// store, the enriched document store, the identity store and the onion
// derived store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/assadOW2/grimoirelab-elk/pkg/config"
	_ "github.com/lib/pq"
)

// Client wraps a pooled *sql.DB.
type Client struct {
	DB  *sql.DB
	cfg config.PostgresConfig
}

// New opens a connection pool and verifies it with a ping.
func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db, cfg: cfg}, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.DB.Close()
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// InTx runs fn inside a transaction, rolling back on error.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// EnsureTables creates the tables the enrichment stores depend on if they
// do not exist yet. Raw items are written by the archival process and only
// read here.
func (c *Client) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_items (
			uuid                 TEXT PRIMARY KEY,
			backend              TEXT NOT NULL,
			origin               TEXT NOT NULL,
			metadata__updated_on TIMESTAMPTZ NOT NULL,
			metadata__timestamp  TIMESTAMPTZ NOT NULL,
			data                 JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS raw_items_backend_ts
			ON raw_items (backend, metadata__timestamp)`,
		`CREATE TABLE IF NOT EXISTS enriched_items (
			uuid                TEXT NOT NULL,
			index_name          TEXT NOT NULL,
			origin              TEXT NOT NULL,
			metadata__timestamp TIMESTAMPTZ NOT NULL,
			doc                 JSONB NOT NULL,
			PRIMARY KEY (index_name, uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS enriched_items_ts
			ON enriched_items (index_name, metadata__timestamp)`,
		`CREATE TABLE IF NOT EXISTS index_mappings (
			index_name TEXT NOT NULL,
			field      TEXT NOT NULL,
			field_type TEXT NOT NULL,
			PRIMARY KEY (index_name, field)
		)`,
		`CREATE TABLE IF NOT EXISTS identities (
			uuid     TEXT PRIMARY KEY,
			username TEXT,
			email    TEXT,
			name     TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS identities_triple
			ON identities (COALESCE(username, ''), COALESCE(email, ''), COALESCE(name, ''))`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			identity_uuid TEXT NOT NULL,
			organization  TEXT NOT NULL,
			PRIMARY KEY (identity_uuid, organization)
		)`,
		`CREATE TABLE IF NOT EXISTS onion_records (
			out_index        TEXT NOT NULL,
			data_source      TEXT NOT NULL,
			contributor_uuid TEXT NOT NULL,
			timeframe_start  TIMESTAMPTZ NOT NULL,
			timeframe_end    TIMESTAMPTZ NOT NULL,
			cumulative_count BIGINT NOT NULL,
			PRIMARY KEY (out_index, data_source, contributor_uuid, timeframe_start)
		)`,
		`CREATE TABLE IF NOT EXISTS onion_watermarks (
			out_index   TEXT NOT NULL,
			data_source TEXT NOT NULL,
			watermark   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (out_index, data_source)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring tables: %w", err)
		}
	}
	return nil
}
