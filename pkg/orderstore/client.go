// Copyright 2025 Certen Protocol
//
// Connection pooling for the order lifecycle engine's Postgres-backed store.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/certen/mpc-orderflow/pkg/config"
)

// Client wraps a pooled Postgres connection plus the table-name configuration
// every repository in this package consults. No hardcoded table names.
type Client struct {
	db     *sql.DB
	tables config.DatabaseSettings
	logger *log.Logger
}

// NewClient opens and pings a Postgres connection per cfg.Database.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orderstore: config cannot be nil")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("orderstore: database URL cannot be empty")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("orderstore: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime.Duration())
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime.Duration())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("orderstore: ping database: %w", err)
	}

	return &Client{
		db:     db,
		tables: cfg.Database,
		logger: log.New(log.Writer(), "[OrderStore] ", log.LstdFlags),
	}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// DB exposes the underlying *sql.DB for migration tooling and tests.
func (c *Client) DB() *sql.DB { return c.db }
