// Package postgres reads the share window written by the share processor and
// mirrors ledger balances and payouts for reporting.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/gompay/pkg/errors"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens a pool and pings the server.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

// EnsureSchema creates the mirror tables if they are missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return classify(err, "ensure_schema", "failed to create mirror schema")
		}
	}
	return nil
}

// classify wraps a database error. Connection-class failures (SQLSTATE 08)
// and serialization conflicts are retryable; everything else is not.
func classify(err error, op, msg string) *errors.ServiceError {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		se := errors.Wrap(err, errors.ErrorTypeDatabase, op, msg).
			WithContext("sqlstate", string(pqErr.Code)).
			WithContext("condition", pqErr.Code.Name())
		se.Retryable = pqErr.Code.Class() == "08" || pqErr.Code == "40001" || pqErr.Code == "40P01"
		return se
	}
	return errors.Wrap(err, errors.ErrorTypeDatabase, op, msg)
}
