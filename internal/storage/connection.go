package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const healthCheckPingTimeout = 2 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is constructed or
	// used without a live connection.
	ErrNoDatabaseConnection = errors.New("no database connection")
)

// Connection wraps a pooled *sql.DB configured for the destination store.
//
// The connection is created once at startup from configuration and shared by
// every store for the life of the run; no pooling logic beyond database/sql
// is in scope.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies it with a ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckPingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck verifies the connection is healthy and ready to serve requests.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckPingTimeout)
	defer cancel()

	if err := c.DB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// BeginTx starts a transaction on the underlying pool.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, opts)
}

// QueryContext runs a query on the underlying pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the underlying pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement on the underlying pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
