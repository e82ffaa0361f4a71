// Package storage provides the PostgreSQL storage layer for mireapprove.
//
// It manages connection pooling via pgxpool and query methods for all tables.
// Credentials, TOTP seeds and cookie jars are encrypted with the secrets box
// before they touch a row; decryption failures surface as secrets.ErrCorrupt
// so callers can distinguish corruption from absence.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mireapprove/backend/internal/secrets"
)

// Options tunes the connection pool.
type Options struct {
	MinConns int32
	MaxConns int32
}

// DB wraps a pgxpool.Pool plus the secrets box used for column encryption.
type DB struct {
	pool   *pgxpool.Pool
	box    *secrets.Box
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, box *secrets.Box, opts Options, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, box: box, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
