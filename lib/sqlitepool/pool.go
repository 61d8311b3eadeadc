// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Synchronous selects the SQLite synchronous pragma.
type Synchronous string

const (
	// SynchronousFull fsyncs on every commit.
	SynchronousFull Synchronous = "FULL"

	// SynchronousNormal survives process crashes but not power loss.
	SynchronousNormal Synchronous = "NORMAL"
)

// Config holds the parameters for opening a pool.
type Config struct {
	// Path of the database file. The parent directory must exist.
	// Required.
	Path string

	// PoolSize is the number of connections. Defaults to 4. Writes
	// are serialized by SQLite regardless.
	PoolSize int

	// Synchronous defaults to SynchronousFull.
	Synchronous Synchronous

	// Schema is executed on every new connection after the pragmas.
	// It must be idempotent (CREATE TABLE IF NOT EXISTS ...).
	Schema string

	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger
}

// Pool is a fixed-size set of prepared SQLite connections. Safe for
// concurrent use.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections are prepared lazily on first use,
// so schema errors surface from the first Transact or Read.
func Open(config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	synchronous := config.Synchronous
	switch synchronous {
	case "":
		synchronous = SynchronousFull
	case SynchronousFull, SynchronousNormal:
	default:
		return nil, fmt.Errorf("sqlitepool: unknown synchronous mode %q", synchronous)
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, synchronous, config.Schema)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", config.Path,
		"pool_size", poolSize,
		"synchronous", string(synchronous),
	)
	return &Pool{inner: inner, logger: logger, path: config.Path}, nil
}

// Transact runs fn inside an IMMEDIATE transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
func (p *Pool) Transact(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

// Read runs fn with a borrowed connection and no explicit transaction.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)
	return fn(conn)
}

// Close waits for borrowed connections to return, then closes them.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close failed", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, synchronous Synchronous, schema string) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=" + string(synchronous),
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	if schema != "" {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("sqlitepool: applying schema: %w", err)
		}
	}
	return nil
}
