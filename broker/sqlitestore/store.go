// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore persists durable broker queues in SQLite.
//
// Each stored message carries a BLAKE3 checksum over its address, body,
// and CBOR-encoded properties. Rows whose checksum does not verify on
// load are logged and skipped rather than redelivered with corrupted
// content.
package sqlitestore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/peerbridge/broker"
	"github.com/bureau-foundation/peerbridge/lib/codec"
	"github.com/bureau-foundation/peerbridge/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS queues (
	name    TEXT PRIMARY KEY,
	address TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	queue      TEXT    NOT NULL,
	id         INTEGER NOT NULL,
	address    TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	properties BLOB,
	checksum   BLOB    NOT NULL,
	PRIMARY KEY (queue, id)
);
`

// Config configures a Store.
type Config struct {
	// Path of the database file. Required.
	Path string

	// Synchronous is passed to sqlitepool. Defaults to FULL.
	Synchronous sqlitepool.Synchronous

	// Logger receives diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Store implements broker.Store.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ broker.Store = (*Store)(nil)

// Open opens (creating if needed) the journal database.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        config.Path,
		Synchronous: config.Synchronous,
		Schema:      schema,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the database. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.pool.Close() })
	return s.closeErr
}

func (s *Store) Queues(ctx context.Context) ([]broker.QueueConfig, error) {
	var configs []broker.QueueConfig
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT name, address FROM queues ORDER BY name", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				configs = append(configs, broker.QueueConfig{
					Name:    stmt.ColumnText(0),
					Address: stmt.ColumnText(1),
					Durable: true,
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: listing queues: %w", err)
	}
	return configs, nil
}

func (s *Store) CreateQueue(ctx context.Context, config broker.QueueConfig) error {
	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT OR REPLACE INTO queues (name, address) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{config.Name, config.Address},
		})
	})
	if err != nil {
		return fmt.Errorf("sqlitestore: creating queue %s: %w", config.Name, err)
	}
	return nil
}

func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM messages WHERE queue = ?", &sqlitex.ExecOptions{
			Args: []any{name},
		}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, "DELETE FROM queues WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
		})
	})
	if err != nil {
		return fmt.Errorf("sqlitestore: deleting queue %s: %w", name, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, queue string, message *broker.Message) error {
	properties, err := encodeProperties(message.Properties)
	if err != nil {
		return fmt.Errorf("sqlitestore: encoding properties: %w", err)
	}
	sum := checksum(message.Address, message.Body, properties)
	body := message.Body
	if body == nil {
		body = []byte{}
	}
	err = s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"INSERT INTO messages (queue, id, address, body, properties, checksum) VALUES (?, ?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{queue, int64(message.ID), message.Address, body, properties, sum},
			})
	})
	if err != nil {
		return fmt.Errorf("sqlitestore: appending to %s: %w", queue, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, queue string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			if err := sqlitex.Execute(conn, "DELETE FROM messages WHERE queue = ? AND id = ?", &sqlitex.ExecOptions{
				Args: []any{queue, int64(id)},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlitestore: removing from %s: %w", queue, err)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, queue string) ([]*broker.Message, error) {
	var messages []*broker.Message
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT id, address, body, properties, checksum FROM messages WHERE queue = ? ORDER BY id",
			&sqlitex.ExecOptions{
				Args: []any{queue},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id := uint64(stmt.ColumnInt64(0))
					address := stmt.ColumnText(1)
					body := columnBytes(stmt, 2)
					properties := columnBytes(stmt, 3)
					stored := columnBytes(stmt, 4)

					if !bytes.Equal(stored, checksum(address, body, properties)) {
						s.logger.Error("skipping journal row with bad checksum",
							"queue", queue,
							"message_id", id,
						)
						return nil
					}
					decoded, err := decodeProperties(properties)
					if err != nil {
						s.logger.Error("skipping journal row with undecodable properties",
							"queue", queue,
							"message_id", id,
							"error", err,
						)
						return nil
					}
					messages = append(messages, &broker.Message{
						ID:         id,
						Address:    address,
						Body:       body,
						Properties: decoded,
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: loading %s: %w", queue, err)
	}
	return messages, nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	length := stmt.ColumnLen(column)
	buffer := make([]byte, length)
	stmt.ColumnBytes(column, buffer)
	return buffer
}

func encodeProperties(properties map[string]any) ([]byte, error) {
	if len(properties) == 0 {
		return []byte{}, nil
	}
	return codec.Marshal(properties)
}

func decodeProperties(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var properties map[string]any
	if err := codec.Unmarshal(data, &properties); err != nil {
		return nil, err
	}
	return properties, nil
}

// checksum hashes the fields with length prefixes so that moving bytes
// between fields changes the sum.
func checksum(address string, body, properties []byte) []byte {
	hasher := blake3.New()
	for _, field := range [][]byte{[]byte(address), body, properties} {
		var length [8]byte
		size := uint64(len(field))
		for i := range length {
			length[i] = byte(size >> (8 * i))
		}
		hasher.Write(length[:])
		hasher.Write(field)
	}
	return hasher.Sum(nil)
}
