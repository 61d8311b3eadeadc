// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases for the broker journal.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with the pragmas the
// journal needs (WAL, a busy timeout, FULL synchronous by default so a
// committed acknowledgment survives power loss) and two helpers,
// [Pool.Transact] and [Pool.Read], that borrow a connection for the
// duration of a callback. Callers write plain SQL with sqlitex.Execute;
// there is no query builder.
//
// Connections are not safe for concurrent use. Each callback gets its
// own connection and must not retain it.
package sqlitepool
