// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package sqlite provides the embedded storage backend using the CGo-free
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/samber/oops"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/limbogate/limbogate/internal/store"
	"github.com/limbogate/limbogate/internal/store/sqlstore"
)

func init() {
	store.RegisterEngine(store.EngineSQLite, func(ctx context.Context, cfg store.Config) (store.Backend, error) {
		return Open(ctx, cfg)
	})
}

// Open opens (creating if absent) the SQLite database at cfg.DSN.
func Open(ctx context.Context, cfg store.Config) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", dsn(cfg.DSN))
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").With("path", cfg.DSN).Wrap(err)
	}

	s := sqlstore.New(db, Dialect(), cfg)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the SQLite dialect for sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Engine: store.EngineSQLite,
		// SQLite serializes writing transactions; no row locking syntax.
		ForUpdate:   "",
		IsDuplicate: isDuplicate,
	}
}

// dsn adds the pragmas every connection needs: WAL for concurrent readers
// and a busy timeout so writer contention waits instead of failing.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func isDuplicate(err error) bool {
	var se *sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT,
		sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY,
		sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
