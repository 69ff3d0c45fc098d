// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package mysql provides the MySQL storage backend.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/store"
	"github.com/limbogate/limbogate/internal/store/sqlstore"
)

// MySQL duplicate-entry error number.
const errDuplicateEntry = 1062

func init() {
	store.RegisterEngine(store.EngineMySQL, func(ctx context.Context, cfg store.Config) (store.Backend, error) {
		return Open(ctx, cfg)
	})
}

// Open connects to the MySQL server at cfg.DSN. parseTime is forced on so
// DATETIME columns scan into time.Time.
func Open(ctx context.Context, cfg store.Config) (*sqlstore.Store, error) {
	db, err := sql.Open("mysql", dsn(cfg.DSN))
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").Wrap(err)
	}

	s := sqlstore.New(db, Dialect(), cfg)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the MySQL dialect for sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Engine:      store.EngineMySQL,
		ForUpdate:   " FOR UPDATE",
		IsDuplicate: isDuplicate,
	}
}

func dsn(raw string) string {
	if strings.Contains(raw, "parseTime=") {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "parseTime=true"
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}
