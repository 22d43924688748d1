package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a pure-Go (modernc.org/sqlite) SQLite database at
// path, enables WAL mode, and runs migrations. path may be ":memory:" for
// tests. Grounded on the teacher's NewSQLiteStore (graph/store/sqlite.go):
// single-writer connection pool, WAL mode, busy timeout.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: configure sqlite (%s): %w", pragma, err)
		}
	}

	return newSQLStore(db, sqliteDialect(), true)
}
