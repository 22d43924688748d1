package store

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a PostgreSQL-backed store via dsn. It uses
// pgx/v5's database/sql compatibility layer (stdlib.OpenDB) rather than the
// pgx-native pool API, so this package can share sql.go's database/sql CRUD
// code across all three dialects instead of hand-rolling a fourth,
// pgx-specific implementation — the same "one store shape, one driver
// import" pattern the teacher uses per dialect, just routed through pgx's
// own stdlib adapter.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newSQLStore(db, postgresDialect(), false)
}
