package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLStore opens a MySQL-backed store via dsn (go-sql-driver/mysql
// DSN format, e.g. "user:pass@tcp(host:3306)/flowgraph?parseTime=true").
// parseTime=true is required so TIMESTAMP/DATETIME columns scan into
// time.Time the same way sqlite/postgres do. Grounded on the teacher's
// NewMySQLStore (graph/store/mysql.go): pool sizing plus migrate-on-open.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newSQLStore(db, mysqlDialect(), false)
}
