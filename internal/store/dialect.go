package store

import "strings"

// dialect captures the handful of places sqlite, mysql and postgres
// disagree: placeholder syntax, migration DDL, and how a uniqueness
// violation surfaces from the driver. Everything else in this package is
// shared database/sql code (sql.go) — dialects are the only generalization
// point, mirroring how the teacher keeps one Store[S] interface across its
// sqlite.go and mysql.go.
type dialect struct {
	name string

	// placeholder renders the nth (1-indexed) bind parameter for this
	// dialect: "?" for sqlite/mysql, "$1".."$N" for postgres.
	placeholder func(n int) string

	// migrations are executed in order, once, at construction.
	migrations []string

	// isUniqueViolation reports whether err came back from a conflicting
	// INSERT into the computing-uniqueness constraint.
	isUniqueViolation func(err error) bool

	// lockSuffix is the dialect-specific row-locking clause appended to the
	// SELECT ... FROM executions WHERE id = ? used inside write
	// transactions. SQLite has no FOR UPDATE and instead relies on
	// single-writer WAL semantics plus Store's own mutex.
	lockSuffix string
}

const sqliteComputingIndexDDL = `
	CREATE UNIQUE INDEX IF NOT EXISTS uq_computations_inflight
	ON computations(execution_id, node_name)
	WHERE state = 'computing'
`

const postgresComputingIndexDDL = `
	CREATE UNIQUE INDEX IF NOT EXISTS uq_computations_inflight
	ON computations(execution_id, node_name)
	WHERE state = 'computing'
`

// mysqlComputingIndexDDL works around MySQL's lack of partial/filtered
// unique indexes: computing_slot is a generated column that is NULL for
// every non-computing row and equal to node_name for computing rows. MySQL
// (like most SQL dialects) treats multiple NULLs in a unique index as
// non-colliding, so only two genuinely-computing rows for the same node
// collide — exactly the partial-index semantics we want, achieved through
// a generated column instead.
const mysqlComputingIndexDDL = `
	ALTER TABLE computations
	ADD COLUMN IF NOT EXISTS computing_slot VARCHAR(191)
	GENERATED ALWAYS AS (CASE WHEN state = 'computing' THEN node_name ELSE NULL END) STORED,
	ADD UNIQUE KEY uq_computations_inflight (execution_id, computing_slot)
`

func sqliteDialect() dialect {
	return dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		lockSuffix:  "",
		migrations:  sqlMigrations("TEXT", "BLOB", "DATETIME", sqliteComputingIndexDDL),
		isUniqueViolation: func(err error) bool {
			if err == nil {
				return false
			}
			msg := err.Error()
			return strings.Contains(msg, "UNIQUE constraint failed")
		},
	}
}

func mysqlDialect() dialect {
	return dialect{
		name:        "mysql",
		placeholder: func(int) string { return "?" },
		lockSuffix:  "FOR UPDATE",
		migrations:  sqlMigrations("VARCHAR(191)", "LONGBLOB", "DATETIME", mysqlComputingIndexDDL),
		isUniqueViolation: func(err error) bool {
			if err == nil {
				return false
			}
			msg := err.Error()
			return strings.Contains(msg, "Error 1062") || strings.Contains(msg, "Duplicate entry")
		},
	}
}

func postgresDialect() dialect {
	return dialect{
		name: "postgres",
		placeholder: func(n int) string {
			return "$" + itoa(n)
		},
		lockSuffix: "FOR UPDATE",
		migrations: sqlMigrations("TEXT", "BYTEA", "TIMESTAMPTZ", postgresComputingIndexDDL),
		isUniqueViolation: func(err error) bool {
			if err == nil {
				return false
			}
			msg := err.Error()
			return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key value")
		},
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// sqlMigrations renders the shared schema with dialect-specific column
// types substituted in, plus the dialect's own computing-uniqueness index
// DDL appended last.
func sqlMigrations(idType, blobType, tsType, computingIndexDDL string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id ` + idType + ` PRIMARY KEY,
			graph_name ` + idType + ` NOT NULL,
			graph_version ` + idType + ` NOT NULL,
			revision BIGINT NOT NULL,
			archived_at ` + tsType + `
		)`,
		`CREATE TABLE IF NOT EXISTS node_instances (
			execution_id ` + idType + ` NOT NULL,
			node_name ` + idType + ` NOT NULL,
			is_set INTEGER NOT NULL DEFAULT 0,
			payload ` + blobType + `,
			set_revision BIGINT NOT NULL DEFAULT 0,
			set_time ` + tsType + `,
			PRIMARY KEY (execution_id, node_name)
		)`,
		`CREATE TABLE IF NOT EXISTS computations (
			id ` + idType + ` PRIMARY KEY,
			execution_id ` + idType + ` NOT NULL,
			node_name ` + idType + ` NOT NULL,
			state ` + idType + ` NOT NULL,
			attempt_index INTEGER NOT NULL,
			started_at ` + tsType + ` NOT NULL,
			deadline ` + tsType + `,
			completed_at ` + tsType + `,
			ex_revision_at_start BIGINT NOT NULL,
			upstream_revisions_json ` + blobType + `,
			result_payload ` + blobType + `,
			error_payload ` + blobType + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_computations_exec_node ON computations(execution_id, node_name)`,
		`CREATE INDEX IF NOT EXISTS idx_computations_deadline ON computations(state, deadline)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id ` + idType + ` PRIMARY KEY,
			execution_id ` + idType + ` NOT NULL,
			node_name ` + idType + ` NOT NULL,
			kind ` + idType + ` NOT NULL,
			revision BIGINT NOT NULL,
			created_at ` + tsType + ` NOT NULL
		)`,
		computingIndexDDL,
	}
}
