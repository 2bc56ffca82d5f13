package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tiankongzhise/schemasync/internal/config"
	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/schema"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Reader is the read-only introspection surface. All queries reflect a
// best-effort point-in-time snapshot, not a transactionally isolated one.
// Per-table probes return empty results for a missing table; only Tables
// fails when the database cannot be reached.
type Reader interface {
	// Tables lists every table name in the live schema.
	Tables(ctx context.Context) ([]string, error)
	// Table assembles a full snapshot of one live table.
	Table(ctx context.Context, name string) (*schema.IntrospectedTable, error)
	// TypeName renders a logical type in the engine's SQL spelling.
	TypeName(t schema.LogicalType) string
}

// Database is the full engine adapter: introspection plus the corrective
// DDL surface the synchronizer drives, plus the row-level helpers used by
// the store. The connection it wraps is created and owned by the caller.
type Database interface {
	Reader

	// CreateTables creates every given table in a single transaction.
	// Creation is idempotent: an already-existing table is a no-op.
	CreateTables(ctx context.Context, specs []schema.TableSpec) error
	// AddColumn issues an additive column operation, carrying NOT NULL
	// when the declared column is non-nullable.
	AddColumn(ctx context.Context, table string, col schema.ColumnSpec) error
	// AlterColumnType converts a live column to the declared type, using a
	// registered explicit cast when converting out of a text-typed column.
	AlterColumnType(ctx context.Context, table string, col schema.ColumnSpec, observedType string) error
	// AlterColumnNullability drops or adds the NOT NULL attribute.
	AlterColumnNullability(ctx context.Context, table string, col schema.ColumnSpec) error
	// AddUniqueConstraint adds a table level unique constraint.
	AddUniqueConstraint(ctx context.Context, table string, cols []string) error
	// AddIndex creates a declared index.
	AddIndex(ctx context.Context, table string, idx schema.IndexSpec) error

	// Exists reports whether a row matching all key/value pairs exists.
	Exists(ctx context.Context, table string, keys map[string]any) (bool, error)
	// Insert adds one row.
	Insert(ctx context.Context, table string, row map[string]any) error

	Close() error
}

// Open connects to the configured engine and returns its adapter. One
// connection per reconciliation run; the caller closes it.
func Open(cfg *config.Config) (Database, error) {
	// Driver names line up with the config types: lib/pq registers
	// "postgres", go-sql-driver "mysql", modernc.org/sqlite "sqlite".
	driver := cfg.Database.Type

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, dberr.Classify("ping", err)
	}

	switch driver {
	case "postgres":
		return &Postgres{db: db}, nil
	case "mysql":
		return &MySQL{db: db}, nil
	case "sqlite":
		return &SQLite{db: db}, nil
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported database type: %s", driver)
	}
}

// quoteIdent wraps an identifier in double quotes, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// constraintName derives a deterministic name for a generated constraint or
// index from its table and column tuple.
func constraintName(prefix, table string, cols []string) string {
	parts := append([]string{prefix, table}, schema.NormalizeTuple(cols)...)
	return strings.Join(parts, "_")
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
