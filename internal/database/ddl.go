package database

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tiankongzhise/schemasync/internal/schema"
)

// renderer is the engine-specific part of DDL generation: the SQL type
// spelling and the identifier quoting style.
type renderer interface {
	TypeName(t schema.LogicalType) string
	quote(name string) string
}

func (p *Postgres) quote(name string) string { return quoteIdent(name) }
func (s *SQLite) quote(name string) string   { return quoteIdent(name) }

// buildCreateTable renders an idempotent CREATE TABLE with column
// definitions, the primary key and inline unique constraints. Indexes are
// emitted as separate statements by the callers.
func buildCreateTable(r renderer, spec schema.TableSpec) string {
	var columnDefs []string

	for _, col := range spec.Columns {
		colDef := fmt.Sprintf("%s %s", r.quote(col.Name), r.TypeName(col.Type))
		if col.Default != nil {
			colDef += " DEFAULT " + *col.Default
		}
		if !col.Nullable {
			colDef += " NOT NULL"
		}
		columnDefs = append(columnDefs, colDef)
	}

	if pk := spec.PrimaryKeyColumns(); len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, name := range pk {
			quoted[i] = r.quote(name)
		}
		columnDefs = append(columnDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
	}

	// Unique constraints ride along inline so that creating the table is
	// a single idempotent statement.
	for _, tuple := range spec.UniqueTuples() {
		quoted := make([]string, len(tuple))
		for i, name := range tuple {
			quoted[i] = r.quote(name)
		}
		columnDefs = append(columnDefs, fmt.Sprintf(
			"CONSTRAINT %s UNIQUE (%s)",
			r.quote(constraintName("uq", spec.Name, tuple)),
			strings.Join(quoted, ", "),
		))
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		r.quote(spec.Name),
		strings.Join(columnDefs, ", "),
	)
}

// buildCreateIndexStd renders a CREATE INDEX IF NOT EXISTS in the
// double-quoted grammar shared by postgres and sqlite.
func buildCreateIndexStd(table string, idx schema.IndexSpec) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf(
		"CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique,
		quoteIdent(constraintName("idx", table, idx.Columns)),
		quoteIdent(table),
		quoteIdents(idx.Columns),
	)
}

// sortedKeys splits a row map into deterministic column and value slices.
func sortedKeys(row map[string]any) ([]string, []any) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]any, len(names))
	for i, name := range names {
		values[i] = row[name]
	}
	return names, values
}
