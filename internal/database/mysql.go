package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/schema"
)

// MySQL adapts a MySQL/MariaDB connection. MySQL stores every unique key
// as an index, so unique constraints are read from the statistics view and
// column alterations go through MODIFY COLUMN with the full definition.
type MySQL struct {
	db *sql.DB
}

func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

func (m *MySQL) Close() error { return m.db.Close() }

func (m *MySQL) quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (m *MySQL) quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = m.quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (m *MySQL) Tables(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, dberr.Classify("list tables", err)
	}
	tables, err := scanStrings(rows)
	if err != nil {
		return nil, dberr.Classify("list tables", err)
	}
	return tables, nil
}

func (m *MySQL) Table(ctx context.Context, name string) (*schema.IntrospectedTable, error) {
	table := &schema.IntrospectedTable{Name: name}

	columns, err := m.columns(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "columns", Err: err}
	}
	table.Columns = columns

	pk, err := m.primaryKey(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "primary key", Err: err}
	}
	table.PrimaryKeys = pk

	uniques, indexes, err := m.keys(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "indexes", Err: err}
	}
	table.Unique = uniques
	table.Indexes = indexes

	return table, nil
}

func (m *MySQL) columns(ctx context.Context, table string) ([]schema.IntrospectedColumn, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []schema.IntrospectedColumn
	for rows.Next() {
		var col schema.IntrospectedColumn
		var nullable string
		var defaultValue sql.NullString

		if err := rows.Scan(&col.Name, &col.Type, &nullable, &defaultValue); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		if defaultValue.Valid {
			col.Default = &defaultValue.String
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (m *MySQL) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name = 'PRIMARY'
		ORDER BY seq_in_index
	`, table)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// keys reads the statistics view once and splits it: unique keys become
// unique constraint tuples, the rest become plain indexes. MySQL does not
// distinguish a unique constraint from a unique index.
func (m *MySQL) keys(ctx context.Context, table string) ([][]string, []schema.IntrospectedIndex, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT index_name, column_name, non_unique
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name != 'PRIMARY'
		ORDER BY index_name, seq_in_index
	`, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type key struct {
		columns []string
		unique  bool
	}
	keyMap := make(map[string]*key)
	var order []string
	for rows.Next() {
		var indexName, columnName string
		var nonUnique int
		if err := rows.Scan(&indexName, &columnName, &nonUnique); err != nil {
			return nil, nil, err
		}
		if k, exists := keyMap[indexName]; exists {
			k.columns = append(k.columns, columnName)
		} else {
			keyMap[indexName] = &key{columns: []string{columnName}, unique: nonUnique == 0}
			order = append(order, indexName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	sort.Strings(order)

	var uniques [][]string
	var indexes []schema.IntrospectedIndex
	for _, name := range order {
		k := keyMap[name]
		if k.unique {
			uniques = append(uniques, schema.NormalizeTuple(k.columns))
		} else {
			indexes = append(indexes, schema.IntrospectedIndex{
				Name:    name,
				Columns: k.columns,
			})
		}
	}
	return uniques, indexes, nil
}

func (m *MySQL) TypeName(t schema.LogicalType) string {
	switch t.Kind {
	case schema.TypeInteger:
		return "INT"
	case schema.TypeString:
		length := t.Length
		if length <= 0 {
			length = 255
		}
		return fmt.Sprintf("VARCHAR(%d)", length)
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBoolean:
		// Introspection reports BOOLEAN columns as tinyint; rendering the
		// declared type the same way keeps the comparison stable.
		return "TINYINT(1)"
	case schema.TypeTimestamp:
		return "DATETIME"
	case schema.TypeNumeric:
		return "DECIMAL(20,6)"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeLargeObject:
		return "BLOB"
	case schema.TypeJSON:
		return "JSON"
	default:
		return strings.ToUpper(string(t.Kind))
	}
}

func (m *MySQL) CreateTables(ctx context.Context, specs []schema.TableSpec) error {
	existing, err := m.Tables(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}

	// MySQL auto-commits DDL statement by statement; atomicity of the
	// bulk create is at the engine's discretion.
	for _, spec := range specs {
		if known[spec.Name] {
			continue
		}
		if _, err := m.db.ExecContext(ctx, buildCreateTable(m, spec)); err != nil {
			return dberr.Classify(fmt.Sprintf("create table %s", spec.Name), err)
		}
		for _, idx := range spec.Indexes {
			if _, err := m.db.ExecContext(ctx, m.buildCreateIndex(spec.Name, idx)); err != nil {
				return dberr.Classify(fmt.Sprintf("create index on %s", spec.Name), err)
			}
		}
	}
	return nil
}

func (m *MySQL) AddColumn(ctx context.Context, table string, col schema.ColumnSpec) error {
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s",
		m.quote(table), m.columnDefinition(col),
	)
	_, err := m.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("add column %s.%s", table, col.Name), err)
}

// AlterColumnType rewrites the full column definition. MySQL converts the
// stored data implicitly, so no explicit cast clause is required.
func (m *MySQL) AlterColumnType(ctx context.Context, table string, col schema.ColumnSpec, observedType string) error {
	stmt := fmt.Sprintf(
		"ALTER TABLE %s MODIFY COLUMN %s",
		m.quote(table), m.columnDefinition(col),
	)
	_, err := m.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("alter type of %s.%s", table, col.Name), err)
}

// AlterColumnNullability also goes through MODIFY COLUMN: MySQL has no
// standalone SET/DROP NOT NULL.
func (m *MySQL) AlterColumnNullability(ctx context.Context, table string, col schema.ColumnSpec) error {
	stmt := fmt.Sprintf(
		"ALTER TABLE %s MODIFY COLUMN %s",
		m.quote(table), m.columnDefinition(col),
	)
	_, err := m.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("alter nullability of %s.%s", table, col.Name), err)
}

func (m *MySQL) columnDefinition(col schema.ColumnSpec) string {
	def := fmt.Sprintf("%s %s", m.quote(col.Name), m.TypeName(col.Type))
	if col.Default != nil {
		def += " DEFAULT " + *col.Default
	}
	if !col.Nullable {
		def += " NOT NULL"
	} else {
		def += " NULL"
	}
	return def
}

func (m *MySQL) AddUniqueConstraint(ctx context.Context, table string, cols []string) error {
	tuple := schema.NormalizeTuple(cols)
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
		m.quote(table),
		m.quote(constraintName("uq", table, tuple)),
		m.quoteAll(tuple),
	)
	_, err := m.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("add unique constraint on %s", table), err)
}

func (m *MySQL) AddIndex(ctx context.Context, table string, idx schema.IndexSpec) error {
	_, err := m.db.ExecContext(ctx, m.buildCreateIndex(table, idx))
	return dberr.Classify(fmt.Sprintf("add index on %s", table), err)
}

func (m *MySQL) buildCreateIndex(table string, idx schema.IndexSpec) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate name surfaces
	// as a failed operation instead.
	return fmt.Sprintf(
		"CREATE %sINDEX %s ON %s (%s)",
		unique,
		m.quote(constraintName("idx", table, idx.Columns)),
		m.quote(table),
		m.quoteAll(idx.Columns),
	)
}

func (m *MySQL) Exists(ctx context.Context, table string, keys map[string]any) (bool, error) {
	names, values := sortedKeys(keys)
	conds := make([]string, len(names))
	for i, name := range names {
		conds[i] = fmt.Sprintf("%s = ?", m.quote(name))
	}
	stmt := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
		m.quote(table), strings.Join(conds, " AND "),
	)

	var exists bool
	if err := m.db.QueryRowContext(ctx, stmt, values...).Scan(&exists); err != nil {
		return false, dberr.Classify(fmt.Sprintf("existence probe on %s", table), err)
	}
	return exists, nil
}

func (m *MySQL) Insert(ctx context.Context, table string, row map[string]any) error {
	names, values := sortedKeys(row)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		m.quote(table), m.quoteAll(names), placeholders,
	)
	_, err := m.db.ExecContext(ctx, stmt, values...)
	return dberr.Classify(fmt.Sprintf("insert into %s", table), err)
}
