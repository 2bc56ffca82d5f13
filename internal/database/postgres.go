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

// Postgres adapts a PostgreSQL connection. Introspection reads
// information_schema and the pg_catalog; DDL follows the engine's ALTER
// TABLE grammar, with USING casts registered for text-sourced conversions.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Tables(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
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

func (p *Postgres) Table(ctx context.Context, name string) (*schema.IntrospectedTable, error) {
	table := &schema.IntrospectedTable{Name: name}

	columns, err := p.columns(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "columns", Err: err}
	}
	table.Columns = columns

	pk, err := p.primaryKey(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "primary key", Err: err}
	}
	table.PrimaryKeys = pk

	unique, err := p.uniqueConstraints(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "unique constraints", Err: err}
	}

	indexes, err := p.indexes(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "indexes", Err: err}
	}
	table.Indexes = indexes

	// Unique indexes count toward the unique tuple set so that a unique
	// key behaves the same whether the engine stores it as a constraint
	// or as a plain unique index.
	for _, idx := range indexes {
		if idx.Unique && !idx.Primary {
			unique = append(unique, schema.NormalizeTuple(idx.Columns))
		}
	}
	table.Unique = unique

	return table, nil
}

func (p *Postgres) columns(ctx context.Context, table string) ([]schema.IntrospectedColumn, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT column_name, udt_name, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
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

func (p *Postgres) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.table_constraints tc
			ON kcu.constraint_name = tc.constraint_name
			AND kcu.table_schema = tc.table_schema
		WHERE kcu.table_schema = 'public' AND kcu.table_name = $1
			AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position
	`, table)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (p *Postgres) uniqueConstraints(ctx context.Context, table string) ([][]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = 'public' AND tc.table_name = $1
			AND tc.constraint_type = 'UNIQUE'
		ORDER BY tc.constraint_name, kcu.ordinal_position
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string][]string)
	for rows.Next() {
		var constraint, column string
		if err := rows.Scan(&constraint, &column); err != nil {
			return nil, err
		}
		groups[constraint] = append(groups[constraint], column)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	tuples := make([][]string, 0, len(groups))
	for _, name := range names {
		tuples = append(tuples, schema.NormalizeTuple(groups[name]))
	}
	return tuples, nil
}

func (p *Postgres) indexes(ctx context.Context, table string) ([]schema.IntrospectedIndex, error) {
	// Constraint-backed indexes (primary key, unique constraint) are
	// excluded: they are reported through the constraint probes instead.
	rows, err := p.db.QueryContext(ctx, `
		SELECT
			i.relname AS index_name,
			a.attname AS column_name,
			ix.indisunique,
			ix.indisprimary
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relname = $1 AND t.relkind = 'r'
			AND NOT EXISTS (
				SELECT 1 FROM pg_constraint con WHERE con.conindid = ix.indexrelid
			)
		ORDER BY i.relname, a.attnum
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	indexMap := make(map[string]*schema.IntrospectedIndex)
	var order []string
	for rows.Next() {
		var indexName, columnName string
		var isUnique, isPrimary bool
		if err := rows.Scan(&indexName, &columnName, &isUnique, &isPrimary); err != nil {
			return nil, err
		}
		if idx, exists := indexMap[indexName]; exists {
			idx.Columns = append(idx.Columns, columnName)
		} else {
			indexMap[indexName] = &schema.IntrospectedIndex{
				Name:    indexName,
				Columns: []string{columnName},
				Unique:  isUnique,
				Primary: isPrimary,
			}
			order = append(order, indexName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]schema.IntrospectedIndex, 0, len(order))
	for _, name := range order {
		indexes = append(indexes, *indexMap[name])
	}
	return indexes, nil
}

func (p *Postgres) TypeName(t schema.LogicalType) string {
	switch t.Kind {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeString:
		if t.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", t.Length)
		}
		return "VARCHAR"
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeNumeric:
		return "NUMERIC"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeLargeObject:
		return "BYTEA"
	case schema.TypeJSON:
		return "JSONB"
	default:
		return strings.ToUpper(string(t.Kind))
	}
}

func (p *Postgres) CreateTables(ctx context.Context, specs []schema.TableSpec) error {
	existing, err := p.Tables(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dberr.Classify("begin create transaction", err)
	}
	defer tx.Rollback()

	for _, spec := range specs {
		if known[spec.Name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, buildCreateTable(p, spec)); err != nil {
			return dberr.Classify(fmt.Sprintf("create table %s", spec.Name), err)
		}
		for _, idx := range spec.Indexes {
			if _, err := tx.ExecContext(ctx, buildCreateIndexStd(spec.Name, idx)); err != nil {
				return dberr.Classify(fmt.Sprintf("create index on %s", spec.Name), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return dberr.Classify("commit create transaction", err)
	}
	return nil
}

func (p *Postgres) AddColumn(ctx context.Context, table string, col schema.ColumnSpec) error {
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		quoteIdent(table), quoteIdent(col.Name), p.TypeName(col.Type),
	)
	if col.Default != nil {
		stmt += " DEFAULT " + *col.Default
	}
	if !col.Nullable {
		stmt += " NOT NULL"
	}
	_, err := p.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("add column %s.%s", table, col.Name), err)
}

// textCasts maps a target type family to the USING cast applied when the
// live column is text-typed. Families missing here have no safe cast and
// the conversion is skipped.
var textCasts = map[schema.Family]string{
	schema.FamilyInteger: "INTEGER",
	schema.FamilyNumeric: "NUMERIC",
	schema.FamilyBoolean: "BOOLEAN",
	schema.FamilyDate:    "DATE",
	schema.FamilyTime:    "TIMESTAMP",
	schema.FamilyFloat:   "DOUBLE PRECISION",
}

func (p *Postgres) AlterColumnType(ctx context.Context, table string, col schema.ColumnSpec, observedType string) error {
	stmt, err := p.alterColumnTypeStmt(table, col, observedType)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("alter type of %s.%s", table, col.Name), err)
}

func (p *Postgres) alterColumnTypeStmt(table string, col schema.ColumnSpec, observedType string) (string, error) {
	target := p.TypeName(col.Type)
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN %s TYPE %s",
		quoteIdent(table), quoteIdent(col.Name), target,
	)

	observedFamily := schema.Classify(observedType)
	targetFamily := schema.Classify(target)
	if observedFamily == schema.FamilyCharacter || observedFamily == schema.FamilyText {
		switch {
		case targetFamily == schema.FamilyCharacter || targetFamily == schema.FamilyText:
			// Text to text never needs an explicit cast.
		case col.Type.Kind == schema.TypeJSON:
			stmt += fmt.Sprintf(" USING %s::JSONB", quoteIdent(col.Name))
		default:
			cast, ok := textCasts[targetFamily]
			if !ok {
				return "", &dberr.UnsupportedConversionError{
					Column: col.Name,
					From:   observedType,
					To:     target,
				}
			}
			stmt += fmt.Sprintf(" USING %s::%s", quoteIdent(col.Name), cast)
		}
	}
	return stmt, nil
}

func (p *Postgres) AlterColumnNullability(ctx context.Context, table string, col schema.ColumnSpec) error {
	action := "SET NOT NULL"
	if col.Nullable {
		action = "DROP NOT NULL"
	}
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN %s %s",
		quoteIdent(table), quoteIdent(col.Name), action,
	)
	_, err := p.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("alter nullability of %s.%s", table, col.Name), err)
}

func (p *Postgres) AddUniqueConstraint(ctx context.Context, table string, cols []string) error {
	tuple := schema.NormalizeTuple(cols)
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
		quoteIdent(table),
		quoteIdent(constraintName("uq", table, tuple)),
		quoteIdents(tuple),
	)
	_, err := p.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("add unique constraint on %s", table), err)
}

func (p *Postgres) AddIndex(ctx context.Context, table string, idx schema.IndexSpec) error {
	_, err := p.db.ExecContext(ctx, buildCreateIndexStd(table, idx))
	return dberr.Classify(fmt.Sprintf("add index on %s", table), err)
}

func (p *Postgres) Exists(ctx context.Context, table string, keys map[string]any) (bool, error) {
	names, values := sortedKeys(keys)
	conds := make([]string, len(names))
	for i, name := range names {
		conds[i] = fmt.Sprintf("%s = $%d", quoteIdent(name), i+1)
	}
	stmt := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
		quoteIdent(table), strings.Join(conds, " AND "),
	)

	var exists bool
	if err := p.db.QueryRowContext(ctx, stmt, values...).Scan(&exists); err != nil {
		return false, dberr.Classify(fmt.Sprintf("existence probe on %s", table), err)
	}
	return exists, nil
}

func (p *Postgres) Insert(ctx context.Context, table string, row map[string]any) error {
	names, values := sortedKeys(row)
	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), quoteIdents(names), strings.Join(placeholders, ", "),
	)
	_, err := p.db.ExecContext(ctx, stmt, values...)
	return dberr.Classify(fmt.Sprintf("insert into %s", table), err)
}
