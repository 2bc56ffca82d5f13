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

// SQLite adapts a SQLite connection through modernc.org/sqlite.
// Introspection goes through the PRAGMA interface. The engine's ALTER
// TABLE support is additive only: column type and nullability changes are
// reported as unsupported conversions instead of attempted blindly.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
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

func (s *SQLite) Table(ctx context.Context, name string) (*schema.IntrospectedTable, error) {
	table := &schema.IntrospectedTable{Name: name}

	columns, pk, err := s.columns(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "columns", Err: err}
	}
	table.Columns = columns
	table.PrimaryKeys = pk

	uniques, indexes, err := s.keys(ctx, name)
	if err != nil {
		return nil, &dberr.IntrospectionError{Table: name, Probe: "indexes", Err: err}
	}
	table.Unique = uniques
	table.Indexes = indexes

	return table, nil
}

func (s *SQLite) columns(ctx context.Context, table string) ([]schema.IntrospectedColumn, []string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns []schema.IntrospectedColumn
	type pkMember struct {
		name string
		rank int
	}
	var pkMembers []pkMember
	for rows.Next() {
		var cid, notNull, pkRank int
		var colName, colType string
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &colName, &colType, &notNull, &defaultValue, &pkRank); err != nil {
			return nil, nil, err
		}
		col := schema.IntrospectedColumn{
			Name:     colName,
			Type:     colType,
			Nullable: notNull == 0,
		}
		if defaultValue.Valid {
			col.Default = &defaultValue.String
		}
		columns = append(columns, col)
		if pkRank > 0 {
			pkMembers = append(pkMembers, pkMember{name: colName, rank: pkRank})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	sort.Slice(pkMembers, func(i, j int) bool { return pkMembers[i].rank < pkMembers[j].rank })
	pk := make([]string, 0, len(pkMembers))
	for _, m := range pkMembers {
		pk = append(pk, m.name)
	}
	return columns, pk, nil
}

// keys walks the index list. Unique indexes, whether born from a UNIQUE
// constraint (origin "u") or CREATE UNIQUE INDEX (origin "c"), feed the
// unique tuple set; non-unique created indexes feed the index set.
func (s *SQLite) keys(ctx context.Context, table string) ([][]string, []schema.IntrospectedIndex, error) {
	entries, err := s.indexList(ctx, table)
	if err != nil {
		return nil, nil, err
	}

	var uniques [][]string
	var indexes []schema.IntrospectedIndex
	for _, entry := range entries {
		if entry.origin == "pk" {
			continue
		}
		cols, err := s.indexColumns(ctx, entry.name)
		if err != nil {
			return nil, nil, err
		}
		if entry.unique {
			uniques = append(uniques, schema.NormalizeTuple(cols))
		} else {
			indexes = append(indexes, schema.IntrospectedIndex{Name: entry.name, Columns: cols})
		}
	}
	return uniques, indexes, nil
}

type sqliteIndexEntry struct {
	name   string
	unique bool
	origin string
}

func (s *SQLite) indexList(ctx context.Context, table string) ([]sqliteIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []sqliteIndexEntry
	for rows.Next() {
		var seq, uniqueFlag, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &uniqueFlag, &origin, &partial); err != nil {
			return nil, err
		}
		entries = append(entries, sqliteIndexEntry{name: name, unique: uniqueFlag == 1, origin: origin})
	}
	return entries, rows.Err()
}

func (s *SQLite) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(index)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func (s *SQLite) TypeName(t schema.LogicalType) string {
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
		return "REAL"
	case schema.TypeLargeObject:
		return "BLOB"
	case schema.TypeJSON:
		return "JSON"
	default:
		return strings.ToUpper(string(t.Kind))
	}
}

func (s *SQLite) CreateTables(ctx context.Context, specs []schema.TableSpec) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dberr.Classify("begin create transaction", err)
	}
	defer tx.Rollback()

	for _, spec := range specs {
		if _, err := tx.ExecContext(ctx, buildCreateTable(s, spec)); err != nil {
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

func (s *SQLite) AddColumn(ctx context.Context, table string, col schema.ColumnSpec) error {
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		quoteIdent(table), quoteIdent(col.Name), s.TypeName(col.Type),
	)
	if col.Default != nil {
		stmt += " DEFAULT " + *col.Default
	}
	if !col.Nullable {
		// SQLite rejects ADD COLUMN NOT NULL without a default; the
		// resulting failure is reported like any other.
		stmt += " NOT NULL"
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("add column %s.%s", table, col.Name), err)
}

func (s *SQLite) AlterColumnType(ctx context.Context, table string, col schema.ColumnSpec, observedType string) error {
	return &dberr.UnsupportedConversionError{
		Column: col.Name,
		From:   observedType,
		To:     s.TypeName(col.Type),
	}
}

func (s *SQLite) AlterColumnNullability(ctx context.Context, table string, col schema.ColumnSpec) error {
	return fmt.Errorf("alter nullability of %s.%s: sqlite does not support column alteration", table, col.Name)
}

// AddUniqueConstraint uses a unique index, SQLite's only way to add a
// unique key after table creation.
func (s *SQLite) AddUniqueConstraint(ctx context.Context, table string, cols []string) error {
	tuple := schema.NormalizeTuple(cols)
	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(constraintName("uq", table, tuple)),
		quoteIdent(table),
		quoteIdents(tuple),
	)
	_, err := s.db.ExecContext(ctx, stmt)
	return dberr.Classify(fmt.Sprintf("add unique constraint on %s", table), err)
}

func (s *SQLite) AddIndex(ctx context.Context, table string, idx schema.IndexSpec) error {
	_, err := s.db.ExecContext(ctx, buildCreateIndexStd(table, idx))
	return dberr.Classify(fmt.Sprintf("add index on %s", table), err)
}

func (s *SQLite) Exists(ctx context.Context, table string, keys map[string]any) (bool, error) {
	names, values := sortedKeys(keys)
	conds := make([]string, len(names))
	for i, name := range names {
		conds[i] = fmt.Sprintf("%s = ?", quoteIdent(name))
	}
	stmt := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
		quoteIdent(table), strings.Join(conds, " AND "),
	)

	var exists bool
	if err := s.db.QueryRowContext(ctx, stmt, values...).Scan(&exists); err != nil {
		return false, dberr.Classify(fmt.Sprintf("existence probe on %s", table), err)
	}
	return exists, nil
}

func (s *SQLite) Insert(ctx context.Context, table string, row map[string]any) error {
	names, values := sortedKeys(row)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), quoteIdents(names), placeholders,
	)
	_, err := s.db.ExecContext(ctx, stmt, values...)
	return dberr.Classify(fmt.Sprintf("insert into %s", table), err)
}
