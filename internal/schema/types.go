package schema

import (
	"fmt"
	"sort"
	"strings"
)

// TypeKind is the logical column type a model declares. It is mapped to an
// engine-specific SQL type by the database layer.
type TypeKind string

const (
	TypeInteger     TypeKind = "integer"
	TypeString      TypeKind = "string"
	TypeText        TypeKind = "text"
	TypeBoolean     TypeKind = "boolean"
	TypeTimestamp   TypeKind = "timestamp"
	TypeNumeric     TypeKind = "numeric"
	TypeFloat       TypeKind = "float"
	TypeLargeObject TypeKind = "blob"
	TypeJSON        TypeKind = "json"
)

// LogicalType pairs a type kind with an optional length (string types only).
type LogicalType struct {
	Kind   TypeKind
	Length int
}

func (t LogicalType) String() string {
	if t.Kind == TypeString && t.Length > 0 {
		return fmt.Sprintf("%s(%d)", t.Kind, t.Length)
	}
	return string(t.Kind)
}

// ParseTypeKind maps a user-facing type name onto a TypeKind.
func ParseTypeKind(name string) (TypeKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "integer", "int":
		return TypeInteger, nil
	case "string", "varchar":
		return TypeString, nil
	case "text":
		return TypeText, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "timestamp", "datetime":
		return TypeTimestamp, nil
	case "numeric", "decimal":
		return TypeNumeric, nil
	case "float", "double":
		return TypeFloat, nil
	case "blob", "binary":
		return TypeLargeObject, nil
	case "json":
		return TypeJSON, nil
	default:
		return "", fmt.Errorf("unknown column type %q", name)
	}
}

// ColumnSpec declares a single column of the desired schema. Specs are
// immutable after registration.
type ColumnSpec struct {
	Name       string
	Type       LogicalType
	Nullable   bool
	Default    *string
	PrimaryKey bool
	Unique     bool
}

// IndexSpec declares a secondary index by its column tuple.
type IndexSpec struct {
	Columns []string
	Unique  bool
}

// TableSpec declares the desired shape of one table.
type TableSpec struct {
	Name        string
	Columns     []ColumnSpec
	PrimaryKeys []string
	// Unique holds table level unique constraints, one column tuple each.
	Unique  [][]string
	Indexes []IndexSpec
}

// Column returns the declared column with the given name, if present.
func (t *TableSpec) Column(name string) (*ColumnSpec, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the declared column name set.
func (t *TableSpec) ColumnNames() map[string]bool {
	names := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		names[c.Name] = true
	}
	return names
}

// PrimaryKeyColumns returns the effective primary key column set: the table
// level declaration plus any column flagged as a primary key member.
func (t *TableSpec) PrimaryKeyColumns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, name := range t.PrimaryKeys {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	for _, c := range t.Columns {
		if c.PrimaryKey && !seen[c.Name] {
			seen[c.Name] = true
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// UniqueTuples reduces the declared unique constraints, including single
// column Unique flags, to a deduplicated set of sorted column tuples.
func (t *TableSpec) UniqueTuples() [][]string {
	var tuples [][]string
	for _, cols := range t.Unique {
		tuples = append(tuples, NormalizeTuple(cols))
	}
	for _, c := range t.Columns {
		if c.Unique {
			tuples = append(tuples, []string{c.Name})
		}
	}
	return dedupeTuples(tuples)
}

// IndexTuples reduces the declared indexes to a deduplicated set of sorted
// column tuples. Index uniqueness is intentionally not part of the tuple.
func (t *TableSpec) IndexTuples() [][]string {
	var tuples [][]string
	for _, idx := range t.Indexes {
		tuples = append(tuples, NormalizeTuple(idx.Columns))
	}
	return dedupeTuples(tuples)
}

// IntrospectedColumn is a read-only snapshot of a live column.
type IntrospectedColumn struct {
	Name     string
	Type     string
	Nullable bool
	Default  *string
}

// IntrospectedIndex is a read-only snapshot of a live index.
type IntrospectedIndex struct {
	Name    string
	Columns []string
	Unique  bool
	Primary bool
}

// IntrospectedTable is a read-only snapshot of a live table. It is built
// fresh on every pass and must not be cached across calls.
type IntrospectedTable struct {
	Name        string
	Columns     []IntrospectedColumn
	PrimaryKeys []string
	Unique      [][]string
	Indexes     []IntrospectedIndex
}

// Column returns the live column with the given name, if present.
func (t *IntrospectedTable) Column(name string) (*IntrospectedColumn, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the live column name set.
func (t *IntrospectedTable) ColumnNames() map[string]bool {
	names := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		names[c.Name] = true
	}
	return names
}

// UniqueTuples returns the live unique constraint column tuples, sorted.
func (t *IntrospectedTable) UniqueTuples() [][]string {
	var tuples [][]string
	for _, cols := range t.Unique {
		tuples = append(tuples, NormalizeTuple(cols))
	}
	return dedupeTuples(tuples)
}

// IndexTuples returns the live index column tuples, sorted. Primary key
// backing indexes are excluded so they do not shadow declared indexes.
func (t *IntrospectedTable) IndexTuples() [][]string {
	var tuples [][]string
	for _, idx := range t.Indexes {
		if idx.Primary {
			continue
		}
		tuples = append(tuples, NormalizeTuple(idx.Columns))
	}
	return dedupeTuples(tuples)
}

// NormalizeTuple returns a sorted copy of a column tuple so that tuples can
// be compared as set members regardless of declaration order.
func NormalizeTuple(cols []string) []string {
	tuple := make([]string, len(cols))
	copy(tuple, cols)
	sort.Strings(tuple)
	return tuple
}

// TupleKey renders a normalized tuple as a single comparable string.
func TupleKey(cols []string) string {
	return strings.Join(NormalizeTuple(cols), ",")
}

// TupleSet converts a list of tuples into a lookup keyed by TupleKey.
func TupleSet(tuples [][]string) map[string][]string {
	set := make(map[string][]string, len(tuples))
	for _, tuple := range tuples {
		set[TupleKey(tuple)] = NormalizeTuple(tuple)
	}
	return set
}

func dedupeTuples(tuples [][]string) [][]string {
	seen := make(map[string]bool, len(tuples))
	var out [][]string
	for _, tuple := range tuples {
		key := TupleKey(tuple)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, NormalizeTuple(tuple))
	}
	sort.Slice(out, func(i, j int) bool {
		return TupleKey(out[i]) < TupleKey(out[j])
	})
	return out
}
