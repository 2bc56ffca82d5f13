// Package diff compares the declared model against the live database and
// produces the mismatch set the synchronizer consumes. Diffing has no side
// effects beyond logging and is safe to run repeatedly and concurrently.
package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tiankongzhise/schemasync/internal/database"
	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/schema"
	"github.com/tiankongzhise/schemasync/pkg/logger"
)

// Kind identifies what diverged between the declared and live schema.
type Kind string

const (
	KindMissingTable     Kind = "missing-table"
	KindMissingColumn    Kind = "missing-column"
	KindColumnType       Kind = "column-type"
	KindColumnNullable   Kind = "column-nullable"
	KindColumnDefault    Kind = "column-default"
	KindPrimaryKey       Kind = "primary-key"
	KindUniqueConstraint Kind = "unique-constraint"
	KindIndex            Kind = "index"
)

// Mismatch records one detected divergence. Constraint and index
// divergences are reported at table granularity, one record per kind.
type Mismatch struct {
	Table    string
	Kind     Kind
	Target   string
	Declared string
	Observed string
}

// Differ walks the declared model against a live connection.
type Differ struct {
	db  database.Reader
	log *logger.Logger
}

func NewDiffer(db database.Reader, log *logger.Logger) *Differ {
	return &Differ{db: db, log: log}
}

// Diff produces the full mismatch set for every registered table. Only a
// failure of the top-level table list is fatal; a failed per-table probe
// marks that table mismatched defensively so a sync run re-attempts it.
func (d *Differ) Diff(ctx context.Context, registry *schema.Registry) ([]Mismatch, error) {
	liveTables, err := d.db.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list live tables: %w", err)
	}
	liveSet := make(map[string]bool, len(liveTables))
	for _, name := range liveTables {
		liveSet[name] = true
	}

	var mismatches []Mismatch
	for _, spec := range registry.Tables() {
		if !liveSet[spec.Name] {
			mismatches = append(mismatches, d.record(Mismatch{
				Table:    spec.Name,
				Kind:     KindMissingTable,
				Declared: spec.Name,
				Observed: "absent",
			}))
			continue
		}

		live, err := d.db.Table(ctx, spec.Name)
		if err != nil {
			mismatches = append(mismatches, d.defensiveRecord(spec.Name, err))
			continue
		}
		mismatches = append(mismatches, d.diffTable(&spec, live)...)
	}
	return mismatches, nil
}

func (d *Differ) diffTable(spec *schema.TableSpec, live *schema.IntrospectedTable) []Mismatch {
	var out []Mismatch

	liveColumns := live.ColumnNames()
	for _, col := range spec.Columns {
		if !liveColumns[col.Name] {
			out = append(out, d.record(Mismatch{
				Table:    spec.Name,
				Kind:     KindMissingColumn,
				Target:   col.Name,
				Declared: col.Type.String(),
				Observed: "absent",
			}))
		}
	}

	for _, col := range spec.Columns {
		liveCol, ok := live.Column(col.Name)
		if !ok {
			continue
		}
		out = append(out, d.diffColumn(spec.Name, &col, liveCol)...)
	}

	declaredPK := schema.NormalizeTuple(spec.PrimaryKeyColumns())
	livePK := schema.NormalizeTuple(live.PrimaryKeys)
	if strings.Join(declaredPK, ",") != strings.Join(livePK, ",") {
		out = append(out, d.record(Mismatch{
			Table:    spec.Name,
			Kind:     KindPrimaryKey,
			Declared: tupleString(declaredPK),
			Observed: tupleString(livePK),
		}))
	}

	if m, ok := d.diffUnique(spec, live); ok {
		out = append(out, m)
	}
	if m, ok := d.diffIndexes(spec, live); ok {
		out = append(out, m)
	}
	return out
}

func (d *Differ) diffColumn(table string, col *schema.ColumnSpec, liveCol *schema.IntrospectedColumn) []Mismatch {
	var out []Mismatch

	declaredType := d.db.TypeName(col.Type)
	if families := schema.AmbiguousFamilies(liveCol.Type); len(families) > 1 {
		d.log.WithFields(logrus.Fields{
			"table":    table,
			"column":   col.Name,
			"type":     liveCol.Type,
			"families": families,
		}).Warn("Live type name matches multiple type families; classification follows rule order")
	}
	if !schema.Compatible(declaredType, liveCol.Type) {
		out = append(out, d.record(Mismatch{
			Table:    table,
			Kind:     KindColumnType,
			Target:   col.Name,
			Declared: declaredType,
			Observed: liveCol.Type,
		}))
	}

	if col.Nullable != liveCol.Nullable {
		out = append(out, d.record(Mismatch{
			Table:    table,
			Kind:     KindColumnNullable,
			Target:   col.Name,
			Declared: fmt.Sprintf("nullable=%t", col.Nullable),
			Observed: fmt.Sprintf("nullable=%t", liveCol.Nullable),
		}))
	}

	if !defaultsMatch(col.Default, liveCol.Default) {
		out = append(out, d.record(Mismatch{
			Table:    table,
			Kind:     KindColumnDefault,
			Target:   col.Name,
			Declared: defaultString(col.Default),
			Observed: defaultString(liveCol.Default),
		}))
	}
	return out
}

// diffUnique compares unique constraint tuple sets. A live unique key that
// corresponds to a declared unique index is tolerated: some engines store
// every unique index as a constraint.
func (d *Differ) diffUnique(spec *schema.TableSpec, live *schema.IntrospectedTable) (Mismatch, bool) {
	declared := schema.TupleSet(spec.UniqueTuples())
	liveSet := schema.TupleSet(live.UniqueTuples())
	declaredUniqueIdx := declaredUniqueIndexTuples(spec)

	matched := len(MissingUniqueTuples(spec, live)) == 0
	for key := range liveSet {
		if _, ok := declared[key]; ok {
			continue
		}
		if _, ok := declaredUniqueIdx[key]; ok {
			continue
		}
		matched = false
	}
	if matched {
		return Mismatch{}, false
	}
	return d.record(Mismatch{
		Table:    spec.Name,
		Kind:     KindUniqueConstraint,
		Declared: tupleSetString(declared),
		Observed: tupleSetString(liveSet),
	}), true
}

// diffIndexes compares index tuple sets. Uniqueness flags and index names
// are not compared. A declared unique index satisfied by a live unique key
// is tolerated, as is a live index backing a declared unique constraint.
func (d *Differ) diffIndexes(spec *schema.TableSpec, live *schema.IntrospectedTable) (Mismatch, bool) {
	declared := schema.TupleSet(spec.IndexTuples())
	liveSet := schema.TupleSet(live.IndexTuples())
	declaredUnique := schema.TupleSet(spec.UniqueTuples())

	matched := len(MissingIndexes(spec, live)) == 0
	for key := range liveSet {
		if _, ok := declared[key]; ok {
			continue
		}
		if _, ok := declaredUnique[key]; ok {
			continue
		}
		matched = false
	}
	if matched {
		return Mismatch{}, false
	}
	return d.record(Mismatch{
		Table:    spec.Name,
		Kind:     KindIndex,
		Declared: tupleSetString(declared),
		Observed: tupleSetString(liveSet),
	}), true
}

// MissingUniqueTuples returns the declared unique constraint tuples with no
// live unique key, in declaration order. The synchronizer derives its
// corrective constraint additions from the same rule the differ checks.
func MissingUniqueTuples(spec *schema.TableSpec, live *schema.IntrospectedTable) [][]string {
	liveSet := schema.TupleSet(live.UniqueTuples())

	var missing [][]string
	for _, tuple := range spec.UniqueTuples() {
		if _, ok := liveSet[schema.TupleKey(tuple)]; !ok {
			missing = append(missing, tuple)
		}
	}
	return missing
}

// MissingIndexes returns the declared indexes with no live counterpart. A
// declared unique index already enforced by a live unique key needs no
// corrective creation.
func MissingIndexes(spec *schema.TableSpec, live *schema.IntrospectedTable) []schema.IndexSpec {
	liveSet := schema.TupleSet(live.IndexTuples())
	liveUnique := schema.TupleSet(live.UniqueTuples())

	var missing []schema.IndexSpec
	for _, idx := range spec.Indexes {
		key := schema.TupleKey(schema.NormalizeTuple(idx.Columns))
		if _, ok := liveSet[key]; ok {
			continue
		}
		if idx.Unique {
			if _, ok := liveUnique[key]; ok {
				continue
			}
		}
		missing = append(missing, idx)
	}
	return missing
}

// defensiveRecord turns a failed introspection probe into a mismatch so the
// synchronizer re-attempts the table instead of silently skipping it.
func (d *Differ) defensiveRecord(table string, err error) Mismatch {
	kind := KindMissingColumn
	var probeErr *dberr.IntrospectionError
	if errors.As(err, &probeErr) {
		switch probeErr.Probe {
		case "primary key":
			kind = KindPrimaryKey
		case "unique constraints":
			kind = KindUniqueConstraint
		case "indexes":
			kind = KindIndex
		}
	}
	d.log.WithFields(logrus.Fields{
		"table": table,
		"error": err.Error(),
	}).Error("Introspection failed; marking table mismatched defensively")
	return Mismatch{
		Table:    table,
		Kind:     kind,
		Observed: fmt.Sprintf("introspection failed: %v", err),
	}
}

func (d *Differ) record(m Mismatch) Mismatch {
	d.log.WithFields(logrus.Fields{
		"table":    m.Table,
		"kind":     string(m.Kind),
		"target":   m.Target,
		"declared": m.Declared,
		"observed": m.Observed,
	}).Warn("Schema mismatch detected")
	return m
}

func declaredUniqueIndexTuples(spec *schema.TableSpec) map[string][]string {
	var tuples [][]string
	for _, idx := range spec.Indexes {
		if idx.Unique {
			tuples = append(tuples, schema.NormalizeTuple(idx.Columns))
		}
	}
	return schema.TupleSet(tuples)
}

// defaultsMatch compares declared and live defaults after textual
// normalization. A nil declared default matched against a live default that
// spells SQL NULL counts as equal.
func defaultsMatch(declared, observed *string) bool {
	if declared == nil && observed == nil {
		return true
	}
	if declared == nil {
		return isTextualNull(*observed)
	}
	if observed == nil {
		return false
	}
	return normalizeDefault(*declared) == normalizeDefault(*observed)
}

func isTextualNull(value string) bool {
	return normalizeDefault(value) == "null"
}

// normalizeDefault strips the decoration engines add when reporting
// defaults: postgres appends a ::type cast and quotes literals.
func normalizeDefault(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.Index(value, "::"); i >= 0 {
		value = value[:i]
	}
	value = strings.Trim(value, "'")
	value = strings.Trim(value, "()")
	return strings.ToLower(strings.TrimSpace(value))
}

func defaultString(value *string) string {
	if value == nil {
		return "<none>"
	}
	return *value
}

func tupleString(cols []string) string {
	return "(" + strings.Join(cols, ",") + ")"
}

func tupleSetString(set map[string][]string) string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = "(" + key + ")"
	}
	return "{" + strings.Join(parts, " ") + "}"
}
