// Package sync drives the live schema toward the declared model. Missing
// tables are created in bulk first; every other divergence is corrected per
// table against a fresh snapshot, with each operation isolated so one
// failure never aborts the run.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tiankongzhise/schemasync/internal/database"
	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/diff"
	"github.com/tiankongzhise/schemasync/internal/schema"
	"github.com/tiankongzhise/schemasync/pkg/logger"
)

// OpKind identifies a corrective operation.
type OpKind string

const (
	OpCreateTable   OpKind = "create-table"
	OpRefetch       OpKind = "refetch"
	OpAddColumn     OpKind = "add-column"
	OpAlterType     OpKind = "alter-column-type"
	OpAlterNullable OpKind = "alter-column-nullability"
	OpAddUnique     OpKind = "add-unique-constraint"
	OpAddIndex      OpKind = "add-index"
)

// Outcome is the terminal state of one corrective operation.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Operation is the record of one attempted correction.
type Operation struct {
	Table   string
	Kind    OpKind
	Target  string
	Outcome Outcome
	Err     error
}

// Report aggregates every operation of a synchronization run.
type Report struct {
	Operations []Operation
}

func (r *Report) count(o Outcome) int {
	n := 0
	for _, op := range r.Operations {
		if op.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Report) Applied() int { return r.count(OutcomeApplied) }
func (r *Report) Skipped() int { return r.count(OutcomeSkipped) }
func (r *Report) Failed() int  { return r.count(OutcomeFailed) }

// HasFailures reports whether any operation failed. Skipped operations are
// deliberate non-actions, not failures.
func (r *Report) HasFailures() bool { return r.Failed() > 0 }

// Synchronizer applies corrective DDL for a mismatch set.
type Synchronizer struct {
	db  database.Database
	log *logger.Logger

	// OnTable, when set, is called once per table entering the per-table
	// correction phase. The CLI hangs its progress bar here.
	OnTable func(table string)
}

func NewSynchronizer(db database.Database, log *logger.Logger) *Synchronizer {
	return &Synchronizer{db: db, log: log}
}

// Synchronize corrects the divergences in mismatches. Table creation failures are
// fatal: nothing sensible can follow a failed bulk create. Everything after
// that is best effort and lands in the report.
func (s *Synchronizer) Synchronize(ctx context.Context, registry *schema.Registry, mismatches []diff.Mismatch) (*Report, error) {
	report := &Report{}

	missing, rest := splitMissingTables(mismatches)

	if len(missing) > 0 {
		specs := make([]schema.TableSpec, 0, len(missing))
		for _, name := range missing {
			spec, ok := registry.Lookup(name)
			if !ok {
				continue
			}
			specs = append(specs, spec)
		}
		if err := s.db.CreateTables(ctx, specs); err != nil {
			return report, fmt.Errorf("failed to create missing tables: %w", err)
		}
		for _, spec := range specs {
			report.Operations = append(report.Operations, s.finish(Operation{
				Table: spec.Name, Kind: OpCreateTable,
			}, nil))
		}
	}

	for _, table := range mismatchedTables(rest) {
		spec, ok := registry.Lookup(table)
		if !ok {
			continue
		}
		if s.OnTable != nil {
			s.OnTable(table)
		}
		report.Operations = append(report.Operations, s.syncTable(ctx, &spec)...)
	}

	s.log.WithFields(logrus.Fields{
		"applied": report.Applied(),
		"skipped": report.Skipped(),
		"failed":  report.Failed(),
	}).Info("Schema synchronization finished")
	return report, nil
}

// syncTable corrects one table against a fresh snapshot. The snapshot is
// taken here rather than reused from the diff so that corrections reflect
// whatever state the table is in now, including partial earlier runs.
func (s *Synchronizer) syncTable(ctx context.Context, spec *schema.TableSpec) []Operation {
	live, err := s.db.Table(ctx, spec.Name)
	if err != nil {
		return []Operation{s.finish(Operation{
			Table: spec.Name, Kind: OpRefetch,
		}, err)}
	}

	var ops []Operation
	liveColumns := live.ColumnNames()

	for _, col := range spec.Columns {
		if liveColumns[col.Name] {
			continue
		}
		err := s.db.AddColumn(ctx, spec.Name, col)
		ops = append(ops, s.finish(Operation{
			Table: spec.Name, Kind: OpAddColumn, Target: col.Name,
		}, err))
	}

	for _, col := range spec.Columns {
		liveCol, ok := live.Column(col.Name)
		if !ok {
			continue
		}
		ops = append(ops, s.syncColumn(ctx, spec.Name, &col, liveCol)...)
	}

	for _, tuple := range diff.MissingUniqueTuples(spec, live) {
		err := s.db.AddUniqueConstraint(ctx, spec.Name, tuple)
		ops = append(ops, s.finish(Operation{
			Table: spec.Name, Kind: OpAddUnique, Target: tupleTarget(tuple),
		}, err))
	}

	for _, idx := range diff.MissingIndexes(spec, live) {
		err := s.db.AddIndex(ctx, spec.Name, idx)
		ops = append(ops, s.finish(Operation{
			Table: spec.Name, Kind: OpAddIndex, Target: tupleTarget(idx.Columns),
		}, err))
	}
	return ops
}

func (s *Synchronizer) syncColumn(ctx context.Context, table string, col *schema.ColumnSpec, liveCol *schema.IntrospectedColumn) []Operation {
	var ops []Operation

	declaredType := s.db.TypeName(col.Type)
	if !schema.Compatible(declaredType, liveCol.Type) {
		err := s.db.AlterColumnType(ctx, table, *col, liveCol.Type)
		ops = append(ops, s.finish(Operation{
			Table: table, Kind: OpAlterType, Target: col.Name,
		}, err))
	}

	if col.Nullable != liveCol.Nullable {
		err := s.db.AlterColumnNullability(ctx, table, *col)
		ops = append(ops, s.finish(Operation{
			Table: table, Kind: OpAlterNullable, Target: col.Name,
		}, err))
	}
	return ops
}

// finish classifies an operation's error into its outcome and logs it. An
// unsupported conversion is a deliberate skip; an integrity violation is a
// failure and is never retried.
func (s *Synchronizer) finish(op Operation, err error) Operation {
	fields := logrus.Fields{
		"table":     op.Table,
		"operation": string(op.Kind),
		"target":    op.Target,
	}

	switch {
	case err == nil:
		op.Outcome = OutcomeApplied
		s.log.WithFields(fields).Info("Applied schema correction")
	case isUnsupportedConversion(err):
		op.Outcome = OutcomeSkipped
		op.Err = err
		fields["reason"] = err.Error()
		s.log.WithFields(fields).Warn("Skipped unsupported conversion")
	default:
		op.Outcome = OutcomeFailed
		op.Err = err
		fields["error"] = err.Error()
		s.log.WithFields(fields).Error("Schema correction failed")
	}
	return op
}

func isUnsupportedConversion(err error) bool {
	var uc *dberr.UnsupportedConversionError
	return errors.As(err, &uc)
}

func splitMissingTables(mismatches []diff.Mismatch) (missing []string, rest []diff.Mismatch) {
	seen := map[string]bool{}
	for _, m := range mismatches {
		if m.Kind == diff.KindMissingTable {
			if !seen[m.Table] {
				seen[m.Table] = true
				missing = append(missing, m.Table)
			}
			continue
		}
		rest = append(rest, m)
	}
	sort.Strings(missing)
	return missing, rest
}

func mismatchedTables(mismatches []diff.Mismatch) []string {
	seen := map[string]bool{}
	var tables []string
	for _, m := range mismatches {
		if !seen[m.Table] {
			seen[m.Table] = true
			tables = append(tables, m.Table)
		}
	}
	sort.Strings(tables)
	return tables
}

func tupleTarget(cols []string) string {
	return strings.Join(schema.NormalizeTuple(cols), ",")
}
