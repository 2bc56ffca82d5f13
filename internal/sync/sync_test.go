package sync

import (
	"context"
	"fmt"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/diff"
	"github.com/tiankongzhise/schemasync/internal/schema"
	"github.com/tiankongzhise/schemasync/pkg/logger"
)

// fakeDB records every corrective call and serves canned snapshots.
type fakeDB struct {
	live     map[string]*schema.IntrospectedTable
	tableErr map[string]error

	created   [][]string
	createErr error
	calls     []string
	callErrs  map[string]error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		live:     map[string]*schema.IntrospectedTable{},
		tableErr: map[string]error{},
		callErrs: map[string]error{},
	}
}

func (f *fakeDB) Tables(ctx context.Context) ([]string, error) {
	var names []string
	for name := range f.live {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeDB) Table(ctx context.Context, name string) (*schema.IntrospectedTable, error) {
	if err, ok := f.tableErr[name]; ok {
		return nil, err
	}
	if t, ok := f.live[name]; ok {
		return t, nil
	}
	return &schema.IntrospectedTable{Name: name}, nil
}

func (f *fakeDB) TypeName(t schema.LogicalType) string {
	switch t.Kind {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeString:
		return "VARCHAR(255)"
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (f *fakeDB) record(call string) error {
	f.calls = append(f.calls, call)
	return f.callErrs[call]
}

func (f *fakeDB) CreateTables(ctx context.Context, specs []schema.TableSpec) error {
	var names []string
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	f.created = append(f.created, names)
	return f.createErr
}

func (f *fakeDB) AddColumn(ctx context.Context, table string, col schema.ColumnSpec) error {
	return f.record("add-column:" + table + "." + col.Name)
}

func (f *fakeDB) AlterColumnType(ctx context.Context, table string, col schema.ColumnSpec, observedType string) error {
	return f.record("alter-type:" + table + "." + col.Name)
}

func (f *fakeDB) AlterColumnNullability(ctx context.Context, table string, col schema.ColumnSpec) error {
	return f.record("alter-null:" + table + "." + col.Name)
}

func (f *fakeDB) AddUniqueConstraint(ctx context.Context, table string, cols []string) error {
	return f.record("add-unique:" + table)
}

func (f *fakeDB) AddIndex(ctx context.Context, table string, idx schema.IndexSpec) error {
	return f.record("add-index:" + table)
}

func (f *fakeDB) Exists(ctx context.Context, table string, keys map[string]any) (bool, error) {
	return false, nil
}

func (f *fakeDB) Insert(ctx context.Context, table string, row map[string]any) error {
	return nil
}

func (f *fakeDB) Close() error { return nil }

func newTestSynchronizer(db *fakeDB) *Synchronizer {
	log, _ := logtest.NewNullLogger()
	return NewSynchronizer(db, logger.Wrap(log))
}

func eventsTable() schema.TableSpec {
	return schema.TableSpec{
		Name: "events",
		Columns: []schema.ColumnSpec{
			{Name: "id", Type: schema.LogicalType{Kind: schema.TypeInteger}, PrimaryKey: true},
			{Name: "name", Type: schema.LogicalType{Kind: schema.TypeString, Length: 255}, Unique: true},
			{Name: "payload", Type: schema.LogicalType{Kind: schema.TypeText}, Nullable: true},
		},
		Indexes: []schema.IndexSpec{{Columns: []string{"payload"}}},
	}
}

func liveEvents() *schema.IntrospectedTable {
	return &schema.IntrospectedTable{
		Name: "events",
		Columns: []schema.IntrospectedColumn{
			{Name: "id", Type: "integer", Nullable: false},
			{Name: "name", Type: "varchar(255)", Nullable: false},
			{Name: "payload", Type: "text", Nullable: true},
		},
		PrimaryKeys: []string{"id"},
		Unique:      [][]string{{"name"}},
		Indexes:     []schema.IntrospectedIndex{{Columns: []string{"payload"}}},
	}
}

func registryWith(t *testing.T, specs ...schema.TableSpec) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	for _, spec := range specs {
		require.NoError(t, reg.Register(spec))
	}
	return reg
}

func TestSyncCreatesMissingTablesInBulk(t *testing.T) {
	db := newFakeDB()
	s := newTestSynchronizer(db)

	other := eventsTable()
	other.Name = "audits"

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable(), other), []diff.Mismatch{
		{Table: "events", Kind: diff.KindMissingTable},
		{Table: "audits", Kind: diff.KindMissingTable},
	})
	require.NoError(t, err)

	require.Len(t, db.created, 1, "all missing tables go through one bulk create")
	assert.ElementsMatch(t, []string{"audits", "events"}, db.created[0])
	assert.Equal(t, 2, report.Applied())
	assert.False(t, report.HasFailures())
}

func TestSyncCreateFailureIsFatal(t *testing.T) {
	db := newFakeDB()
	db.createErr = fmt.Errorf("permission denied")
	s := newTestSynchronizer(db)

	_, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindMissingTable},
	})
	require.Error(t, err)
}

func TestSyncAddsMissingColumn(t *testing.T) {
	db := newFakeDB()
	live := liveEvents()
	live.Columns = live.Columns[:2]
	live.Indexes = nil
	db.live["events"] = live
	s := newTestSynchronizer(db)

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindMissingColumn, Target: "payload"},
	})
	require.NoError(t, err)

	assert.Contains(t, db.calls, "add-column:events.payload")
	assert.Contains(t, db.calls, "add-index:events")
	assert.Equal(t, 2, report.Applied())
}

func TestSyncDerivesOperationsFromFreshSnapshot(t *testing.T) {
	// The reported mismatch claims a missing column, but the refetched
	// snapshot already has it; no correction is issued.
	db := newFakeDB()
	db.live["events"] = liveEvents()
	s := newTestSynchronizer(db)

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindMissingColumn, Target: "payload"},
	})
	require.NoError(t, err)
	assert.Empty(t, db.calls)
	assert.Empty(t, report.Operations)
}

func TestSyncAltersTypeAndNullability(t *testing.T) {
	db := newFakeDB()
	live := liveEvents()
	live.Columns[2].Type = "integer"
	live.Columns[1].Nullable = true
	db.live["events"] = live
	s := newTestSynchronizer(db)

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindColumnType, Target: "payload"},
	})
	require.NoError(t, err)

	assert.Contains(t, db.calls, "alter-type:events.payload")
	assert.Contains(t, db.calls, "alter-null:events.name")
	assert.Equal(t, 2, report.Applied())
}

func TestSyncSkipsUnsupportedConversion(t *testing.T) {
	db := newFakeDB()
	live := liveEvents()
	live.Columns[2].Type = "integer"
	db.live["events"] = live
	db.callErrs["alter-type:events.payload"] = &dberr.UnsupportedConversionError{
		Column: "payload", From: "integer", To: "TEXT",
	}
	s := newTestSynchronizer(db)

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindColumnType, Target: "payload"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped())
	assert.Equal(t, 0, report.Failed())
	assert.False(t, report.HasFailures())
}

func TestSyncIsolatesOperationFailures(t *testing.T) {
	db := newFakeDB()
	live := liveEvents()
	live.Columns = live.Columns[:1]
	live.Unique = nil
	live.Indexes = nil
	db.live["events"] = live
	db.callErrs["add-column:events.name"] = &dberr.IntegrityError{Op: "add column", Err: fmt.Errorf("duplicate entry")}
	s := newTestSynchronizer(db)

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindMissingColumn},
	})
	require.NoError(t, err)

	// The failed column does not stop the rest of the table's corrections.
	assert.Contains(t, db.calls, "add-column:events.payload")
	assert.Contains(t, db.calls, "add-unique:events")
	assert.Contains(t, db.calls, "add-index:events")
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 3, report.Applied())
	assert.True(t, report.HasFailures())
}

func TestSyncRefetchFailureIsolatesTable(t *testing.T) {
	db := newFakeDB()
	db.live["events"] = liveEvents()
	db.tableErr["audits"] = &dberr.IntrospectionError{Table: "audits", Probe: "columns", Err: fmt.Errorf("timeout")}

	other := eventsTable()
	other.Name = "audits"
	live := liveEvents()
	live.Columns = live.Columns[:2]
	live.Indexes = nil
	db.live["events"] = live
	s := newTestSynchronizer(db)

	report, err := s.Synchronize(context.Background(), registryWith(t, eventsTable(), other), []diff.Mismatch{
		{Table: "audits", Kind: diff.KindMissingColumn},
		{Table: "events", Kind: diff.KindMissingColumn},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed())
	assert.Contains(t, db.calls, "add-column:events.payload")

	var refetch *Operation
	for i := range report.Operations {
		if report.Operations[i].Kind == OpRefetch {
			refetch = &report.Operations[i]
		}
	}
	require.NotNil(t, refetch)
	assert.Equal(t, "audits", refetch.Table)
	assert.Equal(t, OutcomeFailed, refetch.Outcome)
}

func TestSyncReportsProgressPerTable(t *testing.T) {
	db := newFakeDB()
	db.live["events"] = liveEvents()
	s := newTestSynchronizer(db)

	var visited []string
	s.OnTable = func(table string) { visited = append(visited, table) }

	_, err := s.Synchronize(context.Background(), registryWith(t, eventsTable()), []diff.Mismatch{
		{Table: "events", Kind: diff.KindColumnDefault, Target: "payload"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, visited)
}
