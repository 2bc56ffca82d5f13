package diff

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/schema"
	"github.com/tiankongzhise/schemasync/pkg/logger"
)

type fakeReader struct {
	tables   map[string]*schema.IntrospectedTable
	tableErr map[string]error
	listErr  error
}

func (f *fakeReader) Tables(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var names []string
	for name := range f.tables {
		names = append(names, name)
	}
	for name := range f.tableErr {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeReader) Table(ctx context.Context, name string) (*schema.IntrospectedTable, error) {
	if err, ok := f.tableErr[name]; ok {
		return nil, err
	}
	return f.tables[name], nil
}

func (f *fakeReader) TypeName(t schema.LogicalType) string {
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
	case schema.TypeJSON:
		return "JSONB"
	default:
		return "BYTEA"
	}
}

func newTestDiffer(reader *fakeReader) (*Differ, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewDiffer(reader, logger.Wrap(log)), hook
}

func strPtr(s string) *string { return &s }

func declaredUsers() schema.TableSpec {
	return schema.TableSpec{
		Name: "users",
		Columns: []schema.ColumnSpec{
			{Name: "id", Type: schema.LogicalType{Kind: schema.TypeInteger}, PrimaryKey: true},
			{Name: "email", Type: schema.LogicalType{Kind: schema.TypeString, Length: 255}, Nullable: false, Unique: true},
			{Name: "bio", Type: schema.LogicalType{Kind: schema.TypeText}, Nullable: true},
		},
		Indexes: []schema.IndexSpec{{Columns: []string{"bio"}}},
	}
}

func liveUsers() *schema.IntrospectedTable {
	return &schema.IntrospectedTable{
		Name: "users",
		Columns: []schema.IntrospectedColumn{
			{Name: "id", Type: "integer", Nullable: false},
			{Name: "email", Type: "character varying", Nullable: false},
			{Name: "bio", Type: "text", Nullable: true},
		},
		PrimaryKeys: []string{"id"},
		Unique:      [][]string{{"email"}},
		Indexes: []schema.IntrospectedIndex{
			{Name: "idx_users_bio", Columns: []string{"bio"}},
		},
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

func TestDiffMatchingSchema(t *testing.T) {
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": liveUsers()},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDiffMissingTable(t *testing.T) {
	d, _ := newTestDiffer(&fakeReader{tables: map[string]*schema.IntrospectedTable{}})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindMissingTable, mismatches[0].Kind)
	assert.Equal(t, "users", mismatches[0].Table)
}

func TestDiffMissingColumn(t *testing.T) {
	live := liveUsers()
	live.Columns = live.Columns[:2]
	live.Indexes = nil
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 2)
	assert.Equal(t, KindMissingColumn, mismatches[0].Kind)
	assert.Equal(t, "bio", mismatches[0].Target)
	assert.Equal(t, KindIndex, mismatches[1].Kind)
}

func TestDiffColumnTypeFamilies(t *testing.T) {
	live := liveUsers()
	live.Columns[0].Type = "text"
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindColumnType, mismatches[0].Kind)
	assert.Equal(t, "id", mismatches[0].Target)
	assert.Equal(t, "INTEGER", mismatches[0].Declared)
	assert.Equal(t, "text", mismatches[0].Observed)
}

func TestDiffSameFamilyDifferentSpelling(t *testing.T) {
	live := liveUsers()
	live.Columns[1].Type = "varchar(512)"
	live.Columns[0].Type = "bigint"
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDiffNullability(t *testing.T) {
	live := liveUsers()
	live.Columns[1].Nullable = true
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindColumnNullable, mismatches[0].Kind)
	assert.Equal(t, "email", mismatches[0].Target)
}

func TestDiffDefaults(t *testing.T) {
	spec := declaredUsers()
	spec.Columns[2].Default = strPtr("pending")

	live := liveUsers()
	live.Columns[2].Default = strPtr("'pending'::text")
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})
	mismatches, err := d.Diff(context.Background(), registryWith(t, spec))
	require.NoError(t, err)
	assert.Empty(t, mismatches, "cast and quote decoration should normalize away")

	live.Columns[2].Default = strPtr("'archived'::text")
	mismatches, err = d.Diff(context.Background(), registryWith(t, spec))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindColumnDefault, mismatches[0].Kind)
}

func TestDiffNilDeclaredDefaultToleratesTextualNull(t *testing.T) {
	live := liveUsers()
	live.Columns[2].Default = strPtr("NULL")
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDiffNilDeclaredDefaultRejectsNullLikeLiteral(t *testing.T) {
	live := liveUsers()
	live.Columns[2].Default = strPtr("'NULL_SENTINEL'::text")
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindColumnDefault, mismatches[0].Kind)
	assert.Equal(t, "bio", mismatches[0].Target)
}

func TestDiffPrimaryKey(t *testing.T) {
	live := liveUsers()
	live.PrimaryKeys = []string{"email"}
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindPrimaryKey, mismatches[0].Kind)
	assert.Equal(t, "(id)", mismatches[0].Declared)
	assert.Equal(t, "(email)", mismatches[0].Observed)
}

func TestDiffUniqueToleratesDeclaredUniqueIndex(t *testing.T) {
	spec := declaredUsers()
	spec.Indexes = append(spec.Indexes, schema.IndexSpec{Columns: []string{"bio"}, Unique: true})

	// Engine reports the unique index as a unique key, not as an index.
	live := liveUsers()
	live.Unique = append(live.Unique, []string{"bio"})
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, spec))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDiffMissingUniqueConstraint(t *testing.T) {
	live := liveUsers()
	live.Unique = nil
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindUniqueConstraint, mismatches[0].Kind)
	assert.Equal(t, "{(email)}", mismatches[0].Declared)
	assert.Equal(t, "{}", mismatches[0].Observed)
}

func TestDiffIndexToleratesConstraintBackingIndex(t *testing.T) {
	// Engine reports an index backing the declared unique constraint.
	live := liveUsers()
	live.Indexes = append(live.Indexes, schema.IntrospectedIndex{
		Name: "uq_users_email", Columns: []string{"email"}, Unique: true,
	})
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDiffMissingIndex(t *testing.T) {
	live := liveUsers()
	live.Indexes = nil
	d, _ := newTestDiffer(&fakeReader{
		tables: map[string]*schema.IntrospectedTable{"users": live},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindIndex, mismatches[0].Kind)
}

func TestDiffIntrospectionFailureIsDefensive(t *testing.T) {
	d, hook := newTestDiffer(&fakeReader{
		tableErr: map[string]error{
			"users": &dberr.IntrospectionError{Table: "users", Probe: "indexes", Err: fmt.Errorf("boom")},
		},
	})

	mismatches, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, KindIndex, mismatches[0].Kind)
	assert.Contains(t, mismatches[0].Observed, "introspection failed")

	var sawError bool
	for _, entry := range hook.Entries {
		if entry.Level == logrus.ErrorLevel {
			sawError = true
		}
	}
	assert.True(t, sawError, "defensive marking should be logged at error level")
}

func TestDiffListFailureIsFatal(t *testing.T) {
	d, _ := newTestDiffer(&fakeReader{listErr: fmt.Errorf("connection refused")})

	_, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.Error(t, err)
}

func TestDiffLogsEveryMismatch(t *testing.T) {
	d, hook := newTestDiffer(&fakeReader{tables: map[string]*schema.IntrospectedTable{}})

	_, err := d.Diff(context.Background(), registryWith(t, declaredUsers()))
	require.NoError(t, err)
	require.NotEmpty(t, hook.Entries)
	entry := hook.LastEntry()
	assert.Equal(t, "users", entry.Data["table"])
	assert.Equal(t, string(KindMissingTable), entry.Data["kind"])
}
