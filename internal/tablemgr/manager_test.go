package tablemgr

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// syncBuffer is a log sink safe for concurrent Printf calls.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func openDB(t *testing.T, reg *dbregistry.Registry, name string) *dbregistry.Handle {
	t.Helper()
	h, err := reg.Open(context.Background(), name, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newManager(logs *syncBuffer) *Manager {
	m := New(log.New(logs, "", 0))
	m.Retry = storage.RetryPolicy{Attempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}
	return m
}

// faultyRepo wraps a real repository and injects insert and count failures.
// Only errLocked counts as lock contention.
type faultyRepo struct {
	storage.Repository
	insertErr error
	countErr  error

	mu      sync.Mutex
	inserts int
}

var errLocked = errors.New("locked by another writer")

func (r *faultyRepo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	r.mu.Lock()
	r.inserts++
	r.mu.Unlock()
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	return r.Repository.InsertRows(ctx, table, columns, rows)
}

func (r *faultyRepo) CountRows(ctx context.Context, table string) (int64, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.Repository.CountRows(ctx, table)
}

func (r *faultyRepo) IsLockContention(err error) bool { return errors.Is(err, errLocked) }

func salesSchema() schema.TableSchema {
	return schema.TableSchema{Columns: []schema.Column{
		{Name: "client", Type: schema.VarcharType(50)},
		{Name: "amount", Type: schema.FloatType(), Nullable: true},
		{Name: "sold_at", Type: schema.TimestampType(), Nullable: true},
	}}
}

// seedSales creates the sales table with n rows and a catalog entry.
func seedSales(t *testing.T, m *Manager, h *dbregistry.Handle, table string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := m.CreateTable(ctx, h, table, salesSchema())
	require.NoError(t, err)

	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{"client", float64(i) + 0.5, time.Date(2024, 1, 1+i%28, 0, 0, 0, 0, time.UTC)}
	}
	_, err = m.Load(ctx, h.Repo, table, []string{"client", "amount", "sold_at"}, rows, nil)
	require.NoError(t, err)
	require.NoError(t, h.Catalog.PutTable(ctx, catalog.TableRecord{
		TableName: table, SheetName: "Ventes", UploadID: 7, ColumnCount: 3, RowCount: int64(n),
	}))
}

//
// CreateTable
//

func TestCreateTable_ReusesSameShapeAndRejectsDifferentShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})

	created, err := m.CreateTable(ctx, h, "sales", salesSchema())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.CreateTable(ctx, h, "sales", salesSchema())
	require.NoError(t, err)
	assert.False(t, created)

	other := schema.TableSchema{Columns: []schema.Column{{Name: "x", Type: schema.IntegerType()}}}
	_, err = m.CreateTable(ctx, h, "sales", other)
	require.Error(t, err)
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))

	_, err = m.CreateTable(ctx, h, catalog.TableTable, other)
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))
}

func TestCreateTable_RoundTripTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})

	ts := schema.TableSchema{Columns: []schema.Column{
		{Name: "name", Type: schema.TextType(), Nullable: true},
		{Name: "amount", Type: schema.FloatType(), Nullable: true},
		{Name: "joined", Type: schema.TimestampType(), Nullable: true},
	}}
	_, err := m.CreateTable(ctx, h, "members", ts)
	require.NoError(t, err)

	cols, err := m.Columns(ctx, h, "members")
	require.NoError(t, err)
	got := storage.ToSchema(cols)
	require.Len(t, got.Columns, len(ts.Columns))
	for i := range ts.Columns {
		if !schema.Compatible(ts.Columns[i].Type, got.Columns[i].Type) {
			t.Fatalf("column %s: type %s does not round-trip (got %s)", ts.Columns[i].Name, ts.Columns[i].Type, got.Columns[i].Type)
		}
	}
}

//
// Rename / Duplicate / Delete
//

func TestRename(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 3)
	_, err := m.CreateTable(ctx, h, "taken", salesSchema())
	require.NoError(t, err)

	_, err = m.Rename(ctx, h, "nope", "x")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = m.Rename(ctx, h, "sales", "Taken")
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))

	out, err := m.Rename(ctx, h, "sales", "Ventes 2024")
	require.NoError(t, err)
	assert.Equal(t, "ventes_2024", out.Table)
	assert.Empty(t, out.Warnings)

	rec, err := h.Catalog.GetTable(ctx, "ventes_2024")
	require.NoError(t, err)
	assert.Equal(t, "Ventes", rec.SheetName)
}

func TestRename_MissingCatalogEntryIsAWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := &syncBuffer{}
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(logs)
	_, err := m.CreateTable(ctx, h, "uncataloged", salesSchema())
	require.NoError(t, err)

	out, err := m.Rename(ctx, h, "uncataloged", "renamed")
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, logs.String(), "catalog: warning op=rename")

	tables, err := m.ListTables(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"renamed"}, tables)
}

func TestDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 5)

	tests := []struct {
		name     string
		target   string
		copyData bool
		wantRows int64
	}{
		{name: "with_data", target: "sales_copy", copyData: true, wantRows: 5},
		{name: "structure_only", target: "sales_empty", copyData: false, wantRows: 0},
	}
	for _, tc := range tests {
		out, err := m.Duplicate(ctx, h, "sales", tc.target, tc.copyData)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.wantRows, out.Rows, tc.name)

		rec, err := h.Catalog.GetTable(ctx, tc.target)
		require.NoError(t, err, tc.name)
		assert.Equal(t, "Ventes (Copy)", rec.SheetName, tc.name)
		assert.Equal(t, 3, rec.ColumnCount, tc.name)
		assert.Equal(t, tc.wantRows, rec.RowCount, tc.name)
	}

	_, err := m.Duplicate(ctx, h, "sales", "sales_copy", true)
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))
	_, err = m.Duplicate(ctx, h, "missing", "other", true)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 2)

	_, err := m.Delete(ctx, h, "sales", false)
	require.True(t, errors.Is(err, apperr.E(apperr.ConfirmationRequired)))

	out, err := m.Delete(ctx, h, "sales", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Rows)
	assert.Empty(t, out.Warnings)

	tables, err := m.ListTables(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, tables)
	_, err = h.Catalog.GetTable(ctx, "sales")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = m.Delete(ctx, h, catalog.UploadTable, true)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDelete_CountFailureIsAWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := &syncBuffer{}
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(logs)
	seedSales(t, m, h, "sales", 2)
	h.Repo = &faultyRepo{Repository: h.Repo, countErr: errors.New("count unavailable")}

	out, err := m.Delete(ctx, h, "sales", true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Rows)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "count unavailable")
	assert.Contains(t, logs.String(), "warning count rows table=sales")

	exists, err := h.Repo.TableExists(ctx, "sales")
	require.NoError(t, err)
	assert.False(t, exists)
}

// Table names are case-insensitive in SQLite: an existing "Sales" occupies
// the name "sales".
func TestNameChecksIgnoreCase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "orders", 1)
	_, err := h.Repo.Exec(ctx, `CREATE TABLE "Sales" (id INTEGER)`)
	require.NoError(t, err)

	_, err = m.Rename(ctx, h, "orders", "sales")
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err), "rename: %v", err)

	_, err = m.Duplicate(ctx, h, "orders", "SALES", true)
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err), "duplicate: %v", err)

	got, err := m.UniqueTableName(ctx, h, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales_1", got)

	cols, err := m.Columns(ctx, h, "sales")
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "id", cols[0].Name)
}

func TestUniqueTableName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	for _, n := range []string{"sales", "sales_1"} {
		_, err := m.CreateTable(ctx, h, n, salesSchema())
		require.NoError(t, err)
	}

	got, err := m.UniqueTableName(ctx, h, "Sales")
	require.NoError(t, err)
	if got != "sales_2" {
		t.Fatalf("UniqueTableName() = %q, want %q", got, "sales_2")
	}
}

//
// Load
//

func TestLoad_SkipsRowsThatFailAfterResanitizing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := &syncBuffer{}
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(logs)
	m.BatchSize = 2
	_, err := m.CreateTable(ctx, h, "sales", salesSchema())
	require.NoError(t, err)

	rows := [][]any{
		{"a", 1.0, nil},
		{nil, 2.0, nil}, // client is NOT NULL
		{"c", 3.0, nil},
	}
	var progress []int
	stats, err := m.Load(ctx, h.Repo, "sales", []string{"client", "amount", "sold_at"}, rows, func(done, total int) {
		progress = append(progress, done)
	})
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Rows: 3, Inserted: 2, Skipped: 1, Batches: 2}, stats)
	assert.Equal(t, []int{2, 3}, progress)
	assert.Contains(t, logs.String(), "load: skipped row=2 table=sales")

	n, err := h.Repo.CountRows(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLoad_ExhaustedLockContentionFailsLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := &syncBuffer{}
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(logs)
	m.BatchSize = 2
	_, err := m.CreateTable(ctx, h, "sales", salesSchema())
	require.NoError(t, err)

	repo := &faultyRepo{Repository: h.Repo, insertErr: errLocked}
	rows := [][]any{{"a", 1.0, nil}, {"b", 2.0, nil}, {"c", 3.0, nil}}
	stats, err := m.Load(ctx, repo, "sales", []string{"client", "amount", "sold_at"}, rows, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.LockContention, apperr.KindOf(err))
	assert.ErrorIs(t, err, errLocked)

	// One batch, retried Attempts times, never split into single rows.
	assert.Equal(t, 2, repo.inserts)
	assert.Equal(t, LoadStats{Rows: 3, Batches: 1}, stats)
	assert.NotContains(t, logs.String(), "retrying row by row")
}

func TestResanitizeRow(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 1200)
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	got := ResanitizeRow([]any{nil, int64(4), 2.5, "a\x00b\r\nc", long, at, true, []byte("raw")})

	assert.Nil(t, got[0])
	assert.Equal(t, int64(4), got[1])
	assert.Equal(t, 2.5, got[2])
	assert.Equal(t, "ab\nc", got[3])
	assert.Equal(t, 1000, len([]rune(got[4].(string))))
	assert.Equal(t, "2024-03-01 09:30:00", got[5])
	assert.Equal(t, "true", got[6])
	assert.Equal(t, "raw", got[7])
}

//
// Move
//

func TestMove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := dbregistry.New(t.TempDir(), nil)
	src := openDB(t, reg, "source")
	dst := openDB(t, reg, "archive")
	m := newManager(&syncBuffer{})
	m.BatchSize = 4
	seedSales(t, m, src, "sales", 10)

	var stages []Progress
	res, err := m.Move(ctx, src, dst, "sales", ActionMove, func(p Progress) { stages = append(stages, p) })
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RowsFound)
	assert.Equal(t, int64(10), res.RowsTransferred)
	assert.Zero(t, res.RowsSkipped)
	assert.Empty(t, res.Warnings)

	srcTables, err := m.ListTables(ctx, src)
	require.NoError(t, err)
	assert.NotContains(t, srcTables, "sales")
	_, err = src.Catalog.GetTable(ctx, "sales")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	n, err := dst.Repo.CountRows(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	srcDDL := "CREATE TABLE \"sales\""
	dstDDL, err := dst.Repo.TableDDL(ctx, "sales")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dstDDL, srcDDL), "target DDL %q", dstDDL)

	rec, err := dst.Catalog.GetTable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "Ventes", rec.SheetName)
	assert.Equal(t, int64(0), rec.UploadID)
	assert.Equal(t, int64(10), rec.RowCount)

	require.NotEmpty(t, stages)
	assert.Equal(t, "validation", stages[0].Stage)
	last := stages[len(stages)-1]
	assert.Equal(t, "complete", last.Stage)
	assert.Equal(t, 100, last.Percent)
	for i := 1; i < len(stages); i++ {
		if stages[i].Percent < stages[i-1].Percent {
			t.Fatalf("progress went backwards: %+v then %+v", stages[i-1], stages[i])
		}
	}
}

func TestMove_CopyKeepsSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := dbregistry.New(t.TempDir(), nil)
	src := openDB(t, reg, "source")
	dst := openDB(t, reg, "archive")
	m := newManager(&syncBuffer{})
	seedSales(t, m, src, "sales", 3)

	res, err := m.Move(ctx, src, dst, "sales", ActionCopy, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsTransferred)

	for _, h := range []*dbregistry.Handle{src, dst} {
		n, err := h.Repo.CountRows(ctx, "sales")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n, h.Name)
	}
}

func TestMove_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := dbregistry.New(t.TempDir(), nil)
	src := openDB(t, reg, "source")
	dst := openDB(t, reg, "archive")
	m := newManager(&syncBuffer{})
	seedSales(t, m, src, "sales", 1)
	seedSales(t, m, dst, "sales", 1)

	var lastStage Progress
	_, err := m.Move(ctx, src, dst, "sales", ActionMove, func(p Progress) { lastStage = p })
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))
	assert.Equal(t, "error", lastStage.Stage)

	_, err = m.Move(ctx, src, dst, "missing", ActionMove, nil)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = m.Move(ctx, src, dst, "sales", "teleport", nil)
	require.Error(t, err)

	n, err := src.Repo.CountRows(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTransferColumns(t *testing.T) {
	t.Parallel()
	cols := []storage.ColumnInfo{
		{Name: "id", DeclaredType: "INTEGER", PrimaryKey: true},
		{Name: "a", DeclaredType: "TEXT", Nullable: true},
	}

	names, order := transferColumns(cols, true)
	assert.Equal(t, []string{"id", "a"}, names)
	assert.Equal(t, "id", order)

	names, order = transferColumns(cols, false)
	assert.Equal(t, []string{"a"}, names)
	assert.Equal(t, "id", order)
}
