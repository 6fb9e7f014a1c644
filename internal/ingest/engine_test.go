package ingest

import (
	"bytes"
	"context"
	"log"
	"os"
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
	"tablekit/internal/tablemgr"

	_ "tablekit/internal/parser/all"
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

func openDB(t *testing.T) *dbregistry.Handle {
	t.Helper()
	h, err := dbregistry.New(t.TempDir(), nil).Open(context.Background(), "main", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newEngine(logs *syncBuffer) *Engine {
	noSleep := func(context.Context, time.Duration) error { return nil }
	l := log.New(logs, "", 0)
	m := tablemgr.New(l)
	m.Retry = storage.RetryPolicy{Attempts: 2, Sleep: noSleep}
	e := New(m, l)
	e.Retry = storage.RetryPolicy{Attempts: 2, Sleep: noSleep}
	return e
}

const ventesCSV = "Client;Montant;Date\n" +
	"Alpha;1 234,56;15/01/2024\n" +
	"Beta;10,5;16/01/2024\n" +
	"Gamma;2 000,00;17/01/2024\n" +
	"Delta;7;18/01/2024\n" +
	"Epsilon;3,25;19/01/2024\n" +
	";;\n" +
	"Zeta;1;20/01/2024\n"

//
// Ingest
//

func TestIngest_DelimitedCreatesTableAndCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	logs := &syncBuffer{}
	e := newEngine(logs)

	var stages []tablemgr.Progress
	res, err := e.Ingest(ctx, h, Request{
		Filename: "ventes.csv",
		Data:     []byte(ventesCSV),
		Options:  Options{Progress: func(p tablemgr.Progress) { stages = append(stages, p) }},
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "csv", res.FileKind)
	assert.Positive(t, res.UploadID)
	assert.Equal(t, int64(6), res.TotalRows)
	require.Len(t, res.Sources, 1)

	src := res.Sources[0]
	assert.Equal(t, "ventes", src.Table)
	assert.True(t, src.Created)
	assert.Equal(t, "fr", src.Locale)
	require.Len(t, src.Columns, 3)
	assert.Equal(t, "montant", src.Columns[1].Name)
	assert.Equal(t, schema.Float, src.Columns[1].Type.Kind)
	assert.Equal(t, schema.Timestamp, src.Columns[2].Type.Kind)

	rs, err := h.Repo.Query(ctx, `SELECT "montant" FROM "ventes" ORDER BY "id"`)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 6)
	assert.InDelta(t, 1234.56, rs.Rows[0][0], 1e-9)
	assert.InDelta(t, 2000.0, rs.Rows[2][0], 1e-9)

	rec, err := h.Catalog.GetTable(ctx, "ventes")
	require.NoError(t, err)
	assert.Equal(t, catalog.TableRecord{
		ID: rec.ID, TableName: "ventes", SheetName: "ventes", UploadID: res.UploadID,
		ColumnCount: 3, RowCount: 6, CreatedAt: rec.CreatedAt,
	}, rec)

	up, err := h.Catalog.GetUpload(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, up.Status)
	assert.Equal(t, 1, up.TotalSheets)
	assert.Equal(t, int64(6), up.TotalRecords)
	assert.Equal(t, "ventes.csv", up.OriginalFilename)
	assert.Empty(t, up.ErrorMessage)

	require.NotEmpty(t, stages)
	last := stages[len(stages)-1]
	assert.Equal(t, "completed", last.Stage)
	assert.Equal(t, 100, last.Percent)

	for _, want := range []string{"stage=parsing ok", "stage=schema_resolution ok", "stage=loading ok", "stage=finalizing ok"} {
		assert.Contains(t, logs.String(), want)
	}
}

func TestIngest_UnsupportedFileTypeWritesNoUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	res, err := e.Ingest(ctx, h, Request{Filename: "notes.docx", Data: []byte("x")})
	assert.Equal(t, apperr.UnsupportedFileType, apperr.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, res.UploadID)

	ups, err := h.Catalog.ListUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, ups)
}

func TestIngest_NoTabularDataMarksUploadFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	res, err := e.Ingest(ctx, h, Request{Filename: "empty.csv", Data: []byte("a;b\n")})
	assert.Equal(t, apperr.NoTabularData, apperr.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, res.Error)

	up, err := h.Catalog.GetUpload(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, up.Status)
	assert.Equal(t, res.Error, up.ErrorMessage)
}

const twoTablesHTML = `<html><body>
<table><caption>Clients</caption>
<tr><th>Nom</th><th>Age</th></tr>
<tr><td>Alice</td><td>30</td></tr>
<tr><td>Bob</td><td>41</td></tr>
</table>
<table><caption>Villes</caption>
<tr><th>Ville</th><th>Pays</th></tr>
<tr><td>Paris</td><td>FR</td></tr>
</table>
</body></html>`

func TestIngest_FailureRollsBackCreatedTables(t *testing.T) {
	t.Parallel()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := e.Ingest(ctx, h, Request{
		Filename: "export.html",
		Data:     []byte(twoTablesHTML),
		Options: Options{Progress: func(p tablemgr.Progress) {
			if p.Stage == "insertion" {
				cancel()
			}
		}},
	})
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	bg := context.Background()
	tables, err := e.Tables.ListTables(bg, h)
	require.NoError(t, err)
	assert.Empty(t, tables, "tables created before the failure must be dropped")

	recs, err := h.Catalog.ListTables(bg)
	require.NoError(t, err)
	assert.Empty(t, recs)

	up, err := h.Catalog.GetUpload(bg, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, up.Status)
}

func TestIngest_DerivedNamesAreUniqueWithinRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	doc := strings.ReplaceAll(twoTablesHTML, "Villes", "Clients")
	res, err := e.Ingest(ctx, h, Request{Filename: "dup.html", Data: []byte(doc)})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "clients", res.Sources[0].Table)
	assert.Equal(t, "clients_1", res.Sources[1].Table)

	res, err = e.Ingest(ctx, h, Request{Filename: "dup.html", Data: []byte(doc)})
	require.NoError(t, err)
	assert.Equal(t, "clients_2", res.Sources[0].Table)
	assert.Equal(t, "clients_3", res.Sources[1].Table)
}

func TestIngest_ExplicitNewTableMustBeFree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	_, err := e.Ingest(ctx, h, Request{Filename: "ventes.csv", Data: []byte(ventesCSV)})
	require.NoError(t, err)

	res, err := e.Ingest(ctx, h, Request{
		Filename: "ventes.csv",
		Data:     []byte(ventesCSV),
		Options:  Options{Targets: []Target{{Table: "Ventes", Mode: ModeNew}}},
	})
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))
	assert.Equal(t, StateFailed, res.State)

	n, err := h.Repo.CountRows(ctx, "ventes")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

const clientsCSV = "nom;ville;age\nAlice;Paris;30\nBob;Lyon;41\n"
const moreClientsCSV = "Nom;Ville;Extra\nChloe;Nice;x\n"

func TestIngest_AppendAndReplaceReconcileColumns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	_, err := e.Ingest(ctx, h, Request{Filename: "clients.csv", Data: []byte(clientsCSV)})
	require.NoError(t, err)

	res, err := e.Ingest(ctx, h, Request{
		Filename: "more.csv",
		Data:     []byte(moreClientsCSV),
		Options:  Options{Targets: []Target{{Table: "clients", Mode: ModeAppend}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	src := res.Sources[0]
	assert.False(t, src.Created)
	assert.Equal(t, "clients", src.Table)
	assert.Equal(t, int64(1), src.Inserted)
	require.Len(t, src.Warnings, 2)
	assert.Contains(t, src.Warnings[0], "age")
	assert.Contains(t, src.Warnings[1], "extra")

	rec, err := h.Catalog.GetTable(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.RowCount)
	assert.Equal(t, 3, rec.ColumnCount)

	rs, err := h.Repo.Query(ctx, `SELECT "nom", "age" FROM "clients" ORDER BY "id"`)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 3)
	assert.Equal(t, "Chloe", rs.Rows[2][0])
	assert.Nil(t, rs.Rows[2][1])

	_, err = e.Ingest(ctx, h, Request{
		Filename: "more.csv",
		Data:     []byte(moreClientsCSV),
		Options:  Options{Targets: []Target{{Source: "more", Table: "clients", Mode: ModeReplace}}},
	})
	require.NoError(t, err)

	n, err := h.Repo.CountRows(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err = h.Catalog.GetTable(ctx, "clients")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RowCount)
}

func TestIngest_AppendToMissingTableIsNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	res, err := e.Ingest(ctx, h, Request{
		Filename: "more.csv",
		Data:     []byte(moreClientsCSV),
		Options:  Options{Targets: []Target{{Table: "ghost", Mode: ModeAppend}}},
	})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
}

func TestIngest_ColumnTypeOverrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})

	res, err := e.Ingest(ctx, h, Request{
		Filename: "codes.csv",
		Data:     []byte("code;label\n101;a\n102;b\n"),
		Options: Options{ColumnTypes: map[string]map[string]string{
			"":      {"code": "text"},
			"codes": {"label": "nonsense"},
		}},
	})
	require.NoError(t, err)
	cols := res.Sources[0].Columns
	assert.True(t, cols[0].Type.IsText(), "code = %s", cols[0].Type)
	assert.Equal(t, "override", cols[0].Rule)
	require.NotEmpty(t, res.Sources[0].Warnings)
	assert.Contains(t, res.Sources[0].Warnings[0], "label")
}

//
// IngestReader
//

func TestIngestReader_RemovesScratchDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t)
	e := newEngine(&syncBuffer{})
	e.ScratchDir = t.TempDir()

	res, err := e.IngestReader(ctx, h, "ventes.csv", strings.NewReader(ventesCSV), Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)

	entries, err := os.ReadDir(e.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	e.MaxUploadBytes = 10
	_, err = e.IngestReader(ctx, h, "ventes.csv", strings.NewReader(ventesCSV), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload limit")
	entries, err = os.ReadDir(e.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

//
// Analyze
//

func TestAnalyze_PreviewsWithoutWriting(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	b.WriteString("Ref,Price\n")
	for i := 0; i < 12; i++ {
		b.WriteString("R")
		b.WriteString(strings.Repeat("x", i))
		b.WriteString(",1.5\n")
	}
	e := newEngine(&syncBuffer{})

	an, err := e.Analyze(context.Background(), "Prix Export.csv", []byte(b.String()), Options{})
	require.NoError(t, err)
	assert.Equal(t, "csv", an.FileKind)
	require.Len(t, an.Sources, 1)
	p := an.Sources[0]
	assert.Equal(t, "prix_export", p.Table)
	assert.Equal(t, 12, p.Rows)
	assert.Len(t, p.Sample, PreviewRows)
	assert.Equal(t, "fr", p.Locale)
	assert.Equal(t, schema.Float, p.Columns[1].Type.Kind)
	assert.Equal(t, "1.5", p.Sample[0][1])
}
