package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"tablekit/internal/dbregistry"
	"tablekit/internal/joinbuilder"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

var (
	generated = time.Date(2024, 5, 2, 14, 30, 0, 0, time.UTC)
	sold      = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
)

func sampleResult() *storage.ResultSet {
	return &storage.ResultSet{
		Columns: []string{"clients_nom", "commandes_montant", "commandes_date"},
		Rows: [][]any{
			{"Dupont, père", 1234.5, sold},
			{"Martin", int64(7), nil},
		},
	}
}

var sampleSpec = joinbuilder.Spec{
	Tables: []string{"clients", "commandes"},
	Joins:  []joinbuilder.Join{{LeftTable: "clients", LeftColumn: "id", RightTable: "commandes", RightColumn: "client_id", Kind: "LEFT"}},
}

//
// csv
//

func TestCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, CSV(&buf, sampleResult()))

	got := buf.String()
	require.True(t, strings.HasPrefix(got, "\ufeff"), "missing BOM")
	want := "clients_nom,commandes_montant,commandes_date\n" +
		"\"Dupont, père\",1234.5,2024-03-15\n" +
		"Martin,7,\n"
	assert.Equal(t, want, strings.TrimPrefix(got, "\ufeff"))
}

//
// xlsx
//

func TestXLSX(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, XLSX(&buf, sampleResult(), sampleSpec, generated))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{DataSheet, ConfigSheet}, f.GetSheetList())

	rows, err := f.GetRows(DataSheet, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"clients_nom", "commandes_montant", "commandes_date"}, rows[0])
	assert.Equal(t, "Dupont, père", rows[1][0])
	assert.Equal(t, "1234.5", rows[1][1])
	assert.Equal(t, "7", rows[2][1])

	width, err := f.GetColWidth(DataSheet, "A")
	require.NoError(t, err)
	assert.InDelta(t, 14, width, 0.01)

	style, err := f.GetCellStyle(DataSheet, "A1")
	require.NoError(t, err)
	assert.NotZero(t, style)

	cfg, err := f.GetRows(ConfigSheet)
	require.NoError(t, err)
	assert.Equal(t, "Join Configuration", cfg[0][0])
	assert.Equal(t, []string{"Tables:", "clients, commandes"}, cfg[2])
	assert.Equal(t, []string{"Join Type:", "LEFT"}, cfg[3])
	assert.Equal(t, []string{"Generated:", "2024-05-02 14:30:00"}, cfg[4])
	assert.Equal(t, []string{"Total Records:", "2"}, cfg[5])
	assert.Equal(t, "clients.id = commandes.client_id (LEFT)", cfg[8][0])
}

func TestColumnWidthsAreCapped(t *testing.T) {
	t.Parallel()

	rs := &storage.ResultSet{Columns: []string{"a", "b"}, Rows: [][]any{{strings.Repeat("x", 80), nil}}}
	assert.Equal(t, []float64{maxColWidth, 3}, columnWidths(rs))
}

//
// files
//

func TestFileNameAndFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "joined_data_clients_commandes_20240502_143000.xlsx", FileName(sampleSpec, FormatXLSX, generated))

	long := joinbuilder.Spec{Tables: []string{strings.Repeat("a", 40), strings.Repeat("b", 40)}}
	name := FileName(long, FormatCSV, generated)
	assert.Equal(t, "joined_data_"+strings.Repeat("a", 40)+"_"+strings.Repeat("b", 9)+"_20240502_143000.csv", name)

	for in, want := range map[string]Format{"": FormatXLSX, ".CSV": FormatCSV, "excel": FormatXLSX} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("pdf")
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h, err := dbregistry.New(t.TempDir(), nil).Open(ctx, "main", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	ts := schema.TableSchema{Columns: []schema.Column{{Name: "nom", Type: schema.TextType(), Nullable: true}}}
	require.NoError(t, h.Repo.CreateTable(ctx, "clients", ts, false))
	_, err = h.Repo.InsertRows(ctx, "clients", []string{"nom"}, [][]any{{"a"}, {"b"}, {"c"}})
	require.NoError(t, err)

	dir := t.TempDir()
	res, err := Run(ctx, joinbuilder.New(nil, nil), h, joinbuilder.Spec{Tables: []string{"clients"}}, dir, "out.csv", FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, Exported{Filename: "out.csv", Path: filepath.Join(dir, "out.csv"), Records: 3, Columns: 2}, res)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "\ufeffid,nom\n1,a\n2,b\n3,c\n", string(data))

	_, err = Run(ctx, joinbuilder.New(nil, nil), h, joinbuilder.Spec{Tables: []string{"ghost"}}, dir, "bad.csv", FormatCSV)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "bad.csv"))
	assert.True(t, os.IsNotExist(statErr))
}
