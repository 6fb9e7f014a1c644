package tablemgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/normalize"
	"tablekit/internal/storage"
)

//
// GetRecord / UpdateRecord / DeleteRecord
//

func TestGetRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 3)

	rec, err := m.GetRecord(ctx, h, "sales", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec["id"])
	assert.Equal(t, "client", rec["client"])
	assert.Equal(t, 1.5, rec["amount"])

	_, err = m.GetRecord(ctx, h, "sales", 99)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = m.GetRecord(ctx, h, "ghost", 1)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestUpdateRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := &syncBuffer{}
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(logs)
	seedSales(t, m, h, "sales", 3)

	out, err := m.UpdateRecord(ctx, h, "sales", 1, map[string]any{
		"Client":  "Dupont; DROP TABLE sales",
		"amount":  "1 234,5",
		"sold_at": "15/03/2024",
	}, normalize.LocaleFR)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Rows)
	assert.Empty(t, out.Warnings)
	assert.Contains(t, logs.String(), "updated record table=sales id=1 columns=3")

	rec, err := m.GetRecord(ctx, h, "sales", 1)
	require.NoError(t, err)
	assert.Equal(t, "Dupont; DROP TABLE sales", rec["client"])
	assert.Equal(t, 1234.5, rec["amount"])
	ts, ok := storage.AsTime(rec["sold_at"])
	require.True(t, ok, "sold_at = %#v", rec["sold_at"])
	assert.Equal(t, time.March, ts.Month())
	assert.Equal(t, 15, ts.Day())

	_, err = m.UpdateRecord(ctx, h, "sales", 2, map[string]any{"amount": nil}, normalize.LocaleEN)
	require.NoError(t, err, "amount is nullable")
	rec, err = m.GetRecord(ctx, h, "sales", 2)
	require.NoError(t, err)
	assert.Nil(t, rec["amount"])

	exists, err := h.Repo.TableExists(ctx, "sales")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUpdateRecord_Rejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 2)

	tests := []struct {
		name   string
		id     int64
		values map[string]any
		kind   apperr.Kind
	}{
		{"no values", 1, nil, apperr.InvalidValue},
		{"unknown column", 1, map[string]any{"price": 3}, apperr.UnknownColumn},
		{"key column", 1, map[string]any{"ID": 9}, apperr.InvalidValue},
		{"text into float", 1, map[string]any{"amount": "beaucoup"}, apperr.InvalidValue},
		{"null into required", 1, map[string]any{"client": ""}, apperr.InvalidValue},
		{"missing record", 42, map[string]any{"amount": 1}, apperr.NotFound},
	}
	for _, tt := range tests {
		_, err := m.UpdateRecord(ctx, h, "sales", tt.id, tt.values, normalize.LocaleEN)
		if got := apperr.KindOf(err); got != tt.kind {
			t.Fatalf("%s: kind = %q (err %v), want %q", tt.name, got, err, tt.kind)
		}
	}

	rec, err := m.GetRecord(ctx, h, "sales", 1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, rec["amount"], "rejected updates leave the row untouched")
}

func TestDeleteRecord_RefreshesCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 3)

	out, err := m.DeleteRecord(ctx, h, "sales", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Rows)

	rec, err := h.Catalog.GetTable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.RowCount)
	assert.Equal(t, "Ventes", rec.SheetName, "refresh keeps provenance")

	_, err = m.GetRecord(ctx, h, "sales", 2)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = m.DeleteRecord(ctx, h, "sales", 2)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteRecord_CreatesMissingCatalogEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 2)
	require.NoError(t, h.Catalog.DeleteTable(ctx, "sales"))

	_, err := m.DeleteRecord(ctx, h, "sales", 1)
	require.NoError(t, err)

	rec, err := h.Catalog.GetTable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.RowCount)
	assert.Equal(t, 3, rec.ColumnCount)
}
