package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/apperr"
	"tablekit/internal/storage"
	_ "tablekit/internal/storage/sqlite"
)

func newTestCatalog(t *testing.T) (*Catalog, storage.Repository) {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.Open(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "cat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	c := New(repo)
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Init(ctx), "Init must be idempotent")
	return c, repo
}

func TestIsCatalogTable(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"upload_history", "TABLE_METADATA", "relationship_configurations"} {
		if !IsCatalogTable(name) {
			t.Fatalf("IsCatalogTable(%q) = false, want true", name)
		}
	}
	if IsCatalogTable("sales") {
		t.Fatalf("IsCatalogTable(sales) = true, want false")
	}
}

func TestStorageFilename(t *testing.T) {
	t.Parallel()

	a := StorageFilename("Report.XLSX")
	b := StorageFilename("Report.XLSX")
	assert.True(t, strings.HasSuffix(a, ".xlsx"), a)
	assert.NotEqual(t, a, b)
}

func TestUploadLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	id, err := c.CreateUpload(ctx, UploadRecord{OriginalFilename: "ventes.csv", FileType: "csv", FileSize: 120})
	require.NoError(t, err)
	require.NotZero(t, id)

	u, err := c.GetUpload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, u.Status)
	assert.Equal(t, "ventes.csv", u.OriginalFilename)
	assert.True(t, strings.HasSuffix(u.Filename, ".csv"))
	assert.False(t, u.UploadedAt.IsZero())

	require.NoError(t, c.FinishUpload(ctx, id, StatusFailed, 1, 0, "boom"))
	u, err = c.GetUpload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, "boom", u.ErrorMessage)

	err = c.FinishUpload(ctx, 999, StatusCompleted, 0, 0, "")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	second, err := c.CreateUpload(ctx, UploadRecord{OriginalFilename: "b.xlsx"})
	require.NoError(t, err)
	list, err := c.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
}

func TestTableRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	require.NoError(t, c.PutTable(ctx, TableRecord{TableName: "sales", SheetName: "Sales", UploadID: 1, ColumnCount: 3, RowCount: 10}))
	require.NoError(t, c.PutTable(ctx, TableRecord{TableName: "sales", SheetName: "Sales v2", UploadID: 2, ColumnCount: 4, RowCount: 11}))

	recs, err := c.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "table names are unique")
	assert.Equal(t, "Sales v2", recs[0].SheetName)
	assert.Equal(t, int64(2), recs[0].UploadID)

	require.NoError(t, c.UpdateCounts(ctx, "sales", 5, 42))
	require.NoError(t, c.RenameTable(ctx, "sales", "sales_2024"))

	rec, err := c.GetTable(ctx, "sales_2024")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.ColumnCount)
	assert.Equal(t, int64(42), rec.RowCount)

	_, err = c.GetTable(ctx, "sales")
	assert.ErrorIs(t, err, apperr.E(apperr.NotFound))

	owned, err := c.TablesForUpload(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	require.NoError(t, c.DeleteTable(ctx, "sales_2024"))
	err = c.DeleteTable(ctx, "sales_2024")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	assert.True(t, apperr.IsKind(c.UpdateCounts(ctx, "ghost", 1, 1), apperr.NotFound))
}

type joinConfig struct {
	Tables []string `json:"tables"`
	Limit  int      `json:"limit"`
}

func TestConfigsTableCreatedOnFirstSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, repo := newTestCatalog(t)
	cfgs := c.Configs()

	exists, err := repo.TableExists(ctx, ConfigTable)
	require.NoError(t, err)
	assert.False(t, exists, "Init must not create the configuration table")

	list, err := cfgs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	var got joinConfig
	assert.True(t, apperr.IsKind(cfgs.Load(ctx, "monthly", &got), apperr.NotFound))
	assert.True(t, apperr.IsKind(cfgs.Delete(ctx, "monthly"), apperr.NotFound))

	_, err = cfgs.Save(ctx, "monthly", joinConfig{Tables: []string{"a"}})
	require.NoError(t, err)
	exists, err = repo.TableExists(ctx, ConfigTable)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestConfigs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	cfgs := c.Configs()

	updated, err := cfgs.Save(ctx, "monthly", joinConfig{Tables: []string{"a", "b"}, Limit: 5})
	require.NoError(t, err)
	assert.False(t, updated)

	_, err = cfgs.Save(ctx, "weekly", joinConfig{Tables: []string{"c"}})
	require.NoError(t, err)

	updated, err = cfgs.Save(ctx, "monthly", joinConfig{Tables: []string{"a"}, Limit: 9})
	require.NoError(t, err)
	assert.True(t, updated)

	var got joinConfig
	require.NoError(t, cfgs.Load(ctx, "monthly", &got))
	assert.Equal(t, joinConfig{Tables: []string{"a"}, Limit: 9}, got)

	list, err := cfgs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "monthly", list[0].Name, "most recently updated first")

	require.NoError(t, cfgs.Delete(ctx, "weekly"))
	assert.True(t, apperr.IsKind(cfgs.Delete(ctx, "weekly"), apperr.NotFound))
	assert.True(t, apperr.IsKind(cfgs.Load(ctx, "weekly", &got), apperr.NotFound))

	_, err = cfgs.Save(ctx, "  ", joinConfig{})
	assert.Error(t, err)
}
