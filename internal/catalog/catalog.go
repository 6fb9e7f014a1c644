// Package catalog persists upload provenance and table metadata next to the
// dynamically created tables, in the same database.
//
// The catalog is written with single-row CRUD only. There is no transaction
// spanning a DDL change and its catalog write; drift is repaired by
// tablemgr.Reconcile.
package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tablekit/internal/apperr"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// Catalog table names. They are never listed as user tables.
const (
	UploadTable = "upload_history"
	TableTable  = "table_metadata"
	ConfigTable = "relationship_configurations"
)

// IsCatalogTable reports whether name is one of the catalog's own tables.
func IsCatalogTable(name string) bool {
	switch strings.ToLower(name) {
	case UploadTable, TableTable, ConfigTable:
		return true
	}
	return false
}

// Status is the lifecycle state of an UploadRecord.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// UploadRecord is one ingestion attempt.
type UploadRecord struct {
	ID               int64     `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	UploadedAt       time.Time `json:"upload_date"`
	FileType         string    `json:"file_type"`
	TotalSheets      int       `json:"total_sheets"`
	TotalRecords     int64     `json:"total_records"`
	FileSize         int64     `json:"file_size"`
	Status           Status    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// TableRecord is the provenance of one physical table. UploadID is 0 for
// tables that did not come from a file (materialized queries, repairs).
type TableRecord struct {
	ID          int64     `json:"id"`
	TableName   string    `json:"table_name"`
	SheetName   string    `json:"original_sheet_name"`
	UploadID    int64     `json:"upload_id"`
	ColumnCount int       `json:"column_count"`
	RowCount    int64     `json:"row_count"`
	CreatedAt   time.Time `json:"created_date"`
}

var (
	uploadSchema = schema.TableSchema{Columns: []schema.Column{
		{Name: "filename", Type: schema.VarcharType(255)},
		{Name: "original_filename", Type: schema.VarcharType(255)},
		{Name: "upload_date", Type: schema.TimestampType(), Nullable: true},
		{Name: "file_type", Type: schema.VarcharType(20), Nullable: true},
		{Name: "total_sheets", Type: schema.IntegerType(), Nullable: true},
		{Name: "total_records", Type: schema.IntegerType(), Nullable: true},
		{Name: "file_size", Type: schema.IntegerType(), Nullable: true},
		{Name: "status", Type: schema.VarcharType(50), Nullable: true},
		{Name: "error_message", Type: schema.TextType(), Nullable: true},
	}}
	tableSchema = schema.TableSchema{Columns: []schema.Column{
		{Name: "table_name", Type: schema.VarcharType(255)},
		{Name: "original_sheet_name", Type: schema.VarcharType(255)},
		{Name: "upload_id", Type: schema.IntegerType()},
		{Name: "column_count", Type: schema.IntegerType(), Nullable: true},
		{Name: "row_count", Type: schema.IntegerType(), Nullable: true},
		{Name: "created_date", Type: schema.TimestampType(), Nullable: true},
	}}
	configSchema = schema.TableSchema{Columns: []schema.Column{
		{Name: "name", Type: schema.VarcharType(255)},
		{Name: "configuration", Type: schema.TextType()},
		{Name: "created_date", Type: schema.TimestampType(), Nullable: true},
		{Name: "updated_date", Type: schema.TimestampType(), Nullable: true},
	}}
)

// Catalog reads and writes catalog rows through a storage.Repository.
type Catalog struct {
	repo storage.Repository
	now  func() time.Time
}

// New returns a Catalog over repo. Call Init once per database before use.
func New(repo storage.Repository) *Catalog {
	return &Catalog{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Init creates the upload and table catalogs when they are missing. The
// saved-configuration table is created by the first Configs.Save.
func (c *Catalog) Init(ctx context.Context) error {
	for _, t := range []struct {
		name string
		ts   schema.TableSchema
	}{
		{UploadTable, uploadSchema},
		{TableTable, tableSchema},
	} {
		if err := c.repo.CreateTable(ctx, t.name, t.ts, true); err != nil {
			return fmt.Errorf("catalog: init %s: %w", t.name, err)
		}
	}
	return nil
}

// StorageFilename derives the collision-free stored name of an upload.
func StorageFilename(original string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(original))
}

//
// uploads
//

// CreateUpload records a new upload in the processing state and returns its
// id. Filename defaults to StorageFilename(OriginalFilename).
func (c *Catalog) CreateUpload(ctx context.Context, u UploadRecord) (int64, error) {
	if u.Filename == "" {
		u.Filename = StorageFilename(u.OriginalFilename)
	}
	if u.Status == "" {
		u.Status = StatusProcessing
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = c.now()
	}
	id, err := c.repo.InsertReturningID(ctx, UploadTable, uploadSchema.Names(), []any{
		u.Filename, u.OriginalFilename, u.UploadedAt, u.FileType,
		int64(u.TotalSheets), u.TotalRecords, u.FileSize, string(u.Status), nullIfEmpty(u.ErrorMessage),
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: create upload: %w", err)
	}
	return id, nil
}

// FinishUpload moves an upload to its terminal status with final totals.
func (c *Catalog) FinishUpload(ctx context.Context, id int64, status Status, sheets int, records int64, errMsg string) error {
	n, err := c.exec(ctx, UploadTable,
		[]string{"status", "total_sheets", "total_records", "error_message"},
		[]any{string(status), int64(sheets), records, nullIfEmpty(errMsg)},
		"id", id)
	if err != nil {
		return fmt.Errorf("catalog: finish upload %d: %w", id, err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "catalog.FinishUpload", "upload %d not found", id)
	}
	return nil
}

// GetUpload returns the upload with id.
func (c *Catalog) GetUpload(ctx context.Context, id int64) (UploadRecord, error) {
	recs, err := c.uploads(ctx, "WHERE "+c.ident("id")+" = "+c.ph(1), id)
	if err != nil {
		return UploadRecord{}, err
	}
	if len(recs) == 0 {
		return UploadRecord{}, apperr.New(apperr.NotFound, "catalog.GetUpload", "upload %d not found", id)
	}
	return recs[0], nil
}

// ListUploads returns all uploads, newest first.
func (c *Catalog) ListUploads(ctx context.Context) ([]UploadRecord, error) {
	return c.uploads(ctx, "ORDER BY "+c.ident("id")+" DESC")
}

func (c *Catalog) uploads(ctx context.Context, tail string, args ...any) ([]UploadRecord, error) {
	cols := append([]string{"id"}, uploadSchema.Names()...)
	rs, err := c.repo.Query(ctx, c.selectSQL(UploadTable, cols, tail), args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query uploads: %w", err)
	}
	out := make([]UploadRecord, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		at, _ := storage.AsTime(r[3])
		out = append(out, UploadRecord{
			ID:               storage.AsInt64(r[0]),
			Filename:         storage.AsString(r[1]),
			OriginalFilename: storage.AsString(r[2]),
			UploadedAt:       at,
			FileType:         storage.AsString(r[4]),
			TotalSheets:      int(storage.AsInt64(r[5])),
			TotalRecords:     storage.AsInt64(r[6]),
			FileSize:         storage.AsInt64(r[7]),
			Status:           Status(storage.AsString(r[8])),
			ErrorMessage:     storage.AsString(r[9]),
		})
	}
	return out, nil
}

//
// tables
//

// PutTable inserts rec, or overwrites the record already held for
// rec.TableName (table names are unique in the catalog).
func (c *Catalog) PutTable(ctx context.Context, rec TableRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	vals := []any{rec.TableName, rec.SheetName, rec.UploadID, int64(rec.ColumnCount), rec.RowCount, rec.CreatedAt}
	n, err := c.exec(ctx, TableTable, tableSchema.Names()[1:], vals[1:], "table_name", rec.TableName)
	if err != nil {
		return fmt.Errorf("catalog: put table %s: %w", rec.TableName, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := c.repo.InsertRows(ctx, TableTable, tableSchema.Names(), [][]any{vals}); err != nil {
		return fmt.Errorf("catalog: put table %s: %w", rec.TableName, err)
	}
	return nil
}

// UpdateCounts refreshes the shape recorded for table.
func (c *Catalog) UpdateCounts(ctx context.Context, table string, columns int, rows int64) error {
	n, err := c.exec(ctx, TableTable, []string{"column_count", "row_count"}, []any{int64(columns), rows}, "table_name", table)
	if err != nil {
		return fmt.Errorf("catalog: update counts %s: %w", table, err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "catalog.UpdateCounts", "no catalog entry for %s", table)
	}
	return nil
}

// RenameTable moves the record of from to the name to.
func (c *Catalog) RenameTable(ctx context.Context, from, to string) error {
	n, err := c.exec(ctx, TableTable, []string{"table_name"}, []any{to}, "table_name", from)
	if err != nil {
		return fmt.Errorf("catalog: rename %s: %w", from, err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "catalog.RenameTable", "no catalog entry for %s", from)
	}
	return nil
}

// DeleteTable removes the record of table.
func (c *Catalog) DeleteTable(ctx context.Context, table string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", c.ident(TableTable), c.ident("table_name"), c.ph(1))
	n, err := c.repo.Exec(ctx, q, table)
	if err != nil {
		return fmt.Errorf("catalog: delete %s: %w", table, err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "catalog.DeleteTable", "no catalog entry for %s", table)
	}
	return nil
}

// GetTable returns the record of table.
func (c *Catalog) GetTable(ctx context.Context, table string) (TableRecord, error) {
	recs, err := c.tables(ctx, "WHERE "+c.ident("table_name")+" = "+c.ph(1), table)
	if err != nil {
		return TableRecord{}, err
	}
	if len(recs) == 0 {
		return TableRecord{}, apperr.New(apperr.NotFound, "catalog.GetTable", "no catalog entry for %s", table)
	}
	return recs[0], nil
}

// ListTables returns every table record, newest first.
func (c *Catalog) ListTables(ctx context.Context) ([]TableRecord, error) {
	return c.tables(ctx, "ORDER BY "+c.ident("id")+" DESC")
}

// TablesForUpload returns the records owned by upload id.
func (c *Catalog) TablesForUpload(ctx context.Context, id int64) ([]TableRecord, error) {
	return c.tables(ctx, "WHERE "+c.ident("upload_id")+" = "+c.ph(1)+" ORDER BY "+c.ident("id"), id)
}

func (c *Catalog) tables(ctx context.Context, tail string, args ...any) ([]TableRecord, error) {
	cols := append([]string{"id"}, tableSchema.Names()...)
	rs, err := c.repo.Query(ctx, c.selectSQL(TableTable, cols, tail), args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query tables: %w", err)
	}
	out := make([]TableRecord, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		at, _ := storage.AsTime(r[6])
		out = append(out, TableRecord{
			ID:          storage.AsInt64(r[0]),
			TableName:   storage.AsString(r[1]),
			SheetName:   storage.AsString(r[2]),
			UploadID:    storage.AsInt64(r[3]),
			ColumnCount: int(storage.AsInt64(r[4])),
			RowCount:    storage.AsInt64(r[5]),
			CreatedAt:   at,
		})
	}
	return out, nil
}

//
// SQL helpers
//

func (c *Catalog) ident(name string) string { return c.repo.Dialect().QuoteIdent(name) }
func (c *Catalog) ph(n int) string          { return c.repo.Dialect().Placeholder(n) }

func (c *Catalog) selectSQL(table string, cols []string, tail string) string {
	return fmt.Sprintf("SELECT %s FROM %s %s", schema.SelectColumns(c.repo.Dialect(), cols), c.ident(table), tail)
}

// exec runs UPDATE table SET cols... WHERE keyCol = key and returns the
// number of rows touched.
func (c *Catalog) exec(ctx context.Context, table string, cols []string, vals []any, keyCol string, key any) (int64, error) {
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = c.ident(col) + " = " + c.ph(i+1)
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		c.ident(table), strings.Join(sets, ", "), c.ident(keyCol), c.ph(len(cols)+1))
	args := append(append([]any{}, vals...), key)
	return c.repo.Exec(ctx, q, args...)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
