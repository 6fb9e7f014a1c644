// Package tablemgr creates, renames, duplicates, drops and moves the
// dynamically created tables of a database and keeps the catalog in step
// with them.
//
// Every physical change is followed by its catalog write. The two are not
// atomic: when the physical change succeeded and the catalog write did not,
// the operation still succeeds and reports the catalog failure as a warning.
// Reconcile re-derives the catalog from live introspection.
package tablemgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/sanitize"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// DefaultBatchSize is the number of rows sent per insert batch.
const DefaultBatchSize = 1000

// Logger is the minimal logging interface used by the table manager.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Progress is one push notification of a long-running operation.
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Table   string `json:"table_name"`
	Target  string `json:"target_database,omitempty"`
}

// ProgressFunc receives Progress updates. It must not block for long; the
// operation waits for it.
type ProgressFunc func(Progress)

// Outcome is the result of a single-table operation.
type Outcome struct {
	Table    string   `json:"table"`
	Rows     int64    `json:"rows"`
	Warnings []string `json:"warnings,omitempty"`
}

// Manager runs table operations against explicit database handles.
type Manager struct {
	Logger Logger

	// Retry bounds lock-contention retries of each insert batch.
	Retry storage.RetryPolicy

	// BatchSize is the insert batch size; <= 0 means DefaultBatchSize.
	BatchSize int
}

// New returns a Manager with the default retry policy and batch size.
func New(logger Logger) *Manager {
	return &Manager{Logger: logger, Retry: storage.DefaultRetry(), BatchSize: DefaultBatchSize}
}

func (m *Manager) logf(format string, v ...any) {
	if m.Logger == nil {
		log.New(io.Discard, "", 0).Printf(format, v...)
		return
	}
	m.Logger.Printf(format, v...)
}

func (m *Manager) batchSize() int {
	if m.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return m.BatchSize
}

// catalogWarning logs a failed catalog write and returns its warning text.
func (m *Manager) catalogWarning(op, table string, err error) string {
	m.logf("catalog: warning op=%s table=%s err=%v", op, table, err)
	return fmt.Sprintf("catalog %s for %s failed: %v", op, table, err)
}

//
// introspection
//

// ListTables returns the user tables of h, sorted, without catalog tables.
func (m *Manager) ListTables(ctx context.Context, h *dbregistry.Handle) ([]string, error) {
	names, err := h.Repo.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables %s: %w", h.Name, err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if catalog.IsCatalogTable(n) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Columns returns the introspected columns of table.
func (m *Manager) Columns(ctx context.Context, h *dbregistry.Handle, table string) ([]storage.ColumnInfo, error) {
	if err := m.mustExist(ctx, h, "tablemgr.Columns", table); err != nil {
		return nil, err
	}
	cols, err := h.Repo.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	return cols, nil
}

// UniqueTableName sanitizes raw and appends _1, _2, ... until the name is
// free in h.
func (m *Manager) UniqueTableName(ctx context.Context, h *dbregistry.Handle, raw string) (string, error) {
	base := sanitize.TableName(raw)
	name := base
	for i := 1; ; i++ {
		exists, err := h.Repo.TableExists(ctx, name)
		if err != nil {
			return "", err
		}
		if !exists && !catalog.IsCatalogTable(name) {
			return name, nil
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

func (m *Manager) mustExist(ctx context.Context, h *dbregistry.Handle, op, table string) error {
	exists, err := h.Repo.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists || catalog.IsCatalogTable(table) {
		return apperr.New(apperr.NotFound, op, "table %q does not exist", table)
	}
	return nil
}

func (m *Manager) mustBeFree(ctx context.Context, h *dbregistry.Handle, op, table string) error {
	exists, err := h.Repo.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if exists || catalog.IsCatalogTable(table) {
		return apperr.New(apperr.NameConflict, op, "table %q already exists", table)
	}
	return nil
}

//
// lifecycle
//

// CreateTable creates table with an auto key plus ts's columns. An existing
// table with the same shape is reused; a different shape is a NameConflict.
// It reports whether the table was created.
func (m *Manager) CreateTable(ctx context.Context, h *dbregistry.Handle, table string, ts schema.TableSchema) (bool, error) {
	const op = "tablemgr.CreateTable"
	if err := sanitize.ValidateIdentifier(table); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if catalog.IsCatalogTable(table) {
		return false, apperr.New(apperr.NameConflict, op, "%q is reserved", table)
	}

	exists, err := h.Repo.TableExists(ctx, table)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		cols, err := h.Repo.Columns(ctx, table)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		if !schema.SameShape(storage.ToSchema(cols), ts) {
			return false, apperr.New(apperr.NameConflict, op, "table %q exists with a different schema", table)
		}
		return false, nil
	}

	if err := h.Repo.CreateTable(ctx, table, ts, false); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Rename renames from to the sanitized form of to and moves its catalog entry.
func (m *Manager) Rename(ctx context.Context, h *dbregistry.Handle, from, to string) (Outcome, error) {
	const op = "tablemgr.Rename"
	target := sanitize.TableName(to)

	if err := m.mustExist(ctx, h, op, from); err != nil {
		return Outcome{}, err
	}
	if target == from {
		return Outcome{Table: target}, nil
	}
	if err := m.mustBeFree(ctx, h, op, target); err != nil {
		return Outcome{}, err
	}

	if err := h.Repo.RenameTable(ctx, from, target); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	m.logf("tablemgr: renamed table=%s to=%s db=%s", from, target, h.Name)

	out := Outcome{Table: target}
	if err := h.Catalog.RenameTable(ctx, from, target); err != nil {
		out.Warnings = append(out.Warnings, m.catalogWarning("rename", from, err))
	}
	return out, nil
}

// Duplicate copies source's structure, and its rows when copyData is set, to
// the sanitized target name, and records a fresh catalog entry for it.
func (m *Manager) Duplicate(ctx context.Context, h *dbregistry.Handle, source, target string, copyData bool) (Outcome, error) {
	const op = "tablemgr.Duplicate"
	dst := sanitize.TableName(target)

	if err := m.mustExist(ctx, h, op, source); err != nil {
		return Outcome{}, err
	}
	if err := m.mustBeFree(ctx, h, op, dst); err != nil {
		return Outcome{}, err
	}

	if err := h.Repo.CopyTable(ctx, source, dst, copyData); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	out := Outcome{Table: dst}
	cols, err := h.Repo.Columns(ctx, dst)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	if out.Rows, err = h.Repo.CountRows(ctx, dst); err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	sheet := source
	if rec, err := h.Catalog.GetTable(ctx, source); err == nil {
		sheet = rec.SheetName
	}
	rec := catalog.TableRecord{
		TableName:   dst,
		SheetName:   sheet + " (Copy)",
		ColumnCount: len(storage.ColumnNames(cols, false)),
		RowCount:    out.Rows,
	}
	if err := h.Catalog.PutTable(ctx, rec); err != nil {
		out.Warnings = append(out.Warnings, m.catalogWarning("duplicate", dst, err))
	}
	m.logf("tablemgr: duplicated table=%s to=%s rows=%d data=%t", source, dst, out.Rows, copyData)
	return out, nil
}

// Delete drops table and removes its catalog entry. It refuses to run
// without confirmed. A failed catalog removal does not undo the drop.
func (m *Manager) Delete(ctx context.Context, h *dbregistry.Handle, table string, confirmed bool) (Outcome, error) {
	const op = "tablemgr.Delete"
	if !confirmed {
		return Outcome{}, apperr.New(apperr.ConfirmationRequired, op, "deleting %q requires confirmation", table)
	}
	if err := m.mustExist(ctx, h, op, table); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Table: table}
	rows, cerr := h.Repo.CountRows(ctx, table)
	if cerr != nil {
		m.logf("tablemgr: warning count rows table=%s err=%v", table, cerr)
		out.Warnings = append(out.Warnings, fmt.Sprintf("row count of %s unavailable: %v", table, cerr))
	}
	if err := h.Repo.DropTable(ctx, table); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	m.logf("tablemgr: dropped table=%s db=%s rows=%d", table, h.Name, rows)

	out.Rows = rows
	if err := h.Catalog.DeleteTable(ctx, table); err != nil {
		out.Warnings = append(out.Warnings, m.catalogWarning("delete", table, err))
	}
	return out, nil
}

// RefreshCatalog recomputes the column and row counts of table and writes
// them to its catalog entry, creating the entry with rec's provenance when
// it is missing.
func (m *Manager) RefreshCatalog(ctx context.Context, h *dbregistry.Handle, rec catalog.TableRecord) (catalog.TableRecord, error) {
	cols, err := h.Repo.Columns(ctx, rec.TableName)
	if err != nil {
		return rec, err
	}
	rows, err := h.Repo.CountRows(ctx, rec.TableName)
	if err != nil {
		return rec, err
	}
	rec.ColumnCount = len(storage.ColumnNames(cols, false))
	rec.RowCount = rows

	err = h.Catalog.UpdateCounts(ctx, rec.TableName, rec.ColumnCount, rec.RowCount)
	if errors.Is(err, apperr.E(apperr.NotFound)) {
		err = h.Catalog.PutTable(ctx, rec)
	}
	return rec, err
}

func isKeyColumn(c storage.ColumnInfo) bool {
	return c.PrimaryKey && strings.EqualFold(c.Name, schema.AutoKey)
}
