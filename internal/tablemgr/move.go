package tablemgr

import (
	"context"
	"fmt"
	"time"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/metrics"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// Move actions.
const (
	ActionMove = "move"
	ActionCopy = "copy"
)

// MoveResult reports a cross-database move or copy. RowsTransferred is less
// than RowsFound only when rows were skipped.
type MoveResult struct {
	Table           string   `json:"source_table"`
	Source          string   `json:"source_database"`
	Target          string   `json:"target_database"`
	Action          string   `json:"action"`
	RowsFound       int64    `json:"rows_found"`
	RowsTransferred int64    `json:"rows_transferred"`
	RowsSkipped     int64    `json:"rows_skipped"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Move copies table from src to dst and, for ActionMove, then drops it from
// src together with its catalog entry.
//
// The target table is created from the source's literal DDL when both
// databases use the same backend; across backends the DDL is rebuilt from
// introspection. Rows are copied in batches with the row-level fallback of
// Load. If the copy fails after the target table was created, the target
// table is dropped and the source is left untouched.
func (m *Manager) Move(ctx context.Context, src, dst *dbregistry.Handle, table, action string, progress ProgressFunc) (res MoveResult, err error) {
	const op = "tablemgr.Move"
	start := time.Now()
	res = MoveResult{Table: table, Source: src.Name, Target: dst.Name, Action: action}

	report := func(stage string, pct int, msg string) {
		if progress != nil {
			progress(Progress{Stage: stage, Percent: pct, Message: msg, Table: table, Target: dst.Name})
		}
	}

	created := false
	defer func() {
		metrics.RecordStep("move", time.Since(start), err)
		if err == nil {
			return
		}
		if created {
			if derr := dst.Repo.DropTable(context.WithoutCancel(ctx), table); derr != nil {
				m.logf("move: rollback failed table=%s db=%s err=%v", table, dst.Name, derr)
			}
		}
		m.logf("move: failed table=%s from=%s to=%s err=%v", table, src.Name, dst.Name, err)
		report("error", 0, "Error: "+err.Error())
	}()

	report("validation", 5, "Validating table and target database...")
	if action != ActionMove && action != ActionCopy {
		return res, fmt.Errorf("%s: unknown action %q (want move or copy)", op, action)
	}
	if src.Name == dst.Name && src.Path == dst.Path {
		return res, apperr.New(apperr.NameConflict, op, "source and target database are both %q", src.Name)
	}
	if err := m.mustExist(ctx, src, op, table); err != nil {
		return res, err
	}
	if err := m.mustBeFree(ctx, dst, op, table); err != nil {
		return res, err
	}

	report("setup", 15, "Reading source table structure...")
	cols, err := src.Repo.Columns(ctx, table)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	report("schema", 25, "Copying table schema...")
	if err := m.createLike(ctx, src, dst, table, cols); err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	created = true

	report("data_prep", 35, "Preparing data transfer...")
	names, orderBy := transferColumns(cols, dst.Repo.Kind() == "sqlite")
	d := src.Repo.Dialect()
	q := fmt.Sprintf("SELECT %s FROM %s", schema.SelectColumns(d, names), d.QuoteIdent(table))
	if orderBy != "" {
		q += " ORDER BY " + d.QuoteIdent(orderBy)
	}
	rs, err := src.Repo.Query(ctx, q)
	if err != nil {
		return res, fmt.Errorf("%s: read %s: %w", op, table, err)
	}
	res.RowsFound = int64(len(rs.Rows))
	m.logf("move: found rows=%d table=%s", res.RowsFound, table)

	report("data_transfer", 40, fmt.Sprintf("Transferring %d rows...", res.RowsFound))
	report("data_insert", 70, "Inserting data into target database...")
	stats, err := m.load(ctx, "move", dst.Repo, table, names, rs.Rows, func(done, total int) {
		report("data_insert", 70+done*20/total, fmt.Sprintf("Inserted %d of %d rows", done, total))
	})
	res.RowsTransferred = stats.Inserted
	res.RowsSkipped = stats.Skipped
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	metrics.RecordRows(metrics.RowsTransferred, stats.Inserted)

	report("cleanup", 90, "Finalizing transfer...")
	rec := catalog.TableRecord{TableName: table, SheetName: table}
	if srcRec, cerr := src.Catalog.GetTable(ctx, table); cerr == nil {
		rec.SheetName = srcRec.SheetName
	}
	rec.ColumnCount = len(storage.ColumnNames(cols, false))
	rec.RowCount = stats.Inserted
	if cerr := dst.Catalog.PutTable(ctx, rec); cerr != nil {
		res.Warnings = append(res.Warnings, m.catalogWarning("move", table, cerr))
	}

	if action == ActionMove {
		report("cleanup", 95, "Removing table from source database...")
		if err := src.Repo.DropTable(ctx, table); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("table copied but source %s could not be dropped: %v", table, err))
			m.logf("move: source drop failed table=%s db=%s err=%v", table, src.Name, err)
		} else if cerr := src.Catalog.DeleteTable(ctx, table); cerr != nil {
			res.Warnings = append(res.Warnings, m.catalogWarning("delete", table, cerr))
		}
	}

	verb := "moved"
	if action == ActionCopy {
		verb = "copied"
	}
	report("complete", 100, fmt.Sprintf("Table %s completed successfully!", action))
	m.logf("move: %s table=%s from=%s to=%s rows=%d skipped=%d", verb, table, src.Name, dst.Name, res.RowsTransferred, res.RowsSkipped)
	return res, nil
}

// createLike creates table in dst with the structure of the same table in
// src.
func (m *Manager) createLike(ctx context.Context, src, dst *dbregistry.Handle, table string, cols []storage.ColumnInfo) error {
	if src.Repo.Kind() != dst.Repo.Kind() {
		return dst.Repo.CreateTable(ctx, table, storage.ToSchema(cols), false)
	}
	ddl, err := src.Repo.TableDDL(ctx, table)
	if err != nil {
		return err
	}
	_, err = dst.Repo.Exec(ctx, ddl)
	return err
}

// transferColumns returns the columns to copy and the column to order by.
// The auto key is carried over only when the target accepts explicit values
// for it; otherwise the target generates fresh keys in source order.
func transferColumns(cols []storage.ColumnInfo, keepKey bool) (names []string, orderBy string) {
	for _, c := range cols {
		if isKeyColumn(c) {
			orderBy = c.Name
			if !keepKey {
				continue
			}
		}
		names = append(names, c.Name)
	}
	return names, orderBy
}
