package tablemgr

import (
	"context"
	"fmt"

	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/storage"
)

// RepairedSheetName is the provenance given to catalog entries recreated for
// orphan tables.
const RepairedSheetName = "Unknown (Repaired)"

// Drift is a catalog entry whose recorded shape differs from the live table.
type Drift struct {
	Table           string `json:"table"`
	RecordedColumns int    `json:"recorded_columns"`
	ActualColumns   int    `json:"actual_columns"`
	RecordedRows    int64  `json:"recorded_rows"`
	ActualRows      int64  `json:"actual_rows"`
}

// ReconcileReport lists the differences between the catalog and the live
// tables of one database.
type ReconcileReport struct {
	Database string `json:"database"`

	// Orphans are tables with no catalog entry.
	Orphans []string `json:"orphan_tables"`
	// Stale are catalog entries with no table.
	Stale   []string `json:"stale_entries"`
	// Drifted are entries whose counts disagree with the table.
	Drifted []Drift  `json:"drifted_entries"`

	Repaired int      `json:"repaired"`
	Warnings []string `json:"warnings,omitempty"`
}

// Clean reports whether catalog and tables agree.
func (r ReconcileReport) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Stale) == 0 && len(r.Drifted) == 0
}

// Reconcile derives the expected catalog from live introspection and
// reports the drift. With repair set, orphan tables get a catalog entry,
// stale entries are deleted and drifted counts are rewritten.
func (m *Manager) Reconcile(ctx context.Context, h *dbregistry.Handle, repair bool) (ReconcileReport, error) {
	rep := ReconcileReport{Database: h.Name}

	tables, err := m.ListTables(ctx, h)
	if err != nil {
		return rep, err
	}
	recs, err := h.Catalog.ListTables(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile %s: %w", h.Name, err)
	}

	byName := make(map[string]catalog.TableRecord, len(recs))
	for _, r := range recs {
		byName[r.TableName] = r
	}
	live := make(map[string]bool, len(tables))

	for _, t := range tables {
		live[t] = true
		cols, err := h.Repo.Columns(ctx, t)
		if err != nil {
			return rep, fmt.Errorf("reconcile %s: %w", t, err)
		}
		rows, err := h.Repo.CountRows(ctx, t)
		if err != nil {
			return rep, fmt.Errorf("reconcile %s: %w", t, err)
		}
		ncols := len(storage.ColumnNames(cols, false))

		rec, ok := byName[t]
		if !ok {
			rep.Orphans = append(rep.Orphans, t)
			if repair {
				m.repair(&rep, "repair", t, h.Catalog.PutTable(ctx, catalog.TableRecord{
					TableName:   t,
					SheetName:   RepairedSheetName,
					ColumnCount: ncols,
					RowCount:    rows,
				}))
			}
			continue
		}
		if rec.ColumnCount != ncols || rec.RowCount != rows {
			rep.Drifted = append(rep.Drifted, Drift{
				Table:           t,
				RecordedColumns: rec.ColumnCount,
				ActualColumns:   ncols,
				RecordedRows:    rec.RowCount,
				ActualRows:      rows,
			})
			if repair {
				m.repair(&rep, "update", t, h.Catalog.UpdateCounts(ctx, t, ncols, rows))
			}
		}
	}

	for _, r := range recs {
		if live[r.TableName] {
			continue
		}
		rep.Stale = append(rep.Stale, r.TableName)
		if repair {
			m.repair(&rep, "delete", r.TableName, h.Catalog.DeleteTable(ctx, r.TableName))
		}
	}

	m.logf("reconcile: db=%s orphans=%d stale=%d drifted=%d repaired=%d",
		h.Name, len(rep.Orphans), len(rep.Stale), len(rep.Drifted), rep.Repaired)
	return rep, nil
}

func (m *Manager) repair(rep *ReconcileReport, op, table string, err error) {
	if err != nil {
		rep.Warnings = append(rep.Warnings, m.catalogWarning(op, table, err))
		return
	}
	rep.Repaired++
}
