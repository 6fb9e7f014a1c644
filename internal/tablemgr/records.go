package tablemgr

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/normalize"
	"tablekit/internal/probe"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// Record is one row of a table keyed by column name.
type Record map[string]any

// recordTable checks that table exists and has the generated key, and
// returns its columns and the key column name.
func (m *Manager) recordTable(ctx context.Context, h *dbregistry.Handle, op, table string) ([]storage.ColumnInfo, string, error) {
	cols, err := m.Columns(ctx, h, table)
	if err != nil {
		return nil, "", err
	}
	key, ok := keyColumn(cols)
	if !ok {
		return nil, "", apperr.New(apperr.UnknownColumn, op, "table %q has no %s key column", table, schema.AutoKey)
	}
	return cols, key, nil
}

func recordNotFound(op, table string, id int64) error {
	return apperr.New(apperr.NotFound, op, "record %d not found in %q", id, table)
}

// GetRecord returns the row of table whose key is id.
func (m *Manager) GetRecord(ctx context.Context, h *dbregistry.Handle, table string, id int64) (Record, error) {
	const op = "tablemgr.GetRecord"
	cols, key, err := m.recordTable(ctx, h, op, table)
	if err != nil {
		return nil, err
	}

	d := h.Repo.Dialect()
	names := storage.ColumnNames(cols, true)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		schema.SelectColumns(d, names), d.QuoteIdent(table), d.QuoteIdent(key), d.Placeholder(1))
	rs, err := h.Repo.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(rs.Rows) == 0 {
		return nil, recordNotFound(op, table, id)
	}
	rec := make(Record, len(names))
	for i, n := range names {
		rec[n] = rs.Rows[0][i]
	}
	return rec, nil
}

// UpdateRecord sets the given columns of the row whose key is id. Values are
// normalized under loc and converted to each column's declared type; a
// value that does not fit is InvalidValue. The key itself cannot be updated.
func (m *Manager) UpdateRecord(ctx context.Context, h *dbregistry.Handle, table string, id int64, values map[string]any, loc normalize.Locale) (Outcome, error) {
	const op = "tablemgr.UpdateRecord"
	cols, key, err := m.recordTable(ctx, h, op, table)
	if err != nil {
		return Outcome{}, err
	}
	if len(values) == 0 {
		return Outcome{}, apperr.New(apperr.InvalidValue, op, "no values to update")
	}

	byName := make(map[string]storage.ColumnInfo, len(cols))
	for _, c := range cols {
		byName[strings.ToLower(c.Name)] = c
	}
	given := make([]string, 0, len(values))
	for k := range values {
		given = append(given, k)
	}
	sort.Strings(given)

	d := h.Repo.Dialect()
	sets := make([]string, 0, len(given))
	args := make([]any, 0, len(given)+1)
	for _, k := range given {
		c, ok := byName[strings.ToLower(strings.TrimSpace(k))]
		if !ok {
			return Outcome{}, apperr.New(apperr.UnknownColumn, op, "column %q does not exist in %q", k, table)
		}
		if strings.EqualFold(c.Name, key) {
			return Outcome{}, apperr.New(apperr.InvalidValue, op, "column %q is the record key and cannot be updated", c.Name)
		}

		t := schema.FromDeclared(c.DeclaredType)
		v := normalize.NormalizeValue(values[k], loc)
		cv := probe.Convert(v, t, loc)
		switch {
		case cv == nil && !v.IsNull():
			return Outcome{}, apperr.New(apperr.InvalidValue, op, "value %q does not fit column %q (%s)", v.String(), c.Name, t)
		case cv == nil && !c.Nullable:
			return Outcome{}, apperr.New(apperr.InvalidValue, op, "column %q does not accept empty values", c.Name)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", d.QuoteIdent(c.Name), d.Placeholder(len(args)+1)))
		args = append(args, cv)
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		d.QuoteIdent(table), strings.Join(sets, ", "), d.QuoteIdent(key), d.Placeholder(len(args)))
	n, err := m.exec(ctx, op, h.Repo, q, args...)
	if err != nil {
		return Outcome{}, err
	}
	if n == 0 {
		return Outcome{}, recordNotFound(op, table, id)
	}
	m.logf("tablemgr: updated record table=%s %s=%d columns=%d", table, key, id, len(sets))

	out := Outcome{Table: table, Rows: n}
	m.refreshCounts(ctx, h, &out)
	return out, nil
}

// DeleteRecord removes the row of table whose key is id.
func (m *Manager) DeleteRecord(ctx context.Context, h *dbregistry.Handle, table string, id int64) (Outcome, error) {
	const op = "tablemgr.DeleteRecord"
	_, key, err := m.recordTable(ctx, h, op, table)
	if err != nil {
		return Outcome{}, err
	}

	d := h.Repo.Dialect()
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", d.QuoteIdent(table), d.QuoteIdent(key), d.Placeholder(1))
	n, err := m.exec(ctx, op, h.Repo, q, id)
	if err != nil {
		return Outcome{}, err
	}
	if n == 0 {
		return Outcome{}, recordNotFound(op, table, id)
	}
	m.logf("tablemgr: deleted record table=%s %s=%d", table, key, id)

	out := Outcome{Table: table, Rows: n}
	m.refreshCounts(ctx, h, &out)
	return out, nil
}

// catalogEntry is the provenance recorded when a refresh finds no catalog
// entry for table.
func catalogEntry(table string) catalog.TableRecord {
	return catalog.TableRecord{TableName: table, SheetName: table}
}

func (m *Manager) refreshCounts(ctx context.Context, h *dbregistry.Handle, out *Outcome) {
	if _, err := m.RefreshCatalog(ctx, h, catalogEntry(out.Table)); err != nil {
		out.Warnings = append(out.Warnings, m.catalogWarning("refresh", out.Table, err))
	}
}
