package tablemgr

import (
	"context"
	"fmt"
	"math"
	"strings"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/normalize"
	"tablekit/internal/probe"
	"tablekit/internal/sanitize"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// backfillChunk is the number of rows per CASE update: three bind
// parameters each, under the SQL Server limit of 2100.
const backfillChunk = 300

// CalculatedColumn is the outcome of AddCalculatedColumn.
type CalculatedColumn struct {
	Table    string   `json:"table"`
	Column   string   `json:"column"`
	Formula  string   `json:"formula"`
	Type     string   `json:"type"`
	Rows     int64    `json:"rows"`
	Updated  int64    `json:"rows_updated"`
	Failed   int64    `json:"rows_failed"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidateFormula parses formula against the live columns of table.
func (m *Manager) ValidateFormula(ctx context.Context, h *dbregistry.Handle, table, formula string) (*Formula, error) {
	cols, err := m.Columns(ctx, h, table)
	if err != nil {
		return nil, err
	}
	return ParseFormula(formula, storage.ColumnNames(cols, true))
}

// AddCalculatedColumn adds column to table and fills it with formula
// evaluated on every row. The column type is inferred from the computed
// values the way ingestion infers it. A row whose evaluation fails (a text
// operand in arithmetic, division by zero) is left NULL and counted in
// Failed. If the backfill fails the column is dropped again.
func (m *Manager) AddCalculatedColumn(ctx context.Context, h *dbregistry.Handle, table, column, formula string) (res CalculatedColumn, err error) {
	const op = "tablemgr.AddCalculatedColumn"

	cols, err := m.Columns(ctx, h, table)
	if err != nil {
		return res, err
	}
	key, ok := keyColumn(cols)
	if !ok {
		return res, apperr.New(apperr.UnknownColumn, op, "table %q has no %s key column", table, schema.AutoKey)
	}
	name := sanitize.ColumnName(column)
	if existing, ok := findColumn(cols, name); ok {
		return res, apperr.New(apperr.NameConflict, op, "column %q already exists in %q", existing, table)
	}
	f, err := ParseFormula(formula, storage.ColumnNames(cols, true))
	if err != nil {
		return res, err
	}
	res = CalculatedColumn{Table: table, Column: name, Formula: f.Source}

	d := h.Repo.Dialect()
	sel := append([]string{key}, f.Columns...)
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", schema.SelectColumns(d, sel), d.QuoteIdent(table), d.QuoteIdent(key))
	rs, err := h.Repo.Query(ctx, q)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	res.Rows = int64(len(rs.Rows))

	ids := make([]int64, len(rs.Rows))
	values := make([]normalize.Value, len(rs.Rows))
	var firstErr error
	for i, r := range rs.Rows {
		ids[i] = storage.AsInt64(r[0])
		v, err := f.Eval(r[1:])
		if err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("row %s=%d: %w", key, ids[i], err)
			}
			continue
		}
		values[i] = resultValue(v)
	}
	if firstErr != nil {
		m.logf("tablemgr: calculated column=%s table=%s failed rows=%d first=%v", name, table, res.Failed, firstErr)
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d row(s) left empty; first error: %v", res.Failed, firstErr))
	}

	typ := probe.InferType(values, normalize.LocaleEN).Type
	res.Type = typ.String()

	alter := fmt.Sprintf("ALTER TABLE %s ADD %s %s", d.QuoteIdent(table), d.QuoteIdent(name), d.TypeSQL(typ))
	if _, err := m.exec(ctx, op, h.Repo, alter); err != nil {
		return res, err
	}
	defer func() {
		if err == nil {
			return
		}
		drop := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(table), d.QuoteIdent(name))
		if _, derr := h.Repo.Exec(context.WithoutCancel(ctx), drop); derr != nil {
			m.logf("tablemgr: drop column=%s table=%s after failure: %v", name, table, derr)
		}
	}()

	var pending []any
	flush := func() error {
		n := len(pending) / 2
		if n == 0 {
			return nil
		}
		args := make([]any, 0, len(pending)+n)
		args = append(args, pending...)
		args = append(args, idArgs(pending)...)
		if _, err := m.exec(ctx, op, h.Repo, caseUpdateSQL(d, table, key, name, typ, n), args...); err != nil {
			return err
		}
		res.Updated += int64(n)
		pending = pending[:0]
		return nil
	}
	for i, v := range values {
		cv := probe.Convert(v, typ, normalize.LocaleEN)
		if cv == nil {
			continue
		}
		pending = append(pending, ids[i], cv)
		if len(pending)/2 == backfillChunk {
			if err = flush(); err != nil {
				return res, err
			}
		}
	}
	if err = flush(); err != nil {
		return res, err
	}

	m.logf("tablemgr: calculated column=%s table=%s type=%s rows=%d updated=%d", name, table, res.Type, res.Rows, res.Updated)
	if _, cerr := m.RefreshCatalog(ctx, h, catalogEntry(table)); cerr != nil {
		res.Warnings = append(res.Warnings, m.catalogWarning("refresh", table, cerr))
	}
	return res, nil
}

// resultValue maps a formula result to a normalized value. Non-finite
// numbers are stored as NULL.
func resultValue(v any) normalize.Value {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return normalize.NullValue()
		}
		return normalize.FloatValue(x)
	case string:
		return normalize.TextValue(x)
	}
	return normalize.NullValue()
}

// idArgs returns the ids of pending (id, value) pairs for the IN list.
func idArgs(pending []any) []any {
	out := make([]any, 0, len(pending)/2)
	for i := 0; i < len(pending); i += 2 {
		out = append(out, pending[i])
	}
	return out
}

// caseUpdateSQL renders
//
//	UPDATE t SET c = CASE key WHEN ? THEN ? ... END WHERE key IN (?, ...)
//
// for n rows. Postgres cannot type a bare parameter in a THEN arm, so there
// the value is cast to the column type.
func caseUpdateSQL(d schema.Dialect, table, key, column string, t schema.ColumnType, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s = CASE %s", d.QuoteIdent(table), d.QuoteIdent(column), d.QuoteIdent(key))
	p := 1
	for i := 0; i < n; i++ {
		val := d.Placeholder(p + 1)
		if d.Name() == schema.Postgres.Name() {
			val = "CAST(" + val + " AS " + d.TypeSQL(t) + ")"
		}
		fmt.Fprintf(&b, " WHEN %s THEN %s", d.Placeholder(p), val)
		p += 2
	}
	fmt.Fprintf(&b, " END WHERE %s IN (", d.QuoteIdent(key))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(p))
		p++
	}
	b.WriteString(")")
	return b.String()
}

// exec runs a write statement, retrying lock contention. Exhausted retries
// come back as LockContention.
func (m *Manager) exec(ctx context.Context, op string, repo storage.Repository, query string, args ...any) (int64, error) {
	var n int64
	err := storage.Retry(ctx, m.Retry, repo.IsLockContention, func() error {
		var err error
		n, err = repo.Exec(ctx, query, args...)
		return err
	})
	if err != nil && repo.IsLockContention(err) {
		return 0, apperr.Wrap(apperr.LockContention, op, err)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func keyColumn(cols []storage.ColumnInfo) (string, bool) {
	for _, c := range cols {
		if isKeyColumn(c) {
			return c.Name, true
		}
	}
	return "", false
}
