package joinbuilder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/metrics"
	"tablekit/internal/normalize"
	"tablekit/internal/probe"
	"tablekit/internal/sanitize"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// forbidden matches statement keywords as whole words, so column names such
// as created_date or updated_at pass.
var forbidden = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|EXEC|EXECUTE|TRUNCATE|MERGE|GRANT|REVOKE|ATTACH|DETACH|PRAGMA)\b`)

// CheckReadOnly rejects anything but a single SELECT. It is a keyword
// denylist over the raw text, not a SQL parser.
func CheckReadOnly(query string) error {
	const op = "joinbuilder.CheckReadOnly"
	q := strings.TrimSpace(query)
	if q == "" {
		return apperr.New(apperr.ForbiddenStatement, op, "query is empty")
	}
	if !strings.HasPrefix(strings.ToUpper(q), "SELECT") {
		return apperr.New(apperr.ForbiddenStatement, op, "only SELECT queries are allowed")
	}
	if m := forbidden.FindString(q); m != "" {
		return apperr.New(apperr.ForbiddenStatement, op, "statement contains forbidden keyword %s", strings.ToUpper(m))
	}
	return nil
}

// ExecuteReadOnly runs a free-form SELECT against h.
func (b *Builder) ExecuteReadOnly(ctx context.Context, h *dbregistry.Handle, query string) (*storage.ResultSet, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}
	start := time.Now()
	rs, err := h.Repo.Query(ctx, query)
	metrics.RecordQuery(metrics.QueryReadOnly, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("joinbuilder: execute: %w", err)
	}
	b.logf("execute: rows=%d duration=%s", len(rs.Rows), time.Since(start).Truncate(time.Millisecond))
	return rs, nil
}

// Materialized describes a table created by MaterializeQuery.
type Materialized struct {
	Table    string          `json:"table_name"`
	Columns  []schema.Column `json:"columns"`
	Rows     int64           `json:"rows_inserted"`
	Skipped  int64           `json:"rows_skipped"`
	Warnings []string        `json:"warnings,omitempty"`
}

// MaterializeQuery runs a read-only query and stores its result as a new
// table named table. Column types are inferred from the result values the
// same way ingestion infers them. The table is dropped again if the load or
// the catalog write fails.
func (b *Builder) MaterializeQuery(ctx context.Context, h *dbregistry.Handle, query, table string) (res Materialized, err error) {
	const op = "joinbuilder.MaterializeQuery"
	start := time.Now()
	defer func() { metrics.RecordQuery(metrics.QueryMaterialized, time.Since(start)) }()

	name := sanitize.TableName(table)
	exists, err := h.Repo.TableExists(ctx, name)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	if exists || catalog.IsCatalogTable(name) {
		return res, apperr.New(apperr.NameConflict, op, "table %q already exists", name)
	}

	rs, err := b.ExecuteReadOnly(ctx, h, query)
	if err != nil {
		return res, err
	}
	if len(rs.Rows) == 0 {
		return res, apperr.New(apperr.NoTabularData, op, "query returned no rows")
	}

	raw := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		raw[i] = sanitize.ColumnName(c)
	}
	names := sanitize.UniqueNames(raw, schema.AutoKey)

	loc := normalize.LocaleEN
	values := make([][]normalize.Value, len(rs.Rows))
	for i, r := range rs.Rows {
		values[i] = normalize.NormalizeRow(r, loc)
	}
	decisions := probe.InferColumns(values, len(names), loc)

	ts := schema.TableSchema{Columns: make([]schema.Column, len(names))}
	for i, n := range names {
		ts.Columns[i] = schema.Column{Name: n, Type: decisions[i].Type, Nullable: true}
	}
	rows := make([][]any, len(values))
	for i, r := range values {
		row := make([]any, len(names))
		for j := range names {
			if j < len(r) {
				row[j] = probe.Convert(r[j], ts.Columns[j].Type, loc)
			}
		}
		rows[i] = row
	}

	if _, err := b.Tables.CreateTable(ctx, h, name, ts); err != nil {
		return res, err
	}
	defer func() {
		if err == nil {
			return
		}
		if derr := h.Repo.DropTable(context.WithoutCancel(ctx), name); derr != nil {
			b.logf("materialize: drop %s after failure: %v", name, derr)
		}
	}()

	stats, err := b.Tables.Load(ctx, h.Repo, name, names, rows, nil)
	if err != nil {
		return res, err
	}
	rec := catalog.TableRecord{TableName: name, SheetName: "query", ColumnCount: len(names), RowCount: stats.Inserted}
	if err = h.Catalog.PutTable(ctx, rec); err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	res = Materialized{Table: name, Columns: ts.Columns, Rows: stats.Inserted, Skipped: stats.Skipped}
	if stats.Skipped > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d row(s) skipped", stats.Skipped))
	}
	b.logf("materialize: table=%s rows=%d", name, stats.Inserted)
	return res, nil
}
