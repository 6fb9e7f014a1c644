package ingest

import (
	"fmt"
	"strings"

	"tablekit/internal/normalize"
	"tablekit/internal/parser"
	"tablekit/internal/probe"
	"tablekit/internal/sanitize"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// ColumnPlan is one resolved column of a source.
type ColumnPlan struct {
	Original string            `json:"original_name"`
	Name     string            `json:"name"`
	Type     schema.ColumnType `json:"type"`
	Rule     string            `json:"rule,omitempty"`
	NonNull  int               `json:"non_null"`
}

// resolved is one source after SchemaResolution, before it is bound to a
// table: cleaned, named, normalized and typed.
type resolved struct {
	source   string
	columns  []ColumnPlan
	rows     [][]normalize.Value
	locale   normalize.Locale
	warnings []string
}

func (r *resolved) schema() schema.TableSchema {
	ts := schema.TableSchema{Columns: make([]schema.Column, len(r.columns))}
	for i, c := range r.columns {
		ts.Columns[i] = schema.Column{Name: c.Name, Type: c.Type, Nullable: true}
	}
	return ts
}

// resolveSource cleans src, sanitizes its headers and infers a type per
// column under the locale that fits the data. overrides maps an original or
// sanitized column name to a type choice.
func resolveSource(src parser.Source, preferred normalize.Locale, overrides map[string]string) (*resolved, error) {
	headers, rows, dropped := clean(src)
	if len(headers) == 0 || len(rows) == 0 {
		return nil, fmt.Errorf("source %q has no data after cleaning", src.Name)
	}
	r := &resolved{source: src.Name}
	if len(dropped) > 0 {
		r.warnings = append(r.warnings, fmt.Sprintf("duplicate columns dropped: %s", strings.Join(dropped, ", ")))
	}

	if preferred == "" {
		preferred = normalize.LocaleFR
	}
	width := len(headers)
	r.locale = probe.ChooseLocale(textRows(rows, width), width, preferred)

	r.rows = make([][]normalize.Value, len(rows))
	for i, row := range rows {
		r.rows[i] = normalize.NormalizeRow(row, r.locale)
	}

	raw := make([]string, width)
	for i, h := range headers {
		raw[i] = sanitize.ColumnName(h)
	}
	names := sanitize.UniqueNames(raw, schema.AutoKey)

	decisions := probe.InferColumns(r.rows, width, r.locale)
	r.columns = make([]ColumnPlan, width)
	for i, d := range decisions {
		if choice, ok := lookupOverride(overrides, headers[i], names[i]); ok {
			od, err := probe.Override(d, choice)
			if err != nil {
				r.warnings = append(r.warnings, fmt.Sprintf("column %s: %v; keeping %s", names[i], err, d.Type))
			} else {
				d = od
			}
		}
		r.columns[i] = ColumnPlan{Original: headers[i], Name: names[i], Type: d.Type, Rule: d.Rule, NonNull: d.NonNull}
	}
	return r, nil
}

func lookupOverride(overrides map[string]string, original, name string) (string, bool) {
	if len(overrides) == 0 {
		return "", false
	}
	if v, ok := overrides[original]; ok {
		return v, true
	}
	if v, ok := overrides[name]; ok {
		return v, true
	}
	for k, v := range overrides {
		if strings.EqualFold(k, original) || sanitize.ColumnName(k) == name {
			return v, true
		}
	}
	return "", false
}

// clean drops fully blank rows and columns, then every column whose
// non-blank header repeats an earlier one. It returns the surviving headers
// (blank headers stay blank), the rows narrowed to them and the dropped
// duplicate names.
func clean(src parser.Source) (headers []string, rows [][]any, dropped []string) {
	width := src.Width()
	for _, r := range src.Rows {
		if !blankRow(r) {
			rows = append(rows, r)
		}
	}

	keep := make([]int, 0, width)
	seen := make(map[string]bool, width)
	for c := 0; c < width; c++ {
		h := ""
		if c < len(src.Headers) {
			h = strings.TrimSpace(src.Headers[c])
		}
		if blankColumn(rows, c) {
			continue
		}
		if h != "" {
			if seen[h] {
				dropped = append(dropped, h)
				continue
			}
			seen[h] = true
		}
		keep = append(keep, c)
		headers = append(headers, h)
	}

	out := make([][]any, len(rows))
	for i, r := range rows {
		nr := make([]any, len(keep))
		for j, c := range keep {
			if c < len(r) {
				nr[j] = r[c]
			}
		}
		out[i] = nr
	}
	return headers, out, dropped
}

func blankRow(r []any) bool {
	for _, v := range r {
		if !blank(v) {
			return false
		}
	}
	return true
}

func blankColumn(rows [][]any, c int) bool {
	for _, r := range rows {
		if c < len(r) && !blank(r[c]) {
			return false
		}
	}
	return true
}

func blank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// textRows returns the string cells of rows for locale detection; other
// cells read the same under every locale and are left empty.
func textRows(rows [][]any, width int) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		sr := make([]string, width)
		for c := 0; c < width && c < len(r); c++ {
			if s, ok := r[c].(string); ok {
				sr[c] = s
			}
		}
		out[i] = sr
	}
	return out
}

// binding maps a resolved source onto the columns of its target table.
// index[i] is the source column loaded into columns[i], or -1 for null.
type binding struct {
	columns []string
	types   []schema.ColumnType
	index   []int
	missing []string
	extra   []string
}

// bindNew loads every resolved column into a table created from its schema.
func bindNew(r *resolved) binding {
	b := binding{
		columns: make([]string, len(r.columns)),
		types:   make([]schema.ColumnType, len(r.columns)),
		index:   make([]int, len(r.columns)),
	}
	for i, c := range r.columns {
		b.columns[i] = c.Name
		b.types[i] = c.Type
		b.index[i] = i
	}
	return b
}

// bindExisting reconciles r with the live columns of an existing table:
// table columns the source lacks are filled with null and source columns the
// table lacks are dropped. Values convert to the declared column types.
func bindExisting(r *resolved, live []storage.ColumnInfo) binding {
	var b binding
	bySource := make(map[string]int, len(r.columns))
	for i, c := range r.columns {
		bySource[strings.ToLower(c.Name)] = i
	}
	used := make(map[int]bool, len(r.columns))
	for _, c := range live {
		if c.PrimaryKey && strings.EqualFold(c.Name, schema.AutoKey) {
			continue
		}
		idx, ok := bySource[strings.ToLower(c.Name)]
		if !ok {
			idx = -1
			b.missing = append(b.missing, c.Name)
		} else {
			used[idx] = true
		}
		b.columns = append(b.columns, c.Name)
		b.types = append(b.types, schema.FromDeclared(c.DeclaredType))
		b.index = append(b.index, idx)
	}
	for i, c := range r.columns {
		if !used[i] {
			b.extra = append(b.extra, c.Name)
		}
	}
	return b
}

// warnings describes the lossy part of a binding.
func (b binding) warnings() []string {
	var out []string
	if len(b.missing) > 0 {
		out = append(out, "table columns missing from source filled with null: "+strings.Join(b.missing, ", "))
	}
	if len(b.extra) > 0 {
		out = append(out, "source columns not in table dropped: "+strings.Join(b.extra, ", "))
	}
	return out
}

// driverRows converts the resolved values into driver values for b's
// columns.
func (b binding) driverRows(r *resolved) [][]any {
	out := make([][]any, len(r.rows))
	for i, row := range r.rows {
		dr := make([]any, len(b.columns))
		for j, idx := range b.index {
			if idx < 0 || idx >= len(row) {
				continue
			}
			dr[j] = probe.Convert(row[idx], b.types[j], r.locale)
		}
		out[i] = dr
	}
	return out
}
