package joinbuilder

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"tablekit/internal/dbregistry"
	"tablekit/internal/sanitize"
	"tablekit/internal/schema"
)

// BuildQuery validates spec against h and renders it as one SELECT.
// limit <= 0 renders no limit.
func (b *Builder) BuildQuery(ctx context.Context, h *dbregistry.Handle, spec Spec, limit int) (string, error) {
	v, err := b.Validate(ctx, h, spec)
	if err != nil {
		return "", err
	}
	if err := v.Err(); err != nil {
		return "", err
	}
	ts, _, err := b.introspect(ctx, h, spec.Tables)
	if err != nil {
		return "", err
	}
	cols := make(map[string][]string, len(ts))
	for t := range ts {
		cols[t] = ts.names(t)
	}
	return render(spec, cols, h.Repo.Dialect(), limit), nil
}

// render emits
//
//	SELECT <projection> FROM <first> <joins> [WHERE ...] [ORDER BY ...] [limit]
//
// With one table the projection is unqualified; with more, every column is
// qualified and aliased <table>_<column>. cols supplies the columns of tables
// without an explicit selection.
func render(spec Spec, cols map[string][]string, d schema.Dialect, limit int) string {
	q := d.QuoteIdent
	var sb strings.Builder

	var proj []string
	for _, t := range spec.Tables {
		names := spec.Columns[t]
		if len(names) == 0 {
			names = cols[t]
		}
		for _, c := range names {
			if len(spec.Tables) == 1 {
				proj = append(proj, q(c))
				continue
			}
			proj = append(proj, q(t)+"."+q(c)+" AS "+q(t+"_"+c))
		}
	}
	if len(proj) == 0 {
		proj = []string{"*"}
	}
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(proj, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(q(spec.Tables[0]))

	for _, j := range spec.Joins {
		sb.WriteString(" " + j.kind() + " JOIN " + q(j.RightTable))
		sb.WriteString(" ON " + q(j.LeftTable) + "." + q(j.LeftColumn) + " " + j.operator() + " " + q(j.RightTable) + "." + q(j.RightColumn))
	}

	var where []string
	for _, f := range spec.Filters {
		if cond := renderFilter(f, d); cond != "" {
			where = append(where, cond)
		}
	}
	if w := strings.TrimSpace(spec.Where); w != "" {
		where = append(where, "("+w+")")
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	order := strings.TrimSpace(spec.OrderBy)
	if order == "" && limit > 0 && d.Name() == schema.MSSQL.Name() {
		order = "(SELECT NULL)"
	}
	if order != "" {
		sb.WriteString(" ORDER BY " + order)
	}
	if limit > 0 {
		sb.WriteString(d.LimitSQL(limit))
	}
	return sb.String()
}

var textOps = map[string]bool{"=": true, "!=": true, "<>": true, "LIKE": true, "NOT LIKE": true, "STARTS_WITH": true, "ENDS_WITH": true}

// renderFilter renders one predicate, or "" when the filter is incomplete,
// its operator is not allowed for its kind, or its value does not parse.
func renderFilter(f Filter, d schema.Dialect) string {
	op := strings.Join(strings.Fields(strings.ToUpper(f.Operator)), " ")
	if f.Table == "" || f.Column == "" || op == "" {
		return ""
	}
	col := d.QuoteIdent(f.Table) + "." + d.QuoteIdent(f.Column)

	switch op {
	case "IS NULL", "IS NOT NULL":
		return col + " " + op
	}
	value := strings.TrimSpace(f.Value)
	if value == "" {
		return ""
	}

	switch strings.ToLower(strings.TrimSpace(f.ValueKind)) {
	case "", KindText:
		switch op {
		case "LIKE", "NOT LIKE":
			return col + " " + op + " " + sanitize.QuoteLiteral("%"+value+"%")
		case "STARTS_WITH":
			return col + " LIKE " + sanitize.QuoteLiteral(value+"%")
		case "ENDS_WITH":
			return col + " LIKE " + sanitize.QuoteLiteral("%"+value)
		}
		if !textOps[op] {
			return ""
		}
		return col + " " + op + " " + sanitize.QuoteLiteral(value)

	case KindNumber:
		n, ok := parseNumber(value)
		if !ok {
			return ""
		}
		return ranged(col, op, n, f.Value2, parseNumber)

	case KindDate:
		day, ok := parseDay(value)
		if !ok {
			return ""
		}
		return ranged(col, op, day, f.Value2, parseDay)
	}
	return ""
}

// ranged renders comparison and BETWEEN operators over an already formatted
// first bound; the second bound is parsed with parse.
func ranged(col, op, v1, raw2 string, parse func(string) (string, bool)) string {
	switch op {
	case "BETWEEN", "NOT BETWEEN":
		v2, ok := parse(strings.TrimSpace(raw2))
		if !ok {
			return ""
		}
		return col + " " + op + " " + v1 + " AND " + v2
	}
	if !comparisonOps[op] {
		return ""
	}
	return col + " " + op + " " + v1
}

func parseNumber(s string) (string, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// parseDay accepts exactly YYYY-MM-DD and returns it as a quoted literal.
func parseDay(s string) (string, bool) {
	if len(s) != 10 {
		return "", false
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return "", false
	}
	return "'" + s + "'", true
}
