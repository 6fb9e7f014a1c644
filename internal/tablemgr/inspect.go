package tablemgr

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/sanitize"
	"tablekit/internal/storage"
)

//
// structure comparison
//

// Suggestion maps one source column to the closest table column.
type Suggestion struct {
	SourceColumn string  `json:"worksheet_column"`
	Sanitized    string  `json:"sanitized_name"`
	TableColumn  string  `json:"suggested_table_column,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// Comparison is the result of CompareStructure.
type Comparison struct {
	Compatible    bool         `json:"compatible"`
	TableColumns  []string     `json:"table_columns"`
	SourceColumns []string     `json:"worksheet_columns"`
	Missing       []string     `json:"missing_columns"`
	Extra         []string     `json:"extra_columns"`
	Suggestions   []Suggestion `json:"suggestions"`
}

// minSuggestScore is the similarity a table column needs to be suggested.
const minSuggestScore = 0.5

// CompareStructure compares raw source headers with the columns of an
// existing table. Missing lists sanitized source columns the table lacks,
// Extra lists table columns the source lacks.
func (m *Manager) CompareStructure(ctx context.Context, h *dbregistry.Handle, table string, headers []string) (Comparison, error) {
	cols, err := m.Columns(ctx, h, table)
	if err != nil {
		return Comparison{}, err
	}
	return compareColumns(storage.ColumnNames(cols, false), headers), nil
}

func compareColumns(tableCols, headers []string) Comparison {
	cmp := Comparison{
		TableColumns:  tableCols,
		SourceColumns: make([]string, len(headers)),
		Missing:       []string{},
		Extra:         []string{},
	}
	inTable := make(map[string]bool, len(tableCols))
	for _, c := range tableCols {
		inTable[strings.ToLower(c)] = true
	}
	inSource := make(map[string]bool, len(headers))
	for i, raw := range headers {
		s := sanitize.ColumnName(raw)
		cmp.SourceColumns[i] = s
		inSource[s] = true
		if !inTable[s] {
			cmp.Missing = append(cmp.Missing, s)
		}
	}
	for _, c := range tableCols {
		if !inSource[strings.ToLower(c)] {
			cmp.Extra = append(cmp.Extra, c)
		}
	}
	cmp.Compatible = len(cmp.Missing) == 0 && len(cmp.Extra) == 0

	for i, raw := range headers {
		sug := Suggestion{SourceColumn: raw, Sanitized: cmp.SourceColumns[i]}
		for _, c := range tableCols {
			if score := similarity(sug.Sanitized, strings.ToLower(c)); score > sug.Confidence && score > minSuggestScore {
				sug.Confidence = score
				sug.TableColumn = c
			}
		}
		cmp.Suggestions = append(cmp.Suggestions, sug)
	}
	return cmp
}

// similarity scores two names in [0,1]: 1 for equal, 0.8 when one contains
// the other, else the normalized levenshtein similarity.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.8
	}
	ra, rb := []rune(a), []rune(b)
	maxLen := math.Max(float64(len(ra)), float64(len(rb)))
	d := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	s := 1 - float64(d)/maxLen
	if s < 0 {
		return 0
	}
	return s
}

//
// column statistics
//

// ColumnStats summarizes one column.
type ColumnStats struct {
	Table       string  `json:"table"`
	Column      string  `json:"column"`
	Total       int64   `json:"total_count"`
	NonNull     int64   `json:"non_null_count"`
	Distinct    int64   `json:"unique_count"`
	Null        int64   `json:"null_count"`
	NullPercent float64 `json:"null_percentage"`
}

// ColumnStats returns counts for column of table.
func (m *Manager) ColumnStats(ctx context.Context, h *dbregistry.Handle, table, column string) (ColumnStats, error) {
	const op = "tablemgr.ColumnStats"
	cols, err := m.Columns(ctx, h, table)
	if err != nil {
		return ColumnStats{}, err
	}
	name, ok := findColumn(cols, column)
	if !ok {
		return ColumnStats{}, apperr.New(apperr.UnknownColumn, op, "column %q does not exist in %q", column, table)
	}

	d := h.Repo.Dialect()
	c := d.QuoteIdent(name)
	q := fmt.Sprintf("SELECT COUNT(*), COUNT(%s), COUNT(DISTINCT %s) FROM %s", c, c, d.QuoteIdent(table))
	rs, err := h.Repo.Query(ctx, q)
	if err != nil {
		return ColumnStats{}, fmt.Errorf("%s: %w", op, err)
	}
	st := ColumnStats{Table: table, Column: name}
	if len(rs.Rows) == 1 {
		st.Total = storage.AsInt64(rs.Rows[0][0])
		st.NonNull = storage.AsInt64(rs.Rows[0][1])
		st.Distinct = storage.AsInt64(rs.Rows[0][2])
	}
	st.Null = st.Total - st.NonNull
	if st.Total > 0 {
		st.NullPercent = float64(st.Null) / float64(st.Total) * 100
	}
	return st, nil
}

func findColumn(cols []storage.ColumnInfo, name string) (string, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c.Name, true
		}
	}
	return "", false
}

//
// browse
//

// Browse defaults.
const (
	DefaultPerPage = 50
	MaxPerPage     = 1000
)

// BrowseRequest selects one page of a table.
type BrowseRequest struct {
	Table   string `json:"table"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`

	// Search matches any column whose text form contains it.
	Search string `json:"search,omitempty"`

	SortColumn string `json:"sort_column,omitempty"`
	SortDesc   bool   `json:"sort_desc,omitempty"`
}

// Page is one page of rows.
type Page struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Total   int64    `json:"total"`
	Page    int      `json:"page"`
	PerPage int      `json:"per_page"`
	Pages   int      `json:"total_pages"`
}

// Browse returns one page of req.Table. The sort column is validated against
// introspection; without one, rows come in key order.
func (m *Manager) Browse(ctx context.Context, h *dbregistry.Handle, req BrowseRequest) (Page, error) {
	const op = "tablemgr.Browse"
	cols, err := m.Columns(ctx, h, req.Table)
	if err != nil {
		return Page{}, err
	}

	page := Page{Page: req.Page, PerPage: req.PerPage, Columns: storage.ColumnNames(cols, true)}
	if page.Page < 1 {
		page.Page = 1
	}
	if page.PerPage <= 0 {
		page.PerPage = DefaultPerPage
	}
	if page.PerPage > MaxPerPage {
		page.PerPage = MaxPerPage
	}

	d := h.Repo.Dialect()
	orderBy := page.Columns[0]
	for _, c := range cols {
		if isKeyColumn(c) {
			orderBy = c.Name
		}
	}
	if req.SortColumn != "" {
		name, ok := findColumn(cols, req.SortColumn)
		if !ok {
			return Page{}, apperr.New(apperr.UnknownColumn, op, "cannot sort by %q: no such column in %q", req.SortColumn, req.Table)
		}
		orderBy = name
	}
	dir := "ASC"
	if req.SortDesc {
		dir = "DESC"
	}

	var (
		where string
		args  []any
	)
	if s := strings.TrimSpace(req.Search); s != "" {
		conds := make([]string, len(page.Columns))
		for i, c := range page.Columns {
			conds[i] = d.CastText(d.QuoteIdent(c)) + " LIKE " + d.Placeholder(i+1)
			args = append(args, "%"+s+"%")
		}
		where = " WHERE (" + strings.Join(conds, " OR ") + ")"
	}

	from := " FROM " + d.QuoteIdent(req.Table) + where
	rs, err := h.Repo.Query(ctx, "SELECT COUNT(*)"+from, args...)
	if err != nil {
		return Page{}, fmt.Errorf("%s: count: %w", op, err)
	}
	if len(rs.Rows) == 1 {
		page.Total = storage.AsInt64(rs.Rows[0][0])
	}
	page.Pages = int((page.Total + int64(page.PerPage) - 1) / int64(page.PerPage))

	q := "SELECT " + strings.Join(quoteAll(d.QuoteIdent, page.Columns), ", ") + from +
		" ORDER BY " + d.QuoteIdent(orderBy) + " " + dir +
		d.PageSQL(page.PerPage, (page.Page-1)*page.PerPage)
	rs, err = h.Repo.Query(ctx, q, args...)
	if err != nil {
		return Page{}, fmt.Errorf("%s: %w", op, err)
	}
	page.Rows = rs.Rows
	return page, nil
}

func quoteAll(quote func(string) string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// TableSummary is one row of a database's table listing.
type TableSummary struct {
	Name      string `json:"table_name"`
	SheetName string `json:"original_sheet_name,omitempty"`
	UploadID  int64  `json:"upload_id"`
	Columns   int    `json:"column_count"`
	Rows      int64  `json:"row_count"`
	Cataloged bool   `json:"cataloged"`
}

// Summaries lists the user tables of h with live counts and catalog
// provenance, sorted by name.
func (m *Manager) Summaries(ctx context.Context, h *dbregistry.Handle) ([]TableSummary, error) {
	tables, err := m.ListTables(ctx, h)
	if err != nil {
		return nil, err
	}
	recs, err := h.Catalog.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int, len(recs))
	for i, r := range recs {
		byName[r.TableName] = i
	}

	out := make([]TableSummary, 0, len(tables))
	for _, t := range tables {
		cols, err := h.Repo.Columns(ctx, t)
		if err != nil {
			return nil, err
		}
		rows, err := h.Repo.CountRows(ctx, t)
		if err != nil {
			return nil, err
		}
		s := TableSummary{Name: t, Columns: len(storage.ColumnNames(cols, false)), Rows: rows}
		if i, ok := byName[t]; ok {
			s.Cataloged = true
			s.SheetName = recs[i].SheetName
			s.UploadID = recs[i].UploadID
		}
		out = append(out, s)
	}
	return out, nil
}
