package joinbuilder

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"tablekit/internal/dbregistry"
	"tablekit/internal/metrics"
	"tablekit/internal/storage"
)

// Every number in this file is a heuristic for UI hints. None of it is used
// for correctness.

// TableInfo is the size of one table of a Spec.
type TableInfo struct {
	Name    string `json:"name"`
	Columns int    `json:"column_count"`
	Rows    int64  `json:"row_count"`
}

// JoinDetail is the observed key distribution of one join edge.
type JoinDetail struct {
	Join
	TotalLeft     int64  `json:"total_1"`
	DistinctLeft  int64  `json:"distinct_values_1"`
	TotalRight    int64  `json:"total_2"`
	DistinctRight int64  `json:"distinct_values_2"`
	Cardinality   string `json:"estimated_cardinality"`
}

// Analysis is the advisory analysis of a Spec.
type Analysis struct {
	Tables          []TableInfo  `json:"table_info"`
	Joins           []JoinDetail `json:"join_details"`
	EstimatedRows   int64        `json:"estimated_result_size"`
	Reduction       float64      `json:"estimated_join_reduction"`
	Recommendations []string     `json:"recommendations"`
	Issues          []string     `json:"potential_issues"`
}

// Analyze validates spec and estimates the shape of its result from table
// sizes and join key distributions.
func (b *Builder) Analyze(ctx context.Context, h *dbregistry.Handle, spec Spec) (Analysis, error) {
	v, err := b.Validate(ctx, h, spec)
	if err != nil {
		return Analysis{}, err
	}
	if err := v.Err(); err != nil {
		return Analysis{}, err
	}

	an := Analysis{Recommendations: []string{}, Issues: []string{}}
	counts := make(map[string]int64, len(spec.Tables))
	for _, t := range spec.Tables {
		cols, err := h.Repo.Columns(ctx, t)
		if err != nil {
			return an, fmt.Errorf("joinbuilder: analyze %s: %w", t, err)
		}
		n, err := h.Repo.CountRows(ctx, t)
		if err != nil {
			return an, fmt.Errorf("joinbuilder: analyze %s: %w", t, err)
		}
		counts[t] = n
		an.Tables = append(an.Tables, TableInfo{Name: t, Columns: len(storage.ColumnNames(cols, false)), Rows: n})
	}

	for _, j := range spec.Joins {
		jd, err := b.joinDetail(ctx, h, j)
		if err != nil {
			an.Issues = append(an.Issues, fmt.Sprintf("cannot analyze join %s: %v", j, err))
			continue
		}
		an.Joins = append(an.Joins, jd)
		switch {
		case jd.DistinctLeft > jd.DistinctRight*10:
			an.Recommendations = append(an.Recommendations, fmt.Sprintf("consider indexing %s.%s", j.RightTable, j.RightColumn))
		case jd.DistinctRight > jd.DistinctLeft*10:
			an.Recommendations = append(an.Recommendations, fmt.Sprintf("consider indexing %s.%s", j.LeftTable, j.LeftColumn))
		}
	}
	an.EstimatedRows = estimateRows(spec, counts)
	an.Reduction = estimateReduction(spec)
	return an, nil
}

func (b *Builder) joinDetail(ctx context.Context, h *dbregistry.Handle, j Join) (JoinDetail, error) {
	jd := JoinDetail{Join: j}
	var err error
	if jd.TotalLeft, jd.DistinctLeft, err = keyStats(ctx, h, j.LeftTable, j.LeftColumn); err != nil {
		return jd, err
	}
	if jd.TotalRight, jd.DistinctRight, err = keyStats(ctx, h, j.RightTable, j.RightColumn); err != nil {
		return jd, err
	}
	jd.Cardinality = cardinality(jd.TotalLeft, jd.DistinctLeft, jd.TotalRight, jd.DistinctRight)
	return jd, nil
}

func keyStats(ctx context.Context, h *dbregistry.Handle, table, column string) (total, distinct int64, err error) {
	d := h.Repo.Dialect()
	q := fmt.Sprintf("SELECT COUNT(*), COUNT(DISTINCT %s) FROM %s", d.QuoteIdent(column), d.QuoteIdent(table))
	rs, err := h.Repo.Query(ctx, q)
	if err != nil {
		return 0, 0, err
	}
	if len(rs.Rows) == 1 {
		total, distinct = storage.AsInt64(rs.Rows[0][0]), storage.AsInt64(rs.Rows[0][1])
	}
	return total, distinct, nil
}

// cardinality classifies a join by whether each side's key is unique.
func cardinality(total1, distinct1, total2, distinct2 int64) string {
	switch {
	case distinct1 == total1 && distinct2 == total2:
		return "one-to-one"
	case distinct1 == total1:
		return "one-to-many"
	case distinct2 == total2:
		return "many-to-one"
	}
	return "many-to-many"
}

// estimateRows starts from the smallest table and applies a fixed factor per
// join: INNER 0.7, LEFT/RIGHT 1.2, FULL OUTER 1.5.
func estimateRows(spec Spec, counts map[string]int64) int64 {
	if len(spec.Tables) == 0 {
		return 0
	}
	if len(spec.Tables) == 1 {
		return counts[spec.Tables[0]]
	}
	size := float64(-1)
	for _, t := range spec.Tables {
		if n := float64(counts[t]); size < 0 || n < size {
			size = n
		}
	}
	for _, j := range spec.Joins {
		switch j.kind() {
		case Inner:
			size = math.Floor(size * 0.7)
		case Left, Right:
			size = math.Floor(size * 1.2)
		default:
			size = math.Floor(size * 1.5)
		}
	}
	return int64(math.Max(size, 0))
}

// estimateReduction is 0.3 plus 0.2 per INNER and 0.1 per LEFT/RIGHT join,
// capped at 0.9; 0 for a single table.
func estimateReduction(spec Spec) float64 {
	if len(spec.Tables) <= 1 {
		return 0
	}
	r := 0.3
	for _, j := range spec.Joins {
		switch j.kind() {
		case Inner:
			r += 0.2
		case Left, Right:
			r += 0.1
		}
	}
	return math.Round(math.Min(r, 0.9)*100) / 100
}

//
// preview
//

// DefaultPreviewLimit bounds Preview when no limit is given.
const DefaultPreviewLimit = 100

// MemoryEstimate extrapolates the preview's first row to the full result.
type MemoryEstimate struct {
	PreviewKB          float64 `json:"preview_kb"`
	EstimatedMB        float64 `json:"estimated_mb"`
	AvgRowBytes        int     `json:"avg_row_size_bytes"`
	PerformanceWarning bool    `json:"performance_warning"`
}

// FormatScore rates one export format out of 10.
type FormatScore struct {
	Score int      `json:"score"`
	Notes []string `json:"notes"`
}

// Insight is one advisory message about a preview.
type Insight struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Preview is a limited run of a Spec with its analysis.
type Preview struct {
	Query    string                 `json:"query"`
	Columns  []string               `json:"columns"`
	Rows     [][]any                `json:"data"`
	RowCount int                    `json:"row_count"`
	Duration time.Duration          `json:"execution_time"`
	Analysis Analysis               `json:"join_analysis"`
	Memory   MemoryEstimate         `json:"memory"`
	Export   map[string]FormatScore `json:"export_suitability"`
	Insights []Insight              `json:"preview_insights"`
}

// Preview validates spec, runs it with limit (DefaultPreviewLimit when
// <= 0) and attaches the advisory analysis.
func (b *Builder) Preview(ctx context.Context, h *dbregistry.Handle, spec Spec, limit int) (Preview, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	q, err := b.BuildQuery(ctx, h, spec, limit)
	if err != nil {
		return Preview{}, err
	}
	start := time.Now()
	rs, err := h.Repo.Query(ctx, q)
	dur := time.Since(start)
	metrics.RecordQuery(metrics.QueryPreview, dur)
	if err != nil {
		return Preview{Query: q}, fmt.Errorf("joinbuilder: preview: %w", err)
	}

	p := Preview{Query: q, Columns: rs.Columns, Rows: rs.Rows, RowCount: len(rs.Rows), Duration: dur}
	if p.Analysis, err = b.Analyze(ctx, h, spec); err != nil {
		return p, err
	}
	p.Memory = estimateMemory(rs.Rows, p.Analysis.EstimatedRows)
	p.Export = exportSuitability(rs.Columns, rs.Rows)
	p.Insights = insights(spec, rs.Columns, rs.Rows, limit)
	b.logf("preview: tables=%d rows=%d duration=%s", len(spec.Tables), p.RowCount, dur.Truncate(time.Millisecond))
	return p, nil
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprint(v)
}

// estimateMemory sizes a row at two bytes per character of its first
// preview row.
func estimateMemory(rows [][]any, estimatedRows int64) MemoryEstimate {
	if len(rows) == 0 {
		return MemoryEstimate{}
	}
	avg := 0
	for _, v := range rows[0] {
		if v != nil {
			avg += len(cellText(v)) * 2
		}
	}
	m := MemoryEstimate{
		AvgRowBytes: avg,
		PreviewKB:   round2(float64(len(rows)*avg) / 1024),
		EstimatedMB: round2(float64(estimatedRows) * float64(avg) / (1024 * 1024)),
	}
	m.PerformanceWarning = m.EstimatedMB > 100
	return m
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func exportSuitability(cols []string, rows [][]any) map[string]FormatScore {
	if len(rows) == 0 {
		return map[string]FormatScore{}
	}
	excel := FormatScore{Score: 8, Notes: []string{}}
	csv := FormatScore{Score: 9, Notes: []string{}}
	json := FormatScore{Score: 7, Notes: []string{}}
	pdf := FormatScore{Score: 5, Notes: []string{}}

	maxLen, special := 0, false
	for _, r := range rows {
		for _, v := range r {
			if v == nil {
				continue
			}
			s := cellText(v)
			if len(s) > maxLen {
				maxLen = len(s)
			}
			if strings.ContainsAny(s, "\n\r\t\"'") {
				special = true
			}
		}
	}
	if len(cols) > 20 {
		excel.Score -= 2
		excel.Notes = append(excel.Notes, "many columns may require a wide layout")
		pdf.Score -= 3
		pdf.Notes = append(pdf.Notes, "too many columns for a standard PDF layout")
	}
	if maxLen > 100 {
		csv.Score--
		csv.Notes = append(csv.Notes, "long text values may need special handling")
		excel.Score--
		excel.Notes = append(excel.Notes, "long text may require cell wrapping")
	}
	if special {
		csv.Score -= 2
		csv.Notes = append(csv.Notes, "special characters require proper escaping")
	}
	return map[string]FormatScore{"excel": excel, "csv": csv, "json": json, "pdf": pdf}
}

func insights(spec Spec, cols []string, rows [][]any, limit int) []Insight {
	out := []Insight{}
	if len(rows) == 0 {
		return append(out, Insight{
			Type: "warning", Title: "No Data Found",
			Message: "The current configuration produces no results. Check your join conditions and filters.",
			Action:  "Review join configuration",
		})
	}
	if len(rows) == limit {
		out = append(out, Insight{
			Type: "info", Title: "Preview Limited",
			Message: fmt.Sprintf("Showing first %d rows. Full dataset may be larger.", len(rows)),
			Action:  "Consider adding filters to reduce result size",
		})
	}
	if len(cols) > 15 {
		out = append(out, Insight{
			Type: "warning", Title: "Many Columns",
			Message: fmt.Sprintf("Result has %d columns. Consider selecting specific columns.", len(cols)),
			Action:  "Use column selection to focus on needed data",
		})
	}

	nulls := 0
	for _, r := range rows {
		for _, v := range r {
			if v == nil {
				nulls++
			}
		}
	}
	if cells := len(rows) * len(cols); cells > 0 {
		if pct := float64(nulls) / float64(cells) * 100; pct > 30 {
			out = append(out, Insight{
				Type: "warning", Title: "Missing Data",
				Message: fmt.Sprintf("%.1f%% of cells are empty.", pct),
				Action:  "Consider data cleaning or filtering out incomplete records",
			})
		}
	}

	if len(spec.Tables) > 1 {
		switch r := estimateReduction(spec); {
		case r > 0.5:
			out = append(out, Insight{
				Type: "success", Title: "Effective Join",
				Message: fmt.Sprintf("Join appears to filter data effectively (about %.0f%% reduction).", r*100),
			})
		case r < 0.1:
			out = append(out, Insight{
				Type: "warning", Title: "Minimal Join Effect",
				Message: "Join conditions may be too broad, producing many results.",
				Action:  "Consider adding more restrictive join conditions",
			})
		}
	}
	return out
}

//
// performance test
//

// PerformanceTestLimit is the row limit of PerformanceTest.
const PerformanceTestLimit = 1000

// Complexity scores a Spec as tables*2 + joins*3 + filters.
type Complexity struct {
	Tables  int    `json:"tables_count"`
	Joins   int    `json:"joins_count"`
	Filters int    `json:"filters_count"`
	Score   int    `json:"score"`
	Level   string `json:"estimated_complexity"`
}

// ComplexityOf scores spec: high above 15, medium above 8, else low.
func ComplexityOf(spec Spec) Complexity {
	c := Complexity{Tables: len(spec.Tables), Joins: len(spec.Joins), Filters: len(spec.Filters)}
	c.Score = c.Tables*2 + c.Joins*3 + c.Filters
	switch {
	case c.Score > 15:
		c.Level = "high"
	case c.Score > 8:
		c.Level = "medium"
	default:
		c.Level = "low"
	}
	return c
}

// Performance is the result of PerformanceTest.
type Performance struct {
	Query           string        `json:"query"`
	Duration        time.Duration `json:"execution_time"`
	RowCount        int           `json:"row_count"`
	Complexity      Complexity    `json:"complexity_analysis"`
	Recommendations []string      `json:"recommendations"`
}

// PerformanceTest times spec limited to PerformanceTestLimit rows.
func (b *Builder) PerformanceTest(ctx context.Context, h *dbregistry.Handle, spec Spec) (Performance, error) {
	q, err := b.BuildQuery(ctx, h, spec, PerformanceTestLimit)
	if err != nil {
		return Performance{}, err
	}
	start := time.Now()
	rs, err := h.Repo.Query(ctx, q)
	dur := time.Since(start)
	metrics.RecordQuery(metrics.QueryPreview, dur)
	if err != nil {
		return Performance{Query: q}, fmt.Errorf("joinbuilder: performance test: %w", err)
	}
	p := Performance{Query: q, Duration: dur, RowCount: len(rs.Rows), Complexity: ComplexityOf(spec)}
	p.Recommendations = performanceAdvice(p.Complexity, dur)
	return p, nil
}

func performanceAdvice(c Complexity, d time.Duration) []string {
	var out []string
	if d > 2*time.Second {
		out = append(out, "Query execution time is slow. Consider adding indexes on join columns.")
	}
	if c.Joins > 3 {
		out = append(out, "Multiple joins detected. Consider breaking the query into smaller ones if performance is poor.")
	}
	if c.Level == "high" {
		out = append(out, "High complexity query. Monitor performance and consider optimization.")
	}
	if len(out) == 0 {
		out = append(out, "Query performance looks good!")
	}
	return out
}
