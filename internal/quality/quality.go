// Package quality profiles a tabular result: per-column missing values,
// distinct counts and descriptive statistics, duplicate rows, a list of
// detected issues and an overall quality score.
//
// The scores are advisory. They summarize the data for a user deciding
// whether to trust a join or an import; nothing else depends on them.
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"tablekit/internal/normalize"
	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// Thresholds of the issue detectors.
const (
	HighMissingPercent = 50
	ConstantMinValues  = 10
	TopValueCount      = 10
)

// Issue severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Issue types.
const (
	IssueHighMissing = "High Missing Data"
	IssueDuplicates  = "Duplicate Rows"
	IssueConstant    = "Constant Column"
)

// Issue is one detected data-quality problem.
type Issue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Column      string `json:"column,omitempty"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// NumericStats describes the numeric values of a column.
type NumericStats struct {
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Q25      float64 `json:"q25"`
	Q75      float64 `json:"q75"`
	Outliers int     `json:"outliers"`
}

// TextStats describes the text values of a column.
type TextStats struct {
	AvgLength float64 `json:"avg_length"`
	MinLength int     `json:"min_length"`
	MaxLength int     `json:"max_length"`
}

// ValueCount is one entry of a column's frequency table.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ColumnProfile is the profile of one column.
type ColumnProfile struct {
	Name            string        `json:"name"`
	Missing         int           `json:"missing_count"`
	MissingPercent  float64       `json:"missing_percentage"`
	Unique          int           `json:"unique_count"`
	UniquenessRatio float64       `json:"uniqueness_ratio"`
	DominantKind    string        `json:"dominant_kind"`
	Consistency     float64       `json:"consistency"`
	Numeric         *NumericStats `json:"numeric,omitempty"`
	Text            *TextStats    `json:"text,omitempty"`
	TopValues       []ValueCount  `json:"top_values"`
}

// Scores are percentages in [0,100].
type Scores struct {
	Completeness float64 `json:"completeness"`
	Uniqueness   float64 `json:"uniqueness"`
	Consistency  float64 `json:"consistency"`
	Accuracy     float64 `json:"accuracy"`
	Overall      float64 `json:"overall_score"`
}

// Report is the result of Analyze.
type Report struct {
	Rows          int             `json:"total_rows"`
	Columns       int             `json:"total_columns"`
	DuplicateRows int             `json:"duplicate_rows"`
	Scores        Scores          `json:"scores"`
	Profiles      []ColumnProfile `json:"columns"`
	Issues        []Issue         `json:"issues"`
}

// Analyze profiles rows under the given column names. Rows shorter than
// columns are padded with nulls.
//
// Completeness is the share of non-null cells, uniqueness the share of rows
// that are not an exact duplicate of an earlier row, consistency the mean
// share of each column's values that have the column's dominant kind, and
// accuracy the share of numeric values within three standard deviations of
// their column mean. The overall score weighs them 0.35, 0.25, 0.2, 0.2.
func Analyze(columns []string, rows [][]any) Report {
	rep := Report{Rows: len(rows), Columns: len(columns), Profiles: []ColumnProfile{}, Issues: []Issue{}}
	if len(rows) == 0 || len(columns) == 0 {
		return rep
	}

	seen := make(map[[32]byte]struct{}, len(rows))
	for _, r := range rows {
		fp := Fingerprint(pad(r, len(columns)))
		if _, dup := seen[fp]; dup {
			rep.DuplicateRows++
			continue
		}
		seen[fp] = struct{}{}
	}

	var (
		missingCells                 int
		consistencySum               float64
		numericValues, numericInside int
	)
	for i, name := range columns {
		p, inside, numeric := profile(name, column(rows, i))
		rep.Profiles = append(rep.Profiles, p)
		missingCells += p.Missing
		consistencySum += p.Consistency
		numericValues += numeric
		numericInside += inside

		if p.MissingPercent > HighMissingPercent {
			rep.Issues = append(rep.Issues, Issue{
				Type: IssueHighMissing, Severity: SeverityHigh, Column: name, Count: p.Missing,
				Description: fmt.Sprintf("Column %q has %.1f%% missing values", name, p.MissingPercent),
			})
		}
		if nonNull := len(rows) - p.Missing; p.Unique == 1 && nonNull > ConstantMinValues {
			rep.Issues = append(rep.Issues, Issue{
				Type: IssueConstant, Severity: SeverityLow, Column: name, Count: nonNull,
				Description: fmt.Sprintf("Column %q has only one unique value", name),
			})
		}
	}
	if rep.DuplicateRows > 0 {
		rep.Issues = append(rep.Issues, Issue{
			Type: IssueDuplicates, Severity: SeverityMedium, Count: rep.DuplicateRows,
			Description: fmt.Sprintf("Found %d duplicate rows", rep.DuplicateRows),
		})
	}

	cells := len(rows) * len(columns)
	s := Scores{
		Completeness: percent(cells-missingCells, cells),
		Uniqueness:   percent(len(rows)-rep.DuplicateRows, len(rows)),
		Consistency:  consistencySum / float64(len(columns)),
		Accuracy:     100,
	}
	if numericValues > 0 {
		s.Accuracy = percent(numericInside, numericValues)
	}
	s.Overall = s.Completeness*0.35 + s.Uniqueness*0.25 + s.Consistency*0.2 + s.Accuracy*0.2
	s.Completeness, s.Uniqueness = round1(s.Completeness), round1(s.Uniqueness)
	s.Consistency, s.Accuracy, s.Overall = round1(s.Consistency), round1(s.Accuracy), round1(s.Overall)
	rep.Scores = s
	return rep
}

// AnalyzeTable profiles up to limit rows of table (all rows when limit <= 0).
func AnalyzeTable(ctx context.Context, repo storage.Repository, table string, limit int) (Report, error) {
	cols, err := repo.Columns(ctx, table)
	if err != nil {
		return Report{}, fmt.Errorf("quality: columns %s: %w", table, err)
	}
	names := storage.ColumnNames(cols, false)
	if len(names) == 0 {
		return Analyze(nil, nil), nil
	}
	d := repo.Dialect()
	q := "SELECT "
	for i, n := range names {
		if i > 0 {
			q += ", "
		}
		q += d.QuoteIdent(n)
	}
	q += " FROM " + d.QuoteIdent(table)
	if limit > 0 {
		if d.Name() == schema.MSSQL.Name() {
			q += " ORDER BY (SELECT NULL)"
		}
		q += d.LimitSQL(limit)
	}
	rs, err := repo.Query(ctx, q)
	if err != nil {
		return Report{}, fmt.Errorf("quality: read %s: %w", table, err)
	}
	return Analyze(rs.Columns, rs.Rows), nil
}

func pad(r []any, n int) []any {
	if len(r) >= n {
		return r[:n]
	}
	out := make([]any, n)
	copy(out, r)
	return out
}

func column(rows [][]any, i int) []any {
	out := make([]any, len(rows))
	for j, r := range rows {
		if i < len(r) {
			out[j] = r[i]
		}
	}
	return out
}

// profile computes the profile of one column. It also returns how many
// numeric values it saw and how many of them lie within three standard
// deviations of the mean.
func profile(name string, values []any) (p ColumnProfile, inside, numeric int) {
	p = ColumnProfile{Name: name, TopValues: []ValueCount{}}
	counts := map[string]int{}
	kinds := map[normalize.Kind]int{}
	var nums []float64
	var lengths []int

	for _, raw := range values {
		v := normalize.NormalizeValue(raw, normalize.LocaleEN)
		if v.IsNull() {
			p.Missing++
			continue
		}
		counts[valueKey(v.Any())]++
		kinds[v.Kind]++
		if f, ok := v.Float64(); ok {
			nums = append(nums, f)
		}
		if v.Kind == normalize.Text {
			lengths = append(lengths, utf8.RuneCountInString(v.S))
		}
	}

	nonNull := len(values) - p.Missing
	p.MissingPercent = round1(percent(p.Missing, len(values)))
	p.Unique = len(counts)
	if len(values) > 0 {
		p.UniquenessRatio = math.Round(float64(p.Unique)/float64(len(values))*1000) / 1000
	}

	p.Consistency = 100
	if nonNull > 0 {
		best, bestKind := 0, normalize.Null
		for k, n := range kinds {
			if n > best || (n == best && k < bestKind) {
				best, bestKind = n, k
			}
		}
		p.DominantKind = bestKind.String()
		p.Consistency = round1(percent(best, nonNull))
	}

	if len(nums) > 0 {
		p.Numeric, inside = numericStats(nums)
		numeric = len(nums)
	}
	if len(lengths) > 0 {
		p.Text = textStats(lengths)
	}
	p.TopValues = topValues(counts, TopValueCount)
	return p, inside, numeric
}

func numericStats(nums []float64) (*NumericStats, int) {
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, f := range sorted {
		sum += f
	}
	mean := sum / float64(len(sorted))
	std := 0.0
	if len(sorted) > 1 {
		ss := 0.0
		for _, f := range sorted {
			ss += (f - mean) * (f - mean)
		}
		std = math.Sqrt(ss / float64(len(sorted)-1))
	}

	st := &NumericStats{
		Mean:   mean,
		Median: quantile(sorted, 0.5),
		Std:    std,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Q25:    quantile(sorted, 0.25),
		Q75:    quantile(sorted, 0.75),
	}
	inside := len(sorted)
	if std > 0 {
		for _, f := range sorted {
			if math.Abs(f-mean) > 3*std {
				st.Outliers++
			}
		}
		inside -= st.Outliers
	}
	return st, inside
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func textStats(lengths []int) *TextStats {
	st := &TextStats{MinLength: lengths[0], MaxLength: lengths[0]}
	total := 0
	for _, n := range lengths {
		total += n
		if n < st.MinLength {
			st.MinLength = n
		}
		if n > st.MaxLength {
			st.MaxLength = n
		}
	}
	st.AvgLength = round1(float64(total) / float64(len(lengths)))
	return st
}

// topValues returns the n most frequent values, ties broken by value.
func topValues(counts map[string]int, n int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
