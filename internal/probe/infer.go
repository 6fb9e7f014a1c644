// Package probe implements column type inference and delimiter sniffing for
// tabular input.
//
// The probe package is responsible for:
//   - Deciding a storage type per column from normalized values
//   - Re-validating timestamp decisions against the data before DDL
//   - Sniffing delimiters and the number locale of delimited text
//   - Applying user column-type overrides
//
// Design constraints:
//   - Inference is a pure function of its sample; it never fails.
//   - Ties break toward text: a wrong text column loses nothing, a wrong
//     timestamp or integer column loses data.
package probe

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"tablekit/internal/normalize"
	"tablekit/internal/schema"
)

const (
	// numericShare is the share of non-null values that must parse as numbers.
	numericShare = 0.95
	// dateShare is the share of sampled text values that must look like and
	// parse as dates.
	dateShare = 0.90
	// dateSampleSize bounds how many text values the date gate inspects.
	dateSampleSize = 20
	// dateMinSample is the minimum sample (and minimum candidate count) for
	// a text column to become a timestamp.
	dateMinSample = 5
	// maxBoundedLen is the longest observed value that still gets a bounded
	// text column.
	maxBoundedLen = 500
)

// datePatterns gate text-to-timestamp promotion. A value must match one of
// these before it is even parsed.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{1,2}-\d{1,2}`),
	regexp.MustCompile(`^\d{1,2}[/-]\d{1,2}[/-]\d{4}`),
	regexp.MustCompile(`^\d{4}[/-]\d{1,2}[/-]\d{1,2}`),
	regexp.MustCompile(`^\d{1,2} \pL+\.? \d{4}`),
}

// Decision is the inferred storage type of one column.
type Decision struct {
	Type     schema.ColumnType `json:"type"`
	Nullable bool              `json:"nullable"`
	NonNull  int               `json:"non_null"`
	MaxLen   int               `json:"max_len"`
	// Rule names the step that produced the decision, for analyze output.
	Rule string `json:"rule"`
}

// InferType decides a column type from its values. Steps, in order:
//
//  1. every non-null value is a native timestamp in range -> Timestamp
//  2. >= 95% numeric -> Integer (no fraction, no infinities) else Float
//  3. text values passing the strict date gate -> Timestamp
//  4. BoundedText(min(maxLen, 255)) when maxLen <= 500, else Text
//
// A column with no non-null values is Text.
func InferType(values []normalize.Value, loc normalize.Locale) Decision {
	nonNull := make([]normalize.Value, 0, len(values))
	for _, v := range values {
		if !v.IsNull() {
			nonNull = append(nonNull, v)
		}
	}
	d := Decision{Nullable: true, NonNull: len(nonNull), MaxLen: maxRuneLen(nonNull)}
	if len(nonNull) == 0 {
		d.Type = schema.TextType()
		d.Rule = "empty"
		return d
	}

	if allNativeTimestamps(nonNull) {
		d.Type = schema.TimestampType()
		d.Rule = "native_timestamp"
		return d
	}

	if t, ok := numericType(nonNull); ok {
		d.Type = t
		d.Rule = "numeric"
		return d
	}

	if passesDateGate(nonNull, loc) {
		d.Type = schema.TimestampType()
		d.Rule = "date_pattern"
		return d
	}

	d.Type = textType(d.MaxLen)
	d.Rule = "text"
	return d
}

func textType(maxLen int) schema.ColumnType {
	if maxLen > maxBoundedLen {
		return schema.TextType()
	}
	n := maxLen
	if n > schema.MaxBoundedText {
		n = schema.MaxBoundedText
	}
	if n < 1 {
		n = 1
	}
	return schema.VarcharType(n)
}

func allNativeTimestamps(vals []normalize.Value) bool {
	for _, v := range vals {
		if v.Kind != normalize.Time || !normalize.InRange(v.T) {
			return false
		}
	}
	return true
}

func numericType(vals []normalize.Value) (schema.ColumnType, bool) {
	numeric := 0
	integral := true
	for _, v := range vals {
		f, ok := v.Float64()
		if !ok {
			continue
		}
		numeric++
		if v.Kind == normalize.Float {
			if math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) >= 9.2e18 {
				integral = false
			}
		}
	}
	if float64(numeric) < numericShare*float64(len(vals)) {
		return schema.ColumnType{}, false
	}
	if integral {
		return schema.IntegerType(), true
	}
	return schema.FloatType(), true
}

// passesDateGate applies the strict text date gate to the first
// dateSampleSize non-null values.
func passesDateGate(vals []normalize.Value, loc normalize.Locale) bool {
	tested, candidates := 0, 0
	for _, v := range vals {
		if tested == dateSampleSize {
			break
		}
		tested++
		if IsDateCandidate(v, loc) {
			candidates++
		}
	}
	if tested < dateMinSample {
		return false
	}
	need := dateShare * float64(tested)
	if need < dateMinSample {
		need = dateMinSample
	}
	return float64(candidates) >= need
}

// IsDateCandidate reports whether v is a native timestamp in range, or text
// that matches a date pattern and parses.
func IsDateCandidate(v normalize.Value, loc normalize.Locale) bool {
	switch v.Kind {
	case normalize.Time:
		return normalize.InRange(v.T)
	case normalize.Text:
		s := strings.TrimSpace(v.S)
		if !matchesDatePattern(s) {
			return false
		}
		_, ok := normalize.ParseTime(s, loc)
		return ok
	}
	return false
}

func matchesDatePattern(s string) bool {
	for _, re := range datePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func maxRuneLen(vals []normalize.Value) int {
	m := 0
	for _, v := range vals {
		if n := utf8.RuneCountInString(v.String()); n > m {
			m = n
		}
	}
	return m
}

// Revalidate re-checks a Timestamp decision against the full column. When
// fewer than 90% of the non-null values convert, the decision is demoted to
// BoundedText(255) (or Text when values are longer than that). Values that
// do not convert in a surviving timestamp column load as null.
func Revalidate(values []normalize.Value, d Decision, loc normalize.Locale) Decision {
	if d.Type.Kind != schema.Timestamp {
		return d
	}
	total, ok := 0, 0
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		total++
		if _, good := normalize.NormalizeTime(v, loc); good {
			ok++
		}
	}
	if total > 0 && float64(ok) >= dateShare*float64(total) {
		return d
	}
	d.Rule = "timestamp_demoted"
	if d.MaxLen > schema.MaxBoundedText {
		d.Type = schema.TextType()
	} else {
		d.Type = schema.VarcharType(schema.MaxBoundedText)
	}
	return d
}

// InferColumns runs InferType and Revalidate for every column of rows.
func InferColumns(rows [][]normalize.Value, width int, loc normalize.Locale) []Decision {
	out := make([]Decision, width)
	col := make([]normalize.Value, len(rows))
	for c := 0; c < width; c++ {
		for r, row := range rows {
			if c < len(row) {
				col[r] = row[c]
			} else {
				col[r] = normalize.NullValue()
			}
		}
		out[c] = Revalidate(col, InferType(col, loc), loc)
	}
	return out
}
