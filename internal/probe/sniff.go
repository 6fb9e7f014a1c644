package probe

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"tablekit/internal/normalize"
)

// Delimiter candidates, semicolon first: French exports use ';' because ','
// is the decimal separator.
var (
	csvDelimiters  = []rune{';', ',', '\t', '|'}
	textDelimiters = []rune{';', '\t', ',', '|', ' '}
)

// DelimiterCandidates returns the ordered candidates for a file extension
// (without the dot). "tsv" is always tab separated.
func DelimiterCandidates(ext string) []rune {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "tsv":
		return []rune{'\t'}
	case "txt", "text":
		return textDelimiters
	default:
		return csvDelimiters
	}
}

// SniffDelimiter returns the first candidate that splits the sample header
// into more than one column. When none does, the first candidate is returned
// with ok=false and the input is treated as a single column.
func SniffDelimiter(sample []byte, candidates []rune) (delim rune, ok bool) {
	if len(candidates) == 0 {
		candidates = csvDelimiters
	}
	for _, d := range candidates {
		headers, _, err := ReadCSVSample(sample, d)
		if err != nil {
			continue
		}
		if len(headers) > 1 {
			return d, true
		}
	}
	return candidates[0], false
}

// ReadCSVSample parses delimited bytes into a header row and data rows.
//
// The implementation is intentionally best-effort and is designed for probing:
//   - a leading UTF-8 BOM is dropped
//   - records with the wrong field count are skipped
//   - fields are trimmed
func ReadCSVSample(data []byte, delimiter rune) ([]string, [][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xEF\xBB\xBF"))
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	headers, err := r.Read()
	if err != nil {
		return nil, nil, err
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	rows := make([][]string, 0, 256)
	for {
		rec, err := r.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return headers, rows, err
		}
		if len(rec) != len(headers) {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
	return headers, rows, nil
}

// ChooseLocale keeps preferred unless it yields no numeric columns while the
// other convention yields at least one.
func ChooseLocale(rows [][]string, width int, preferred normalize.Locale) normalize.Locale {
	other := normalize.LocaleEN
	if preferred == normalize.LocaleEN {
		other = normalize.LocaleFR
	}
	if numericColumns(rows, width, preferred) > 0 {
		return preferred
	}
	if numericColumns(rows, width, other) > 0 {
		return other
	}
	return preferred
}

func numericColumns(rows [][]string, width int, loc normalize.Locale) int {
	n := 0
	col := make([]normalize.Value, 0, len(rows))
	for c := 0; c < width; c++ {
		col = col[:0]
		for _, r := range rows {
			if c < len(r) {
				if v := normalize.NormalizeValue(r[c], loc); !v.IsNull() {
					col = append(col, v)
				}
			}
		}
		if len(col) == 0 {
			continue
		}
		if _, ok := numericType(col); ok {
			n++
		}
	}
	return n
}
