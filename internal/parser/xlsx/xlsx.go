// Package xlsx reads Excel workbooks with excelize: one source per non-empty
// worksheet, in workbook order.
package xlsx

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"tablekit/internal/parser"
)

func init() {
	parser.Register(parser.KindSpreadsheet, Parse, ".xlsx", ".xlsm", ".xltx", ".xltm")
}

// Parse returns one source per worksheet. The first non-blank row of a sheet
// is its header. Numeric cells come back as int64 or float64 and cells with a
// date number format as time.Time; everything else stays text.
func Parse(ctx context.Context, filename string, data []byte, opts parser.Options) ([]parser.Source, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("xlsx: open %s: %w", filename, err)
	}
	defer f.Close()

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}

	var out []parser.Source
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !opts.WantsSheet(sheet) {
			continue
		}
		src, err := readSheet(f, sheet, date1904)
		if err != nil {
			return nil, fmt.Errorf("xlsx: sheet %q: %w", sheet, err)
		}
		if len(src.Headers) > 0 {
			out = append(out, src)
		}
	}
	return out, nil
}

func readSheet(f *excelize.File, sheet string, date1904 bool) (parser.Source, error) {
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return parser.Source{}, err
	}

	src := parser.Source{Name: sheet}
	sc := &styleCache{f: f, isDate: map[int]bool{}}
	for r, raw := range rows {
		if len(src.Headers) == 0 {
			if blank(raw) {
				continue
			}
			src.Headers = make([]string, len(raw))
			for i, h := range raw {
				src.Headers[i] = strings.TrimSpace(h)
			}
			continue
		}
		if blank(raw) {
			continue
		}
		row := make([]any, len(raw))
		for c, v := range raw {
			row[c] = cellValue(f, sc, sheet, c+1, r+1, v, date1904)
		}
		src.Rows = append(src.Rows, row)
	}

	width := src.Width()
	for len(src.Headers) < width {
		src.Headers = append(src.Headers, "")
	}
	for i, row := range src.Rows {
		if len(row) < width {
			src.Rows[i] = append(row, make([]any, width-len(row))...)
		}
	}
	return src, nil
}

func cellValue(f *excelize.File, sc *styleCache, sheet string, col, row int, raw string, date1904 bool) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	num, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(num) || math.IsInf(num, 0) {
		return raw
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return raw
	}
	switch typ, _ := f.GetCellType(sheet, cell); typ {
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString:
		return raw
	case excelize.CellTypeBool:
		return num != 0
	}

	if sc.dateFormatted(sheet, cell) {
		if t, err := excelize.ExcelDateToTime(num, date1904); err == nil {
			return t
		}
	}
	if num == math.Trunc(num) && math.Abs(num) < 1<<53 {
		return int64(num)
	}
	return num
}

// styleCache memoizes whether a style index carries a date number format.
type styleCache struct {
	f      *excelize.File
	isDate map[int]bool
}

func (c *styleCache) dateFormatted(sheet, cell string) bool {
	idx, err := c.f.GetCellStyle(sheet, cell)
	if err != nil || idx == 0 {
		return false
	}
	if v, ok := c.isDate[idx]; ok {
		return v
	}
	st, err := c.f.GetStyle(idx)
	v := err == nil && st != nil && isDateFormat(st.NumFmt, st.CustomNumFmt)
	c.isDate[idx] = v
	return v
}

// quotedOrBracketed matches literal text and [color]/[locale] sections of a
// number format.
var quotedOrBracketed = regexp.MustCompile(`"[^"]*"|\[[^\]]*\]|\\.`)

// isDateFormat reports whether a built-in number format id or a custom
// format code renders a date or time.
func isDateFormat(id int, custom *string) bool {
	if custom != nil && *custom != "" {
		code := strings.ToLower(quotedOrBracketed.ReplaceAllString(*custom, ""))
		if code == "general" {
			return false
		}
		return strings.ContainsAny(code, "ydh") || strings.Contains(code, "mm:") || strings.Contains(code, ":ss")
	}
	switch {
	case id >= 14 && id <= 22, id >= 27 && id <= 36, id >= 45 && id <= 47, id >= 50 && id <= 58:
		return true
	}
	return false
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
