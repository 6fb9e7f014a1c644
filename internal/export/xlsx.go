package export

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"tablekit/internal/joinbuilder"
	"tablekit/internal/storage"
)

// Sheet names of an exported workbook.
const (
	DataSheet   = "Joined Data"
	ConfigSheet = "Configuration"
)

const (
	headerColor = "366092"
	maxColWidth = 50
)

// XLSX writes rs to the "Joined Data" sheet with a bold white-on-blue header
// row and column widths fitted to the content (capped at 50), and describes
// spec on the "Configuration" sheet.
func XLSX(w io.Writer, rs *storage.ResultSet, spec joinbuilder.Spec, now time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DataSheet); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{headerColor}},
	})
	if err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	dates, err := f.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}

	sw, err := f.NewStreamWriter(DataSheet)
	if err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	// Column widths must be set before the first row is streamed.
	for i, width := range columnWidths(rs) {
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return fmt.Errorf("export: xlsx: %w", err)
		}
	}

	head := make([]any, len(rs.Columns))
	for i, c := range rs.Columns {
		head[i] = excelize.Cell{StyleID: header, Value: c}
	}
	if err := sw.SetRow("A1", head); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	for r, row := range rs.Rows {
		cells := make([]any, len(rs.Columns))
		for i := range cells {
			if i >= len(row) {
				continue
			}
			switch v := row[i].(type) {
			case time.Time:
				cells[i] = excelize.Cell{StyleID: dates, Value: v}
			case []byte:
				cells[i] = string(v)
			default:
				cells[i] = v
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return fmt.Errorf("export: xlsx: %w", err)
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("export: xlsx: %w", err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}

	if _, err := f.NewSheet(ConfigSheet); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	for i, line := range configRows(spec, len(rs.Rows), now) {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(ConfigSheet, cell, &line); err != nil {
			return fmt.Errorf("export: xlsx: %w", err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	return nil
}

// columnWidths fits each column to its longest rendered value plus two.
func columnWidths(rs *storage.ResultSet) []float64 {
	widths := make([]float64, len(rs.Columns))
	for i, c := range rs.Columns {
		widths[i] = float64(utf8.RuneCountInString(c))
	}
	for _, row := range rs.Rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := float64(utf8.RuneCountInString(csvText(row[i]))); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for i := range widths {
		widths[i] += 2
		if widths[i] > maxColWidth {
			widths[i] = maxColWidth
		}
	}
	return widths
}

func configRows(spec joinbuilder.Spec, records int, now time.Time) [][]any {
	joinType := "N/A"
	if len(spec.Joins) > 0 {
		joinType = spec.Joins[0].Kind
		if joinType == "" {
			joinType = joinbuilder.Inner
		}
	}
	rows := [][]any{
		{"Join Configuration"},
		{""},
		{"Tables:", strings.Join(spec.Tables, ", ")},
		{"Join Type:", joinType},
		{"Generated:", now.Format("2006-01-02 15:04:05")},
		{"Total Records:", records},
		{""},
		{"Joins:"},
	}
	for _, j := range spec.Joins {
		rows = append(rows, []any{j.String()})
	}
	if len(spec.Filters) > 0 {
		rows = append(rows, []any{""}, []any{"Filters:"})
		for _, fl := range spec.Filters {
			rows = append(rows, []any{strings.TrimSpace(fmt.Sprintf("%s.%s %s %s %s", fl.Table, fl.Column, fl.Operator, fl.Value, fl.Value2))})
		}
	}
	return rows
}
