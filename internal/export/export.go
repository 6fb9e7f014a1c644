// Package export writes join results to files: a styled workbook with a
// second sheet describing the join, or delimited text with a UTF-8 BOM.
//
// Values are written in their driver form. Numbers and timestamps are never
// reformatted for a locale.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tablekit/internal/dbregistry"
	"tablekit/internal/joinbuilder"
	"tablekit/internal/sanitize"
	"tablekit/internal/storage"
)

// Format is an output file format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a format name or file extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "xlsx", "excel":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("export: unsupported format %q", s)
}

// Write renders rs in format f to w. spec is recorded in the workbook's
// Configuration sheet and ignored for CSV.
func Write(w io.Writer, f Format, rs *storage.ResultSet, spec joinbuilder.Spec, now time.Time) error {
	switch f {
	case FormatXLSX:
		return XLSX(w, rs, spec, now)
	case FormatCSV:
		return CSV(w, rs)
	}
	return fmt.Errorf("export: unsupported format %q", f)
}

// FileName derives joined_data_<tables>_<timestamp>.<ext>. The table part is
// capped at 50 characters.
func FileName(spec joinbuilder.Spec, f Format, now time.Time) string {
	tables := sanitize.TableName(strings.Join(spec.Tables, "_"))
	if len(tables) > 50 {
		tables = strings.TrimRight(tables[:50], "_")
	}
	return fmt.Sprintf("joined_data_%s_%s.%s", tables, now.Format("20060102_150405"), f)
}

// Exported describes a written export file.
type Exported struct {
	Filename string `json:"filename"`
	Path     string `json:"file_path"`
	Records  int    `json:"record_count"`
	Columns  int    `json:"column_count"`
}

// Run builds spec without a row limit, executes it against h and writes the
// result to dir. An empty filename is derived with FileName. A partial file
// is removed when writing fails.
func Run(ctx context.Context, b *joinbuilder.Builder, h *dbregistry.Handle, spec joinbuilder.Spec, dir, filename string, f Format) (Exported, error) {
	q, err := b.BuildQuery(ctx, h, spec, 0)
	if err != nil {
		return Exported{}, err
	}
	rs, err := b.ExecuteReadOnly(ctx, h, q)
	if err != nil {
		return Exported{}, err
	}

	now := time.Now()
	if filename == "" {
		filename = FileName(spec, f, now)
	}
	filename = filepath.Base(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Exported{}, fmt.Errorf("export: %w", err)
	}
	path := filepath.Join(dir, filename)

	out, err := os.Create(path)
	if err != nil {
		return Exported{}, fmt.Errorf("export: %w", err)
	}
	if err := Write(out, f, rs, spec, now); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return Exported{}, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return Exported{}, fmt.Errorf("export: %w", err)
	}
	return Exported{Filename: filename, Path: path, Records: len(rs.Rows), Columns: len(rs.Columns)}, nil
}
