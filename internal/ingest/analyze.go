package ingest

import (
	"context"

	"tablekit/internal/parser"
	"tablekit/internal/probe"
	"tablekit/internal/sanitize"
)

// PreviewRows is the number of sample rows Analyze returns per source.
const PreviewRows = 10

// SourcePreview is the resolved shape of one source.
type SourcePreview struct {
	Source   string       `json:"source"`
	Table    string       `json:"suggested_table"`
	Locale   string       `json:"locale"`
	Columns  []ColumnPlan `json:"columns"`
	Rows     int          `json:"row_count"`
	Sample   [][]any      `json:"sample_data"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Analysis is the result of Analyze.
type Analysis struct {
	Filename string          `json:"filename"`
	FileKind string          `json:"file_type"`
	Sources  []SourcePreview `json:"sources"`
}

// Analyze parses and resolves filename like Ingest does and returns the
// resulting columns, types and a few converted rows. It writes nothing.
func (e *Engine) Analyze(ctx context.Context, filename string, data []byte, opts Options) (Analysis, error) {
	kind, err := parser.KindOf(filename)
	if err != nil {
		return Analysis{}, err
	}
	an := Analysis{Filename: filename, FileKind: string(kind)}

	sources, err := parser.Parse(ctx, filename, data, opts.parserOptions())
	if err != nil {
		return an, err
	}
	for _, src := range sources {
		res, err := resolveSource(src, opts.Locale, opts.overrides(src.Name))
		if err != nil {
			an.Sources = append(an.Sources, SourcePreview{Source: src.Name, Warnings: []string{err.Error()}})
			continue
		}
		b := bindNew(res)
		n := len(res.rows)
		if n > PreviewRows {
			n = PreviewRows
		}
		head := &resolved{source: res.source, columns: res.columns, rows: res.rows[:n], locale: res.locale}
		sample := b.driverRows(head)
		for _, row := range sample {
			for i, v := range row {
				if v != nil {
					row[i] = probe.FormatDriverValue(v)
				}
			}
		}
		an.Sources = append(an.Sources, SourcePreview{
			Source:   src.Name,
			Table:    sanitize.TableName(res.source),
			Locale:   string(res.locale),
			Columns:  res.columns,
			Rows:     len(res.rows),
			Sample:   sample,
			Warnings: res.warnings,
		})
	}
	e.logger()("analyze: file=%s kind=%s sources=%d", filename, kind, len(an.Sources))
	return an, nil
}
