// Package parser turns uploaded file bytes into named tabular sources.
//
// Each file kind has its own subpackage that registers itself here for the
// extensions it handles, the same way storage backends register:
//
//	import _ "tablekit/internal/parser/all"
//
// Parsers return raw cells. Normalization, type inference and locale choice
// happen downstream in the ingestion engine.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tablekit/internal/apperr"
	"tablekit/internal/normalize"
)

// Kind is the detected kind of an uploaded file, stored on UploadRecord.
type Kind string

const (
	KindSpreadsheet Kind = "spreadsheet"
	KindCSV         Kind = "csv"
	KindText        Kind = "text"
	KindPDF         Kind = "pdf"
	KindHTML        Kind = "html"
	KindJSON        Kind = "json"
)

// Source is one logical table of an input: a worksheet, a whole delimited
// file, one extracted PDF or HTML table.
type Source struct {
	Name    string   `json:"name"`
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"-"`
}

// Width returns the number of columns of s.
func (s Source) Width() int {
	w := len(s.Headers)
	for _, r := range s.Rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

// Empty reports whether s has no data row with a non-blank cell.
func (s Source) Empty() bool {
	for _, r := range s.Rows {
		for _, v := range r {
			if !isBlank(v) {
				return false
			}
		}
	}
	return true
}

// Options tune parsing.
type Options struct {
	// Locale orders delimiter candidates and date conventions.
	Locale normalize.Locale
	// Delimiter forces the field separator of delimited text; 0 sniffs it.
	Delimiter rune
	// Sheets restricts spreadsheet parsing to these sheet names.
	Sheets []string
	// Records switches HTML parsing from <table> extraction to record mode.
	Records *HTMLRecords
}

// HTMLRecords describes record-mode HTML extraction: every element matched
// by RecordSelector becomes a row and every mapping a column.
type HTMLRecords struct {
	RecordSelector string        `json:"record_selector" yaml:"record_selector"`
	Mappings       []HTMLMapping `json:"mappings" yaml:"mappings"`
}

// HTMLMapping is one column of record-mode extraction.
type HTMLMapping struct {
	Selector string `json:"selector" yaml:"selector"` // relative to the record element
	Extract  string `json:"extract" yaml:"extract"`   // "text" or "attr"
	Attr     string `json:"attr,omitempty" yaml:"attr,omitempty"`
	Column   string `json:"column" yaml:"column"`
	Match    string `json:"match,omitempty" yaml:"match,omitempty"` // optional regex; group 1 wins when present
	All      bool   `json:"all,omitempty" yaml:"all,omitempty"`     // join every match with ", "
}

// WantsSheet reports whether the sheet called name should be parsed.
func (o Options) WantsSheet(name string) bool {
	if len(o.Sheets) == 0 {
		return true
	}
	for _, s := range o.Sheets {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// Func parses data from a file called filename.
type Func func(ctx context.Context, filename string, data []byte, opts Options) ([]Source, error)

type entry struct {
	kind Kind
	fn   Func
}

var (
	mu     sync.RWMutex
	byExt  = map[string]entry{}
	byKind = map[Kind]Func{}
)

// Register binds the extensions (with or without the dot) to a parser.
// It panics on duplicate registration.
func Register(kind Kind, fn Func, exts ...string) {
	mu.Lock()
	defer mu.Unlock()

	if fn == nil {
		panic("parser: Register called with nil parser")
	}
	for _, ext := range exts {
		ext = normExt(ext)
		if _, dup := byExt[ext]; dup {
			panic(fmt.Sprintf("parser: extension %q already registered", ext))
		}
		byExt[ext] = entry{kind: kind, fn: fn}
	}
	byKind[kind] = fn
}

func normExt(ext string) string {
	return "." + strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// KindOf returns the kind of filename by extension. Unknown extensions are
// UnsupportedFileType.
func KindOf(filename string) (Kind, error) {
	mu.RLock()
	e, ok := byExt[normExt(filepath.Ext(filename))]
	mu.RUnlock()
	if !ok {
		return "", apperr.New(apperr.UnsupportedFileType, "parser.KindOf",
			"unsupported file type %q (supported: %s)", filepath.Ext(filename), strings.Join(Extensions(), ", "))
	}
	return e.kind, nil
}

// Extensions lists the registered extensions, sorted.
func Extensions() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(byExt))
	for ext := range byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Parse dispatches on filename's extension and drops sources with no data.
// A file with no usable source is NoTabularData.
func Parse(ctx context.Context, filename string, data []byte, opts Options) ([]Source, error) {
	mu.RLock()
	e, ok := byExt[normExt(filepath.Ext(filename))]
	mu.RUnlock()
	if !ok {
		_, err := KindOf(filename)
		return nil, err
	}

	sources, err := e.fn(ctx, filename, data, opts)
	if err != nil {
		return nil, err
	}
	out := sources[:0]
	for _, s := range sources {
		if len(s.Headers) == 0 || s.Empty() {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.NoTabularData, "parser.Parse", "no tabular data found in %s", filepath.Base(filename))
	}
	return out, nil
}

// BaseName is the source name of single-source files: the file name without
// directory and extension.
func BaseName(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Cell turns a raw text cell into a row value: trimmed, with blank as nil.
func Cell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

// Table builds a Source from a header row and text rows. Short rows are
// padded with nil and long rows widen the header with blank names.
func Table(name string, header []string, rows [][]string) Source {
	width := len(header)
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	src := Source{Name: name, Headers: make([]string, width), Rows: make([][]any, 0, len(rows))}
	for i, h := range header {
		src.Headers[i] = strings.TrimSpace(h)
	}
	for _, r := range rows {
		row := make([]any, width)
		for i, v := range r {
			row[i] = Cell(v)
		}
		src.Rows = append(src.Rows, row)
	}
	return src
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
