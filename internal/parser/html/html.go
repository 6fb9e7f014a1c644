// Package html reads HTML documents with goquery.
//
// By default every <table> becomes a source. When the caller supplies
// record mappings, each element matched by the record selector becomes one
// row instead, with one column per mapping.
package html

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"

	"tablekit/internal/normalize"
	"tablekit/internal/parser"
)

func init() {
	parser.Register(parser.KindHTML, Parse, ".html", ".htm")
}

// Parse extracts the tables of data, or its records when opts.Records is set.
func Parse(ctx context.Context, filename string, data []byte, opts parser.Options) ([]parser.Source, error) {
	text, _ := normalize.DecodeBytes(data)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", filepath.Base(filename), err)
	}
	if opts.Records != nil && strings.TrimSpace(opts.Records.RecordSelector) != "" {
		src, err := extractRecords(doc, parser.BaseName(filename), opts.Records)
		if err != nil {
			return nil, err
		}
		return []parser.Source{src}, nil
	}
	return extractTables(ctx, doc)
}

//
// table mode
//

func extractTables(ctx context.Context, doc *goquery.Document) ([]parser.Source, error) {
	var (
		out []parser.Source
		n   int
		err error
	)
	doc.Find("table").EachWithBreak(func(_ int, tbl *goquery.Selection) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		n++
		grid := tableGrid(tbl)
		if len(grid) == 0 {
			return true
		}
		out = append(out, parser.Table(tableName(tbl, n), grid[0], grid[1:]))
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// tableName prefers the caption, then the id attribute, then "Table <n>".
func tableName(tbl *goquery.Selection, n int) string {
	if c := strings.TrimSpace(tbl.ChildrenFiltered("caption").First().Text()); c != "" {
		return c
	}
	if id, ok := tbl.Attr("id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return "Table " + strconv.Itoa(n)
}

// tableGrid flattens the rows of tbl into text cells. colspan repeats the
// cell's text so that columns stay aligned; rowspan is not expanded.
// Rows of nested tables are excluded.
func tableGrid(tbl *goquery.Selection) [][]string {
	var grid [][]string
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if !tr.Closest("table").IsSelection(tbl) {
			return
		}
		var row []string
		tr.ChildrenFiltered("th,td").Each(func(_ int, c *goquery.Selection) {
			text := strings.Join(strings.Fields(c.Text()), " ")
			span := 1
			if v, ok := c.Attr("colspan"); ok {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 1 && n <= 1000 {
					span = n
				}
			}
			for i := 0; i < span; i++ {
				row = append(row, text)
			}
		})
		if len(row) > 0 {
			grid = append(grid, row)
		}
	})
	return grid
}

//
// record mode
//

// extractRecords evaluates the mappings relative to every record element.
// Records where no mapping produced a value are skipped.
func extractRecords(doc *goquery.Document, name string, rm *parser.HTMLRecords) (parser.Source, error) {
	src := parser.Source{Name: name, Headers: make([]string, len(rm.Mappings))}
	res := make([]*regexp.Regexp, len(rm.Mappings))
	for i, m := range rm.Mappings {
		src.Headers[i] = m.Column
		re, err := compileOptionalRegex(m.Match, m.Column)
		if err != nil {
			return parser.Source{}, err
		}
		res[i] = re
	}

	doc.Find(rm.RecordSelector).Each(func(_ int, rec *goquery.Selection) {
		row := make([]any, len(rm.Mappings))
		found := false
		for i, m := range rm.Mappings {
			if v := extractMapping(rec, m, res[i]); v != "" {
				row[i] = v
				found = true
			}
		}
		if found {
			src.Rows = append(src.Rows, row)
		}
	})
	return src, nil
}

func extractMapping(root *goquery.Selection, m parser.HTMLMapping, re *regexp.Regexp) string {
	extractOne := func(sel *goquery.Selection) string {
		switch m.Extract {
		case "", "text":
			return strings.TrimSpace(sel.Text())
		case "attr":
			if m.Attr == "" {
				return ""
			}
			if val, ok := sel.Attr(m.Attr); ok {
				return strings.TrimSpace(val)
			}
			return ""
		default:
			return ""
		}
	}

	sel := root
	if strings.TrimSpace(m.Selector) != "" {
		sel = root.Find(m.Selector)
	}
	if m.All {
		var vals []string
		sel.Each(func(_ int, s *goquery.Selection) {
			if v := applyRegexFilter(extractOne(s), re); v != "" {
				vals = append(vals, v)
			}
		})
		return strings.Join(vals, ", ")
	}
	sel = sel.First()
	if sel.Length() == 0 {
		return ""
	}
	return applyRegexFilter(extractOne(sel), re)
}

func compileOptionalRegex(pattern, column string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex for column %q: %w", column, err)
	}
	return re, nil
}

// applyRegexFilter keeps value only when re matches it; with a capture
// group, group 1 replaces the value.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}
	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}

// LoadRecords reads a record mapping file, JSON or YAML by extension.
func LoadRecords(path string) (*parser.HTMLRecords, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var rm parser.HTMLRecords
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &rm)
	default:
		err = json.Unmarshal(b, &rm)
	}
	if err != nil {
		return nil, fmt.Errorf("parse mappings %s: %w", filepath.Base(path), err)
	}

	if strings.TrimSpace(rm.RecordSelector) == "" {
		return nil, fmt.Errorf("mappings %s: record_selector is required", filepath.Base(path))
	}
	if len(rm.Mappings) == 0 {
		return nil, fmt.Errorf("mappings %s: no mappings", filepath.Base(path))
	}
	for i, m := range rm.Mappings {
		if strings.TrimSpace(m.Column) == "" {
			return nil, fmt.Errorf("mappings %s: mapping %d has no column", filepath.Base(path), i)
		}
	}
	return &rm, nil
}
