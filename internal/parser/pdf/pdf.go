// Package pdf extracts tables from PDF text. Three strategies run in order
// and the first one that yields a table wins:
//
//  1. positioned text: glyphs grouped into lines and cells by coordinates,
//     keeping runs of lines whose cells align with the first line's columns
//  2. text rows: the library's row grouping split on wide gaps, without the
//     column alignment check
//  3. plain text: page text split into lines and on runs of two or more
//     spaces or tabs
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	lpdf "github.com/ledongthuc/pdf"

	"tablekit/internal/parser"
)

func init() {
	parser.Register(parser.KindPDF, Parse, ".pdf")
}

// cell is one extracted text cell and the x coordinate it starts at.
type cell struct {
	x    float64
	text string
}

type strategy struct {
	name    string
	extract func(p lpdf.Page) [][]cell
	aligned bool
}

var strategies = []strategy{
	{name: "positioned", extract: positionedLines, aligned: true},
	{name: "rows", extract: rowLines},
	{name: "plain", extract: plainLines},
}

// Parse returns the tables found by the first successful strategy. Sources
// are named "Page <n> Table <m>".
func Parse(ctx context.Context, filename string, data []byte, _ parser.Options) ([]parser.Source, error) {
	r, err := open(data)
	if err != nil {
		return nil, fmt.Errorf("pdf: open %s: %w", filename, err)
	}
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if out := run(r, s); len(out) > 0 {
			return out, nil
		}
	}
	return nil, nil
}

func open(data []byte) (r *lpdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("malformed document: %v", rec)
		}
	}()
	return lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// run applies s to every page. A page the library cannot decode contributes
// nothing.
func run(r *lpdf.Reader, s strategy) (out []parser.Source) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	for i := 1; i <= r.NumPage(); i++ {
		lines := pageLines(r, i, s)
		for n, tbl := range tablesFromLines(lines, s.aligned) {
			out = append(out, parser.Table(fmt.Sprintf("Page %d Table %d", i, n+1), tbl[0], tbl[1:]))
		}
	}
	return out
}

func pageLines(r *lpdf.Reader, i int, s strategy) (lines [][]cell) {
	defer func() {
		if recover() != nil {
			lines = nil
		}
	}()
	p := r.Page(i)
	if p.V.IsNull() {
		return nil
	}
	return s.extract(p)
}

//
// strategy 1: positioned text
//

func positionedLines(p lpdf.Page) [][]cell {
	glyphs := p.Content().Text
	if len(glyphs) == 0 {
		return nil
	}
	sorted := make([]lpdf.Text, len(glyphs))
	copy(sorted, glyphs)
	// Top to bottom, then in content order.
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Y > sorted[j].Y })

	var (
		lines [][]cell
		cur   []lpdf.Text
		y     float64
	)
	for _, t := range sorted {
		if len(cur) > 0 && math.Abs(t.Y-y) > lineTolerance(t.FontSize) {
			lines = append(lines, splitCells(cur))
			cur = cur[:0]
		}
		if len(cur) == 0 {
			y = t.Y
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		lines = append(lines, splitCells(cur))
	}
	return lines
}

func lineTolerance(fontSize float64) float64 {
	return math.Max(fontSize*0.5, 2)
}

// splitCells orders glyphs by x and starts a new cell when the gap to the
// previous glyph is wider than about one em.
func splitCells(texts []lpdf.Text) []cell {
	ts := make([]lpdf.Text, len(texts))
	copy(ts, texts)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].X < ts[j].X })

	var (
		out  []cell
		sb   strings.Builder
		x    float64
		end  float64
		open bool
	)
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			out = append(out, cell{x: x, text: s})
		}
		sb.Reset()
		open = false
	}
	for _, t := range ts {
		size := t.FontSize
		if size <= 0 {
			size = 10
		}
		gap := t.X - end
		switch {
		case !open:
		case gap > math.Max(size, 4):
			flush()
		case gap > size*0.15 && !strings.HasSuffix(sb.String(), " "):
			sb.WriteByte(' ')
		}
		if !open {
			x = t.X
			open = true
		}
		sb.WriteString(t.S)
		end = t.X + t.W
	}
	if open {
		flush()
	}
	return out
}

//
// strategy 2: text rows
//

func rowLines(p lpdf.Page) [][]cell {
	rows, err := p.GetTextByRow()
	if err != nil {
		return nil
	}
	// Rows come back bottom-up by position.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })
	lines := make([][]cell, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, splitCells(row.Content))
	}
	return lines
}

//
// strategy 3: plain text
//

var wideGap = regexp.MustCompile(`\t+|\s{2,}`)

func plainLines(p lpdf.Page) [][]cell {
	text, err := p.GetPlainText(nil)
	if err != nil {
		return nil
	}
	return splitPlainText(text)
}

func splitPlainText(text string) [][]cell {
	var lines [][]cell
	for _, ln := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			// A blank line ends the current table.
			lines = append(lines, nil)
			continue
		}
		parts := wideGap.Split(ln, -1)
		cells := make([]cell, 0, len(parts))
		for i, s := range parts {
			cells = append(cells, cell{x: float64(i), text: strings.TrimSpace(s)})
		}
		lines = append(lines, cells)
	}
	return lines
}

//
// table detection
//

// tablesFromLines returns runs of at least two consecutive lines with the
// same number (two or more) of cells. With aligned set, every cell of a
// follower line must also sit closer to its own column start in the first
// line than to either neighbor.
func tablesFromLines(lines [][]cell, aligned bool) [][][]string {
	var (
		out [][][]string
		block [][]cell
	)
	closeBlock := func() {
		if len(block) >= 2 {
			tbl := make([][]string, len(block))
			for i, l := range block {
				tbl[i] = texts(l)
			}
			out = append(out, tbl)
		}
		block = nil
	}
	for _, l := range lines {
		if len(block) > 0 && len(l) == len(block[0]) && (!aligned || alignedWith(block[0], l)) {
			block = append(block, l)
			continue
		}
		closeBlock()
		if len(l) >= 2 {
			block = [][]cell{l}
		}
	}
	closeBlock()
	return out
}

func alignedWith(head, l []cell) bool {
	for i, c := range l {
		d := math.Abs(c.x - head[i].x)
		if i > 0 && math.Abs(c.x-head[i-1].x) < d {
			return false
		}
		if i+1 < len(head) && math.Abs(c.x-head[i+1].x) < d {
			return false
		}
	}
	return true
}

func texts(l []cell) []string {
	out := make([]string, len(l))
	for i, c := range l {
		out[i] = c.text
	}
	return out
}
