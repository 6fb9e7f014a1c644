// Package delimited parses CSV, TSV and delimited text files into a single
// source. The field separator is sniffed from a locale-ordered candidate list
// unless the caller forces one.
package delimited

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"tablekit/internal/normalize"
	"tablekit/internal/parser"
	"tablekit/internal/probe"
)

// sniffBytes bounds how much of the decoded text is used to sniff the
// separator.
const sniffBytes = 64 << 10

func init() {
	parser.Register(parser.KindCSV, Parse, ".csv", ".tsv")
	parser.Register(parser.KindText, Parse, ".txt")
}

// Parse decodes data, picks the separator and reads every record. Records
// that fail to parse are skipped; the first record is the header.
func Parse(ctx context.Context, filename string, data []byte, opts parser.Options) ([]parser.Source, error) {
	text, enc := normalize.DecodeBytes(data)
	text = strings.TrimPrefix(text, "\uFEFF")

	delim := opts.Delimiter
	if delim == 0 {
		sample := text
		if len(sample) > sniffBytes {
			sample = sample[:sniffBytes]
			if i := strings.LastIndexByte(sample, '\n'); i > 0 {
				sample = sample[:i]
			}
		}
		delim, _ = probe.SniffDelimiter([]byte(sample), probe.DelimiterCandidates(filepath.Ext(filename)))
	}

	var (
		recs [][]string
		err  error
	)
	if delim == ' ' {
		recs, err = readFields(ctx, text)
	} else {
		recs, err = readRecords(ctx, text, delim)
	}
	if err != nil {
		return nil, fmt.Errorf("delimited: %s (encoding=%s): %w", filepath.Base(filename), enc, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return []parser.Source{parser.Table(parser.BaseName(filename), recs[0], recs[1:])}, nil
}

func readRecords(ctx context.Context, text string, delim rune) ([][]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	var (
		line int
		out  [][]string
	)
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	for {
		if line%1024 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		rec, err := readRec()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			// csv.ParseError leaves the reader positioned after the bad record.
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if blankRecord(rec) {
			continue
		}
		out = append(out, rec)
	}
}

// readFields splits each line on runs of whitespace, for space separated
// text exports.
func readFields(ctx context.Context, text string) ([][]string, error) {
	var out [][]string
	for i, ln := range strings.Split(text, "\n") {
		if i%1024 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		f := strings.Fields(ln)
		if len(f) == 0 {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
