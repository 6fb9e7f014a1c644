// Package json reads JSON and JSON Lines files as a single source.
//
// Accepted shapes:
//   - a root array of objects, one row per object
//   - a root object whose first array field holds the records (envelope)
//   - a single root object, one row
//
// Any of these may be followed by further objects, one per line (JSONL).
// Columns are the object keys in first-seen order. Nested objects are
// flattened with dotted keys and arrays of scalars are joined with ", ".
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"tablekit/internal/parser"
)

// arrayJoinSeparator joins arrays of scalars into one cell.
const arrayJoinSeparator = ", "

func init() {
	parser.Register(parser.KindJSON, Parse, ".json", ".jsonl", ".ndjson")
}

// Parse decodes data into one source named after the file. JSON Lines files
// are read as a plain sequence of objects.
func Parse(ctx context.Context, filename string, data []byte, _ parser.Options) ([]parser.Source, error) {
	c := newCollector()
	r := strings.NewReader(strings.TrimPrefix(string(data), "\uFEFF"))
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jsonl", ".ndjson":
		dec := json.NewDecoder(r)
		dec.UseNumber()
		err = streamTrailingObjects(ctx, dec, c.add)
	default:
		err = stream(ctx, r, c.add)
	}
	if err != nil {
		return nil, fmt.Errorf("json: %s: %w", filepath.Base(filename), err)
	}
	if len(c.cols) == 0 {
		return nil, nil
	}
	return []parser.Source{c.source(parser.BaseName(filename))}, nil
}

// record is one decoded object with its keys in document order.
type record struct {
	keys []string
	vals map[string]any
}

// collector assembles records into rows aligned to the growing column list.
type collector struct {
	cols  []string
	index map[string]int
	rows  [][]any
}

func newCollector() *collector {
	return &collector{index: map[string]int{}}
}

func (c *collector) add(rec record) error {
	flat := record{vals: map[string]any{}}
	flatten("", rec, &flat)

	row := make([]any, len(c.cols))
	for _, k := range flat.keys {
		i, ok := c.index[k]
		if !ok {
			i = len(c.cols)
			c.index[k] = i
			c.cols = append(c.cols, k)
			row = append(row, nil)
		}
		row[i] = scalar(flat.vals[k])
	}
	c.rows = append(c.rows, row)
	return nil
}

func (c *collector) source(name string) parser.Source {
	src := parser.Source{Name: name, Headers: c.cols, Rows: c.rows}
	for i, r := range src.Rows {
		if len(r) < len(c.cols) {
			src.Rows[i] = append(r, make([]any, len(c.cols)-len(r))...)
		}
	}
	return src
}

// flatten copies rec into out, expanding nested objects into dotted keys.
func flatten(prefix string, rec record, out *record) {
	for _, k := range rec.keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := rec.vals[k].(record); ok {
			flatten(key, nested, out)
			continue
		}
		if _, dup := out.vals[key]; !dup {
			out.keys = append(out.keys, key)
		}
		out.vals[key] = rec.vals[k]
	}
}

// scalar turns a decoded value into a cell. Numbers stay textual so the
// normalizer parses them; arrays of scalars are joined and other arrays are
// re-encoded as JSON text.
func scalar(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		return t.String()
	case string, bool:
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		ss := make([]string, 0, len(t))
		for _, it := range t {
			switch s := it.(type) {
			case nil:
				continue
			case string:
				ss = append(ss, s)
			case json.Number:
				ss = append(ss, s.String())
			case bool:
				ss = append(ss, fmt.Sprint(s))
			default:
				return encode(t)
			}
		}
		if len(ss) == 0 {
			return nil
		}
		return strings.Join(ss, arrayJoinSeparator)
	default:
		return encode(t)
	}
}

func encode(v any) string {
	b, err := json.Marshal(plain(v))
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// plain converts records back into maps for re-encoding.
func plain(v any) any {
	switch t := v.(type) {
	case record:
		m := make(map[string]any, len(t.keys))
		for _, k := range t.keys {
			m[k] = plain(t.vals[k])
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = plain(it)
		}
		return out
	}
	return v
}

//
// streaming decoder
//

// stream walks r and calls emit once per record.
func stream(ctx context.Context, r io.Reader, emit func(record) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read first token: %w", err)
	}

	switch d := tok.(type) {
	case json.Delim:
		switch d {
		case '[':
			if err := streamArrayOfObjects(ctx, dec, emit); err != nil {
				return err
			}
			if err := expectDelim(dec, ']'); err != nil {
				return err
			}
		case '{':
			streamed, single, err := streamEnvelopeOrSingle(ctx, dec, emit)
			if err != nil {
				return err
			}
			if err := expectDelim(dec, '}'); err != nil {
				return err
			}
			if !streamed {
				if err := emit(single); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unsupported root delimiter %q", d)
		}
	default:
		return fmt.Errorf("unsupported root token %T (want object or array)", tok)
	}
	return streamTrailingObjects(ctx, dec, emit)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("expected %q, got %v", want, end)
	}
	return nil
}

func streamTrailingObjects(ctx context.Context, dec *json.Decoder, emit func(record) error) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode trailing object: %w", err)
		}
		if tok != json.Delim('{') {
			return fmt.Errorf("trailing value is not an object (got %v)", tok)
		}
		rec, err := readObject(dec)
		if err != nil {
			return err
		}
		if err := emit(rec); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// streamArrayOfObjects emits the elements of the current array, after '['
// has been consumed. null elements are skipped.
func streamArrayOfObjects(ctx context.Context, dec *json.Decoder, emit func(record) error) error {
	for n := 0; dec.More(); n++ {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode array element %d: %w", n, err)
		}
		if tok == nil {
			continue
		}
		if tok != json.Delim('{') {
			return fmt.Errorf("array element %d is not an object (got %v)", n, tok)
		}
		rec, err := readObject(dec)
		if err != nil {
			return err
		}
		if err := emit(rec); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// streamEnvelopeOrSingle walks a root object after '{'. The first field
// holding an array of objects is streamed as the records and the remaining
// fields are skipped. Without one the object itself is the only record.
func streamEnvelopeOrSingle(ctx context.Context, dec *json.Decoder, emit func(record) error) (streamed bool, single record, _ error) {
	single = record{vals: map[string]any{}}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return false, single, err
		}
		valTok, err := dec.Token()
		if err != nil {
			return false, single, fmt.Errorf("read value of %q: %w", key, err)
		}

		if valTok == json.Delim('[') {
			var first json.Token = json.Delim(']')
			if dec.More() {
				if first, err = dec.Token(); err != nil {
					return false, single, fmt.Errorf("read %q: %w", key, err)
				}
			} else if err := expectDelim(dec, ']'); err != nil {
				return false, single, err
			}

			if first == json.Delim('{') {
				rec, err := readObject(dec)
				if err != nil {
					return false, single, err
				}
				if err := emit(rec); err != nil {
					return false, single, err
				}
				if err := streamArrayOfObjects(ctx, dec, emit); err != nil {
					return false, single, err
				}
				if err := expectDelim(dec, ']'); err != nil {
					return false, single, err
				}
				for dec.More() {
					if _, err := dec.Token(); err != nil {
						return true, single, fmt.Errorf("skip envelope key: %w", err)
					}
					if err := skipNextValue(dec); err != nil {
						return true, single, err
					}
				}
				return true, single, nil
			}

			// An array of scalars is an ordinary field of a single record.
			arr := []any{}
			if first != json.Delim(']') {
				v, err := valueFromFirstToken(dec, first)
				if err != nil {
					return false, single, err
				}
				if arr, err = readArrayTail(dec, []any{v}); err != nil {
					return false, single, err
				}
			}
			single.keys = append(single.keys, key)
			single.vals[key] = arr
			continue
		}

		val, err := valueFromFirstToken(dec, valTok)
		if err != nil {
			return false, single, err
		}
		single.keys = append(single.keys, key)
		single.vals[key] = val
	}
	return false, single, nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("read object key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("object key not a string (got %T)", tok)
	}
	return key, nil
}

// readObject reads the members of an object after '{' up to and including
// the closing '}'.
func readObject(dec *json.Decoder) (record, error) {
	rec := record{vals: map[string]any{}}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return rec, err
		}
		tok, err := dec.Token()
		if err != nil {
			return rec, fmt.Errorf("read value of %q: %w", key, err)
		}
		val, err := valueFromFirstToken(dec, tok)
		if err != nil {
			return rec, err
		}
		if _, dup := rec.vals[key]; !dup {
			rec.keys = append(rec.keys, key)
		}
		rec.vals[key] = val
	}
	return rec, expectDelim(dec, '}')
}

// valueFromFirstToken builds the value whose first token has been read.
// Objects become records so that key order survives.
func valueFromFirstToken(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		return readObject(dec)
	case '[':
		return readArrayTail(dec, []any{})
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", d)
	}
}

// readArrayTail appends the remaining elements of the current array to arr
// and consumes the closing ']'.
func readArrayTail(dec *json.Decoder, arr []any) ([]any, error) {
	for dec.More() {
		vt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read array value: %w", err)
		}
		v, err := valueFromFirstToken(dec, vt)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return arr, nil
}

// skipNextValue skips the next value without materializing it.
func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("skip value: %w", err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("skip object key: %w", err)
			}
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, '}')
	case '[':
		for dec.More() {
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, ']')
	default:
		return fmt.Errorf("unexpected delimiter %q", d)
	}
}
