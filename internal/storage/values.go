package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScannedValue converts a value produced by a driver into a plain scalar:
// []byte becomes string, everything else passes through.
func ScannedValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

// ValueKey converts a scalar to a canonical string form, suitable for
// distinct counting and map keys. nil maps to "".
func ValueKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ScanAll drains rows from database/sql into a ResultSet.
func ScanAll(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols, Rows: make([][]any, 0, 64)}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i := range vals {
			vals[i] = ScannedValue(vals[i])
		}
		rs.Rows = append(rs.Rows, vals)
	}
	return rs, rows.Err()
}

// ChunkRows splits rows so that no chunk binds more than maxParams values.
func ChunkRows(rows [][]any, columns, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := len(rows)
	if columns > 0 && maxParams > 0 {
		per = maxParams / columns
		if per < 1 {
			per = 1
		}
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for i := 0; i < len(rows); i += per {
		end := i + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AsTime interprets a scanned value as a timestamp. Strings without a zone
// are read as UTC.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case []byte:
		return AsTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// AsInt64 interprets a scanned numeric value.
func AsInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case []byte:
		n, _ := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	}
	return 0
}

// AsString interprets a scanned value as text; nil is "".
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}
