// Package sanitize turns user-supplied strings (sheet names, column headers,
// target table names, database file names) into identifiers that are safe to
// embed in DDL on every supported backend.
//
// Design constraints:
//   - Pure functions; no I/O and no error returns.
//   - Deterministic and idempotent: Table(Table(s)) == Table(s).
//   - Output always matches ^[a-z_][a-z0-9_]*$ and is at most 63 bytes.
//   - The sanitizers are not collision-aware; callers resolve collisions
//     with UniqueNames.
package sanitize

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultTable replaces a table name that sanitizes to nothing.
	DefaultTable = "unnamed_table"
	// DefaultColumn replaces a blank, NaN-like or empty-after-filter header.
	DefaultColumn = "unnamed_column"

	// MaxIdentLen is the identifier limit shared by postgres (63) and the
	// stricter of the supported backends.
	MaxIdentLen = 63
)

// TableName sanitizes raw into a table identifier.
func TableName(raw string) string {
	return ident(raw, DefaultTable, "table_")
}

// ColumnName sanitizes raw into a column identifier. Blank or null-like raw
// headers ("nan", "none", "null", "nat") map straight to DefaultColumn.
func ColumnName(raw string) string {
	if isNullLike(raw) {
		return DefaultColumn
	}
	out := ident(raw, DefaultColumn, "col_")
	if isNullLike(out) {
		return DefaultColumn
	}
	return out
}

// ColumnNameOf is ColumnName for headers that arrive as arbitrary cell values
// (spreadsheet headers can be numbers, dates or missing).
func ColumnNameOf(raw any) string {
	switch v := raw.(type) {
	case nil:
		return DefaultColumn
	case string:
		return ColumnName(v)
	case float64:
		if math.IsNaN(v) {
			return DefaultColumn
		}
		return ColumnName(fmt.Sprint(v))
	case float32:
		if math.IsNaN(float64(v)) {
			return DefaultColumn
		}
		return ColumnName(fmt.Sprint(v))
	default:
		return ColumnName(fmt.Sprint(v))
	}
}

func isNullLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "nan", "nat", "none", "null", "<nil>":
		return true
	}
	return false
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ident applies the shared pipeline:
//  1. fold accents (é -> e) so French headers keep their letters
//  2. replace anything outside [A-Za-z0-9_] with '_'
//  3. collapse runs of '_' and trim them from both ends
//  4. lowercase, default when empty, prefix when leading digit
//  5. truncate to MaxIdentLen and re-trim trailing '_'
func ident(raw, def, digitPrefix string) string {
	s := raw
	if folded, _, err := transform.String(foldAccents, raw); err == nil {
		s = folded
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		lastUnderscore = false
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return def
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = digitPrefix + out
	}
	if len(out) > MaxIdentLen {
		out = strings.TrimRight(out[:MaxIdentLen], "_")
	}
	return out
}

// UniqueNames resolves collisions in declaration order by appending _1, _2, ...
// to later duplicates. Names in reserved are treated as already taken, so a
// header called "id" does not clash with the auto-generated key.
func UniqueNames(names []string, reserved ...string) []string {
	taken := make(map[string]bool, len(names)+len(reserved))
	for _, r := range reserved {
		taken[r] = true
	}
	out := make([]string, len(names))
	for i, n := range names {
		candidate := n
		for k := 1; taken[candidate]; k++ {
			suffix := fmt.Sprintf("_%d", k)
			base := n
			if len(base)+len(suffix) > MaxIdentLen {
				base = strings.TrimRight(base[:MaxIdentLen-len(suffix)], "_")
			}
			candidate = base + suffix
		}
		taken[candidate] = true
		out[i] = candidate
	}
	return out
}

// FileName sanitizes a database file name: same character policy as a table
// name but without the digit prefix, keeping the result usable as a handle.
func FileName(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), ".db")
	out := ident(raw, "database", "db_")
	return out
}
