// Package schema holds the explicit table description that connects type
// inference to DDL emission: a ColumnType variant, an ordered TableSchema,
// and per-backend Dialects that render them.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// AutoKey is the name of the generated primary key every ingested table gets.
const AutoKey = "id"

// MaxBoundedText is the largest length an inferred bounded text column uses.
const MaxBoundedText = 255

// TypeKind enumerates column storage types.
type TypeKind uint8

const (
	Text TypeKind = iota
	Integer
	Float
	Timestamp
	BoundedText
	Boolean
)

func (k TypeKind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Timestamp:
		return "timestamp"
	case BoundedText:
		return "varchar"
	case Boolean:
		return "boolean"
	default:
		return "text"
	}
}

// ColumnType is a tagged variant; Length is meaningful only for BoundedText.
type ColumnType struct {
	Kind   TypeKind `json:"kind"`
	Length int      `json:"length,omitempty"`
}

func IntegerType() ColumnType   { return ColumnType{Kind: Integer} }
func FloatType() ColumnType     { return ColumnType{Kind: Float} }
func TimestampType() ColumnType { return ColumnType{Kind: Timestamp} }
func TextType() ColumnType      { return ColumnType{Kind: Text} }
func BooleanType() ColumnType   { return ColumnType{Kind: Boolean} }

// VarcharType returns BoundedText(n). Non-positive n means MaxBoundedText.
func VarcharType(n int) ColumnType {
	if n <= 0 {
		n = MaxBoundedText
	}
	return ColumnType{Kind: BoundedText, Length: n}
}

func (t ColumnType) String() string {
	if t.Kind == BoundedText {
		return fmt.Sprintf("varchar(%d)", t.Length)
	}
	return t.Kind.String()
}

// IsText reports whether values are stored as strings.
func (t ColumnType) IsText() bool { return t.Kind == Text || t.Kind == BoundedText }

// Compatible reports whether two types can hold the same values without loss
// in the direction a -> b. Lengths of bounded text are ignored.
func Compatible(a, b ColumnType) bool {
	if a.Kind == b.Kind {
		return true
	}
	switch {
	case a.IsText() && b.IsText():
		return true
	case a.Kind == Integer && b.Kind == Float:
		return true
	case b.Kind == Text:
		return true
	}
	return false
}

// ParseType maps a user-facing type name (as accepted by column overrides and
// config) to a ColumnType.
func ParseType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "string", "str":
		return TextType(), nil
	case "integer", "int", "bigint":
		return IntegerType(), nil
	case "float", "real", "double", "number", "numeric":
		return FloatType(), nil
	case "datetime", "timestamp", "date":
		return TimestampType(), nil
	case "boolean", "bool":
		return BooleanType(), nil
	case "varchar":
		return VarcharType(MaxBoundedText), nil
	}
	return ColumnType{}, fmt.Errorf("schema: unknown column type %q", s)
}

var declLengthRe = regexp.MustCompile(`\(\s*(\d+|max)\s*\)`)

// FromDeclared maps a declared SQL type reported by introspection (any of
// the supported backends) back to a ColumnType. Unknown declarations are Text.
func FromDeclared(decl string) ColumnType {
	d := strings.ToUpper(strings.TrimSpace(decl))
	base := d
	if i := strings.IndexByte(d, '('); i >= 0 {
		base = strings.TrimSpace(d[:i])
	}
	switch base {
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "INT4", "INT8", "INT2", "BIGSERIAL", "SERIAL":
		return IntegerType()
	case "REAL", "FLOAT", "DOUBLE", "DOUBLE PRECISION", "NUMERIC", "DECIMAL", "FLOAT8", "FLOAT4", "MONEY":
		return FloatType()
	case "TIMESTAMP", "DATETIME", "DATETIME2", "DATE", "TIMESTAMP WITHOUT TIME ZONE",
		"TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "SMALLDATETIME", "DATETIMEOFFSET":
		return TimestampType()
	case "BOOLEAN", "BOOL", "BIT":
		return BooleanType()
	case "VARCHAR", "NVARCHAR", "CHARACTER VARYING", "CHAR", "NCHAR", "CHARACTER":
		if m := declLengthRe.FindStringSubmatch(strings.ToLower(d)); m != nil && m[1] != "max" {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return VarcharType(n)
			}
		}
		return TextType()
	}
	return TextType()
}

// Column is one declared column.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// TableSchema is the ordered column list of a table, excluding AutoKey.
type TableSchema struct {
	Columns []Column `json:"columns"`
}

// Names returns the column names in declaration order.
func (s TableSchema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of name, or -1.
func (s TableSchema) Index(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// SameShape reports whether a and b declare the same column names in the same
// order with compatible types. It is the test used to decide whether an
// existing table can be reused by a create-if-not-exists.
func SameShape(a, b TableSchema) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if !strings.EqualFold(a.Columns[i].Name, b.Columns[i].Name) {
			return false
		}
		if !Compatible(a.Columns[i].Type, b.Columns[i].Type) && !Compatible(b.Columns[i].Type, a.Columns[i].Type) {
			return false
		}
	}
	return true
}
