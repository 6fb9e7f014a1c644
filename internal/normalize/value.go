// Package normalize converts raw cell values into typed, locale-independent
// values before they reach type inference or the loader.
//
// Design constraints:
//   - Never panics and never returns an error for a single cell: anything
//     unusable becomes Null.
//   - French conventions (comma decimal, space or dot thousands, day-first
//     dates, French month names) are tried first under LocaleFR, with the
//     dot-decimal convention always accepted as a fallback.
//   - Timestamps outside years 1900..2100 are treated as missing.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Locale selects number and date conventions.
type Locale string

const (
	LocaleFR Locale = "fr"
	LocaleEN Locale = "en"
)

// ParseLocale maps a config string to a Locale; unknown values mean LocaleFR.
func ParseLocale(s string) Locale {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "en", "en_us", "en-us", "standard", "us":
		return LocaleEN
	default:
		return LocaleFR
	}
}

// Kind is the dynamic type of a normalized Value.
type Kind uint8

const (
	Null Kind = iota
	Int
	Float
	Bool
	Time
	Text
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Time:
		return "time"
	case Text:
		return "text"
	}
	return "unknown"
}

// Value is a normalized cell. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	I    int64
	F    float64
	B    bool
	T    time.Time
	S    string
}

func NullValue() Value            { return Value{} }
func IntValue(i int64) Value      { return Value{Kind: Int, I: i} }
func FloatValue(f float64) Value  { return Value{Kind: Float, F: f} }
func BoolValue(b bool) Value      { return Value{Kind: Bool, B: b} }
func TimeValue(t time.Time) Value { return Value{Kind: Time, T: t} }
func TextValue(s string) Value    { return Value{Kind: Text, S: s} }
func (v Value) IsNull() bool      { return v.Kind == Null }
func (v Value) IsNumeric() bool   { return v.Kind == Int || v.Kind == Float }

// Float64 returns the numeric value of Int and Float values.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case Int:
		return float64(v.I), true
	case Float:
		return v.F, true
	}
	return 0, false
}

// Any returns a driver-friendly scalar: nil, int64, float64, bool,
// time.Time or string.
func (v Value) Any() any {
	switch v.Kind {
	case Int:
		return v.I
	case Float:
		return v.F
	case Bool:
		return v.B
	case Time:
		return v.T
	case Text:
		return v.S
	}
	return nil
}

// String renders the value the way it would appear in a text column.
func (v Value) String() string {
	switch v.Kind {
	case Int:
		return strconv.FormatInt(v.I, 10)
	case Float:
		return strconv.FormatFloat(v.F, 'f', -1, 64)
	case Bool:
		return strconv.FormatBool(v.B)
	case Time:
		if v.T.Hour() == 0 && v.T.Minute() == 0 && v.T.Second() == 0 && v.T.Nanosecond() == 0 {
			return v.T.Format("2006-01-02")
		}
		return v.T.Format("2006-01-02 15:04:05")
	case Text:
		return v.S
	}
	return ""
}

// IsNullToken reports whether s is one of the textual spellings of a missing
// value: "", "nan", "nat", "none", "null" (trimmed, case-insensitive).
func IsNullToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan", "nat", "none", "null":
		return true
	}
	return false
}

// NormalizeValue converts raw into a Value.
//
// Numeric Go types unwrap to Int/Float, NaN becomes Null, time.Time is range
// checked, []byte is decoded with DecodeBytes, and strings are trimmed, null
// tokens dropped and numeric text (including "1 234,56" under LocaleFR)
// converted. Other strings stay Text; date recognition on text is left to
// the type inferencer, which gates it behind strict patterns.
func NormalizeValue(raw any, loc Locale) Value {
	switch v := raw.(type) {
	case nil:
		return NullValue()
	case Value:
		return v
	case string:
		return normalizeString(v, loc)
	case []byte:
		s, _ := DecodeBytes(v)
		return normalizeString(s, loc)
	case bool:
		return BoolValue(v)
	case int:
		return IntValue(int64(v))
	case int8:
		return IntValue(int64(v))
	case int16:
		return IntValue(int64(v))
	case int32:
		return IntValue(int64(v))
	case int64:
		return IntValue(v)
	case uint:
		return unsignedValue(uint64(v))
	case uint8:
		return IntValue(int64(v))
	case uint16:
		return IntValue(int64(v))
	case uint32:
		return IntValue(int64(v))
	case uint64:
		return unsignedValue(v)
	case float32:
		return floatValue(float64(v))
	case float64:
		return floatValue(v)
	case time.Time:
		if v.IsZero() || !InRange(v) {
			return NullValue()
		}
		return TimeValue(v)
	case *time.Time:
		if v == nil {
			return NullValue()
		}
		return NormalizeValue(*v, loc)
	case fmt.Stringer:
		return normalizeString(v.String(), loc)
	default:
		return normalizeString(fmt.Sprint(v), loc)
	}
}

func unsignedValue(u uint64) Value {
	if u > math.MaxInt64 {
		return FloatValue(float64(u))
	}
	return IntValue(int64(u))
}

func floatValue(f float64) Value {
	if math.IsNaN(f) {
		return NullValue()
	}
	return FloatValue(f)
}

func normalizeString(s string, loc Locale) Value {
	s = strings.TrimSpace(s)
	if IsNullToken(s) {
		return NullValue()
	}
	if n, ok := ParseNumber(s, loc); ok {
		return n
	}
	return TextValue(s)
}

// NormalizeRow applies NormalizeValue to every cell.
func NormalizeRow(raw []any, loc Locale) []Value {
	out := make([]Value, len(raw))
	for i, v := range raw {
		out[i] = NormalizeValue(v, loc)
	}
	return out
}
