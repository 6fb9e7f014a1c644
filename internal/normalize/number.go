package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// 1 234,56 | 1234,56 (space, NBSP or narrow NBSP thousands)
	frDecimalRe = regexp.MustCompile(`^[+-]?(\d{1,3}([ \x{00A0}\x{202F}]\d{3})+|\d+),\d+$`)
	// 1.234,56
	frDotThousandsRe = regexp.MustCompile(`^[+-]?\d{1,3}(\.\d{3})+,\d+$`)
	// 1.234.567 | 12.500 (integer with dot thousands; a leading zero stays decimal)
	frDotIntRe = regexp.MustCompile(`^[+-]?[1-9]\d{0,2}(\.\d{3})+$`)
	// 1 234 (integer with space thousands)
	frSpacedIntRe = regexp.MustCompile(`^[+-]?\d{1,3}([ \x{00A0}\x{202F}]\d{3})+$`)
	// 1,234.56 | 1,234
	enThousandsRe = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)
	// plain dot-decimal or integer, optional exponent
	plainNumberRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
)

// IsFrenchNumber reports whether s is written with a comma decimal separator,
// optionally grouped with space, NBSP or dot thousands.
func IsFrenchNumber(s string) bool {
	s = strings.TrimSpace(s)
	return frDecimalRe.MatchString(s) || frDotThousandsRe.MatchString(s)
}

// ParseNumber parses s as a number under loc. The locale convention is tried
// first; the plain dot-decimal form is accepted under every locale. Under
// LocaleFR a dot followed by exactly three digits groups thousands, so
// "12.500" is 12500 while "3.14" and "0.500" stay decimal. Results
// with no fractional part that fit in int64 come back as Int.
func ParseNumber(s string, loc Locale) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, false
	}

	var canonical string
	switch {
	case loc == LocaleFR && frDecimalRe.MatchString(s):
		canonical = strings.Replace(stripSpaces(s), ",", ".", 1)
	case loc == LocaleFR && frDotThousandsRe.MatchString(s):
		canonical = strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1)
	case loc == LocaleFR && frDotIntRe.MatchString(s):
		canonical = strings.ReplaceAll(s, ".", "")
	case loc == LocaleFR && frSpacedIntRe.MatchString(s):
		canonical = stripSpaces(s)
	case loc != LocaleFR && enThousandsRe.MatchString(s):
		canonical = strings.ReplaceAll(s, ",", "")
	case plainNumberRe.MatchString(s):
		canonical = s
	default:
		return Value{}, false
	}

	if isIntegerLiteral(canonical) {
		if i, err := strconv.ParseInt(canonical, 10, 64); err == nil {
			return IntValue(i), true
		}
	}
	f, err := strconv.ParseFloat(canonical, 64)
	if err != nil && !isRangeErr(err) {
		return Value{}, false
	}
	if math.IsNaN(f) {
		return Value{}, false
	}
	return FloatValue(f), true
}

func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, s)
}

func isIntegerLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}
