package probe

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tablekit/internal/normalize"
	"tablekit/internal/schema"
)

// Override replaces the inferred type of a column with a user choice
// ("text", "integer", "float", "datetime", "boolean"). An unknown choice
// leaves the decision unchanged and returns an error.
func Override(d Decision, choice string) (Decision, error) {
	t, err := schema.ParseType(choice)
	if err != nil {
		return d, err
	}
	if t.Kind == schema.Text && d.Type.Kind == schema.BoundedText {
		t = d.Type
	}
	d.Type = t
	d.Rule = "override"
	return d, nil
}

// Convert turns a normalized value into the driver value stored in a column
// of type t. Values that do not convert become nil; text is truncated to the
// bound of a BoundedText column.
func Convert(v normalize.Value, t schema.ColumnType, loc normalize.Locale) any {
	if v.IsNull() {
		return nil
	}
	switch t.Kind {
	case schema.Integer:
		switch v.Kind {
		case normalize.Int:
			return v.I
		case normalize.Float:
			if v.F == math.Trunc(v.F) && !math.IsInf(v.F, 0) && math.Abs(v.F) < 9.2e18 {
				return int64(v.F)
			}
			return nil
		case normalize.Bool:
			if v.B {
				return int64(1)
			}
			return int64(0)
		case normalize.Text:
			if n, ok := normalize.ParseNumber(v.S, loc); ok {
				return Convert(n, t, loc)
			}
		}
		return nil
	case schema.Float:
		switch v.Kind {
		case normalize.Int, normalize.Float:
			f, _ := v.Float64()
			return f
		case normalize.Text:
			if n, ok := normalize.ParseNumber(v.S, loc); ok {
				f, _ := n.Float64()
				return f
			}
		}
		return nil
	case schema.Timestamp:
		if ts, ok := normalize.NormalizeTime(v, loc); ok {
			return ts
		}
		return nil
	case schema.Boolean:
		switch v.Kind {
		case normalize.Bool:
			return v.B
		case normalize.Int:
			if v.I == 0 || v.I == 1 {
				return v.I == 1
			}
		case normalize.Text:
			if b, ok := parseBoolLoose(v.S); ok {
				return b
			}
		}
		return nil
	case schema.BoundedText:
		return truncateRunes(v.String(), t.Length)
	default:
		return v.String()
	}
}

func parseBoolLoose(s string) (bool, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "t", "true", "yes", "y", "oui", "o", "vrai":
		return true, true
	case "0", "f", "false", "no", "n", "non", "faux":
		return false, true
	default:
		return false, false
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// FormatDriverValue renders a driver value for display in previews.
func FormatDriverValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return normalize.TimeValue(x).String()
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
