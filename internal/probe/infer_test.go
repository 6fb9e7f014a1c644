package probe

import (
	"math"
	"strings"
	"testing"
	"time"

	"tablekit/internal/normalize"
	"tablekit/internal/schema"
)

func values(loc normalize.Locale, raw ...any) []normalize.Value {
	out := make([]normalize.Value, len(raw))
	for i, r := range raw {
		out[i] = normalize.NormalizeValue(r, loc)
	}
	return out
}

//
// InferType
//

// TestInferType covers each decision step and the conservative fall-through
// to text.
func TestInferType(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   []normalize.Value
		want schema.ColumnType
	}{
		{"empty column", values(normalize.LocaleFR, nil, "", "nan"), schema.TextType()},
		{"native timestamps", values(normalize.LocaleFR, day, day.AddDate(0, 1, 0), nil), schema.TimestampType()},
		{"french floats", values(normalize.LocaleFR, "1 234,56", "2 000,00", "10,5"), schema.FloatType()},
		{"integers", values(normalize.LocaleFR, "1", "2", "3", nil), schema.IntegerType()},
		{"dot thousands", values(normalize.LocaleFR, "1.234.567", "2.345.678", "3.000.000", "12.500"), schema.IntegerType()},
		{"integral floats", values(normalize.LocaleFR, "2 000,00", "3,0"), schema.IntegerType()},
		{"infinity is float", values(normalize.LocaleFR, 1.0, math.Inf(1)), schema.FloatType()},
		{"mostly text", values(normalize.LocaleFR, "1", "2", "x"), schema.VarcharType(1)},
		{"iso dates", values(normalize.LocaleFR, "2023-01-01", "2023-02-01", "2023-03-01", "2023-04-01", "2023-05-01"), schema.TimestampType()},
		{"french dates", values(normalize.LocaleFR, "01/02/2023", "15/02/2023", "28/02/2023", "03/03/2023", "31/03/2023", "01/04/2023"), schema.TimestampType()},
		{"too few dates", values(normalize.LocaleFR, "2023-01-01", "not-a-date", "2023-03-01"), schema.VarcharType(10)},
		{"long text", values(normalize.LocaleFR, strings.Repeat("x", 501)), schema.TextType()},
		{"bounded at 255", values(normalize.LocaleFR, strings.Repeat("x", 300)), schema.VarcharType(255)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := InferType(tt.in, normalize.LocaleFR)
			if got.Type != tt.want {
				t.Fatalf("InferType = %s (rule %s), want %s", got.Type, got.Rule, tt.want)
			}
		})
	}
}

// TestInferTypeDateGateNeedsNinetyPercent keeps date-shaped but mostly
// invalid text out of timestamp columns.
func TestInferTypeDateGateNeedsNinetyPercent(t *testing.T) {
	t.Parallel()

	raw := []any{"2023-01-01", "2023-01-02", "2023-01-03", "2023-01-04", "2023-01-05",
		"2023-01-06", "2023-01-07", "2023-01-08", "n/a", "unknown"}
	got := InferType(values(normalize.LocaleFR, raw...), normalize.LocaleFR)
	if got.Type.Kind == schema.Timestamp {
		t.Fatalf("expected text for 80%% dates, got %s", got.Type)
	}

	raw[9] = "2023-01-10"
	got = InferType(values(normalize.LocaleFR, raw...), normalize.LocaleFR)
	if got.Type.Kind != schema.Timestamp {
		t.Fatalf("expected timestamp for 90%% dates, got %s", got.Type)
	}
}

func TestInferTypeOutOfRangeDatesFallToText(t *testing.T) {
	t.Parallel()

	got := InferType(values(normalize.LocaleFR, "1850-01-01", "1850-01-02", "1850-01-03", "1850-01-04", "1850-01-05"), normalize.LocaleFR)
	if got.Type.Kind == schema.Timestamp {
		t.Fatalf("expected text for pre-1900 dates, got %s", got.Type)
	}
}

//
// Revalidate
//

func TestRevalidateDemotesTimestamp(t *testing.T) {
	t.Parallel()

	d := Decision{Type: schema.TimestampType(), MaxLen: 10}
	col := values(normalize.LocaleFR, "2023-01-01", "garbage", "nope")
	got := Revalidate(col, d, normalize.LocaleFR)
	if got.Type != schema.VarcharType(255) {
		t.Fatalf("expected varchar(255), got %s", got.Type)
	}

	ok := Revalidate(values(normalize.LocaleFR, "2023-01-01", "02/01/2023"), d, normalize.LocaleFR)
	if ok.Type.Kind != schema.Timestamp {
		t.Fatalf("expected timestamp kept, got %s", ok.Type)
	}

	text := Decision{Type: schema.TextType()}
	if got := Revalidate(col, text, normalize.LocaleFR); got.Type != schema.TextType() {
		t.Fatalf("non-timestamp decisions must pass through, got %s", got.Type)
	}
}

func TestInferColumnsRaggedRows(t *testing.T) {
	t.Parallel()

	rows := [][]normalize.Value{
		values(normalize.LocaleFR, "a", "1"),
		values(normalize.LocaleFR, "b"),
	}
	got := InferColumns(rows, 2, normalize.LocaleFR)
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(got))
	}
	if got[1].Type != schema.IntegerType() || !got[1].Nullable {
		t.Fatalf("expected nullable integer, got %+v", got[1])
	}
}
