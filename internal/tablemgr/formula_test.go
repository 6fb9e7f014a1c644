package tablemgr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/schema"
)

//
// ParseFormula / Eval
//

func TestFormulaEval(t *testing.T) {
	t.Parallel()

	cols := []string{"id", "Prix HT", "qty", "nom", "prenom"}
	row := map[string]any{"id": int64(1), "Prix HT": 12.5, "qty": int64(4), "nom": "Durand", "prenom": "Ana"}

	tests := []struct {
		name    string
		formula string
		want    any
	}{
		{"arithmetic precedence", "[Prix HT] * [qty] + 1", 51.0},
		{"parentheses", "([prix ht] + 0.5) * 2", 26.0},
		{"unary minus", "-[qty] * 2", -8.0},
		{"modulo", "[qty] % 3", 1.0},
		{"concat", `[prenom] & " " & UPPER([nom])`, "Ana DURAND"},
		{"concat number", `"x" & [qty]`, "x4"},
		{"round", "ROUND([Prix HT] / 3, 2)", 4.17},
		{"min max", "MAX([qty], 10) - MIN([qty], 10)", 6.0},
		{"len", "LEN([nom])", 6.0},
		{"quoted quote", `'it''s'`, "it's"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := ParseFormula(tt.formula, cols)
			require.NoError(t, err)
			vals := make([]any, len(f.Columns))
			for i, c := range f.Columns {
				vals[i] = row[c]
			}
			got, err := f.Eval(vals)
			require.NoError(t, err)
			if want, ok := tt.want.(float64); ok {
				assert.InDelta(t, want, got, 1e-9)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormulaColumnsInFirstUseOrder(t *testing.T) {
	t.Parallel()

	f, err := ParseFormula("[B] + [a] * [b]", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, f.Columns)
}

func TestFormulaNulls(t *testing.T) {
	t.Parallel()

	f, err := ParseFormula("[a] + 1", []string{"a"})
	require.NoError(t, err)
	got, err := f.Eval([]any{nil})
	require.NoError(t, err)
	assert.Nil(t, got)

	f, err = ParseFormula(`COALESCE([a], 0) & "-" & [b]`, []string{"a", "b"})
	require.NoError(t, err)
	got, err = f.Eval([]any{nil, nil})
	require.NoError(t, err)
	assert.Equal(t, "0-", got)
}

func TestFormulaEvalErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		formula string
		row     []any
	}{
		{"[a] / [b]", []any{1.0, 0.0}},
		{"[a] * 2", []any{"abc"}},
		{"SQRT([a])", []any{-4.0}},
	} {
		cols := []string{"a", "b"}
		f, err := ParseFormula(tc.formula, cols)
		require.NoError(t, err, tc.formula)
		if _, err := f.Eval(tc.row); err == nil {
			t.Fatalf("Eval(%q, %v) succeeded, want error", tc.formula, tc.row)
		}
	}
}

func TestParseFormulaRejects(t *testing.T) {
	t.Parallel()

	cols := []string{"a", "b"}
	tests := []struct {
		formula string
		kind    apperr.Kind
	}{
		{"", apperr.InvalidFormula},
		{"[a] +", apperr.InvalidFormula},
		{"[a]; DROP TABLE x", apperr.InvalidFormula},
		{"[a] = 1", apperr.InvalidFormula},
		{"exec([a])", apperr.InvalidFormula},
		{"ROUND()", apperr.InvalidFormula},
		{"ABS([a], [b])", apperr.InvalidFormula},
		{"([a] + 1", apperr.InvalidFormula},
		{`"open`, apperr.InvalidFormula},
		{"[a", apperr.InvalidFormula},
		{"[]", apperr.InvalidFormula},
		{"[a] [b]", apperr.InvalidFormula},
		{"[missing] * 2", apperr.UnknownColumn},
	}
	for _, tt := range tests {
		_, err := ParseFormula(tt.formula, cols)
		if got := apperr.KindOf(err); got != tt.kind {
			t.Fatalf("ParseFormula(%q) kind = %q (err %v), want %q", tt.formula, got, err, tt.kind)
		}
	}
}

//
// AddCalculatedColumn
//

func TestAddCalculatedColumn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 4) // amount = 0.5, 1.5, 2.5, 3.5

	res, err := m.AddCalculatedColumn(ctx, h, "sales", "Amount x2", "[amount] * 2")
	require.NoError(t, err)
	assert.Equal(t, "amount_x2", res.Column)
	assert.Equal(t, schema.IntegerType().String(), res.Type)
	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, int64(4), res.Updated)
	assert.Zero(t, res.Failed)
	assert.Empty(t, res.Warnings)

	rs, err := h.Repo.Query(ctx, `SELECT "amount_x2" FROM "sales" ORDER BY "id"`)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 4)
	for i, r := range rs.Rows {
		assert.EqualValues(t, 2*i+1, r[0], "row %d", i)
	}

	rec, err := h.Catalog.GetTable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.ColumnCount)

	label, err := m.AddCalculatedColumn(ctx, h, "sales", "label", `UPPER([client]) & "#" & [amount_x2]`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(label.Type, "varchar"), label.Type)

	r, err := m.GetRecord(ctx, h, "sales", 2)
	require.NoError(t, err)
	assert.Equal(t, "CLIENT#3", r["label"])
}

func TestAddCalculatedColumn_FailedRowsStayEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := &syncBuffer{}
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(logs)
	seedSales(t, m, h, "sales", 3)

	// amount is 0.5, 1.5, 2.5; FLOOR makes the first divisor zero.
	res, err := m.AddCalculatedColumn(ctx, h, "sales", "ratio", "10 / FLOOR([amount])")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed)
	assert.Equal(t, int64(2), res.Updated)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "division by zero")
	assert.Contains(t, logs.String(), "failed rows=1")

	r, err := m.GetRecord(ctx, h, "sales", 1)
	require.NoError(t, err)
	assert.Nil(t, r["ratio"])
}

func TestAddCalculatedColumn_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openDB(t, dbregistry.New(t.TempDir(), nil), "main")
	m := newManager(&syncBuffer{})
	seedSales(t, m, h, "sales", 2)

	_, err := m.AddCalculatedColumn(ctx, h, "nope", "x", "1")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = m.AddCalculatedColumn(ctx, h, "sales", "Amount", "[amount] + 1")
	assert.Equal(t, apperr.NameConflict, apperr.KindOf(err))

	_, err = m.AddCalculatedColumn(ctx, h, "sales", "total", "[price] * 2")
	assert.Equal(t, apperr.UnknownColumn, apperr.KindOf(err))

	_, err = m.AddCalculatedColumn(ctx, h, "sales", "total", "[amount] *")
	assert.Equal(t, apperr.InvalidFormula, apperr.KindOf(err))

	cols, err := m.Columns(ctx, h, "sales")
	require.NoError(t, err)
	assert.Len(t, cols, 4, "failed calls must not add columns")
}

func TestCaseUpdateSQL(t *testing.T) {
	t.Parallel()

	got := caseUpdateSQL(schema.SQLite, "t", "id", "c", schema.FloatType(), 2)
	want := `UPDATE "t" SET "c" = CASE "id" WHEN ? THEN ? WHEN ? THEN ? END WHERE "id" IN (?, ?)`
	if got != want {
		t.Fatalf("caseUpdateSQL(sqlite) =\n%s\nwant\n%s", got, want)
	}

	got = caseUpdateSQL(schema.Postgres, "t", "id", "c", schema.FloatType(), 1)
	want = `UPDATE "t" SET "c" = CASE "id" WHEN $1 THEN CAST($2 AS ` + schema.Postgres.TypeSQL(schema.FloatType()) + `) END WHERE "id" IN ($3)`
	if got != want {
		t.Fatalf("caseUpdateSQL(postgres) =\n%s\nwant\n%s", got, want)
	}
}

func TestFormulaValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3.0, formulaValue(int64(3)))
	assert.Equal(t, 1.0, formulaValue(true))
	assert.Equal(t, "2024-03-01", formulaValue(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-03-01 09:30:00", formulaValue(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, "raw", formulaValue([]byte("raw")))
	assert.Nil(t, formulaValue(nil))
}
