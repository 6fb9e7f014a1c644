package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/apperr"
)

func init() {
	Register("fake", func(_ context.Context, _ string, data []byte, _ Options) ([]Source, error) {
		switch string(data) {
		case "empty":
			return []Source{{Name: "a", Headers: []string{"x"}, Rows: [][]any{{nil}, {"  "}}}}, nil
		case "mixed":
			return []Source{
				{Name: "blank", Headers: []string{"x"}, Rows: [][]any{{""}}},
				{Name: "noheader"},
				{Name: "data", Headers: []string{"x"}, Rows: [][]any{{1}}},
			}, nil
		}
		return nil, nil
	}, ".fake", "FK2")
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filename string
		want     Kind
		wantKind apperr.Kind
	}{
		{"report.fake", "fake", ""},
		{"dir/REPORT.FK2", "fake", ""},
		{"report.doc", "", apperr.UnsupportedFileType},
		{"noext", "", apperr.UnsupportedFileType},
	}
	for _, tc := range tests {
		got, err := KindOf(tc.filename)
		if got != tc.want {
			t.Fatalf("KindOf(%q) = %q, want %q", tc.filename, got, tc.want)
		}
		if apperr.KindOf(err) != tc.wantKind {
			t.Fatalf("KindOf(%q) err = %v, want kind %q", tc.filename, err, tc.wantKind)
		}
	}
}

func TestParse_DropsEmptySources(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	got, err := Parse(ctx, "x.fake", []byte("mixed"), Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "data", got[0].Name)

	_, err = Parse(ctx, "x.fake", []byte("empty"), Options{})
	assert.Equal(t, apperr.NoTabularData, apperr.KindOf(err))

	_, err = Parse(ctx, "x.unknown", nil, Options{})
	assert.Equal(t, apperr.UnsupportedFileType, apperr.KindOf(err))
}

func TestRegister_DuplicatePanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		Register("fake", func(context.Context, string, []byte, Options) ([]Source, error) { return nil, nil }, "fake")
	})
	assert.Contains(t, Extensions(), ".fake")
}

func TestTable(t *testing.T) {
	t.Parallel()

	src := Table("s", []string{" a ", "b"}, [][]string{{"1"}, {"2", " ", "x"}})
	assert.Equal(t, []string{"a", "b", ""}, src.Headers)
	assert.Equal(t, [][]any{{"1", nil, nil}, {"2", nil, "x"}}, src.Rows)
	assert.Equal(t, 3, src.Width())
	assert.False(t, src.Empty())
}

func TestWantsSheet(t *testing.T) {
	t.Parallel()

	if !(Options{}).WantsSheet("any") {
		t.Fatalf("empty filter should accept every sheet")
	}
	o := Options{Sheets: []string{"Ventes"}}
	assert.True(t, o.WantsSheet("VENTES"))
	assert.False(t, o.WantsSheet("Stock"))
}

func TestBaseName(t *testing.T) {
	t.Parallel()

	if got := BaseName("/tmp/up/Ventes 2024.csv"); got != "Ventes 2024" {
		t.Fatalf("BaseName = %q, want %q", got, "Ventes 2024")
	}
}
