package json

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/parser"
)

func parse(t *testing.T, filename, input string) parser.Source {
	t.Helper()
	got, err := Parse(context.Background(), filename, []byte(input), parser.Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestParse_RootArrayAndTrailingJSONL(t *testing.T) {
	t.Parallel()

	src := parse(t, "clients.json", `[
		{"name": "Dupont", "amount": 12.5, "tags": ["a", "b"]},
		null,
		{"name": "Martin", "vip": true, "tags": []}
	]
	{"amount": 3, "name": "Durand"}`)

	assert.Equal(t, "clients", src.Name)
	assert.Equal(t, []string{"name", "amount", "tags", "vip"}, src.Headers)
	assert.Equal(t, [][]any{
		{"Dupont", "12.5", "a, b", nil},
		{"Martin", nil, nil, true},
		{"Durand", "3", nil, nil},
	}, src.Rows)
}

func TestParse_EnvelopeStreamsFirstArrayOfObjects(t *testing.T) {
	t.Parallel()

	src := parse(t, "export.json", `{
		"meta": {"count": 2},
		"codes": [1, 2],
		"records": [{"x": 1}, {"x": 2}],
		"other": {"deep": [{"k": "v"}], "n": 10}
	}`)

	assert.Equal(t, []string{"x"}, src.Headers)
	assert.Equal(t, [][]any{{"1"}, {"2"}}, src.Rows)
}

func TestParse_SingleObjectFlattensNested(t *testing.T) {
	t.Parallel()

	src := parse(t, "one.json", `{"id": 7, "address": {"city": "Lyon", "geo": {"lat": 45.7}}, "codes": [1, 2], "items": []}`)

	assert.Equal(t, []string{"id", "address.city", "address.geo.lat", "codes", "items"}, src.Headers)
	assert.Equal(t, [][]any{{"7", "Lyon", "45.7", "1, 2", nil}}, src.Rows)
}

func TestParse_JSONLines(t *testing.T) {
	t.Parallel()

	src := parse(t, "events.jsonl", "{\"a\": 1, \"list\": [\"x\"]}\n{\"b\": {\"c\": null}}\n")

	assert.Equal(t, []string{"a", "list", "b.c"}, src.Headers)
	assert.Equal(t, [][]any{{"1", "x", nil}, {nil, nil, nil}}, src.Rows)
}

func TestParse_MixedArraysAreEncoded(t *testing.T) {
	t.Parallel()

	src := parse(t, "m.json", `[{"v": [{"k": 1}, "s"]}]`)
	assert.Equal(t, `[{"k":1},"s"]`, src.Rows[0][0])
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"scalar_root", `42`},
		{"array_of_scalars", `[1, 2]`},
		{"truncated", `[{"a": 1}`},
		{"trailing_scalar", `{"a": 1} 5`},
	}
	for _, tc := range tests {
		_, err := Parse(context.Background(), tc.name+".json", []byte(tc.input), parser.Options{})
		if err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestParse_EmptyInput(t *testing.T) {
	t.Parallel()

	got, err := Parse(context.Background(), "empty.json", []byte("  "), parser.Options{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
