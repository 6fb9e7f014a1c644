package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Kind     string          `json:"kind"`
	Warnings []string        `json:"warnings"`
	Data     json.RawMessage `json:"data"`
}

// workspace is a config file plus the directories it points at.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := "registry:\n  dir: " + filepath.Join(dir, "dbs") + "\n  active: main\n" +
		"export:\n  dir: " + filepath.Join(dir, "exports") + "\n"
	path := filepath.Join(dir, "tablekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return workspace{dir: dir, config: path}
}

func (w workspace) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// run executes the CLI and decodes the JSON result it prints.
func (w workspace) run(t *testing.T, stdin string, args ...string) (int, result) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), append([]string{"--config", w.config}, args...), strings.NewReader(stdin), &stdout, &stderr)

	var res result
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
			t.Fatalf("decode output of %v: %v\n%s", args, err, stdout.String())
		}
	}
	if code != 0 && stdout.Len() == 0 {
		t.Logf("stderr of %v: %s", args, stderr.String())
	}
	return code, res
}

func (w workspace) mustRun(t *testing.T, args ...string) result {
	t.Helper()
	code, res := w.run(t, "", args...)
	if code != 0 || !res.Success {
		t.Fatalf("%v failed: code=%d kind=%s message=%s", args, code, res.Kind, res.Message)
	}
	return res
}

const (
	clientsCSV   = "client_id;nom\n1;Alpha\n2;Beta\n3;Gamma\n"
	commandesCSV = "client_id;montant\n1;10,5\n1;20\n2;5,25\n"
	joinSpec     = `tables: [clients, commandes]
joins:
  - table1: clients
    column1: client_id
    table2: commandes
    column2: client_id
`
)

func seed(t *testing.T, w workspace) {
	t.Helper()
	w.mustRun(t, "ingest", w.file(t, "clients.csv", clientsCSV))
	w.mustRun(t, "ingest", w.file(t, "commandes.csv", commandesCSV))
}

//
// ingest and tables
//

func TestIngestAndList(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)

	res := w.mustRun(t, "tables", "list")
	var tables []struct {
		Name string `json:"table_name"`
		Rows int64  `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &tables))
	require.Len(t, tables, 2)
	assert.Equal(t, "clients", tables[0].Name)
	assert.Equal(t, int64(3), tables[0].Rows)
	assert.Equal(t, "commandes", tables[1].Name)

	res = w.mustRun(t, "tables", "stats", "commandes", "client_id")
	var st struct {
		Distinct int64 `json:"unique_count"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &st))
	assert.Equal(t, int64(2), st.Distinct)
}

func TestIngestFromStdin(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)

	code, res := w.run(t, clientsCSV, "ingest", "-")
	assert.Equal(t, 1, code)
	assert.False(t, res.Success)

	code, res = w.run(t, clientsCSV, "ingest", "-", "--filename", "Clients 2024.csv")
	require.Equal(t, 0, code, res.Message)
	var out struct {
		Sources []struct {
			Table string `json:"table"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "clients_2024", out.Sources[0].Table)
}

func TestAnalyzeWritesNothing(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)

	res := w.mustRun(t, "analyze", w.file(t, "commandes.csv", commandesCSV))
	assert.Equal(t, "found 1 source(s)", res.Message)

	res = w.mustRun(t, "tables", "list")
	assert.Equal(t, "[]", strings.TrimSpace(string(res.Data)))
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)

	code, res := w.run(t, "", "tables", "delete", "clients")
	assert.Equal(t, 1, code)
	assert.Equal(t, "confirmation_required", res.Kind)

	w.mustRun(t, "tables", "delete", "clients", "--yes")
	code, res = w.run(t, "", "tables", "columns", "clients")
	assert.Equal(t, 1, code)
	assert.Equal(t, "not_found", res.Kind)
}

func TestCalcAndRecords(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)

	code, res := w.run(t, "", "tables", "calc", "commandes", "ttc", "[prix] * 1.2", "--validate-only")
	assert.Equal(t, 1, code)
	assert.Equal(t, "unknown_column", res.Kind)

	res = w.mustRun(t, "tables", "calc", "commandes", "TTC", "[montant] * 2")
	var calc struct {
		Column  string `json:"column"`
		Updated int64  `json:"rows_updated"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &calc))
	assert.Equal(t, "ttc", calc.Column)
	assert.Equal(t, int64(3), calc.Updated)

	res = w.mustRun(t, "tables", "record", "get", "commandes", "1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &rec))
	assert.Equal(t, 21.0, rec["ttc"])

	w.mustRun(t, "tables", "record", "update", "commandes", "2", "--set", "montant=7,5")
	res = w.mustRun(t, "tables", "record", "get", "commandes", "2")
	require.NoError(t, json.Unmarshal(res.Data, &rec))
	assert.Equal(t, 7.5, rec["montant"])

	w.mustRun(t, "tables", "record", "delete", "commandes", "3")
	code, res = w.run(t, "", "tables", "record", "get", "commandes", "3")
	assert.Equal(t, 1, code)
	assert.Equal(t, "not_found", res.Kind)

	code, res = w.run(t, "", "tables", "record", "get", "commandes", "x")
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_value", res.Kind)
}

//
// joins and queries
//

func TestJoinPreviewAndExport(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)
	spec := w.file(t, "spec.yaml", joinSpec)

	w.mustRun(t, "join", "validate", "--spec", spec)

	res := w.mustRun(t, "join", "preview", "--spec", spec, "--limit", "10")
	var pv struct {
		RowCount int `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &pv))
	assert.Equal(t, 3, pv.RowCount)

	w.mustRun(t, "join", "config", "save", "ventes", "--spec", spec)
	res = w.mustRun(t, "join", "export", "--saved", "ventes", "--format", "csv", "--filename", "ventes.csv")
	var ex struct {
		Path    string `json:"file_path"`
		Records int    `json:"record_count"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &ex))
	assert.Equal(t, 3, ex.Records)
	assert.Equal(t, filepath.Join(w.dir, "exports", "ventes.csv"), ex.Path)
	_, err := os.Stat(ex.Path)
	require.NoError(t, err)
}

func TestJoinValidateReportsErrors(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)
	spec := w.file(t, "bad.json", `{"tables":["clients","ghost"]}`)

	code, res := w.run(t, "", "join", "validate", "--spec", spec)
	assert.Equal(t, 1, code)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown_table", res.Kind)
}

func TestQueryIsReadOnly(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)

	code, res := w.run(t, "", "query", "execute", "DELETE FROM clients")
	assert.Equal(t, 1, code)
	assert.Equal(t, "forbidden_statement", res.Kind)

	w.mustRun(t, "query", "materialize", "SELECT nom FROM clients WHERE client_id > 1", "--table", "Top Clients")
	res = w.mustRun(t, "tables", "columns", "top_clients")
	assert.Contains(t, string(res.Data), `"nom"`)
}

//
// databases and config
//

func TestDBSwitch(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)
	seed(t, w)

	w.mustRun(t, "db", "create", "Archive")
	w.mustRun(t, "tables", "move", "clients", "--to", "archive", "--copy")
	w.mustRun(t, "db", "switch", "archive")

	res := w.mustRun(t, "tables", "list")
	assert.Contains(t, string(res.Data), `"clients"`)
	assert.NotContains(t, string(res.Data), `"commandes"`)

	code, res := w.run(t, "", "db", "delete", "archive", "--yes")
	assert.Equal(t, 1, code)
	assert.Equal(t, "name_conflict", res.Kind)

	w.mustRun(t, "db", "delete", "main", "--yes")
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	w := newWorkspace(t)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--config", w.config, "--locale", "de", "tables", "list"}, nil, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "error: locale: unsupported locale")
	assert.Empty(t, stdout.String())
}
