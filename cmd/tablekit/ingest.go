package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tablekit/internal/apperr"
	"tablekit/internal/ingest"
	"tablekit/internal/parser"
	"tablekit/internal/source"
)

// ingestFlags are shared by ingest and analyze.
type ingestFlags struct {
	filename  string
	delimiter string
	sheets    []string
	records   string
	types     map[string]string
}

func (f *ingestFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.filename, "filename", "", "name used for type detection (required for stdin)")
	fl.StringVar(&f.delimiter, "delimiter", "", `field separator of delimited text ("\t" for tab); sniffed when empty`)
	fl.StringSliceVar(&f.sheets, "sheet", nil, "spreadsheet sheets to read (repeatable)")
	fl.StringVar(&f.records, "records", "", "JSON or YAML file describing HTML record extraction")
	fl.StringToStringVar(&f.types, "type", nil, "column type overrides, column=type (text, integer, float, datetime, boolean, varchar)")
}

func (f *ingestFlags) options(a *app) (ingest.Options, error) {
	opts := ingest.Options{Locale: a.parseLocale(), Sheets: f.sheets}

	switch d := f.delimiter; d {
	case "":
	case `\t`, "tab":
		opts.Delimiter = '\t'
	default:
		r := []rune(d)
		if len(r) != 1 {
			return opts, fmt.Errorf("delimiter must be a single character, got %q", d)
		}
		opts.Delimiter = r[0]
	}

	if f.records != "" {
		data, err := os.ReadFile(f.records)
		if err != nil {
			return opts, fmt.Errorf("records: %w", err)
		}
		var rec parser.HTMLRecords
		if err := decodeFile(data, filepath.Ext(f.records), &rec); err != nil {
			return opts, fmt.Errorf("records: %s: %w", f.records, err)
		}
		opts.Records = &rec
	}

	if len(f.types) > 0 {
		opts.ColumnTypes = map[string]map[string]string{"": f.types}
	}
	if a.verbose {
		opts.Progress = a.progressLogger()
	}
	return opts, nil
}

func (f *ingestFlags) load(cmd *cobra.Command, a *app, loc string) (source.Upload, error) {
	return a.loader.Load(cmd.Context(), source.Input{Location: loc, Filename: f.filename, Stdin: a.stdin})
}

func newIngestCmd(a *app) *cobra.Command {
	var (
		f     ingestFlags
		table string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file|url|->",
		Short: "Ingest a file into the working database",
		Long: "Parse a CSV, TSV, TXT, XLSX, JSON, HTML or PDF file, infer column types and load\n" +
			"every tabular source into its own table. With --table and --mode the sources\n" +
			"are loaded into a named table, replacing or appending to its rows.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(a)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			m, err := ingest.ParseMode(mode)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			if table != "" || m != ingest.ModeNew {
				opts.Targets = []ingest.Target{{Table: table, Mode: m}}
			}

			ctx := cmd.Context()
			h, err := a.open(ctx)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			defer h.Close()

			var res ingest.Result
			if args[0] == "-" {
				if f.filename == "" {
					return a.emit(apperr.Fail(fmt.Errorf("--filename is required when reading stdin")))
				}
				res, err = a.engine.IngestReader(ctx, h, f.filename, a.stdin, opts)
			} else {
				up, lerr := f.load(cmd, a, args[0])
				if lerr != nil {
					return a.emit(apperr.Fail(lerr))
				}
				res, err = a.engine.Ingest(ctx, h, ingest.Request{Filename: up.Filename, Data: up.Data, Options: opts})
			}
			if err != nil {
				out := apperr.Fail(err)
				out.Data = res
				return a.emit(out)
			}
			msg := fmt.Sprintf("ingested %d rows into %d table(s)", res.TotalRows, len(res.Sources))
			return a.emit(apperr.OK(msg, res, res.Warnings...))
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&table, "table", "", "target table (default: derived from the file and sheet names)")
	cmd.Flags().StringVar(&mode, "mode", "new", "new, replace or append")
	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "analyze <file|url|->",
		Short: "Preview the tables, columns and types a file would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(a)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			up, err := f.load(cmd, a, args[0])
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			an, err := a.engine.Analyze(cmd.Context(), up.Filename, up.Data, opts)
			return a.emit(apperr.From(fmt.Sprintf("found %d source(s)", len(an.Sources)), an, err))
		},
	}
	f.register(cmd)
	return cmd
}

// decodeFile unmarshals a JSON or YAML document into v by file extension.
func decodeFile(data []byte, ext string, v any) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}
