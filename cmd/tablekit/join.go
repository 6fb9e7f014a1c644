package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/export"
	"tablekit/internal/joinbuilder"
)

// specFlags select a join specification: a JSON/YAML file or a saved
// configuration.
type specFlags struct {
	file  string
	saved string
}

func (s *specFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.file, "spec", "s", "", "JSON or YAML join specification file")
	cmd.Flags().StringVar(&s.saved, "saved", "", "name of a saved join configuration")
}

func (s *specFlags) load(ctx context.Context, a *app, h *dbregistry.Handle) (joinbuilder.Spec, error) {
	var spec joinbuilder.Spec
	switch {
	case s.file != "" && s.saved != "":
		return spec, fmt.Errorf("--spec and --saved are mutually exclusive")
	case s.saved != "":
		return a.builder.LoadConfig(ctx, h, s.saved)
	case s.file != "":
		data, err := os.ReadFile(s.file)
		if err != nil {
			return spec, fmt.Errorf("spec: %w", err)
		}
		if err := decodeFile(data, filepath.Ext(s.file), &spec); err != nil {
			return spec, fmt.Errorf("spec: %s: %w", s.file, err)
		}
		return spec, nil
	}
	return spec, fmt.Errorf("one of --spec or --saved is required")
}

// specCmd builds a join subcommand whose body receives the loaded spec.
func specCmd(a *app, use, short, msg string, run func(ctx context.Context, h *dbregistry.Handle, spec joinbuilder.Spec) (any, error)) *cobra.Command {
	var s specFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd, msg, func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				spec, err := s.load(ctx, a, h)
				if err != nil {
					return nil, err
				}
				return run(ctx, h, spec)
			})
		},
	}
	s.register(cmd)
	return cmd
}

func newJoinCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Validate, preview, analyze and export joins across tables",
	}

	var validateSpec specFlags
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that a join specification references existing tables and columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := a.open(ctx)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			defer h.Close()

			spec, err := validateSpec.load(ctx, a, h)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			v, err := a.builder.Validate(ctx, h, spec)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			if !v.Valid {
				out := apperr.Fail(v.Err(), v.Errors...)
				out.Warnings = v.Warnings
				out.Data = v
				return a.emit(out)
			}
			return a.emit(apperr.OK("join specification is valid", v, v.Warnings...))
		},
	}
	validateSpec.register(validate)

	var sqlLimit int
	sql := specCmd(a, "sql", "Render the SELECT statement of a join", "join query", func(ctx context.Context, h *dbregistry.Handle, spec joinbuilder.Spec) (any, error) {
		q, err := a.builder.BuildQuery(ctx, h, spec, sqlLimit)
		if err != nil {
			return nil, err
		}
		return map[string]string{"query": q}, nil
	})
	sql.Flags().IntVar(&sqlLimit, "limit", 0, "row limit; 0 for none")

	var previewLimit int
	preview := specCmd(a, "preview", "Run a join with a row limit and describe the result", "join preview", func(ctx context.Context, h *dbregistry.Handle, spec joinbuilder.Spec) (any, error) {
		return a.builder.Preview(ctx, h, spec, previewLimit)
	})
	preview.Flags().IntVar(&previewLimit, "limit", joinbuilder.DefaultPreviewLimit, "preview row limit")

	analyze := specCmd(a, "analyze", "Estimate the size and selectivity of a join", "join analysis", func(ctx context.Context, h *dbregistry.Handle, spec joinbuilder.Spec) (any, error) {
		return a.builder.Analyze(ctx, h, spec)
	})

	perf := specCmd(a, "perf", "Time a limited run of a join", "join performance", func(ctx context.Context, h *dbregistry.Handle, spec joinbuilder.Spec) (any, error) {
		return a.builder.PerformanceTest(ctx, h, spec)
	})

	var (
		format   string
		dir      string
		filename string
	)
	exportCmd := specCmd(a, "export", "Write the full result of a join to an XLSX or CSV file", "join exported", func(ctx context.Context, h *dbregistry.Handle, spec joinbuilder.Spec) (any, error) {
		f, err := export.ParseFormat(format)
		if err != nil {
			return nil, err
		}
		out := dir
		if out == "" {
			out = a.cfg.Export.Dir
		}
		return export.Run(ctx, a.builder, h, spec, out, filename, f)
	})
	exportCmd.Flags().StringVarP(&format, "format", "f", "xlsx", "xlsx or csv")
	exportCmd.Flags().StringVar(&dir, "dir", "", "output directory (default: export.dir from the config)")
	exportCmd.Flags().StringVar(&filename, "filename", "", "output file name (default: derived from the tables)")

	relationships := &cobra.Command{
		Use:   "relationships [table...]",
		Short: "Suggest join columns between tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "potential relationships", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				tables := args
				if len(tables) == 0 {
					var err error
					if tables, err = a.tables.ListTables(ctx, h); err != nil {
						return nil, err
					}
				}
				return a.builder.FindPotentialRelationships(ctx, h, tables)
			})
		},
	}

	cmd.AddCommand(validate, sql, preview, analyze, perf, exportCmd, relationships, newJoinConfigCmd(a))
	return cmd
}

func newJoinConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Save and reuse named join specifications",
	}

	var saveFile string
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Save a join specification under a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := specFlags{file: saveFile}
			return a.withDB(cmd, "configuration saved", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				spec, err := s.load(ctx, a, h)
				if err != nil {
					return nil, err
				}
				updated, err := a.builder.SaveConfig(ctx, h, args[0], spec)
				if err != nil {
					return nil, err
				}
				return map[string]any{"name": args[0], "updated": updated}, nil
			})
		},
	}
	save.Flags().StringVarP(&saveFile, "spec", "s", "", "JSON or YAML join specification file")
	_ = save.MarkFlagRequired("spec")

	load := &cobra.Command{
		Use:   "load <name>",
		Short: "Print a saved join specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "configuration "+args[0], func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.builder.LoadConfig(ctx, h, args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved join specifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd, "saved configurations", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.builder.ListConfigs(ctx, h)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved join specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "configuration deleted", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return map[string]string{"name": args[0]}, a.builder.DeleteConfig(ctx, h, args[0])
			})
		},
	}

	cmd.AddCommand(save, load, list, del)
	return cmd
}
