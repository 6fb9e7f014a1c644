package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/storage"
	"tablekit/internal/tablemgr"
)

func newTablesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List, inspect and manage the tables of the working database",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List user tables with their column and row counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withDB(cmd, "tables", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.Summaries(ctx, h)
				})
			},
		},
		&cobra.Command{
			Use:   "columns <table>",
			Short: "Show the live columns of a table",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDB(cmd, "columns of "+args[0], func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.Columns(ctx, h, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "rename <table> <new-name>",
			Short: "Rename a table and its catalog entry",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDB(cmd, "table renamed", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.Rename(ctx, h, args[0], args[1])
				})
			},
		},
		newDuplicateCmd(a),
		newDeleteTableCmd(a),
		newBrowseCmd(a),
		&cobra.Command{
			Use:   "stats <table> <column>",
			Short: "Count total, null and distinct values of a column",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDB(cmd, "column statistics", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.ColumnStats(ctx, h, args[0], args[1])
				})
			},
		},
		newCompareCmd(a),
		newMoveCmd(a),
		newCalcCmd(a),
		newRecordCmd(a),
	)
	return cmd
}

func newDuplicateCmd(a *app) *cobra.Command {
	var structureOnly bool
	cmd := &cobra.Command{
		Use:   "duplicate <table> <new-name>",
		Short: "Copy a table, with or without its rows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "table duplicated", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.tables.Duplicate(ctx, h, args[0], args[1], !structureOnly)
			})
		},
	}
	cmd.Flags().BoolVar(&structureOnly, "structure-only", false, "copy the columns but no rows")
	return cmd
}

func newDeleteTableCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <table>",
		Short: "Drop a table and its catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "table deleted", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.tables.Delete(ctx, h, args[0], yes)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}

func newBrowseCmd(a *app) *cobra.Command {
	var req tablemgr.BrowseRequest
	cmd := &cobra.Command{
		Use:   "browse <table>",
		Short: "Page through the rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Table = args[0]
			return a.withDB(cmd, "rows of "+args[0], func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.tables.Browse(ctx, h, req)
			})
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&req.Page, "page", 1, "page number, from 1")
	fl.IntVar(&req.PerPage, "per-page", 50, "rows per page")
	fl.StringVar(&req.Search, "search", "", "keep rows where any column contains this text")
	fl.StringVar(&req.SortColumn, "sort", "", "column to sort by")
	fl.BoolVar(&req.SortDesc, "desc", false, "sort descending")
	return cmd
}

func newCompareCmd(a *app) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "compare <table> <file|url|->",
		Short: "Compare a table's columns with the headers of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(a)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			up, err := f.load(cmd, a, args[1])
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			an, err := a.engine.Analyze(cmd.Context(), up.Filename, up.Data, opts)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			if len(an.Sources) == 0 {
				return a.emit(apperr.Fail(apperr.New(apperr.NoTabularData, "tables.compare", "%s has no tabular data", up.Filename)))
			}
			headers := make([]string, len(an.Sources[0].Columns))
			for i, c := range an.Sources[0].Columns {
				headers[i] = c.Original
			}
			return a.withDB(cmd, "structure comparison", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.tables.CompareStructure(ctx, h, args[0], headers)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newMoveCmd(a *app) *cobra.Command {
	var (
		toDB     string
		toDSN    string
		toKind   string
		copyOnly bool
	)
	cmd := &cobra.Command{
		Use:   "move <table>",
		Short: "Move or copy a table into another database",
		Long: "Move a table into another registry database (--to) or a server database\n" +
			"(--to-dsn with --to-storage). With --copy the source table is kept.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (toDB == "") == (toDSN == "") {
				return a.emit(apperr.Fail(fmt.Errorf("exactly one of --to or --to-dsn is required")))
			}
			action := tablemgr.ActionMove
			if copyOnly {
				action = tablemgr.ActionCopy
			}
			return a.withDB(cmd, "table "+action+" finished", func(ctx context.Context, src *dbregistry.Handle) (any, error) {
				var (
					dst *dbregistry.Handle
					err error
				)
				if toDSN != "" {
					dst, err = dbregistry.OpenDSN(ctx, toKind, storage.Config{Kind: toKind, DSN: toDSN})
				} else {
					dst, err = a.registry.Open(ctx, toDB, false)
				}
				if err != nil {
					return nil, err
				}
				defer dst.Close()
				return a.tables.Move(ctx, src, dst, args[0], action, a.progressLogger())
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&toDB, "to", "", "target registry database")
	fl.StringVar(&toDSN, "to-dsn", "", "target server database DSN")
	fl.StringVar(&toKind, "to-storage", "postgres", "target storage backend for --to-dsn")
	fl.BoolVar(&copyOnly, "copy", false, "keep the source table")
	return cmd
}

func newCalcCmd(a *app) *cobra.Command {
	var validateOnly bool
	cmd := &cobra.Command{
		Use:   "calc <table> <column> <formula>",
		Short: "Add a column computed from a formula over other columns",
		Long: "Add a column whose value is a formula over the row's other columns, e.g.\n" +
			"  tables calc commandes ttc \"[montant] * 1.2\"\n" +
			"Columns are written [name]; & joins text. Functions: ABS CEIL FLOOR SQRT LOG\n" +
			"ROUND MIN MAX UPPER LOWER TRIM LEN COALESCE.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if validateOnly {
				return a.withDB(cmd, "formula is valid", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.ValidateFormula(ctx, h, args[0], args[2])
				})
			}
			return a.withDB(cmd, "calculated column added", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.tables.AddCalculatedColumn(ctx, h, args[0], args[1], args[2])
			})
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "check the formula without adding the column")
	return cmd
}

func newRecordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read, update or delete a single row by its id",
	}

	var set map[string]string
	update := &cobra.Command{
		Use:   "update <table> <id>",
		Short: "Set columns of one row; values are parsed in the configured locale",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := recordID(args[1])
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			values := make(map[string]any, len(set))
			for k, v := range set {
				values[k] = v
			}
			return a.withDB(cmd, "record updated", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.tables.UpdateRecord(ctx, h, args[0], id, values, a.parseLocale())
			})
		},
	}
	update.Flags().StringToStringVar(&set, "set", nil, "column=value to write; an empty value stores NULL")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <table> <id>",
			Short: "Show one row",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := recordID(args[1])
				if err != nil {
					return a.emit(apperr.Fail(err))
				}
				return a.withDB(cmd, "record of "+args[0], func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.GetRecord(ctx, h, args[0], id)
				})
			},
		},
		update,
		&cobra.Command{
			Use:   "delete <table> <id>",
			Short: "Delete one row",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := recordID(args[1])
				if err != nil {
					return a.emit(apperr.Fail(err))
				}
				return a.withDB(cmd, "record deleted", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
					return a.tables.DeleteRecord(ctx, h, args[0], id)
				})
			},
		},
	)
	return cmd
}

func recordID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, apperr.New(apperr.InvalidValue, "tables.record", "id must be a positive integer, got %q", s)
	}
	return id, nil
}
