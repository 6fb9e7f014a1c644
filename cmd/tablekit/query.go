package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/quality"
)

func newQueryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run read-only SQL against the working database",
	}

	execute := &cobra.Command{
		Use:   "execute <select>",
		Short: "Run a SELECT statement and print its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "query executed", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.builder.ExecuteReadOnly(ctx, h, args[0])
			})
		},
	}

	var table string
	materialize := &cobra.Command{
		Use:   "materialize <select>",
		Short: "Store the result of a SELECT statement as a new table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "query materialized", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				return a.builder.MaterializeQuery(ctx, h, args[0], table)
			})
		},
	}
	materialize.Flags().StringVarP(&table, "table", "t", "", "name of the new table")
	_ = materialize.MarkFlagRequired("table")

	cmd.AddCommand(execute, materialize)
	return cmd
}

func newQualityCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "quality <table>",
		Short: "Profile the columns of a table and score its data quality",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd, "quality report", func(ctx context.Context, h *dbregistry.Handle) (any, error) {
				if _, err := a.tables.Columns(ctx, h, args[0]); err != nil {
					return nil, err
				}
				return quality.AnalyzeTable(ctx, h.Repo, args[0], limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10000, "rows to sample; 0 for all")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the catalog with the live tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			h, err := a.open(ctx)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			defer h.Close()

			rep, err := a.tables.Reconcile(ctx, h, repair)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			if !rep.Clean() && !repair {
				out := apperr.Fail(apperr.New(apperr.CatalogInconsistency, "reconcile", "catalog and live tables disagree; rerun with --repair"))
				out.Data = rep
				return a.emit(out)
			}
			return a.emit(apperr.OK("catalog reconciled", rep))
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite the catalog from the live tables")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after files, environment and flags are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cfg.Storage.DSN != "" {
				cfg.Storage.DSN = "<redacted>"
			}
			return a.emit(apperr.OK(fmt.Sprintf("configuration (%d issue(s))", len(cfg.Validate())), cfg))
		},
	})
	return cmd
}
