package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tablekit/internal/apperr"
)

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the registry of database files",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List databases with their size and table count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbs, err := a.registry.List(cmd.Context(), a.cfg.Registry.Active)
			return a.emit(apperr.From(fmt.Sprintf("%d database(s)", len(dbs)), dbs, err))
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := a.registry.Create(cmd.Context(), args[0])
			return a.emit(apperr.From("database created", map[string]string{"name": name, "path": a.registry.Path(name)}, err))
		},
	}

	var yes bool
	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a database after backing it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backup, err := a.registry.Delete(args[0], yes, a.cfg.Registry.Active)
			return a.emit(apperr.From("database deleted", map[string]string{"backup": backup}, err))
		},
	}
	del.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")

	switchCmd := &cobra.Command{
		Use:   "switch <name>",
		Short: "Make a database the active one for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cur, err := a.registry.Open(ctx, a.cfg.Registry.Active, true)
			if err != nil {
				return a.emit(apperr.Fail(err))
			}
			next, err := a.registry.Switch(ctx, cur, args[0])
			if err != nil {
				_ = cur.Close()
				return a.emit(apperr.Fail(err))
			}
			defer next.Close()

			if err := os.WriteFile(filepath.Join(a.registry.Dir, activeFile), []byte(next.Name+"\n"), 0o644); err != nil {
				return a.emit(apperr.Fail(fmt.Errorf("db switch: %w", err)))
			}
			a.cfg.Registry.Active = next.Name
			return a.emit(apperr.OK("switched to "+next.Name, map[string]string{"name": next.Name, "path": next.Path}))
		},
	}

	cmd.AddCommand(list, create, del, switchCmd)
	return cmd
}
