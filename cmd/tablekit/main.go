// Command tablekit ingests tabular files into a database, manages the
// resulting tables and builds, previews and exports joins across them.
// Every command prints a JSON result document on stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	// register every parser and storage backend; the config picks which
	// backend to open.
	_ "tablekit/internal/parser/all"
	_ "tablekit/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := newApp(stdin, stdout, stderr)
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tablekit",
		Short:         "Ingest tabular files and build joins across the resulting tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgPath, "config", "c", "", "config file (.json, .yaml)")
	pf.StringVar(&a.dbName, "db", "", "registry database to use (overrides the active one)")
	pf.StringVar(&a.dsn, "dsn", "", "server database DSN; replaces the registry database")
	pf.StringVar(&a.backend, "storage", "", "storage backend for --dsn (sqlite, postgres, mssql)")
	pf.StringVar(&a.locale, "locale", "", "number and date conventions (fr, en)")
	pf.StringVar(&a.metrics, "metrics-backend", "", "metrics backend (none, datadog)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log progress to stderr")

	root.AddCommand(
		newIngestCmd(a),
		newAnalyzeCmd(a),
		newTablesCmd(a),
		newDBCmd(a),
		newJoinCmd(a),
		newQueryCmd(a),
		newQualityCmd(a),
		newReconcileCmd(a),
		newConfigCmd(a),
	)
	return root
}
