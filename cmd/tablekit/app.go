package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tablekit/internal/apperr"
	"tablekit/internal/config"
	"tablekit/internal/dbregistry"
	"tablekit/internal/ingest"
	"tablekit/internal/joinbuilder"
	"tablekit/internal/metrics"
	"tablekit/internal/metrics/datadog"
	"tablekit/internal/normalize"
	"tablekit/internal/source"
	"tablekit/internal/tablemgr"
)

// activeFile stores the name of the active database inside the registry
// directory; `db switch` writes it.
const activeFile = ".active"

// errReported marks a failure whose Result was already written to stdout.
var errReported = errors.New("reported")

// app is the state shared by every command of one invocation.
type app struct {
	// persistent flags
	cfgPath string
	dbName  string
	dsn     string
	backend string
	locale  string
	metrics string
	verbose bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg      config.Config
	logger   *log.Logger
	registry *dbregistry.Registry
	tables   *tablemgr.Manager
	builder  *joinbuilder.Builder
	engine   *ingest.Engine
	loader   *source.Loader

	cleanup []func()
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr}
}

// setup loads and validates the configuration, then builds the services.
// Precedence is flag, then environment, then config file, then defaults.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.Storage.Kind = strings.ToLower(a.backend)
	}
	if flags.Changed("dsn") {
		cfg.Storage.DSN = a.dsn
	}
	if flags.Changed("locale") {
		cfg.Locale = strings.ToLower(a.locale)
	}
	if flags.Changed("metrics-backend") {
		cfg.Metrics.Backend = a.metrics
	} else if v := os.Getenv("METRICS_BACKEND"); v != "" {
		cfg.Metrics.Backend = v
	}

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintf(a.stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration is invalid")
	}

	if flags.Changed("db") {
		cfg.Registry.Active = a.dbName
	} else if b, err := os.ReadFile(filepath.Join(cfg.Registry.Dir, activeFile)); err == nil {
		if name := strings.TrimSpace(string(b)); name != "" {
			cfg.Registry.Active = name
		}
	}
	a.cfg = cfg

	out := io.Discard
	if a.verbose {
		out = a.stderr
	}
	a.logger = log.New(out, "", log.LstdFlags)

	a.registry = dbregistry.New(cfg.Registry.Dir, a.logger)
	a.tables = tablemgr.New(a.logger)
	a.tables.Retry = cfg.Retry.Policy()
	a.tables.BatchSize = cfg.Ingest.BatchSize
	a.builder = joinbuilder.New(a.tables, a.logger)
	a.engine = ingest.New(a.tables, a.logger)
	a.engine.Retry = cfg.Retry.Policy()
	a.engine.ScratchDir = cfg.Ingest.ScratchDir
	a.engine.MaxUploadBytes = cfg.Ingest.MaxUploadBytes
	a.loader = source.NewLoader(nil, 2*time.Minute)
	a.loader.MaxBytes = cfg.Ingest.MaxUploadBytes

	a.startMetrics(cmd.Context())
	return nil
}

// startMetrics installs the configured metrics backend. A backend that fails
// to start leaves metrics disabled.
func (a *app) startMetrics(ctx context.Context) {
	m := a.cfg.Metrics
	switch m.Backend {
	case "datadog":
		tags := append(append([]string(nil), m.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    m.JobName,
			Tags:       tags,
			FlushEvery: time.Duration(m.FlushEvery),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		a.logger.Printf("metrics: backend=datadog job_name=%v tags=%v", m.JobName, tags)
		metrics.SetBackend(b)
		a.cleanup = append(a.cleanup, func() {
			if err := b.Close(); err != nil {
				log.Printf("metrics: datadog close/flush error: %v", err)
			}
		})

	case "", "none":
		a.logger.Printf("metrics: disabled (backend=%q)", m.Backend)

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", m.Backend)
	}
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func (a *app) parseLocale() normalize.Locale { return normalize.ParseLocale(a.cfg.Locale) }

// open returns the working database: the configured server DSN when one is
// set, otherwise the registry's active file, created on first use.
func (a *app) open(ctx context.Context) (*dbregistry.Handle, error) {
	if a.cfg.Storage.DSN != "" {
		return dbregistry.OpenDSN(ctx, a.cfg.Storage.Kind, a.cfg.Storage)
	}
	return a.registry.Open(ctx, a.cfg.Registry.Active, true)
}

// emit writes res as indented JSON. A failed result yields errReported so the
// process exits non-zero without printing the error twice.
func (a *app) emit(res apperr.Result) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return errReported
	}
	return nil
}

// withDB opens the working database, runs fn and emits its outcome.
func (a *app) withDB(cmd *cobra.Command, msg string, fn func(ctx context.Context, h *dbregistry.Handle) (any, error)) error {
	ctx := cmd.Context()
	h, err := a.open(ctx)
	if err != nil {
		return a.emit(apperr.Fail(err))
	}
	defer h.Close()

	data, err := fn(ctx, h)
	if err != nil {
		return a.emit(apperr.Fail(err))
	}
	return a.emit(apperr.OK(msg, data, warningsOf(data)...))
}

// warningsOf lifts the warnings of known result types to the Result level.
func warningsOf(data any) []string {
	switch v := data.(type) {
	case tablemgr.Outcome:
		return v.Warnings
	case tablemgr.MoveResult:
		return v.Warnings
	case tablemgr.CalculatedColumn:
		return v.Warnings
	case ingest.Result:
		return v.Warnings
	case joinbuilder.Validation:
		return v.Warnings
	case joinbuilder.Materialized:
		return v.Warnings
	}
	return nil
}

// progressLogger reports long-running progress through the logger.
func (a *app) progressLogger() tablemgr.ProgressFunc {
	return func(p tablemgr.Progress) {
		a.logger.Printf("progress: stage=%s pct=%d table=%s %s", p.Stage, p.Percent, p.Table, p.Message)
	}
}
