// Package ingest turns an uploaded file into cataloged tables.
//
// One call runs the whole state machine
//
//	received -> parsing -> schema_resolution -> loading -> finalizing -> completed
//
// and any unrecoverable error moves it to failed. On failure the tables
// created by the run are dropped and the upload is marked failed with the
// error text. Rows skipped by the loader do not fail the run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
	"tablekit/internal/metrics"
	"tablekit/internal/normalize"
	"tablekit/internal/parser"
	"tablekit/internal/sanitize"
	"tablekit/internal/storage"
	"tablekit/internal/tablemgr"
)

// Logger is the minimal logging interface used by the ingest engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// State is a step of the ingestion state machine.
type State string

const (
	StateReceived         State = "received"
	StateParsing          State = "parsing"
	StateSchemaResolution State = "schema_resolution"
	StateLoading          State = "loading"
	StateFinalizing       State = "finalizing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Mode selects what happens to a source's target table.
type Mode string

const (
	// ModeNew creates a fresh table.
	ModeNew Mode = "new"
	// ModeReplace empties an existing table and loads the source into it.
	ModeReplace Mode = "replace"
	// ModeAppend adds the source's rows to an existing table.
	ModeAppend Mode = "append"
)

// ParseMode accepts "new", "replace" and "append"; blank is ModeNew.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNew, nil
	case ModeNew, ModeReplace, ModeAppend:
		return m, nil
	}
	return "", fmt.Errorf("unknown ingest mode %q (want new, replace or append)", s)
}

// Target binds a source to a table. An empty Source matches every source
// without a target of its own. An empty Table in ModeNew derives the name
// from the source.
type Target struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`
	Mode   Mode   `json:"mode" yaml:"mode"`
}

// Options tune one ingestion.
type Options struct {
	Locale    normalize.Locale
	Delimiter rune
	Sheets    []string
	Records   *parser.HTMLRecords

	Targets []Target

	// ColumnTypes overrides inferred types: source name, then column name
	// (original or sanitized), to one of text, integer, float, datetime,
	// boolean or varchar. The "" source applies to every source.
	ColumnTypes map[string]map[string]string

	Progress tablemgr.ProgressFunc
}

func (o Options) parserOptions() parser.Options {
	return parser.Options{Locale: o.Locale, Delimiter: o.Delimiter, Sheets: o.Sheets, Records: o.Records}
}

func (o Options) target(source string) Target {
	var fallback *Target
	for i, t := range o.Targets {
		if t.Source != "" && strings.EqualFold(t.Source, source) {
			return withDefaultMode(t)
		}
		if t.Source == "" && fallback == nil {
			fallback = &o.Targets[i]
		}
	}
	if fallback != nil {
		t := withDefaultMode(*fallback)
		t.Source = source
		return t
	}
	return Target{Source: source, Mode: ModeNew}
}

func withDefaultMode(t Target) Target {
	if m, err := ParseMode(string(t.Mode)); err == nil {
		t.Mode = m
	}
	return t
}

func (o Options) overrides(source string) map[string]string {
	specific, shared := o.ColumnTypes[source], o.ColumnTypes[""]
	if len(shared) == 0 {
		return specific
	}
	out := make(map[string]string, len(specific)+len(shared))
	for k, v := range shared {
		out[k] = v
	}
	for k, v := range specific {
		out[k] = v
	}
	return out
}

// Request is one uploaded file.
type Request struct {
	Filename string
	Data     []byte
	Options  Options
}

// SourceResult is the outcome of one source.
type SourceResult struct {
	Source   string       `json:"source"`
	Table    string       `json:"table"`
	Mode     Mode         `json:"mode"`
	Created  bool         `json:"created"`
	Locale   string       `json:"locale"`
	Columns  []ColumnPlan `json:"columns"`
	Rows     int64        `json:"rows_found"`
	Inserted int64        `json:"rows_inserted"`
	Skipped  int64        `json:"rows_skipped"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Result is the outcome of Ingest. State is StateCompleted or StateFailed.
type Result struct {
	UploadID  int64          `json:"upload_id"`
	State     State          `json:"state"`
	FileKind  string         `json:"file_type"`
	Sources   []SourceResult `json:"sources"`
	TotalRows int64          `json:"total_rows"`
	Warnings  []string       `json:"warnings,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Engine runs ingestions against explicit database handles.
type Engine struct {
	Tables *tablemgr.Manager
	Logger Logger

	// Retry bounds lock-contention retries of catalog writes.
	Retry storage.RetryPolicy

	// ScratchDir is where IngestReader spools uploads; "" is os.TempDir.
	ScratchDir string
	// MaxUploadBytes caps IngestReader input; <= 0 means no cap.
	MaxUploadBytes int64
}

// New returns an Engine over tables with the default retry policy.
func New(tables *tablemgr.Manager, logger Logger) *Engine {
	if tables == nil {
		tables = tablemgr.New(logger)
	}
	return &Engine{Tables: tables, Logger: logger, Retry: storage.DefaultRetry()}
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return e.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// plan is one source bound to its target table.
type plan struct {
	res     *resolved
	target  Target
	table   string
	binding binding
}

// run is the mutable state of one Ingest call.
type run struct {
	e        *Engine
	h        *dbregistry.Handle
	opts     Options
	logf     func(format string, v ...any)
	result   *Result
	state    State
	created  []string
	reserved map[string]bool
}

func (r *run) progress(stage string, pct int, msg, table string) {
	if r.opts.Progress != nil {
		r.opts.Progress(tablemgr.Progress{Stage: stage, Percent: pct, Message: msg, Table: table})
	}
}

// enter switches to state and returns the func that closes it.
func (r *run) enter(state State) func(err error) {
	r.state = state
	r.result.State = state
	start := time.Now()
	return func(err error) {
		metrics.RecordStep("ingest_"+string(state), time.Since(start), err)
		if err == nil {
			r.logf("stage=%s ok duration=%s", state, durMS(start))
		}
	}
}

// Ingest runs the full state machine for req against h.
//
// Unsupported extensions fail before an upload record is written. Every
// later failure drops the tables created so far, marks the upload failed and
// is returned together with a Result in StateFailed.
func (e *Engine) Ingest(ctx context.Context, h *dbregistry.Handle, req Request) (res Result, err error) {
	const op = "ingest.Ingest"
	start := time.Now()
	logf := e.logger()
	res = Result{State: StateReceived}
	r := &run{e: e, h: h, opts: req.Options, logf: logf, result: &res, state: StateReceived, reserved: map[string]bool{}}

	kind, err := parser.KindOf(req.Filename)
	if err != nil {
		res.State, res.Error = StateFailed, err.Error()
		metrics.RecordStep("ingest", time.Since(start), err)
		return res, err
	}
	res.FileKind = string(kind)
	r.progress("validation", 5, "Validating file...", "")

	err = e.retry(ctx, h, op, func() error {
		id, err := h.Catalog.CreateUpload(ctx, catalog.UploadRecord{
			OriginalFilename: filepath.Base(req.Filename),
			FileType:         string(kind),
			FileSize:         int64(len(req.Data)),
		})
		res.UploadID = id
		return err
	})
	if err != nil {
		res.State, res.Error = StateFailed, err.Error()
		metrics.RecordStep("ingest", time.Since(start), err)
		return res, fmt.Errorf("%s: %w", op, err)
	}
	logf("ingest: start upload=%d file=%s kind=%s bytes=%d db=%s", res.UploadID, filepath.Base(req.Filename), kind, len(req.Data), h.Name)

	defer func() {
		metrics.RecordStep("ingest", time.Since(start), err)
		if err == nil {
			return
		}
		failedIn := r.state
		r.rollback(ctx)
		res.State, res.Error = StateFailed, err.Error()
		if ferr := e.retry(context.WithoutCancel(ctx), h, op, func() error {
			return h.Catalog.FinishUpload(context.WithoutCancel(ctx), res.UploadID, catalog.StatusFailed, 0, 0, err.Error())
		}); ferr != nil {
			logf("ingest: warning upload=%d cannot mark failed err=%v", res.UploadID, ferr)
			res.Warnings = append(res.Warnings, fmt.Sprintf("upload %d not marked failed: %v", res.UploadID, ferr))
		}
		logf("ingest: failed upload=%d state=%s err=%v", res.UploadID, failedIn, err)
		r.progress("error", 0, "Error: "+err.Error(), "")
	}()

	// parsing
	done := r.enter(StateParsing)
	r.progress("parsing", 10, "Reading file...", "")
	sources, err := parser.Parse(ctx, req.Filename, req.Data, req.Options.parserOptions())
	done(err)
	if err != nil {
		return res, err
	}

	// schema resolution
	done = r.enter(StateSchemaResolution)
	r.progress("schema", 20, fmt.Sprintf("Resolving schema of %d source(s)...", len(sources)), "")
	plans, err := r.resolve(ctx, sources)
	done(err)
	if err != nil {
		return res, err
	}

	// loading
	done = r.enter(StateLoading)
	for i := range plans {
		if err = r.load(ctx, &plans[i], i, len(plans)); err != nil {
			break
		}
	}
	done(err)
	if err != nil {
		return res, err
	}

	// finalizing
	done = r.enter(StateFinalizing)
	r.progress("cleanup", 95, "Updating catalog...", "")
	err = r.finalize(ctx, plans)
	done(err)
	if err != nil {
		return res, err
	}

	res.State = StateCompleted
	r.progress("completed", 100, fmt.Sprintf("Imported %d row(s) into %d table(s)", res.TotalRows, len(res.Sources)), "")
	logf("ingest: completed upload=%d sources=%d rows=%d duration=%s", res.UploadID, len(res.Sources), res.TotalRows, durMS(start))
	return res, nil
}

// resolve runs SchemaResolution for every source and binds each one to its
// target table. Nothing is written.
func (r *run) resolve(ctx context.Context, sources []parser.Source) ([]plan, error) {
	plans := make([]plan, 0, len(sources))
	for _, src := range sources {
		res, err := resolveSource(src, r.opts.Locale, r.opts.overrides(src.Name))
		if err != nil {
			return nil, apperr.Wrap(apperr.NoTabularData, "ingest.resolve", err)
		}
		p := plan{res: res, target: r.opts.target(src.Name)}
		if err := r.bind(ctx, &p); err != nil {
			return nil, err
		}
		plans = append(plans, p)

		sr := SourceResult{
			Source:   src.Name,
			Table:    p.table,
			Mode:     p.target.Mode,
			Locale:   string(res.locale),
			Columns:  res.columns,
			Rows:     int64(len(res.rows)),
			Warnings: append(append([]string(nil), res.warnings...), p.binding.warnings()...),
		}
		r.result.Sources = append(r.result.Sources, sr)
		r.logf("stage=schema source=%q table=%s mode=%s columns=%d rows=%d locale=%s",
			src.Name, p.table, p.target.Mode, len(p.binding.columns), len(res.rows), res.locale)
	}
	return plans, nil
}

func (r *run) bind(ctx context.Context, p *plan) error {
	const op = "ingest.bind"
	switch p.target.Mode {
	case ModeNew:
		name, err := r.newTableName(ctx, p)
		if err != nil {
			return err
		}
		p.table = name
		p.binding = bindNew(p.res)
		return nil

	case ModeReplace, ModeAppend:
		if strings.TrimSpace(p.target.Table) == "" {
			return fmt.Errorf("%s: source %q: mode %s needs a target table", op, p.res.source, p.target.Mode)
		}
		live, err := r.e.Tables.Columns(ctx, r.h, p.target.Table)
		if err != nil {
			return err
		}
		p.table = p.target.Table
		p.binding = bindExisting(p.res, live)
		if len(p.binding.columns) == len(p.binding.missing) {
			return fmt.Errorf("%s: source %q shares no column with table %q", op, p.res.source, p.table)
		}
		return nil
	}
	return fmt.Errorf("%s: source %q: unknown mode %q", op, p.res.source, p.target.Mode)
}

// newTableName picks the table of a ModeNew source. An explicit name must be
// free; a derived one gets a numeric suffix until it is free in the database
// and unused by earlier sources of this run.
func (r *run) newTableName(ctx context.Context, p *plan) (string, error) {
	if raw := strings.TrimSpace(p.target.Table); raw != "" {
		name := sanitize.TableName(raw)
		exists, err := r.h.Repo.TableExists(ctx, name)
		if err != nil {
			return "", err
		}
		if exists || catalog.IsCatalogTable(name) || r.reserved[name] {
			return "", apperr.New(apperr.NameConflict, "ingest.bind", "table %q already exists", name)
		}
		r.reserved[name] = true
		return name, nil
	}

	base := sanitize.TableName(p.res.source)
	name := base
	for i := 1; ; i++ {
		if !r.reserved[name] && !catalog.IsCatalogTable(name) {
			exists, err := r.h.Repo.TableExists(ctx, name)
			if err != nil {
				return "", err
			}
			if !exists {
				r.reserved[name] = true
				return name, nil
			}
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// load creates or empties the target table of p and bulk-loads its rows.
func (r *run) load(ctx context.Context, p *plan, idx, total int) error {
	const op = "ingest.load"
	sr := &r.result.Sources[idx]
	lo, hi := 30+60*idx/total, 30+60*(idx+1)/total

	switch p.target.Mode {
	case ModeNew:
		r.progress("schema", lo, "Creating table "+p.table+"...", p.table)
		created, err := r.e.Tables.CreateTable(ctx, r.h, p.table, p.res.schema())
		if err != nil {
			return err
		}
		if created {
			r.created = append(r.created, p.table)
		}
		sr.Created = created
	case ModeReplace:
		r.progress("schema", lo, "Emptying table "+p.table+"...", p.table)
		q := "DELETE FROM " + r.h.Repo.Dialect().QuoteIdent(p.table)
		err := storage.Retry(ctx, r.e.Retry, r.h.Repo.IsLockContention, func() error {
			_, err := r.h.Repo.Exec(ctx, q)
			return err
		})
		if err != nil {
			return r.lockErr(op, fmt.Errorf("%s: empty %s: %w", op, p.table, err))
		}
	}

	start := time.Now()
	rows := p.binding.driverRows(p.res)
	stats, err := r.e.Tables.Load(ctx, r.h.Repo, p.table, p.binding.columns, rows, func(done, n int) {
		pct := hi
		if n > 0 {
			pct = lo + (hi-lo)*done/n
		}
		r.progress("insertion", pct, fmt.Sprintf("Inserted %d/%d rows", done, n), p.table)
	})
	sr.Inserted, sr.Skipped = stats.Inserted, stats.Skipped
	if err != nil {
		return fmt.Errorf("%s: table %s: %w", op, p.table, err)
	}
	if stats.Skipped > 0 {
		sr.Warnings = append(sr.Warnings, fmt.Sprintf("%d row(s) skipped", stats.Skipped))
	}
	r.result.TotalRows += stats.Inserted
	r.logf("stage=load table=%s rows=%d inserted=%d skipped=%d batches=%d duration=%s",
		p.table, stats.Rows, stats.Inserted, stats.Skipped, stats.Batches, durMS(start))
	return nil
}

// finalize writes the catalog entries of every table and completes the
// upload.
func (r *run) finalize(ctx context.Context, plans []plan) error {
	const op = "ingest.finalize"
	for i, p := range plans {
		rec := catalog.TableRecord{TableName: p.table, SheetName: p.res.source, UploadID: r.result.UploadID}
		err := r.e.retry(ctx, r.h, op, func() error {
			if r.result.Sources[i].Created {
				rec.ColumnCount = len(p.binding.columns)
				rec.RowCount = r.result.Sources[i].Inserted
				return r.h.Catalog.PutTable(ctx, rec)
			}
			_, err := r.e.Tables.RefreshCatalog(ctx, r.h, rec)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s: catalog %s: %w", op, p.table, err)
		}
	}
	return r.e.retry(ctx, r.h, op, func() error {
		return r.h.Catalog.FinishUpload(ctx, r.result.UploadID, catalog.StatusCompleted, len(plans), r.result.TotalRows, "")
	})
}

// rollback drops the tables this run created and their catalog entries.
func (r *run) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(r.created) - 1; i >= 0; i-- {
		t := r.created[i]
		if err := r.h.Repo.DropTable(ctx, t); err != nil {
			r.logf("ingest: rollback failed table=%s err=%v", t, err)
			continue
		}
		if err := r.h.Catalog.DeleteTable(ctx, t); err != nil && !errors.Is(err, apperr.E(apperr.NotFound)) {
			r.logf("catalog: warning op=delete table=%s err=%v", t, err)
		}
		r.logf("ingest: rolled back table=%s", t)
	}
	r.created = nil
}

// retry runs fn under the engine's lock-contention policy. Exhausted retries
// come back as LockContention.
func (e *Engine) retry(ctx context.Context, h *dbregistry.Handle, op string, fn func() error) error {
	attempt := 0
	err := storage.Retry(ctx, e.Retry, h.Repo.IsLockContention, func() error {
		if attempt > 0 {
			metrics.RecordRetry(op)
		}
		attempt++
		return fn()
	})
	if err != nil && h.Repo.IsLockContention(err) {
		return apperr.Wrap(apperr.LockContention, op, err)
	}
	return err
}

func (r *run) lockErr(op string, err error) error {
	if r.h.Repo.IsLockContention(err) {
		return apperr.Wrap(apperr.LockContention, op, err)
	}
	return err
}
