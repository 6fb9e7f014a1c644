// Package metrics is the backend-neutral instrumentation surface used by the
// ingestion engine, the table manager and the join builder.
//
// Core code only calls the Record* helpers; a concrete Backend (datadog, or
// the default no-op) is installed once by the CLI with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives raw metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared with the backends.
const (
	StepTotal         = "tablekit_step_total"
	StepDuration      = "tablekit_step_duration_seconds"
	RowsTotal         = "tablekit_rows_total"
	BatchesTotal      = "tablekit_batches_total"
	RetriesTotal      = "tablekit_retries_total"
	QueryDuration     = "tablekit_query_duration_seconds"
	StatusOK          = "ok"
	StatusError       = "error"
	RowsInserted      = "inserted"
	RowsSkipped       = "skipped"
	RowsTransferred   = "transferred"
	QueryPreview      = "preview"
	QueryReadOnly     = "read_only"
	QueryMaterialized = "materialize"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one execution of a named stage and observes its duration.
func RecordStep(step string, d time.Duration, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRows counts rows by kind (inserted, skipped, transferred).
func RecordRows(kind string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one bulk-insert batch.
func RecordBatch() { current().IncCounter(BatchesTotal, 1, nil) }

// RecordRetry counts one lock-contention retry of op.
func RecordRetry(op string) { current().IncCounter(RetriesTotal, 1, Labels{"op": op}) }

// RecordQuery observes the duration of a query by kind.
func RecordQuery(kind string, d time.Duration) {
	current().ObserveHistogram(QueryDuration, d.Seconds(), Labels{"kind": kind})
}
