package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"tablekit/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter, unix int64) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(unix, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func seriesNames(p datadogV2.MetricPayload) []string {
	var out []string
	for _, s := range p.Series {
		out = append(out, s.Metric)
	}
	sort.Strings(out)
	return out
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := WrapInitErr(nil); got != nil {
		t.Fatalf("WrapInitErr(nil)=%v, want nil", got)
	}
	in := errors.New("boom")
	got := WrapInitErr(in)
	if !strings.Contains(got.Error(), "datadog metrics init:") || !errors.Is(got, in) {
		t.Fatalf("WrapInitErr(err)=%v", got)
	}
}

func TestStepStatusKeyRoundTrip(t *testing.T) {
	tests := []struct {
		step   string
		status string
	}{
		{"load", "ok"},
		{"", "ok"},
		{"parse", ""},
		{"", ""},
	}
	for _, tc := range tests {
		tc := tc
		step, status := splitStepStatusKey(stepStatusKey(tc.step, tc.status))
		if step != tc.step || status != tc.status {
			t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", step, status, tc.step, tc.status)
		}
	}
	if step, status := splitStepStatusKey("no-sep"); step != "no-sep" || status != "unknown" {
		t.Fatalf("splitStepStatusKey()=(%q,%q)", step, status)
	}
}

func TestWithTagsDoesNotAlias(t *testing.T) {
	base := []string{"env:test", "job:tablekit"}
	got := withTags(base, "step:load")
	if !reflect.DeepEqual(got, []string{"env:test", "job:tablekit", "step:load"}) {
		t.Fatalf("withTags()=%v", got)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentilesDoesNotMutateInput(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"kind:preview"}, "tablekit.query.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	last := series[5]
	if last.Metric != "tablekit.query.duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("unexpected samples gauge %+v", last)
	}
	if *series[4].Points[0].Value != 5 {
		t.Fatalf("max gauge=%v, want 5", *series[4].Points[0].Value)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs, 123)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"service:tablekit"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:tablekit") || !contains(b.baseTags, "service:tablekit") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "load", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"kind": metrics.RowsInserted})
	b.IncCounter(metrics.RetriesTotal, 1, metrics.Labels{"op": "insert"})
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	b.ObserveHistogram(metrics.StepDuration, 0.5, metrics.Labels{"step": "load", "status": "ok"})
	b.ObserveHistogram(metrics.QueryDuration, 0.1, metrics.Labels{"kind": metrics.QueryPreview})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.stepCounts) != 0 || len(b.rowCounts) != 0 || b.batchCount != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	names := seriesNames(payload)
	for _, w := range []string{
		"tablekit.batches.total",
		"tablekit.rows.total",
		"tablekit.retries.total",
		"tablekit.step.total",
		"tablekit.step.duration_seconds.p50",
		"tablekit.query.duration_seconds.p99",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_PropagatesSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403")}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() {
		fs.mu.Lock()
		fs.err = nil
		fs.mu.Unlock()
		_ = b.Close()
	}()

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if b.batchCount != 0 {
		t.Fatalf("buffers must reset even when submission fails")
	}
}

// TestLoopAndClose verifies the background loop flushes periodically and
// Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.count() >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 3000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, nil)
				b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "load", "status": "ok"})
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": metrics.RowsInserted})
				b.ObserveHistogram(metrics.StepDuration, 0.01, metrics.Labels{"step": "load", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if got := b.rowCounts[metrics.RowsInserted]; got != float64(workers*iters) {
		t.Fatalf("rows=%v, want %d", got, workers*iters)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 4000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StepDuration, -1, metrics.Labels{"step": "load", "status": "ok"})
	b.IncCounter(metrics.RetriesTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.QueryDuration, 0.1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var sawRetry, sawP50 bool
	for _, s := range payload.Series {
		if s.Metric == "tablekit.retries.total" && contains(s.Tags, "op:unknown") {
			sawRetry = true
		}
		if s.Metric == "tablekit.query.duration_seconds.p50" && contains(s.Tags, "kind:unknown") {
			sawP50 = true
		}
		if s.Metric == "tablekit.rows.total" || s.Metric == "tablekit.batches.total" {
			t.Fatalf("ignored event leaked into payload: %s", s.Metric)
		}
	}
	if !sawRetry || !sawP50 {
		t.Fatalf("expected unknown-labelled retry and query series; got=%v", seriesNames(payload))
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,db:ventes,  ,team:data ", want: []string{"env:prod", "db:ventes", "team:data"}},
		{name: "single_tag", in: "db:ventes", want: []string{"db:ventes"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
