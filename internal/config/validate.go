package config

import (
	"fmt"
	"strings"
	"time"

	"tablekit/internal/sanitize"
)

// Severity classifies an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

var storageKinds = []string{"sqlite", "postgres", "mssql"}

// Validate checks c and returns every finding; the slice is empty for a
// valid configuration.
func (c Config) Validate() []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch kind := c.Storage.Kind; {
	case !contains(storageKinds, kind):
		add(SeverityError, "storage.kind", "unsupported storage kind %q (want one of %s)", kind, strings.Join(storageKinds, ", "))
	case kind != "sqlite" && c.Storage.DSN == "":
		add(SeverityError, "storage.dsn", "a DSN is required for %s storage", kind)
	}

	if strings.TrimSpace(c.Registry.Dir) == "" {
		add(SeverityError, "registry.dir", "database directory is empty")
	}
	if a := strings.TrimSpace(c.Registry.Active); a == "" {
		add(SeverityError, "registry.active", "active database name is empty")
	} else if s := sanitize.FileName(a); s != strings.TrimSuffix(a, ".db") {
		add(SeverityWarning, "registry.active", "database name %q will be used as %q", a, s)
	}

	switch c.Locale {
	case "fr", "en":
	case "":
		add(SeverityWarning, "locale", "locale is empty; fr is used")
	default:
		add(SeverityError, "locale", "unsupported locale %q (want fr or en)", c.Locale)
	}

	switch n := c.Ingest.BatchSize; {
	case n <= 0:
		add(SeverityError, "ingest.batch_size", "must be positive, got %d", n)
	case n > 10000:
		add(SeverityWarning, "ingest.batch_size", "%d rows per batch may exceed backend parameter limits", n)
	}
	if c.Ingest.MaxUploadBytes < 0 {
		add(SeverityError, "ingest.max_upload_bytes", "must not be negative")
	}

	if c.Retry.Attempts < 1 {
		add(SeverityError, "retry.attempts", "must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.BaseDelay < 0 {
		add(SeverityError, "retry.base_delay", "must not be negative")
	}

	switch c.Metrics.Backend {
	case "", "none":
	case "datadog":
		if fe := time.Duration(c.Metrics.FlushEvery); fe > 0 && fe < 10*time.Second {
			add(SeverityWarning, "metrics.flush_every", "flushing every %s may hit Datadog rate limits", fe)
		}
	default:
		add(SeverityError, "metrics.backend", "unknown metrics backend %q (want none or datadog)", c.Metrics.Backend)
	}

	if strings.TrimSpace(c.Export.Dir) == "" {
		add(SeverityWarning, "export.dir", "export directory is empty; the working directory is used")
	}
	return out
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
