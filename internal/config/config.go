// Package config loads the tablekit configuration from a JSON or YAML file
// plus environment overrides, and validates it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tablekit/internal/storage"
)

// Environment variables that override file settings.
const (
	EnvDSN     = "TABLEKIT_DSN"
	EnvStorage = "TABLEKIT_STORAGE"
	EnvLocale  = "TABLEKIT_LOCALE"
	EnvDBDir   = "TABLEKIT_DB_DIR"
)

// Duration is a time.Duration written as a Go duration string ("100ms",
// "1m") in config files. Plain numbers are read as milliseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
	case float64:
		*d = Duration(time.Duration(x * float64(time.Millisecond)))
	case int:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Registry locates the directory of per-file databases.
type Registry struct {
	Dir    string `json:"dir" yaml:"dir"`
	Active string `json:"active" yaml:"active"`
}

// Ingest tunes the ingestion engine.
type Ingest struct {
	BatchSize      int    `json:"batch_size" yaml:"batch_size"`
	MaxUploadBytes int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	ScratchDir     string `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"`
}

// Retry bounds lock-contention retries.
type Retry struct {
	Attempts  int      `json:"attempts" yaml:"attempts"`
	BaseDelay Duration `json:"base_delay" yaml:"base_delay"`
}

// Policy converts r to the storage retry policy.
func (r Retry) Policy() storage.RetryPolicy {
	return storage.RetryPolicy{Attempts: r.Attempts, BaseDelay: time.Duration(r.BaseDelay)}
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "none" or "datadog".
	Backend    string   `json:"backend" yaml:"backend"`
	JobName    string   `json:"job_name,omitempty" yaml:"job_name,omitempty"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	FlushEvery Duration `json:"flush_every,omitempty" yaml:"flush_every,omitempty"`
}

// Export configures where export files are written.
type Export struct {
	Dir string `json:"dir" yaml:"dir"`
}

// Config is the full tablekit configuration.
//
// Storage, when its DSN is set, names a server-backed database (postgres,
// mssql) used instead of the registry's active file.
type Config struct {
	Storage  storage.Config `json:"storage" yaml:"storage"`
	Registry Registry       `json:"registry" yaml:"registry"`
	Locale   string         `json:"locale" yaml:"locale"`
	Ingest   Ingest         `json:"ingest" yaml:"ingest"`
	Retry    Retry          `json:"retry" yaml:"retry"`
	Metrics  Metrics        `json:"metrics" yaml:"metrics"`
	Export   Export         `json:"export" yaml:"export"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage:  storage.Config{Kind: "sqlite"},
		Registry: Registry{Dir: "databases", Active: "main"},
		Locale:   "fr",
		Ingest:   Ingest{BatchSize: 1000, MaxUploadBytes: 100 << 20},
		Retry:    Retry{Attempts: 5, BaseDelay: Duration(100 * time.Millisecond)},
		Metrics:  Metrics{Backend: "none", JobName: "tablekit", FlushEvery: Duration(time.Minute)},
		Export:   Export{Dir: "exports"},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path yields the defaults plus the environment. Files ending in .yaml or
// .yml are YAML; anything else is JSON.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := Decode(data, filepath.Ext(path), &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Decode unmarshals data into cfg by file extension.
func Decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

// ApplyEnv overrides settings from the TABLEKIT_* environment variables
// read through getenv. Setting a DSN without a storage kind implies
// postgres.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvStorage)); v != "" {
		c.Storage.Kind = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv(EnvDSN)); v != "" {
		c.Storage.DSN = v
		if getenv(EnvStorage) == "" && c.Storage.Kind == "sqlite" && !strings.HasSuffix(v, ".db") {
			c.Storage.Kind = "postgres"
		}
	}
	if v := strings.TrimSpace(getenv(EnvLocale)); v != "" {
		c.Locale = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv(EnvDBDir)); v != "" {
		c.Registry.Dir = v
	}
}
