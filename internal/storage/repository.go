package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tablekit/internal/schema"
)

// Config is the minimal configuration needed to open a Repository.
//
// When to use:
//   - Use Config when constructing a Repository via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// ColumnInfo is one column as reported by live introspection.
type ColumnInfo struct {
	Name         string `json:"name"`
	DeclaredType string `json:"type"`
	Nullable     bool   `json:"nullable"`
	PrimaryKey   bool   `json:"primary_key"`
}

// ResultSet is a fully materialized query result. Text-like driver values
// ([]byte) are converted to string.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Repository is the relational execution boundary used by the table manager,
// the catalog, the ingestion engine and the join builder.
//
// IMPORTANT: This interface is intentionally small. Each backend implements it
// in its own idiomatic way (sqlite_master and PRAGMA for SQLite,
// information_schema for Postgres and SQL Server).
type Repository interface {
	// Close releases any backend resources (connections, pools).
	//
	// When to use:
	//   - Always call Close when you are done with the repository to avoid leaks.
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close() error

	// Kind is the registered backend kind ("sqlite", "postgres", "mssql").
	Kind() string
	// Dialect renders identifiers, types and placeholders for this backend.
	Dialect() schema.Dialect

	// ListTables returns user tables in name order. Backend-internal tables
	// (sqlite_*, system schemas) are never included; catalog side tables are.
	ListTables(ctx context.Context) ([]string, error)
	TableExists(ctx context.Context, table string) (bool, error)
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)
	// TableDDL returns the CREATE TABLE statement of table: the stored text
	// where the backend keeps it, otherwise one rebuilt from introspection.
	TableDDL(ctx context.Context, table string) (string, error)

	CreateTable(ctx context.Context, table string, ts schema.TableSchema, ifNotExists bool) error
	RenameTable(ctx context.Context, from, to string) error
	DropTable(ctx context.Context, table string) error
	// CopyTable creates dst with src's structure and, when withData is set,
	// src's rows.
	CopyTable(ctx context.Context, src, dst string, withData bool) error
	CountRows(ctx context.Context, table string) (int64, error)

	// InsertRows inserts rows with bound parameters inside one transaction:
	// either every row is inserted or none is.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	// InsertReturningID inserts one row and returns the generated AutoKey.
	InsertReturningID(ctx context.Context, table string, columns []string, values []any) (int64, error)

	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (*ResultSet, error)

	// IsLockContention reports whether err is a transient busy/locked
	// condition worth retrying.
	IsLockContention(err error) bool
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Edge cases:
//   - Registering the same kind more than once panics. This is intentional to
//     fail fast and avoid ambiguous backend selection.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, Config{Kind: kind, DSN: cfg.DSN})
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
