package schema

import (
	"fmt"
	"strings"
)

// Dialect renders identifiers, types and placeholders for one backend.
type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	TypeSQL(t ColumnType) string
	// AutoKeySQL is the full column definition of the generated primary key.
	AutoKeySQL(name string) string
	// Placeholder returns the bind marker for the 1-based argument n.
	Placeholder(n int) string
	// CreateIfMissing wraps a CREATE TABLE body so that it is a no-op when
	// the table already exists.
	CreateIfMissing(table, defs string) string
	// LimitSQL renders a row limit appended to a SELECT.
	LimitSQL(n int) string
	// PageSQL renders limit and offset appended to an ordered SELECT.
	PageSQL(limit, offset int) string
	// CastText converts expr to the dialect's unbounded text type.
	CastText(expr string) string
}

// For returns the dialect registered under kind ("sqlite", "postgres", "mssql").
func For(kind string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mssql", "sqlserver":
		return MSSQL, nil
	}
	return nil, fmt.Errorf("schema: unsupported dialect %q", kind)
}

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
	MSSQL    Dialect = mssqlDialect{}
)

func doubleQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                  { return "sqlite" }
func (sqliteDialect) QuoteIdent(name string) string { return doubleQuote(name) }
func (sqliteDialect) Placeholder(int) string        { return "?" }
func (sqliteDialect) LimitSQL(n int) string         { return fmt.Sprintf(" LIMIT %d", n) }
func (sqliteDialect) CastText(expr string) string   { return "CAST(" + expr + " AS TEXT)" }

func (sqliteDialect) PageSQL(limit, offset int) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func (sqliteDialect) TypeSQL(t ColumnType) string {
	switch t.Kind {
	case Integer:
		return "INTEGER"
	case Float:
		return "REAL"
	case Timestamp:
		return "TIMESTAMP"
	case BoundedText:
		return fmt.Sprintf("VARCHAR(%d)", t.Length)
	case Boolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (d sqliteDialect) AutoKeySQL(name string) string {
	return d.QuoteIdent(name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d sqliteDialect) CreateIfMissing(table, defs string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", d.QuoteIdent(table), defs)
}

type postgresDialect struct{}

func (postgresDialect) Name() string                  { return "postgres" }
func (postgresDialect) QuoteIdent(name string) string { return doubleQuote(name) }
func (postgresDialect) Placeholder(n int) string      { return fmt.Sprintf("$%d", n) }
func (postgresDialect) LimitSQL(n int) string         { return fmt.Sprintf(" LIMIT %d", n) }
func (postgresDialect) CastText(expr string) string   { return "CAST(" + expr + " AS TEXT)" }

func (postgresDialect) PageSQL(limit, offset int) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func (postgresDialect) TypeSQL(t ColumnType) string {
	switch t.Kind {
	case Integer:
		return "BIGINT"
	case Float:
		return "DOUBLE PRECISION"
	case Timestamp:
		return "TIMESTAMP"
	case BoundedText:
		return fmt.Sprintf("VARCHAR(%d)", t.Length)
	case Boolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (d postgresDialect) AutoKeySQL(name string) string {
	return d.QuoteIdent(name) + " BIGSERIAL PRIMARY KEY"
}

func (d postgresDialect) CreateIfMissing(table, defs string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", d.QuoteIdent(table), defs)
}

type mssqlDialect struct{}

func (mssqlDialect) Name() string { return "mssql" }

// QuoteIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func (mssqlDialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (mssqlDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// LimitSQL is expressed with OFFSET/FETCH, which requires an ORDER BY; the
// query builder adds "ORDER BY (SELECT NULL)" when none was given.
func (mssqlDialect) LimitSQL(n int) string {
	return fmt.Sprintf(" OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
}

func (mssqlDialect) PageSQL(limit, offset int) string {
	return fmt.Sprintf(" OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}

func (mssqlDialect) CastText(expr string) string { return "CAST(" + expr + " AS NVARCHAR(MAX))" }

func (mssqlDialect) TypeSQL(t ColumnType) string {
	switch t.Kind {
	case Integer:
		return "BIGINT"
	case Float:
		return "FLOAT"
	case Timestamp:
		return "DATETIME2"
	case BoundedText:
		return fmt.Sprintf("NVARCHAR(%d)", t.Length)
	case Boolean:
		return "BIT"
	default:
		return "NVARCHAR(MAX)"
	}
}

func (d mssqlDialect) AutoKeySQL(name string) string {
	return d.QuoteIdent(name) + " BIGINT IDENTITY(1,1) PRIMARY KEY"
}

// CreateIfMissing guards CREATE TABLE with OBJECT_ID since SQL Server has no
// IF NOT EXISTS for tables.
func (d mssqlDialect) CreateIfMissing(table, defs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(table, "'", "''"),
		d.QuoteIdent(table),
		defs,
	)
}
