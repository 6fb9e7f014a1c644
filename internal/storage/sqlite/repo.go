// Package sqlite implements storage.Repository on modernc.org/sqlite, the
// default backend: one database file per registry entry.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 since 3.32).
const maxParams = 30000

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite keeps the literal CREATE TABLE text in sqlite_master, so TableDDL
//     returns exactly what was executed.
//   - SQLite has no native timestamp type; time.Time arguments are bound as
//     "2006-01-02 15:04:05" UTC text, which sorts and compares correctly.
//   - A single connection is used: SQLite allows one writer, and a larger
//     pool only trades SQLITE_BUSY for lock waits.
type Repo struct {
	db  *sql.DB
	dsn string
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (creating if needed) the database at cfg.DSN. A bare path gets a
// busy timeout pragma appended.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", buildDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Repo{db: db, dsn: cfg.DSN}, nil
}

// buildDSN appends hardening pragmas unless the caller already set some.
func buildDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (r *Repo) Close() error            { return r.db.Close() }
func (r *Repo) Kind() string            { return "sqlite" }
func (r *Repo) Dialect() schema.Dialect { return schema.SQLite }

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: table exists %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns uses PRAGMA table_info, which reports declared type, NOT NULL and
// primary-key position per column.
func (r *Repo) Columns(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqlIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			decl    sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &decl, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, storage.ColumnInfo{
			Name:         name,
			DeclaredType: decl.String,
			Nullable:     notNull == 0 && pk == 0,
			PrimaryKey:   pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sqlite: table %s not found", table)
	}
	return out, nil
}

// TableDDL returns the literal CREATE TABLE text stored in sqlite_master.
func (r *Repo) TableDDL(ctx context.Context, table string) (string, error) {
	var ddl sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, table).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: table %s not found", table)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: ddl %s: %w", table, err)
	}
	return ddl.String, nil
}

func (r *Repo) CreateTable(ctx context.Context, table string, ts schema.TableSchema, ifNotExists bool) error {
	q, err := schema.CreateTableSQL(schema.SQLite, table, ts, ifNotExists)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (r *Repo) RenameTable(ctx context.Context, from, to string) error {
	q := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", sqlIdent(from), sqlIdent(to))
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("rename table %s: %w", from, err)
	}
	return nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// CopyTable recreates src's literal DDL under dst, then copies rows with
// INSERT ... SELECT so generated keys are preserved.
func (r *Repo) CopyTable(ctx context.Context, src, dst string, withData bool) error {
	ddl, err := r.TableDDL(ctx, src)
	if err != nil {
		return err
	}
	create, err := storage.RetargetDDL(schema.SQLite, ddl, dst)
	if err != nil {
		return fmt.Errorf("sqlite: copy %s: %w", src, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("sqlite: create copy %s: %w", dst, err)
	}
	if withData {
		q := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", sqlIdent(dst), sqlIdent(src))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: copy rows %s: %w", dst, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", table, err)
	}
	return n, nil
}

// InsertRows binds every value; chunks are sized under maxParams and share
// one transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, chunk := range storage.ChunkRows(rows, len(columns), maxParams) {
		q := schema.InsertSQL(schema.SQLite, table, columns, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for _, row := range chunk {
			if len(row) != len(columns) {
				return 0, fmt.Errorf("sqlite: insert %s: row has %d values, want %d", table, len(row), len(columns))
			}
			for _, v := range row {
				args = append(args, bindValue(v))
			}
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) InsertReturningID(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	q := schema.InsertSQL(schema.SQLite, table, columns, 1)
	res, err := r.db.ExecContext(ctx, q, bindAll(values)...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert %s: %w", table, err)
	}
	return res.LastInsertId()
}

func (r *Repo) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, bindAll(args)...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repo) Query(ctx context.Context, query string, args ...any) (*storage.ResultSet, error) {
	rows, err := r.db.QueryContext(ctx, query, bindAll(args)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return storage.ScanAll(rows)
}

// IsLockContention recognizes SQLITE_BUSY and SQLITE_LOCKED (including
// extended codes). Message matching is only used for errors that carry no
// sqlite result code.
func (r *Repo) IsLockContention(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return storage.IsLockMessage(err)
}

// sqlIdent returns a double-quoted identifier, escaping '"' as '""'.
func sqlIdent(name string) string {
	return schema.SQLite.QuoteIdent(name)
}

func bindAll(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = bindValue(v)
	}
	return out
}

func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// formatSQLiteTime renders t the way SQLite's own date functions do.
func formatSQLiteTime(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond() != 0 {
		return t.Format("2006-01-02 15:04:05.000000")
	}
	return t.Format("2006-01-02 15:04:05")
}

var _ storage.Repository = (*Repo)(nil)
