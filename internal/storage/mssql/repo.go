// Package mssql implements storage.Repository for Microsoft SQL Server using
// database/sql and the go-mssqldb "sqlserver" driver.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter limit per statement.
const maxParams = 2000

// Repo implements storage.Repository for SQL Server.
//
// Tables are resolved in the login's default schema (usually dbo). Generated
// keys are IDENTITY columns; InsertReturningID reads them back with OUTPUT.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens a pool with the "sqlserver" driver and validates connectivity via
// PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repo) Kind() string            { return "mssql" }
func (r *Repo) Dialect() schema.Dialect { return schema.MSSQL }

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	rs, err := r.Query(ctx, `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = SCHEMA_NAME()
ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("mssql: list tables: %w", err)
	}
	out := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		out = append(out, storage.AsString(row[0]))
	}
	return out, nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	rs, err := r.Query(ctx, `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1`, table)
	if err != nil {
		return false, fmt.Errorf("mssql: table exists %s: %w", table, err)
	}
	return len(rs.Rows) == 1 && storage.AsInt64(rs.Rows[0][0]) > 0, nil
}

const columnsSQL = `SELECT c.COLUMN_NAME, c.DATA_TYPE, COALESCE(c.CHARACTER_MAXIMUM_LENGTH, 0),
  CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
  CASE WHEN EXISTS (
    SELECT 1 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
    JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
      ON k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND k.TABLE_SCHEMA = tc.TABLE_SCHEMA
    WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = c.TABLE_SCHEMA
      AND tc.TABLE_NAME = c.TABLE_NAME AND k.COLUMN_NAME = c.COLUMN_NAME
  ) THEN 1 ELSE 0 END
FROM INFORMATION_SCHEMA.COLUMNS c
WHERE c.TABLE_SCHEMA = SCHEMA_NAME() AND c.TABLE_NAME = @p1
ORDER BY c.ORDINAL_POSITION`

func (r *Repo) Columns(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	rs, err := r.Query(ctx, columnsSQL, table)
	if err != nil {
		return nil, fmt.Errorf("mssql: columns %s: %w", table, err)
	}
	if len(rs.Rows) == 0 {
		return nil, fmt.Errorf("mssql: table %s not found", table)
	}
	out := make([]storage.ColumnInfo, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		pk := storage.AsInt64(row[4]) == 1
		out = append(out, storage.ColumnInfo{
			Name:         storage.AsString(row[0]),
			DeclaredType: declaredType(storage.AsString(row[1]), int(storage.AsInt64(row[2]))),
			Nullable:     storage.AsInt64(row[3]) == 1 && !pk,
			PrimaryKey:   pk,
		})
	}
	return out, nil
}

// declaredType renders INFORMATION_SCHEMA.DATA_TYPE back into DDL spelling.
// A maximum length of -1 means MAX.
func declaredType(dataType string, maxLen int) string {
	dt := strings.ToUpper(strings.TrimSpace(dataType))
	switch dt {
	case "NVARCHAR", "VARCHAR", "NCHAR", "CHAR", "VARBINARY":
		switch {
		case maxLen < 0:
			return dt + "(MAX)"
		case maxLen > 0:
			return fmt.Sprintf("%s(%d)", dt, maxLen)
		}
	}
	return dt
}

func (r *Repo) TableDDL(ctx context.Context, table string) (string, error) {
	cols, err := r.Columns(ctx, table)
	if err != nil {
		return "", err
	}
	return storage.BuildDDL(schema.MSSQL, table, cols), nil
}

func (r *Repo) CreateTable(ctx context.Context, table string, ts schema.TableSchema, ifNotExists bool) error {
	q, err := schema.CreateTableSQL(schema.MSSQL, table, ts, ifNotExists)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// RenameTable uses sp_rename, which takes the new name unquoted.
func (r *Repo) RenameTable(ctx context.Context, from, to string) error {
	if _, err := r.db.ExecContext(ctx, "EXEC sp_rename @p1, @p2", from, to); err != nil {
		return fmt.Errorf("rename table %s: %w", from, err)
	}
	return nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+mssqlIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// CopyTable creates dst from src's rebuilt DDL and copies the non-key columns
// in key order inside one transaction.
func (r *Repo) CopyTable(ctx context.Context, src, dst string, withData bool) error {
	cols, err := r.Columns(ctx, src)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, storage.BuildDDL(schema.MSSQL, dst, cols)); err != nil {
		return fmt.Errorf("mssql: create copy %s: %w", dst, err)
	}
	if withData {
		if _, err := tx.ExecContext(ctx, buildCopyRowsSQL(dst, src, cols)); err != nil {
			return fmt.Errorf("mssql: copy rows %s: %w", dst, err)
		}
	}
	return tx.Commit()
}

func buildCopyRowsSQL(dst, src string, cols []storage.ColumnInfo) string {
	list := schema.SelectColumns(schema.MSSQL, storage.ColumnNames(cols, false))
	order := ""
	for _, c := range cols {
		if c.PrimaryKey {
			order = " ORDER BY " + mssqlIdent(c.Name)
			break
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s", mssqlIdent(dst), list, list, mssqlIdent(src), order)
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	rs, err := r.Query(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlIdent(table))
	if err != nil {
		return 0, fmt.Errorf("mssql: count %s: %w", table, err)
	}
	if len(rs.Rows) != 1 {
		return 0, fmt.Errorf("mssql: count %s: no result", table)
	}
	return storage.AsInt64(rs.Rows[0][0]), nil
}

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
		q := schema.InsertSQL(schema.MSSQL, table, columns, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for _, row := range chunk {
			if len(row) != len(columns) {
				return 0, fmt.Errorf("mssql: insert %s: row has %d values, want %d", table, len(row), len(columns))
			}
			args = append(args, row...)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert %s: %w", table, err)
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
	rs, err := r.Query(ctx, buildInsertOutputSQL(table, columns), values...)
	if err != nil {
		return 0, fmt.Errorf("mssql: insert %s: %w", table, err)
	}
	if len(rs.Rows) != 1 {
		return 0, fmt.Errorf("mssql: insert %s: no identity returned", table)
	}
	return storage.AsInt64(rs.Rows[0][0]), nil
}

// buildInsertOutputSQL places the OUTPUT clause between the column list and
// VALUES, where SQL Server requires it.
func buildInsertOutputSQL(table string, columns []string) string {
	q := schema.InsertSQL(schema.MSSQL, table, columns, 1)
	return strings.Replace(q, ") VALUES ", ") OUTPUT INSERTED."+mssqlIdent(schema.AutoKey)+" VALUES ", 1)
}

func (r *Repo) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repo) Query(ctx context.Context, query string, args ...any) (*storage.ResultSet, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return storage.ScanAll(rows)
}

// lockNumbers: 1205 deadlock victim, 1222 lock request timeout.
var lockNumbers = map[int32]bool{1205: true, 1222: true}

func (r *Repo) IsLockContention(err error) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return lockNumbers[me.Number]
	}
	return storage.IsLockMessage(err)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return schema.MSSQL.QuoteIdent(name)
}

var _ storage.Repository = (*Repo)(nil)
