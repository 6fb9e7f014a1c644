// Package postgres implements storage.Repository on pgx/v5 connection pools.
// Tables live in the connection's current_schema().
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablekit/internal/schema"
	"tablekit/internal/storage"
)

// maxParams stays under the protocol limit of 65535 bind parameters.
const maxParams = 60000

/*
Repo implements storage.Repository for Postgres.

It provides:
  - information_schema based introspection
  - DDL rebuilt from introspection for TableDDL (Postgres keeps no CREATE text)
  - transactional multi-row inserts with $n placeholders
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a new Postgres-backed Repo and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) Kind() string            { return "postgres" }
func (r *Repo) Dialect() schema.Dialect { return schema.Postgres }

const listTablesSQL = `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}
	return names, nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables
WHERE table_schema = current_schema() AND table_name = $1)`, table).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: table exists %s: %w", table, err)
	}
	return ok, nil
}

const columnsSQL = `SELECT c.column_name, c.data_type, COALESCE(c.character_maximum_length, 0), c.is_nullable = 'YES',
  EXISTS (
    SELECT 1 FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage k
      ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = c.table_schema
      AND tc.table_name = c.table_name AND k.column_name = c.column_name
  )
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

func (r *Repo) Columns(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	rows, err := r.pool.Query(ctx, columnsSQL, table)
	if err != nil {
		return nil, fmt.Errorf("postgres: columns %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var (
			name, dataType string
			maxLen         int32
			nullable, pk   bool
		)
		if err := rows.Scan(&name, &dataType, &maxLen, &nullable, &pk); err != nil {
			return nil, err
		}
		out = append(out, storage.ColumnInfo{
			Name:         name,
			DeclaredType: declaredType(dataType, int(maxLen)),
			Nullable:     nullable && !pk,
			PrimaryKey:   pk,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("postgres: table %s not found", table)
	}
	return out, nil
}

// declaredType turns information_schema.data_type back into DDL spelling.
func declaredType(dataType string, maxLen int) string {
	dt := strings.ToUpper(strings.TrimSpace(dataType))
	switch dt {
	case "CHARACTER VARYING":
		if maxLen > 0 {
			return fmt.Sprintf("VARCHAR(%d)", maxLen)
		}
		return "VARCHAR"
	case "CHARACTER":
		if maxLen > 0 {
			return fmt.Sprintf("CHAR(%d)", maxLen)
		}
		return "CHAR"
	case "TIMESTAMP WITHOUT TIME ZONE":
		return "TIMESTAMP"
	case "TIMESTAMP WITH TIME ZONE":
		return "TIMESTAMPTZ"
	}
	return dt
}

func (r *Repo) TableDDL(ctx context.Context, table string) (string, error) {
	cols, err := r.Columns(ctx, table)
	if err != nil {
		return "", err
	}
	return storage.BuildDDL(schema.Postgres, table, cols), nil
}

func (r *Repo) CreateTable(ctx context.Context, table string, ts schema.TableSchema, ifNotExists bool) error {
	q, err := schema.CreateTableSQL(schema.Postgres, table, ts, ifNotExists)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (r *Repo) RenameTable(ctx context.Context, from, to string) error {
	q := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", pgIdent(from), pgIdent(to))
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("rename table %s: %w", from, err)
	}
	return nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// CopyTable creates dst from src's rebuilt DDL (so dst owns its own key
// sequence) and copies the non-key columns in key order.
func (r *Repo) CopyTable(ctx context.Context, src, dst string, withData bool) error {
	cols, err := r.Columns(ctx, src)
	if err != nil {
		return err
	}
	create := storage.BuildDDL(schema.Postgres, dst, cols)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("postgres: create copy %s: %w", dst, err)
	}
	if withData {
		if _, err := tx.Exec(ctx, buildCopyRowsSQL(dst, src, cols)); err != nil {
			return fmt.Errorf("postgres: copy rows %s: %w", dst, err)
		}
	}
	return tx.Commit(ctx)
}

func buildCopyRowsSQL(dst, src string, cols []storage.ColumnInfo) string {
	names := storage.ColumnNames(cols, false)
	list := schema.SelectColumns(schema.Postgres, names)
	order := ""
	for _, c := range cols {
		if c.PrimaryKey {
			order = " ORDER BY " + pgIdent(c.Name)
			break
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s", pgIdent(dst), list, list, pgIdent(src), order)
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", table, err)
	}
	return n, nil
}

func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for _, chunk := range storage.ChunkRows(rows, len(columns), maxParams) {
		q := schema.InsertSQL(schema.Postgres, table, columns, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for _, row := range chunk {
			if len(row) != len(columns) {
				return 0, fmt.Errorf("postgres: insert %s: row has %d values, want %d", table, len(row), len(columns))
			}
			args = append(args, row...)
		}
		cmd, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("postgres: insert %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) InsertReturningID(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	q := schema.InsertSQL(schema.Postgres, table, columns, 1) + " RETURNING " + pgIdent(schema.AutoKey)
	var id int64
	if err := r.pool.QueryRow(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return id, nil
}

func (r *Repo) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *Repo) Query(ctx context.Context, query string, args ...any) (*storage.ResultSet, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	rs := &storage.ResultSet{Columns: make([]string, len(fds))}
	for i, fd := range fds {
		rs.Columns[i] = fd.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		for i := range vals {
			vals[i] = storage.ScannedValue(vals[i])
		}
		rs.Rows = append(rs.Rows, vals)
	}
	return rs, rows.Err()
}

// lockCodes are SQLSTATEs worth retrying: lock_not_available,
// serialization_failure, deadlock_detected.
var lockCodes = map[string]bool{"55P03": true, "40001": true, "40P01": true}

func (r *Repo) IsLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return lockCodes[pgErr.Code]
	}
	return storage.IsLockMessage(err)
}

func pgIdent(name string) string { return schema.Postgres.QuoteIdent(name) }

var _ storage.Repository = (*Repo)(nil)
