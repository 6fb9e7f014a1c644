package tablemgr

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tablekit/internal/apperr"
	"tablekit/internal/metrics"
	"tablekit/internal/storage"
)

// maxSanitizedLen bounds string values rewritten by the row fallback.
const maxSanitizedLen = 1000

// LoadStats counts the outcome of a bulk load.
type LoadStats struct {
	Rows     int64 `json:"rows_found"`
	Inserted int64 `json:"rows_inserted"`
	Skipped  int64 `json:"rows_skipped"`
	Batches  int   `json:"batches"`
}

// BatchFunc is called after each batch with the number of rows processed so
// far and the total.
type BatchFunc func(done, total int)

// Load inserts rows into table in source order, BatchSize rows at a time.
//
// A failed batch is retried row by row; a row that still fails is
// re-sanitized and retried once more, then skipped and logged. Skips do not
// fail the load. Lock contention is retried with backoff and, once the
// retries are exhausted, fails the load with LockContention.
func (m *Manager) Load(ctx context.Context, repo storage.Repository, table string, columns []string, rows [][]any, onBatch BatchFunc) (LoadStats, error) {
	return m.load(ctx, "load", repo, table, columns, rows, onBatch)
}

func (m *Manager) load(ctx context.Context, op string, repo storage.Repository, table string, columns []string, rows [][]any, onBatch BatchFunc) (LoadStats, error) {
	stats := LoadStats{Rows: int64(len(rows))}
	size := m.batchSize()

	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		stats.Batches++
		metrics.RecordBatch()

		err := m.insert(ctx, op, repo, table, columns, batch)
		switch {
		case err == nil:
			stats.Inserted += int64(len(batch))
		case ctx.Err() != nil:
			return stats, ctx.Err()
		case apperr.IsRetryable(err):
			return stats, err
		default:
			m.logf("%s: batch failed table=%s rows=%d-%d err=%v; retrying row by row", op, table, start+1, end, err)
			inserted, skipped, ferr := m.insertRowByRow(ctx, op, repo, table, columns, batch, start)
			stats.Inserted += inserted
			stats.Skipped += skipped
			if ferr != nil {
				return stats, ferr
			}
		}

		if onBatch != nil {
			onBatch(end, len(rows))
		}
	}

	metrics.RecordRows(metrics.RowsInserted, stats.Inserted)
	metrics.RecordRows(metrics.RowsSkipped, stats.Skipped)
	return stats, nil
}

func (m *Manager) insertRowByRow(ctx context.Context, op string, repo storage.Repository, table string, columns []string, batch [][]any, offset int) (inserted, skipped int64, err error) {
	for i, row := range batch {
		rowErr := m.insert(ctx, op, repo, table, columns, [][]any{row})
		if rowErr != nil && !apperr.IsRetryable(rowErr) && ctx.Err() == nil {
			rowErr = m.insert(ctx, op, repo, table, columns, [][]any{ResanitizeRow(row)})
		}
		switch {
		case rowErr == nil:
			inserted++
		case ctx.Err() != nil:
			return inserted, skipped, ctx.Err()
		case apperr.IsRetryable(rowErr):
			return inserted, skipped, rowErr
		default:
			skipped++
			m.logf("%s: skipped row=%d table=%s err=%v", op, offset+i+1, table, rowErr)
		}
	}
	return inserted, skipped, nil
}

// insert sends one batch, retrying lock contention. Exhausted retries come
// back as LockContention.
func (m *Manager) insert(ctx context.Context, op string, repo storage.Repository, table string, columns []string, batch [][]any) error {
	attempt := 0
	err := storage.Retry(ctx, m.Retry, repo.IsLockContention, func() error {
		if attempt > 0 {
			metrics.RecordRetry(op)
		}
		attempt++
		_, err := repo.InsertRows(ctx, table, columns, batch)
		return err
	})
	if err != nil && repo.IsLockContention(err) {
		return apperr.Wrap(apperr.LockContention, op, err)
	}
	return err
}

// ResanitizeRow is the last-chance rewrite of a rejected row: NUL bytes are
// stripped, CRLF becomes LF, numbers and nulls are kept, and every other
// value becomes a string of at most 1000 characters.
func ResanitizeRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = resanitizeValue(v)
	}
	return out
}

func resanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case time.Time:
		return truncate(t.Format("2006-01-02 15:04:05"))
	case []byte:
		return truncate(cleanText(strings.ToValidUTF8(string(t), "�")))
	case string:
		return truncate(cleanText(t))
	default:
		return truncate(cleanText(fmt.Sprint(v)))
	}
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxSanitizedLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxSanitizedLen])
}
