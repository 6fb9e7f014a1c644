package quality

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rowSeparator is the ASCII unit separator placed between cells.
const rowSeparator = "\x1f"

// Fingerprint returns a deterministic SHA-256 digest of a positional row.
//
// Canonicalization rules:
//   - Cells are joined in order with the ASCII unit separator.
//   - nil is encoded as a single NUL byte, so a missing value differs from
//     an empty string.
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Common scalar types are formatted without fmt.Sprint.
func Fingerprint(row []any) [sha256.Size]byte {
	var b strings.Builder
	b.Grow(len(row) * 16)
	for i, v := range row {
		if i > 0 {
			b.WriteString(rowSeparator)
		}
		appendCanonical(&b, v)
	}
	return sha256.Sum256([]byte(b.String()))
}

func appendCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')
	case string:
		b.WriteString(t)
	case []byte:
		b.Write(t)
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case time.Time:
		tt := t
		if !tt.IsZero() {
			tt = tt.UTC()
		}
		b.WriteString(tt.Format(time.RFC3339Nano))
	default:
		b.WriteString(fmt.Sprint(t))
	}
}

// valueKey is the canonical text of a single cell, used to count distinct
// values.
func valueKey(v any) string {
	var b strings.Builder
	appendCanonical(&b, v)
	return b.String()
}
