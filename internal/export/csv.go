package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"tablekit/internal/storage"
)

// utf8BOM lets spreadsheet applications detect the encoding.
const utf8BOM = "\ufeff"

// CSV writes a header row of rs.Columns followed by every row, comma
// separated and prefixed with a UTF-8 BOM.
func CSV(w io.Writer, rs *storage.ResultSet) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return fmt.Errorf("export: csv: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(rs.Columns); err != nil {
		return fmt.Errorf("export: csv: %w", err)
	}
	rec := make([]string, len(rs.Columns))
	for _, row := range rs.Rows {
		for i := range rec {
			rec[i] = ""
			if i < len(row) {
				rec[i] = csvText(row[i])
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("export: csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: csv: %w", err)
	}
	return nil
}

func csvText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprint(v)
}
