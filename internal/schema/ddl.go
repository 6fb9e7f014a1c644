package schema

import (
	"fmt"
	"strings"
)

// ColumnDefs renders the inner "(...)" content of CREATE TABLE: the AutoKey
// definition followed by one definition per column.
func ColumnDefs(d Dialect, ts TableSchema) (string, error) {
	parts := make([]string, 0, len(ts.Columns)+1)
	parts = append(parts, d.AutoKeySQL(AutoKey))
	for _, c := range ts.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("schema: column name is empty")
		}
		if strings.EqualFold(c.Name, AutoKey) {
			return "", fmt.Errorf("schema: column %q collides with the generated key", c.Name)
		}
		def := d.QuoteIdent(c.Name) + " " + d.TypeSQL(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	return strings.Join(parts, ",\n  "), nil
}

// CreateTableSQL is the single DDL emission point for ingested tables.
func CreateTableSQL(d Dialect, table string, ts TableSchema, ifNotExists bool) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("schema: table name is empty")
	}
	defs, err := ColumnDefs(d, ts)
	if err != nil {
		return "", err
	}
	if ifNotExists {
		return d.CreateIfMissing(table, defs), nil
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", d.QuoteIdent(table), defs), nil
}

// InsertSQL builds a multi-row INSERT with one placeholder per value,
// numbered left to right.
func InsertSQL(d Dialect, table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") VALUES ")

	p := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			p++
		}
		b.WriteString(")")
	}
	return b.String()
}

// SelectColumns renders a quoted, comma-separated column list.
func SelectColumns(d Dialect, columns []string) string {
	q := make([]string, len(columns))
	for i, c := range columns {
		q[i] = d.QuoteIdent(c)
	}
	return strings.Join(q, ", ")
}
