package storage

import (
	"fmt"
	"strings"

	"tablekit/internal/schema"
)

// BuildDDL rebuilds a CREATE TABLE statement from introspected columns. An
// integer primary key column named schema.AutoKey is rendered with the
// dialect's auto-increment definition; other columns keep their declared type.
func BuildDDL(d schema.Dialect, table string, cols []ColumnInfo) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.PrimaryKey && strings.EqualFold(c.Name, schema.AutoKey) &&
			schema.FromDeclared(c.DeclaredType).Kind == schema.Integer {
			parts = append(parts, d.AutoKeySQL(c.Name))
			continue
		}
		def := d.QuoteIdent(c.Name) + " " + c.DeclaredType
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		} else if !c.Nullable {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", d.QuoteIdent(table), strings.Join(parts, ",\n  "))
}

// RetargetDDL rewrites the head of a CREATE TABLE statement so that it
// creates table instead of the original one. Everything from the first '('
// on (the column definitions) is kept byte for byte.
func RetargetDDL(d schema.Dialect, ddl, table string) (string, error) {
	open := strings.IndexByte(ddl, '(')
	if open < 0 || !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(ddl)), "CREATE TABLE") {
		return "", fmt.Errorf("storage: not a CREATE TABLE statement")
	}
	return "CREATE TABLE " + d.QuoteIdent(table) + " " + ddl[open:], nil
}

// ToSchema converts introspected columns to a TableSchema, leaving out the
// generated key.
func ToSchema(cols []ColumnInfo) schema.TableSchema {
	var ts schema.TableSchema
	for _, c := range cols {
		if c.PrimaryKey && strings.EqualFold(c.Name, schema.AutoKey) {
			continue
		}
		ts.Columns = append(ts.Columns, schema.Column{
			Name:     c.Name,
			Type:     schema.FromDeclared(c.DeclaredType),
			Nullable: c.Nullable,
		})
	}
	return ts
}

// ColumnNames returns the names of cols, optionally without the generated key.
func ColumnNames(cols []ColumnInfo, withKey bool) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !withKey && c.PrimaryKey && strings.EqualFold(c.Name, schema.AutoKey) {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}
