// Package joinbuilder validates declarative join specifications against the
// live schema of a database, renders them to SQL and runs them.
//
// Identifiers from a Spec are always checked against introspection and
// quoted. Filter values are rendered as escaped literals. The free-form
// Where and OrderBy fragments are the exception: they are appended as given
// (Where wrapped in parentheses) and are trusted input.
package joinbuilder

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"tablekit/internal/apperr"
	"tablekit/internal/dbregistry"
	"tablekit/internal/storage"
	"tablekit/internal/tablemgr"
)

// Logger is the minimal logging interface used by the join builder.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Join kinds.
const (
	Inner     = "INNER"
	Left      = "LEFT"
	Right     = "RIGHT"
	FullOuter = "FULL OUTER"
)

var joinKinds = []string{Inner, Left, Right, FullOuter}

// comparisonOps are the operators a join edge may use.
var comparisonOps = map[string]bool{"=": true, "!=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

// Join is one edge of a Spec.
type Join struct {
	LeftTable   string `json:"table1" yaml:"table1"`
	LeftColumn  string `json:"column1" yaml:"column1"`
	RightTable  string `json:"table2" yaml:"table2"`
	RightColumn string `json:"column2" yaml:"column2"`
	Kind        string `json:"join_type,omitempty" yaml:"join_type,omitempty"`
	Operator    string `json:"condition_type,omitempty" yaml:"condition_type,omitempty"`
}

func (j Join) kind() string {
	k := strings.Join(strings.Fields(strings.ToUpper(j.Kind)), " ")
	switch k {
	case "":
		return Inner
	case "FULL":
		return FullOuter
	}
	return k
}

func (j Join) operator() string {
	if op := strings.TrimSpace(j.Operator); op != "" {
		return op
	}
	return "="
}

func (j Join) String() string {
	return fmt.Sprintf("%s.%s %s %s.%s (%s)", j.LeftTable, j.LeftColumn, j.operator(), j.RightTable, j.RightColumn, j.kind())
}

// Filter value kinds.
const (
	KindText   = "text"
	KindNumber = "number"
	KindDate   = "date"
)

// Filter is one WHERE predicate of a Spec.
type Filter struct {
	Table     string `json:"table" yaml:"table"`
	Column    string `json:"column" yaml:"column"`
	Operator  string `json:"operator" yaml:"operator"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty"`
	Value2    string `json:"value2,omitempty" yaml:"value2,omitempty"`
	ValueKind string `json:"data_type,omitempty" yaml:"data_type,omitempty"`
}

// Spec is a declarative join over existing tables. Tables[0] is the FROM
// table; Columns optionally restricts the projection per table.
type Spec struct {
	Tables  []string            `json:"tables" yaml:"tables"`
	Joins   []Join              `json:"joins,omitempty" yaml:"joins,omitempty"`
	Filters []Filter            `json:"filters,omitempty" yaml:"filters,omitempty"`
	Where   string              `json:"where_clause,omitempty" yaml:"where_clause,omitempty"`
	OrderBy string              `json:"order_by,omitempty" yaml:"order_by,omitempty"`
	Columns map[string][]string `json:"selected_columns,omitempty" yaml:"selected_columns,omitempty"`
}

func (s Spec) hasTable(name string) bool {
	for _, t := range s.Tables {
		if t == name {
			return true
		}
	}
	return false
}

// Builder runs join specifications against explicit database handles.
type Builder struct {
	Tables *tablemgr.Manager
	Logger Logger
}

// New returns a Builder over tables.
func New(tables *tablemgr.Manager, logger Logger) *Builder {
	if tables == nil {
		tables = tablemgr.New(logger)
	}
	return &Builder{Tables: tables, Logger: logger}
}

func (b *Builder) logf(format string, v ...any) {
	if b.Logger == nil {
		log.New(io.Discard, "", 0).Printf(format, v...)
		return
	}
	b.Logger.Printf(format, v...)
}

// Validation is the result of Validate. Errors and Warnings are rendered as
// lists; Kinds holds the taxonomy kind of each error.
type Validation struct {
	Valid    bool          `json:"valid"`
	Errors   []string      `json:"errors"`
	Warnings []string      `json:"warnings"`
	Kinds    []apperr.Kind `json:"-"`
}

func (v *Validation) fail(kind apperr.Kind, format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	v.Kinds = append(v.Kinds, kind)
}

// Err returns nil for a valid spec, else an error of the first error's kind
// carrying every message.
func (v Validation) Err() error {
	if v.Valid || len(v.Errors) == 0 {
		return nil
	}
	return apperr.New(v.Kinds[0], "joinbuilder.Validate", "%s", strings.Join(v.Errors, "; "))
}

// tableSchemas maps a table to its introspected columns.
type tableSchemas map[string][]storage.ColumnInfo

func (ts tableSchemas) hasColumn(table, column string) bool {
	for _, c := range ts[table] {
		if c.Name == column {
			return true
		}
	}
	return false
}

func (ts tableSchemas) names(table string) []string {
	return storage.ColumnNames(ts[table], true)
}

// introspect returns the columns of the tables that exist in h and the set
// of existing user tables.
func (b *Builder) introspect(ctx context.Context, h *dbregistry.Handle, tables []string) (tableSchemas, map[string]bool, error) {
	live, err := b.Tables.ListTables(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	exists := make(map[string]bool, len(live))
	for _, t := range live {
		exists[t] = true
	}
	ts := make(tableSchemas, len(tables))
	for _, t := range tables {
		if !exists[t] {
			continue
		}
		if _, done := ts[t]; done {
			continue
		}
		cols, err := h.Repo.Columns(ctx, t)
		if err != nil {
			return nil, nil, fmt.Errorf("joinbuilder: columns %s: %w", t, err)
		}
		ts[t] = cols
	}
	return ts, exists, nil
}

// Validate checks spec against the live schema of h. A spec that fails
// validation is not an error: the returned Validation lists the problems.
func (b *Builder) Validate(ctx context.Context, h *dbregistry.Handle, spec Spec) (Validation, error) {
	v := Validation{Errors: []string{}, Warnings: []string{}}
	if len(spec.Tables) == 0 {
		v.fail(apperr.UnknownTable, "no tables specified")
		return v, nil
	}
	ts, exists, err := b.introspect(ctx, h, spec.Tables)
	if err != nil {
		return v, err
	}
	for _, t := range spec.Tables {
		if !exists[t] {
			v.fail(apperr.UnknownTable, "table %q does not exist", t)
		}
	}

	if len(spec.Tables) > 1 && len(spec.Joins) == 0 {
		v.fail(apperr.MissingJoin, "missing joins: %d tables selected but no join defined", len(spec.Tables))
	}
	for i, j := range spec.Joins {
		n := i + 1
		if j.LeftTable == "" || j.RightTable == "" || j.LeftColumn == "" || j.RightColumn == "" {
			v.fail(apperr.MissingJoin, "join %d: missing table or column", n)
			continue
		}
		for _, side := range [][2]string{{j.LeftTable, j.LeftColumn}, {j.RightTable, j.RightColumn}} {
			if !spec.hasTable(side[0]) {
				v.fail(apperr.UnknownTable, "join %d: table %q is not in the selected tables", n, side[0])
				continue
			}
			if exists[side[0]] && !ts.hasColumn(side[0], side[1]) {
				v.fail(apperr.UnknownColumn, "join %d: column %q not found in table %q", n, side[1], side[0])
			}
		}
		if !validKind(j.kind()) {
			v.fail(apperr.InvalidJoinKind, "join %d: invalid join type %q (want one of %s)", n, j.Kind, strings.Join(joinKinds, ", "))
		}
		if !comparisonOps[j.operator()] {
			v.fail(apperr.InvalidJoinKind, "join %d: invalid comparison operator %q", n, j.Operator)
		}
	}

	for i, f := range spec.Filters {
		if f.Table == "" || f.Column == "" {
			continue
		}
		if !spec.hasTable(f.Table) {
			v.fail(apperr.UnknownTable, "filter %d: table %q is not in the selected tables", i+1, f.Table)
		} else if exists[f.Table] && !ts.hasColumn(f.Table, f.Column) {
			v.fail(apperr.UnknownColumn, "filter %d: column %q not found in table %q", i+1, f.Column, f.Table)
		}
	}
	for t, cols := range spec.Columns {
		if !spec.hasTable(t) || !exists[t] {
			continue
		}
		for _, c := range cols {
			if !ts.hasColumn(t, c) {
				v.fail(apperr.UnknownColumn, "selected column %q not found in table %q", c, t)
			}
		}
	}

	if len(spec.Tables) > 1 && len(spec.Joins) > 0 && len(spec.Joins) < len(spec.Tables)-1 {
		v.Warnings = append(v.Warnings, "some tables may not be connected through joins")
	}
	v.Valid = len(v.Errors) == 0
	return v, nil
}

func validKind(k string) bool {
	for _, want := range joinKinds {
		if k == want {
			return true
		}
	}
	return false
}
