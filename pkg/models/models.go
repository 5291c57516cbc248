package models

import (
	"fmt"
	"strings"
	"time"
)

// ColumnRef identifies a column by its table and column name
type ColumnRef struct {
	Table  string
	Column string
}

// String renders the reference as a dotted field
func (r ColumnRef) String() string {
	return r.Table + "." + r.Column
}

// Column represents a database column with its properties
type Column struct {
	Name           string
	Type           string
	Nullable       bool
	PrimaryKey     bool
	Default        *string
	References     *ColumnRef
	ConstraintName string
}

// DefaultValue returns the declared default or an empty string
func (c Column) DefaultValue() string {
	if c.Default == nil {
		return ""
	}
	return *c.Default
}

// Index represents a table index
type Index struct {
	Name    string
	Unique  bool
	Columns []string
}

// Table represents a table or view with its columns and indexes.
// A Table handed to Database.UpdateTables must not be modified afterwards;
// reflection builds a fresh value for every cycle.
type Table struct {
	Name     string
	IsView   bool
	Created  time.Time
	Modified time.Time
	Columns  []Column
	Indexes  []Index
}

// Column returns the named column
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Touch records that the table was observed at now
func (t *Table) Touch(now time.Time) {
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now
}

// Validate checks that column names are unique and that indexes only cover known columns
func (t *Table) Validate() error {
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, idx := range t.Indexes {
		for _, name := range idx.Columns {
			if !seen[name] {
				return fmt.Errorf("table %s: index %s covers unknown column %s", t.Name, idx.Name, name)
			}
		}
	}
	return nil
}

// ForeignKey is a join edge between two tables. It is derived from
// Column.References and never stored on its own.
type ForeignKey struct {
	Table      string
	Columns    []string
	RefTable   string
	RefColumns []string
}

// String renders the key as "t(c) references r(rc)"
func (fk ForeignKey) String() string {
	return fmt.Sprintf("%s(%s) references %s(%s)",
		fk.Table, strings.Join(fk.Columns, ","),
		fk.RefTable, strings.Join(fk.RefColumns, ","))
}

// AsJoin renders the key as an SQL join expression. The referenced table
// comes first unless reverse is set.
func (fk ForeignKey) AsJoin(reverse bool) string {
	first, second := fk.RefTable, fk.Table
	if reverse {
		first, second = second, first
	}
	return fmt.Sprintf("%s inner join %s on %s", first, second, fk.Condition())
}

// Condition renders the "r.rc = t.c and ..." part of a join
func (fk ForeignKey) Condition() string {
	parts := make([]string, 0, len(fk.Columns))
	for i, col := range fk.Columns {
		ref := ""
		if i < len(fk.RefColumns) {
			ref = fk.RefColumns[i]
		}
		parts = append(parts, fmt.Sprintf("%s.%s = %s.%s", fk.RefTable, ref, fk.Table, col))
	}
	return strings.Join(parts, " and ")
}

// Other returns the table on the far side of the edge from table
func (fk ForeignKey) Other(table string) string {
	if fk.Table == table {
		return fk.RefTable
	}
	return fk.Table
}
