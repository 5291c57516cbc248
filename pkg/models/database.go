package models

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourbasic/graph"
)

// Database is the schema model for one connection. Readers may call any
// query method concurrently with a single writer merging reflected tables.
// Lookups on unknown tables return empty results rather than errors.
type Database struct {
	mu         sync.RWMutex
	tables     map[string]*Table
	referrers  map[string]map[string]int // target table -> referencing table -> column count
	modified   time.Time
	refreshed  time.Time // end of the last successful reflection
	reflecting atomic.Bool

	graphMu    sync.Mutex
	joinGraph  *graph.Immutable
	graphNames []string
}

// NewDatabase creates a schema model holding the given tables
func NewDatabase(tables ...*Table) *Database {
	db := &Database{
		tables:    make(map[string]*Table),
		referrers: make(map[string]map[string]int),
	}
	db.UpdateTables(tables...)
	return db
}

// UpdateTables merges tables into the model, replacing existing tables by name
func (db *Database) UpdateTables(tables ...*Table) {
	if len(tables) == 0 {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, t := range tables {
		if old, ok := db.tables[t.Name]; ok {
			db.unlinkLocked(old)
		}
		db.tables[t.Name] = t
		db.linkLocked(t)
	}
	db.invalidateLocked()
}

// RetainTables drops every table whose name is not in names and returns how many were dropped
func (db *Database) RetainTables(names []string) int {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	dropped := 0
	for name, t := range db.tables {
		if keep[name] {
			continue
		}
		db.unlinkLocked(t)
		delete(db.tables, name)
		dropped++
	}
	if dropped > 0 {
		db.invalidateLocked()
	}
	return dropped
}

func (db *Database) linkLocked(t *Table) {
	for _, c := range t.Columns {
		if c.References == nil {
			continue
		}
		srcs, ok := db.referrers[c.References.Table]
		if !ok {
			srcs = make(map[string]int)
			db.referrers[c.References.Table] = srcs
		}
		srcs[t.Name]++
	}
}

func (db *Database) unlinkLocked(t *Table) {
	for _, c := range t.Columns {
		if c.References == nil {
			continue
		}
		srcs := db.referrers[c.References.Table]
		if srcs == nil {
			continue
		}
		srcs[t.Name]--
		if srcs[t.Name] <= 0 {
			delete(srcs, t.Name)
		}
		if len(srcs) == 0 {
			delete(db.referrers, c.References.Table)
		}
	}
}

// invalidateLocked recomputes the modified watermark and drops the cached join graph.
// The model is only as fresh as its stalest table. A model without tables is
// as fresh as its last successful reflection.
func (db *Database) invalidateLocked() {
	db.modified = db.refreshed
	first := true
	for _, t := range db.tables {
		if first || t.Modified.Before(db.modified) {
			db.modified = t.Modified
			first = false
		}
	}

	db.graphMu.Lock()
	db.joinGraph = nil
	db.graphNames = nil
	db.graphMu.Unlock()
}

// Reflecting reports whether a background reflection currently owns this model
func (db *Database) Reflecting() bool {
	return db.reflecting.Load()
}

// TryBeginReflection claims the reflection gate. It returns false when a
// reflection is already running.
func (db *Database) TryBeginReflection() bool {
	return db.reflecting.CompareAndSwap(false, true)
}

// EndReflection releases the reflection gate
func (db *Database) EndReflection() {
	db.reflecting.Store(false)
}

// MarkRefreshed records that a reflection of the whole database finished at now
func (db *Database) MarkRefreshed(now time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refreshed = now
	db.invalidateLocked()
}

// Modified returns the oldest modification time across all tables, or the
// last refresh time when there are none
func (db *Database) Modified() time.Time {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.modified
}

// Age returns the time elapsed since Modified
func (db *Database) Age() time.Duration {
	return db.AgeAt(time.Now())
}

// AgeAt returns the age of the model as seen at now
func (db *Database) AgeAt(now time.Time) time.Duration {
	return now.Sub(db.Modified())
}

// IsEmpty reports whether the model holds no tables
func (db *Database) IsEmpty() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.tables) == 0
}

// Table returns the named table
func (db *Database) Table(name string) (*Table, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[name]
	return t, ok
}

// Tables returns all tables and views ordered by name
func (db *Database) Tables() []*Table {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sortedLocked(func(*Table) bool { return true })
}

// Views returns the views ordered by name
func (db *Database) Views() []*Table {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sortedLocked(func(t *Table) bool { return t.IsView })
}

func (db *Database) sortedLocked(keep func(*Table) bool) []*Table {
	tables := make([]*Table, 0, len(db.tables))
	for _, t := range db.tables {
		if keep(t) {
			tables = append(tables, t)
		}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables
}

// TableNames returns every table name, sorted
func (db *Database) TableNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.namesLocked()
}

func (db *Database) namesLocked() []string {
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Columns returns a reference to every column in the model
func (db *Database) Columns() []ColumnRef {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var refs []ColumnRef
	for _, name := range db.namesLocked() {
		for _, c := range db.tables[name].Columns {
			refs = append(refs, ColumnRef{Table: name, Column: c.Name})
		}
	}
	return refs
}

// FieldNames returns column names of table, or of every table when table is
// empty. Dotted names are formatted as table.column.
func (db *Database) FieldNames(table string, dotted bool) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var tables []*Table
	if table == "" {
		for _, t := range db.tables {
			tables = append(tables, t)
		}
	} else if t, ok := db.tables[table]; ok {
		tables = append(tables, t)
	}

	set := make(map[string]bool)
	for _, t := range tables {
		for _, c := range t.Columns {
			if dotted {
				set[t.Name+"."+c.Name] = true
			} else {
				set[c.Name] = true
			}
		}
	}
	return sortedKeys(set)
}

// GetJoins returns the foreign keys directly relating t1 and t2 in either direction
func (db *Database) GetJoins(t1, t2 string) []ForeignKey {
	db.mu.RLock()
	defer db.mu.RUnlock()

	src, ok1 := db.tables[t1]
	dst, ok2 := db.tables[t2]
	if !ok1 || !ok2 {
		return nil
	}

	var joins []ForeignKey
	for _, fk := range foreignKeysOf(src) {
		if fk.RefTable == t2 {
			joins = append(joins, fk)
		}
	}
	if t1 != t2 {
		for _, fk := range foreignKeysOf(dst) {
			if fk.RefTable == t1 {
				joins = append(joins, fk)
			}
		}
	}
	return dedupe(joins)
}

// TablesReferencing returns the one-hop join neighbours of table: tables it
// references and tables that reference it
func (db *Database) TablesReferencing(table string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, ok := db.tables[table]
	if !ok {
		return nil
	}

	set := make(map[string]bool)
	for _, fk := range foreignKeysOf(t) {
		if _, ok := db.tables[fk.RefTable]; ok {
			set[fk.RefTable] = true
		}
	}
	for src := range db.referrers[table] {
		set[src] = true
	}
	return sortedKeys(set)
}

// FieldsReferencing returns the foreign keys targeting table, narrowed to
// keys that include column when column is not empty
func (db *Database) FieldsReferencing(table, column string) []ForeignKey {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.fieldsReferencingLocked(table, column)
}

func (db *Database) fieldsReferencingLocked(table, column string) []ForeignKey {
	if _, ok := db.tables[table]; !ok {
		return nil
	}

	srcNames := make([]string, 0, len(db.referrers[table]))
	for src := range db.referrers[table] {
		srcNames = append(srcNames, src)
	}
	sort.Strings(srcNames)

	var fks []ForeignKey
	for _, name := range srcNames {
		src, ok := db.tables[name]
		if !ok {
			continue
		}
		for _, fk := range foreignKeysOf(src) {
			if fk.RefTable != table {
				continue
			}
			if column != "" && !contains(fk.RefColumns, column) {
				continue
			}
			fks = append(fks, fk)
		}
	}
	return fks
}

// ForeignKeys returns the foreign keys declared on table
func (db *Database) ForeignKeys(table string) []ForeignKey {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, ok := db.tables[table]
	if !ok {
		return nil
	}
	return foreignKeysOf(t)
}

// AllJoins returns every direct join edge touching table, regardless of direction
func (db *Database) AllJoins(table string) []ForeignKey {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, ok := db.tables[table]
	if !ok {
		return nil
	}
	joins := append(foreignKeysOf(t), db.fieldsReferencingLocked(table, "")...)
	return dedupe(joins)
}

// Indexes returns the indexes declared on table
func (db *Database) Indexes(table string) []Index {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, ok := db.tables[table]
	if !ok {
		return nil
	}
	indexes := make([]Index, len(t.Indexes))
	copy(indexes, t.Indexes)
	return indexes
}

// foreignKeysOf derives the foreign keys of a table from its column references.
// Columns sharing a constraint name and target table form one composite key.
func foreignKeysOf(t *Table) []ForeignKey {
	var fks []ForeignKey
	byConstraint := make(map[string]int)

	for _, c := range t.Columns {
		if c.References == nil {
			continue
		}
		if c.ConstraintName != "" {
			key := c.ConstraintName + "\x00" + c.References.Table
			if i, ok := byConstraint[key]; ok {
				fks[i].Columns = append(fks[i].Columns, c.Name)
				fks[i].RefColumns = append(fks[i].RefColumns, c.References.Column)
				continue
			}
			byConstraint[key] = len(fks)
		}
		fks = append(fks, ForeignKey{
			Table:      t.Name,
			Columns:    []string{c.Name},
			RefTable:   c.References.Table,
			RefColumns: []string{c.References.Column},
		})
	}
	return fks
}

func dedupe(fks []ForeignKey) []ForeignKey {
	if len(fks) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fks))
	out := fks[:0:0]
	for _, fk := range fks {
		key := fk.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, fk)
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
