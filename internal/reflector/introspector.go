package reflector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// Introspector describes the schema of one live database. Every call is a
// round trip to the server, so implementations do no caching of their own.
type Introspector interface {
	// Dialect names the database flavour, e.g. "postgres"
	Dialect() string
	ListTables(ctx context.Context) ([]string, error)
	ListViews(ctx context.Context) ([]string, error)
	// Columns returns the columns of table in declaration order with
	// nullability, primary key membership and default filled in
	Columns(ctx context.Context, table string) ([]models.Column, error)
	Indexes(ctx context.Context, table string) ([]models.Index, error)
	ForeignKeys(ctx context.Context, table string) ([]ForeignKeyColumn, error)
}

// ForeignKeyColumn is one column of a foreign key constraint as reported by the catalog
type ForeignKeyColumn struct {
	Constraint string
	Column     string
	RefTable   string
	RefColumn  string
}

// NewIntrospector returns the introspector for dialect backed by db
func NewIntrospector(db *sql.DB, dialect string) (Introspector, error) {
	switch dialect {
	case "mysql":
		return &mysqlIntrospector{db: db}, nil
	case "postgres":
		return &postgresIntrospector{db: db}, nil
	case "sqlite":
		return &sqliteIntrospector{db: db}, nil
	case "duckdb":
		return &duckdbIntrospector{db: db}, nil
	default:
		return nil, fmt.Errorf("no introspector for dialect %q", dialect)
	}
}

// queryStrings runs a query returning a single text column
func queryStrings(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// collectIndexes groups (index name, unique, column) rows ordered by index
// name and column position into indexes
func collectIndexes(rows *sql.Rows) ([]models.Index, error) {
	defer rows.Close()

	var indexes []models.Index
	for rows.Next() {
		var (
			name, column string
			unique       bool
		)
		if err := rows.Scan(&name, &unique, &column); err != nil {
			return nil, err
		}
		n := len(indexes)
		if n == 0 || indexes[n-1].Name != name {
			indexes = append(indexes, models.Index{Name: name, Unique: unique})
			n++
		}
		indexes[n-1].Columns = append(indexes[n-1].Columns, column)
	}
	return indexes, rows.Err()
}

// collectForeignKeys reads (constraint, column, referenced table, referenced column) rows
func collectForeignKeys(rows *sql.Rows) ([]ForeignKeyColumn, error) {
	defer rows.Close()

	var fks []ForeignKeyColumn
	for rows.Next() {
		var fk ForeignKeyColumn
		if err := rows.Scan(&fk.Constraint, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func nullableDefault(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
