package reflector

import (
	"context"
	"database/sql"
	"strings"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// duckdbIntrospector reads the duckdb_* catalog functions for the current schema
type duckdbIntrospector struct {
	db *sql.DB
}

func (d *duckdbIntrospector) Dialect() string { return "duckdb" }

func (d *duckdbIntrospector) ListTables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, d.db, `
		SELECT table_name
		FROM duckdb_tables()
		WHERE schema_name = current_schema() AND NOT internal
		ORDER BY table_name`)
}

func (d *duckdbIntrospector) ListViews(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, d.db, `
		SELECT view_name
		FROM duckdb_views()
		WHERE schema_name = current_schema() AND NOT internal
		ORDER BY view_name`)
}

func (d *duckdbIntrospector) Columns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable, c.column_default,
			EXISTS (
				SELECT 1 FROM (
					SELECT unnest(k.constraint_column_names) AS name
					FROM duckdb_constraints() k
					WHERE k.schema_name = c.schema_name
						AND k.table_name = c.table_name
						AND k.constraint_type = 'PRIMARY KEY'
				) pk WHERE pk.name = c.column_name
			) AS is_primary
		FROM duckdb_columns() c
		WHERE c.schema_name = current_schema() AND c.table_name = ?
		ORDER BY c.column_index`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, columnType  string
			nullable, primary bool
			def               sql.NullString
		)
		if err := rows.Scan(&name, &columnType, &nullable, &def, &primary); err != nil {
			return nil, err
		}
		columns = append(columns, models.Column{
			Name:       name,
			Type:       columnType,
			Nullable:   nullable && !primary,
			PrimaryKey: primary,
			Default:    nullableDefault(def),
		})
	}
	return columns, rows.Err()
}

// Indexes reports explicit indexes; duckdb lists their key expressions, which
// for plain column indexes are the (possibly quoted) column names
func (d *duckdbIntrospector) Indexes(ctx context.Context, table string) ([]models.Index, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT index_name, is_unique, unnest(expressions) AS expr
		FROM duckdb_indexes()
		WHERE schema_name = current_schema() AND table_name = ?
		ORDER BY index_name`, table)
	if err != nil {
		return nil, err
	}
	indexes, err := collectIndexes(rows)
	if err != nil {
		return nil, err
	}
	for i := range indexes {
		for j, expr := range indexes[i].Columns {
			indexes[i].Columns[j] = strings.Trim(strings.TrimSpace(expr), `"'`)
		}
	}
	return indexes, nil
}

func (d *duckdbIntrospector) ForeignKeys(ctx context.Context, table string) ([]ForeignKeyColumn, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT table_name || '_fk_' || constraint_index,
			unnest(constraint_column_names),
			referenced_table,
			unnest(referenced_column_names)
		FROM duckdb_constraints()
		WHERE schema_name = current_schema()
			AND table_name = ?
			AND constraint_type = 'FOREIGN KEY'
		ORDER BY constraint_index`, table)
	if err != nil {
		return nil, err
	}
	return collectForeignKeys(rows)
}
