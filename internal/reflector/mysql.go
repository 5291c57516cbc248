package reflector

import (
	"context"
	"database/sql"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// mysqlIntrospector reads information_schema for the current database
type mysqlIntrospector struct {
	db *sql.DB
}

func (m *mysqlIntrospector) Dialect() string { return "mysql" }

func (m *mysqlIntrospector) ListTables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, m.db, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
}

func (m *mysqlIntrospector) ListViews(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, m.db, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		AND table_type = 'VIEW'
		ORDER BY table_name`)
}

func (m *mysqlIntrospector) Columns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT column_name, column_type, is_nullable, column_key, column_default
		FROM information_schema.columns
		WHERE table_schema = DATABASE()
		AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, columnType, nullable, key string
			def                             sql.NullString
		)
		if err := rows.Scan(&name, &columnType, &nullable, &key, &def); err != nil {
			return nil, err
		}
		columns = append(columns, models.Column{
			Name:       name,
			Type:       columnType,
			Nullable:   nullable == "YES",
			PrimaryKey: key == "PRI",
			Default:    nullableDefault(def),
		})
	}
	return columns, rows.Err()
}

func (m *mysqlIntrospector) Indexes(ctx context.Context, table string) ([]models.Index, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT index_name, non_unique = 0, column_name
		FROM information_schema.statistics
		WHERE table_schema = DATABASE()
		AND table_name = ?
		AND index_name <> 'PRIMARY'
		ORDER BY index_name, seq_in_index`, table)
	if err != nil {
		return nil, err
	}
	return collectIndexes(rows)
}

func (m *mysqlIntrospector) ForeignKeys(ctx context.Context, table string) ([]ForeignKeyColumn, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE()
		AND table_name = ?
		AND referenced_table_name IS NOT NULL
		ORDER BY constraint_name, ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	return collectForeignKeys(rows)
}
