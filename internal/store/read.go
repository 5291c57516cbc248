package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// Read loads every stored table of this connection into a new schema model.
// All references are resolved by name, so the store may be closed afterwards.
func (s *Store) Read(ctx context.Context) (*models.Database, error) {
	tables, err := s.ReadTables(ctx)
	if err != nil {
		return nil, err
	}
	return models.NewDatabase(tables...), nil
}

// ReadTables loads the stored tables ordered by name
func (s *Store) ReadTables(ctx context.Context) ([]*models.Table, error) {
	db, release, err := s.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	tables, byName, err := s.readColumns(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := s.readIndexes(ctx, db, byName); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *Store) readColumns(ctx context.Context, db *sql.DB) ([]*models.Table, map[string]*models.Table, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.name, t.isview, t.created, t.modified,
		       c.name, c.type, c.nullable, c.primary_key, c.default_value, c.constraint_name,
		       rt.name, rc.name
		FROM dbtable t
		LEFT JOIN dbcolumn c ON c.table_id = t.id
		LEFT JOIN dbcolumn rc ON rc.id = c.referenced_column_id
		LEFT JOIN dbtable rt ON rt.id = rc.table_id
		WHERE t.db_key = ?
		ORDER BY t.name, c.position`, s.dbKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read stored tables: %w", err)
	}
	defer rows.Close()

	var tables []*models.Table
	byName := make(map[string]*models.Table)
	for rows.Next() {
		var (
			tableName, created, modified string
			isView                       bool
			colName, colType, constraint sql.NullString
			nullable, primaryKey         sql.NullBool
			defaultValue                 sql.NullString
			refTable, refColumn          sql.NullString
		)
		if err := rows.Scan(&tableName, &isView, &created, &modified,
			&colName, &colType, &nullable, &primaryKey, &defaultValue, &constraint,
			&refTable, &refColumn); err != nil {
			return nil, nil, fmt.Errorf("failed to scan stored column: %w", err)
		}

		t, ok := byName[tableName]
		if !ok {
			t = &models.Table{Name: tableName, IsView: isView}
			if t.Created, err = parseTime(created); err != nil {
				return nil, nil, fmt.Errorf("table %s: %w", tableName, err)
			}
			if t.Modified, err = parseTime(modified); err != nil {
				return nil, nil, fmt.Errorf("table %s: %w", tableName, err)
			}
			byName[tableName] = t
			tables = append(tables, t)
		}
		if !colName.Valid {
			continue
		}

		col := models.Column{
			Name:           colName.String,
			Type:           colType.String,
			Nullable:       nullable.Bool,
			PrimaryKey:     primaryKey.Bool,
			ConstraintName: constraint.String,
		}
		if defaultValue.Valid {
			def := defaultValue.String
			col.Default = &def
		}
		if refTable.Valid && refColumn.Valid {
			col.References = &models.ColumnRef{Table: refTable.String, Column: refColumn.String}
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read stored tables: %w", err)
	}
	return tables, byName, nil
}

func (s *Store) readIndexes(ctx context.Context, db *sql.DB, byName map[string]*models.Table) error {
	rows, err := db.QueryContext(ctx, `
		SELECT t.name, i.name, i.is_unique, c.name
		FROM dbindex i
		JOIN dbtable t ON t.id = i.table_id
		LEFT JOIN dbindex_dbcolumn ic ON ic.dbindex_id = i.id
		LEFT JOIN dbcolumn c ON c.id = ic.dbcolumn_id
		WHERE t.db_key = ?
		ORDER BY t.name, i.name, ic.position`, s.dbKey)
	if err != nil {
		return fmt.Errorf("failed to read stored indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tableName, indexName string
			unique               bool
			colName              sql.NullString
		)
		if err := rows.Scan(&tableName, &indexName, &unique, &colName); err != nil {
			return fmt.Errorf("failed to scan stored index: %w", err)
		}

		t, ok := byName[tableName]
		if !ok {
			continue
		}
		n := len(t.Indexes)
		if n == 0 || t.Indexes[n-1].Name != indexName {
			t.Indexes = append(t.Indexes, models.Index{Name: indexName, Unique: unique})
			n++
		}
		if colName.Valid {
			t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, colName.String)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read stored indexes: %w", err)
	}
	return nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", value, err)
	}
	return t, nil
}
