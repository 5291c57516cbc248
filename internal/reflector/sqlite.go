package reflector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// sqliteIntrospector uses the table-valued pragma functions so that table
// names can be bound as parameters
type sqliteIntrospector struct {
	db *sql.DB
}

func (s *sqliteIntrospector) Dialect() string { return "sqlite" }

func (s *sqliteIntrospector) ListTables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
}

func (s *sqliteIntrospector) ListViews(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'view'
		ORDER BY name`)
}

func (s *sqliteIntrospector) Columns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, columnType string
			notNull, pk      int
			def              sql.NullString
		)
		if err := rows.Scan(&name, &columnType, &notNull, &def, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, models.Column{
			Name:       name,
			Type:       columnType,
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
			Default:    nullableDefault(def),
		})
	}
	return columns, rows.Err()
}

func (s *sqliteIntrospector) Indexes(ctx context.Context, table string) ([]models.Index, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT il.name, il."unique", ii.name
		FROM pragma_index_list(?) AS il
		JOIN pragma_index_info(il.name) AS ii
		WHERE il.origin <> 'pk' AND ii.name IS NOT NULL
		ORDER BY il.name, ii.seqno`, table)
	if err != nil {
		return nil, err
	}
	return collectIndexes(rows)
}

// ForeignKeys reports SQLite's unnamed constraints under a synthetic name
// built from the table and the constraint id. A reference without explicit
// target columns points at the target's primary key.
func (s *sqliteIntrospector) ForeignKeys(ctx context.Context, table string) ([]ForeignKeyColumn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
	if err != nil {
		return nil, err
	}

	type pending struct {
		fk  ForeignKeyColumn
		seq int
	}
	var list []pending
	seqs := make(map[int]int)
	for rows.Next() {
		var (
			id       int
			refTable string
			from     string
			to       sql.NullString
		)
		if err := rows.Scan(&id, &refTable, &from, &to); err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, pending{
			fk: ForeignKeyColumn{
				Constraint: fmt.Sprintf("%s_fk_%d", table, id),
				Column:     from,
				RefTable:   refTable,
				RefColumn:  to.String,
			},
			seq: seqs[id],
		})
		seqs[id]++
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]ForeignKeyColumn, 0, len(list))
	primaryKeys := make(map[string][]string)
	for _, p := range list {
		if p.fk.RefColumn == "" {
			pk, ok := primaryKeys[p.fk.RefTable]
			if !ok {
				if pk, err = s.primaryKey(ctx, p.fk.RefTable); err != nil {
					return nil, err
				}
				primaryKeys[p.fk.RefTable] = pk
			}
			if p.seq < len(pk) {
				p.fk.RefColumn = pk[p.seq]
			}
		}
		fks = append(fks, p.fk)
	}
	return fks, nil
}

func (s *sqliteIntrospector) primaryKey(ctx context.Context, table string) ([]string, error) {
	return queryStrings(ctx, s.db,
		`SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, table)
}
