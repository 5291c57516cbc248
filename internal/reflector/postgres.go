package reflector

import (
	"context"
	"database/sql"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// postgresIntrospector reads information_schema and pg_catalog for the current schema
type postgresIntrospector struct {
	db *sql.DB
}

func (p *postgresIntrospector) Dialect() string { return "postgres" }

func (p *postgresIntrospector) ListTables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, p.db, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
}

func (p *postgresIntrospector) ListViews(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, p.db, `
		SELECT table_name
		FROM information_schema.views
		WHERE table_schema = current_schema()
		ORDER BY table_name`)
}

func (p *postgresIntrospector) Columns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT
			c.column_name,
			CASE
				WHEN c.data_type = 'USER-DEFINED' THEN c.udt_name
				WHEN c.character_maximum_length IS NOT NULL
					THEN c.data_type || '(' || c.character_maximum_length || ')'
				ELSE c.data_type
			END AS column_type,
			c.is_nullable,
			c.column_default,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
					AND tc.table_name = kcu.table_name
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = c.table_schema
					AND tc.table_name = c.table_name
					AND kcu.column_name = c.column_name
			) AS is_primary
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, columnType, nullable string
			def                        sql.NullString
			primary                    bool
		)
		if err := rows.Scan(&name, &columnType, &nullable, &def, &primary); err != nil {
			return nil, err
		}
		columns = append(columns, models.Column{
			Name:       name,
			Type:       columnType,
			Nullable:   nullable == "YES",
			PrimaryKey: primary,
			Default:    nullableDefault(def),
		})
	}
	return columns, rows.Err()
}

func (p *postgresIntrospector) Indexes(ctx context.Context, table string) ([]models.Index, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT i.relname, ix.indisunique, a.attname
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = current_schema()
			AND t.relname = $1
			AND NOT ix.indisprimary
		ORDER BY i.relname, k.ord`, table)
	if err != nil {
		return nil, err
	}
	return collectIndexes(rows)
}

func (p *postgresIntrospector) ForeignKeys(ctx context.Context, table string) ([]ForeignKeyColumn, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT con.conname, a.attname, ft.relname, fa.attname
		FROM pg_constraint con
		JOIN pg_class t ON t.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_class ft ON ft.oid = con.confrelid
		JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, fattnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		JOIN pg_attribute fa ON fa.attrelid = con.confrelid AND fa.attnum = k.fattnum
		WHERE con.contype = 'f'
			AND n.nspname = current_schema()
			AND t.relname = $1
		ORDER BY con.conname, k.ord`, table)
	if err != nil {
		return nil, err
	}
	return collectForeignKeys(rows)
}
