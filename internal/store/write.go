package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitebski/sqlmeta/pkg/models"
)

const timeLayout = time.RFC3339Nano

// Write upserts tables into the shard in one transaction. Existing rows keep
// their ids so references from tables outside the batch stay intact.
func (s *Store) Write(ctx context.Context, tables ...*models.Table) error {
	if len(tables) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.writeTx(ctx, tx, tables)
	})
}

// Replace writes tables and deletes every other table of this connection,
// all in one transaction
func (s *Store) Replace(ctx context.Context, tables []*models.Table) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.writeTx(ctx, tx, tables); err != nil {
			return err
		}
		return s.pruneTx(ctx, tx, tables)
	})
}

func (s *Store) writeTx(ctx context.Context, tx *sql.Tx, tables []*models.Table) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dbtable WHERE db_key = ?`, s.dbKey).Scan(&count); err != nil {
		return fmt.Errorf("failed to count stored tables: %w", err)
	}

	// columnIDs maps table name -> column name -> row id for the second pass
	columnIDs := make(map[string]map[string]int64, len(tables))
	var err error
	if count == 0 {
		s.logger.Debugf("Bulk loading %d tables into empty store", len(tables))
		err = s.insertTables(ctx, tx, tables, columnIDs)
	} else {
		err = s.upsertTables(ctx, tx, tables, columnIDs)
	}
	if err != nil {
		return err
	}

	return s.linkReferences(ctx, tx, tables, columnIDs)
}

// insertTables is the fast path for an empty shard: no existence checks
func (s *Store) insertTables(ctx context.Context, tx *sql.Tx, tables []*models.Table, columnIDs map[string]map[string]int64) error {
	tableStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dbtable (db_key, name, isview, created, modified) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare table insert: %w", err)
	}
	defer tableStmt.Close()

	columnStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dbcolumn (table_id, name, position, type, constraint_name, primary_key, nullable, default_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare column insert: %w", err)
	}
	defer columnStmt.Close()

	for _, t := range tables {
		res, err := tableStmt.ExecContext(ctx, s.dbKey, t.Name, boolInt(t.IsView),
			formatTime(t.Created), formatTime(t.Modified))
		if err != nil {
			return fmt.Errorf("failed to insert table %s: %w", t.Name, err)
		}
		tableID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get id of table %s: %w", t.Name, err)
		}

		ids := make(map[string]int64, len(t.Columns))
		for pos, c := range t.Columns {
			res, err := columnStmt.ExecContext(ctx, tableID, c.Name, pos, c.Type, c.ConstraintName,
				boolInt(c.PrimaryKey), boolInt(c.Nullable), nullString(c.Default))
			if err != nil {
				return fmt.Errorf("failed to insert column %s.%s: %w", t.Name, c.Name, err)
			}
			if ids[c.Name], err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to get id of column %s.%s: %w", t.Name, c.Name, err)
			}
		}
		columnIDs[t.Name] = ids

		if err := s.writeIndexes(ctx, tx, tableID, t, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertTables(ctx context.Context, tx *sql.Tx, tables []*models.Table, columnIDs map[string]map[string]int64) error {
	tableStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dbtable (db_key, name, isview, created, modified) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (db_key, name) DO UPDATE SET isview = excluded.isview, modified = excluded.modified
		 RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare table upsert: %w", err)
	}
	defer tableStmt.Close()

	columnStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dbcolumn (table_id, name, position, type, constraint_name, primary_key, nullable, default_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (table_id, name) DO UPDATE SET
		     position = excluded.position,
		     type = excluded.type,
		     constraint_name = excluded.constraint_name,
		     primary_key = excluded.primary_key,
		     nullable = excluded.nullable,
		     default_value = excluded.default_value,
		     referenced_column_id = NULL
		 RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare column upsert: %w", err)
	}
	defer columnStmt.Close()

	for _, t := range tables {
		var tableID int64
		if err := tableStmt.QueryRowContext(ctx, s.dbKey, t.Name, boolInt(t.IsView),
			formatTime(t.Created), formatTime(t.Modified)).Scan(&tableID); err != nil {
			return fmt.Errorf("failed to upsert table %s: %w", t.Name, err)
		}

		ids := make(map[string]int64, len(t.Columns))
		keep := make([]interface{}, 0, len(t.Columns)+1)
		keep = append(keep, tableID)
		for pos, c := range t.Columns {
			var id int64
			if err := columnStmt.QueryRowContext(ctx, tableID, c.Name, pos, c.Type, c.ConstraintName,
				boolInt(c.PrimaryKey), boolInt(c.Nullable), nullString(c.Default)).Scan(&id); err != nil {
				return fmt.Errorf("failed to upsert column %s.%s: %w", t.Name, c.Name, err)
			}
			ids[c.Name] = id
			keep = append(keep, id)
		}
		columnIDs[t.Name] = ids

		// Drop columns the table no longer has
		query := `DELETE FROM dbcolumn WHERE table_id = ?`
		if len(keep) > 1 {
			query += ` AND id NOT IN (` + placeholders(len(keep)-1) + `)`
		}
		if _, err := tx.ExecContext(ctx, query, keep...); err != nil {
			return fmt.Errorf("failed to prune columns of %s: %w", t.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM dbindex WHERE table_id = ?`, tableID); err != nil {
			return fmt.Errorf("failed to clear indexes of %s: %w", t.Name, err)
		}
		if err := s.writeIndexes(ctx, tx, tableID, t, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeIndexes(ctx context.Context, tx *sql.Tx, tableID int64, t *models.Table, ids map[string]int64) error {
	for _, idx := range t.Indexes {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dbindex (table_id, name, is_unique) VALUES (?, ?, ?)`,
			tableID, idx.Name, boolInt(idx.Unique))
		if err != nil {
			return fmt.Errorf("failed to insert index %s on %s: %w", idx.Name, t.Name, err)
		}
		indexID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get id of index %s: %w", idx.Name, err)
		}

		for pos, name := range idx.Columns {
			columnID, ok := ids[name]
			if !ok {
				s.logger.Debugf("Index %s on %s covers unknown column %s, skipping", idx.Name, t.Name, name)
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dbindex_dbcolumn (dbindex_id, dbcolumn_id, position) VALUES (?, ?, ?)`,
				indexID, columnID, pos); err != nil {
				return fmt.Errorf("failed to link index %s to column %s: %w", idx.Name, name, err)
			}
		}
	}
	return nil
}

// linkReferences resolves foreign key pointers once every table of the batch
// has a row. Targets outside the batch are looked up in the shard; a target
// that is not stored anywhere stays NULL.
func (s *Store) linkReferences(ctx context.Context, tx *sql.Tx, tables []*models.Table, columnIDs map[string]map[string]int64) error {
	lookup, err := tx.PrepareContext(ctx,
		`SELECT c.id FROM dbcolumn c JOIN dbtable t ON t.id = c.table_id
		 WHERE t.db_key = ? AND t.name = ? AND c.name = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare reference lookup: %w", err)
	}
	defer lookup.Close()

	update, err := tx.PrepareContext(ctx, `UPDATE dbcolumn SET referenced_column_id = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare reference update: %w", err)
	}
	defer update.Close()

	for _, t := range tables {
		for _, c := range t.Columns {
			if c.References == nil {
				continue
			}

			refID, ok := columnIDs[c.References.Table][c.References.Column]
			if !ok {
				err := lookup.QueryRowContext(ctx, s.dbKey, c.References.Table, c.References.Column).Scan(&refID)
				if errors.Is(err, sql.ErrNoRows) {
					s.logger.Debugf("Reference %s.%s -> %s not stored yet, leaving it unresolved",
						t.Name, c.Name, c.References)
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to resolve reference %s.%s: %w", t.Name, c.Name, err)
				}
			}

			if _, err := update.ExecContext(ctx, refID, columnIDs[t.Name][c.Name]); err != nil {
				return fmt.Errorf("failed to link %s.%s to %s: %w", t.Name, c.Name, c.References, err)
			}
		}
	}
	return nil
}

// pruneTx deletes stored tables of this connection that are not in keep
func (s *Store) pruneTx(ctx context.Context, tx *sql.Tx, keep []*models.Table) error {
	query := `DELETE FROM dbtable WHERE db_key = ?`
	args := make([]interface{}, 0, len(keep)+1)
	args = append(args, s.dbKey)
	if len(keep) > 0 {
		query += ` AND name NOT IN (` + placeholders(len(keep)) + `)`
		for _, t := range keep {
			args = append(args, t.Name)
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to prune stored tables: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debugf("Pruned %d tables no longer present", n)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}
