package reflector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// IntrospectionError reports a hard driver failure that aborted a reflection cycle
type IntrospectionError struct {
	Table string
	Op    string
	Err   error
}

func (e *IntrospectionError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s of %s: %v", e.Op, e.Table, e.Err)
}

func (e *IntrospectionError) Unwrap() error {
	return e.Err
}

// Persister stores the full result of a reflection cycle
type Persister interface {
	Replace(ctx context.Context, tables []*models.Table) error
}

// Reflector rebuilds a schema model from a live database
type Reflector struct {
	introspector Introspector
	store        Persister
	key          string
	logger       *logrus.Logger
	now          func() time.Time
}

// New creates a reflector for the connection identified by key. store may be
// nil, in which case results only reach the in-memory model.
func New(introspector Introspector, store Persister, key string, logger *logrus.Logger) *Reflector {
	return &Reflector{
		introspector: introspector,
		store:        store,
		key:          key,
		logger:       logger,
		now:          time.Now,
	}
}

// Reflect describes every table and view of the live database and merges
// them into db one table at a time, so readers see progress as it happens.
// A cycle that fails part way leaves the tables merged so far in db and
// writes nothing to the store. On success the store receives the whole
// schema in one transaction and tables that no longer exist are dropped
// from both.
func (r *Reflector) Reflect(ctx context.Context, db *models.Database) error {
	log := r.logger.WithFields(logrus.Fields{
		"db_key": r.key,
		"cycle":  uuid.NewString(),
	})
	started := r.now()
	log.Debugf("Reflecting %s database", r.introspector.Dialect())

	// Get all tables
	tables, err := r.introspector.ListTables(ctx)
	if err != nil {
		return &IntrospectionError{Op: "list tables", Err: err}
	}

	// Views are optional: not every backend can list them
	views, err := r.introspector.ListViews(ctx)
	if err != nil {
		log.Warningf("Unable to list views, continuing without them: %v", err)
		views = nil
	}

	known := make(map[string]bool, len(tables)+len(views))
	for _, name := range tables {
		known[name] = true
	}
	for _, name := range views {
		known[name] = true
	}

	seen := make(map[string]bool, len(tables)+len(views))
	reflected := make([]*models.Table, 0, len(tables)+len(views))
	names := make([]string, 0, len(tables)+len(views))

	for i, name := range append(tables, views...) {
		if seen[name] {
			continue
		}
		seen[name] = true

		if err := ctx.Err(); err != nil {
			return err
		}

		isView := i >= len(tables)
		t, err := r.reflectTable(ctx, name, isView, known)
		if err != nil {
			return err
		}
		if old, ok := db.Table(name); ok {
			t.Created = old.Created
		}
		t.Touch(r.now())
		if err := t.Validate(); err != nil {
			log.WithField("table", name).Warningf("Inconsistent catalog entry: %v", err)
		}

		db.UpdateTables(t)
		reflected = append(reflected, t)
		names = append(names, name)
		log.WithField("table", name).Debugf("Reflected %d columns", len(t.Columns))
	}

	if r.store != nil {
		if err := r.store.Replace(ctx, reflected); err != nil {
			return fmt.Errorf("failed to persist reflected schema: %w", err)
		}
	}
	if dropped := db.RetainTables(names); dropped > 0 {
		log.Infof("Dropped %d tables no longer in the database", dropped)
	}
	db.MarkRefreshed(r.now())

	log.Infof("Reflected %d tables and %d views in %s",
		len(tables), len(views), r.now().Sub(started).Round(time.Millisecond))
	return nil
}

// reflectTable reads one table. Foreign keys are kept only when their target
// is in known, so the model never points at a table it does not hold.
func (r *Reflector) reflectTable(ctx context.Context, name string, isView bool, known map[string]bool) (*models.Table, error) {
	columns, err := r.introspector.Columns(ctx, name)
	if err != nil {
		return nil, &IntrospectionError{Table: name, Op: "read columns", Err: err}
	}
	t := &models.Table{Name: name, IsView: isView, Columns: columns}
	if isView {
		return t, nil
	}

	if t.Indexes, err = r.introspector.Indexes(ctx, name); err != nil {
		return nil, &IntrospectionError{Table: name, Op: "read indexes", Err: err}
	}

	fks, err := r.introspector.ForeignKeys(ctx, name)
	if err != nil {
		return nil, &IntrospectionError{Table: name, Op: "read foreign keys", Err: err}
	}
	for _, fk := range fks {
		col, ok := t.Column(fk.Column)
		if !ok {
			r.logger.Debugf("Foreign key %s on %s names unknown column %s", fk.Constraint, name, fk.Column)
			continue
		}
		if !known[fk.RefTable] {
			r.logger.Debugf("Foreign key %s on %s references %s outside the reflected schema, skipping it",
				fk.Constraint, name, fk.RefTable)
			continue
		}
		col.References = &models.ColumnRef{Table: fk.RefTable, Column: fk.RefColumn}
		col.ConstraintName = fk.Constraint
	}
	return t, nil
}
