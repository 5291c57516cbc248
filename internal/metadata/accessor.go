package metadata

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vitebski/sqlmeta/internal/reflector"
	"github.com/vitebski/sqlmeta/internal/store"
	"github.com/vitebski/sqlmeta/pkg/models"
)

// DefaultMaxCacheAge is how long a reflected schema is trusted before it is refreshed
const DefaultMaxCacheAge = 20 * time.Minute

// ErrClosed is returned by an Accessor after Close
var ErrClosed = errors.New("metadata accessor closed")

// Connection is what the accessor needs from a live database connection
type Connection interface {
	// Key identifies the database independently of credentials
	Key() string
	Introspector() (reflector.Introspector, error)
}

// Options configures an Accessor
type Options struct {
	ProfileDir  string
	MaxCacheAge time.Duration
	Workers     int
}

// FetchOptions controls a single GetMetadata call
type FetchOptions struct {
	// Noisy logs the fetch at info level instead of debug
	Noisy bool
	// Force starts a reflection even when the cached schema is fresh
	Force bool
}

// Accessor hands out the best known schema for each connection and keeps it
// fresh with background reflection. It never waits for a reflection to finish.
type Accessor struct {
	opts   Options
	logger *logrus.Logger
	pool   *semaphore.Weighted
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is the cache state of one connection
type entry struct {
	key   string
	mu    sync.Mutex
	db    *models.Database
	store *store.Store
	task  *task
}

// task tracks one background reflection
type task struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// New creates an accessor. Zero options fall back to defaults.
func New(opts Options, logger *logrus.Logger) *Accessor {
	if opts.MaxCacheAge <= 0 {
		opts.MaxCacheAge = DefaultMaxCacheAge
	}
	if opts.Workers <= 0 {
		opts.Workers = 2 * runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Accessor{
		opts:    opts,
		logger:  logger,
		pool:    semaphore.NewWeighted(int64(opts.Workers)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// GetMetadata returns the current schema model for conn. A connection seen
// for the first time is seeded from its local store. When the model is older
// than the configured maximum age, or Force is set, a background reflection
// is started unless one is already running. Only store failures are returned.
func (a *Accessor) GetMetadata(ctx context.Context, conn Connection, opts FetchOptions) (*models.Database, error) {
	e, err := a.entryFor(ctx, conn)
	if err != nil {
		return nil, err
	}

	log := a.logger.WithField("db_key", e.key)
	if opts.Noisy {
		log.Info("Fetching database metadata")
	} else {
		log.Debug("Fetching database metadata")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Cold: seed from the store
	cold := e.db == nil
	if cold {
		db, err := e.store.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read cached metadata: %w", err)
		}
		e.db = db
		log.Debugf("Loaded %d tables from %s", len(db.TableNames()), e.store.Path())
	}
	db := e.db

	if !opts.Force && !a.isStale(db) {
		return db, nil
	}
	if !db.TryBeginReflection() {
		return db, nil
	}

	// Another process may have refreshed the store since it was last read
	if !cold && !opts.Force {
		if err := a.mergeStored(ctx, e); err != nil {
			db.EndReflection()
			return nil, err
		}
		if !a.isStale(db) {
			db.EndReflection()
			return db, nil
		}
	}

	a.dispatch(e, conn, db)
	return db, nil
}

// isStale reports whether db has reached the maximum cache age
func (a *Accessor) isStale(db *models.Database) bool {
	return db.AgeAt(a.now()) >= a.opts.MaxCacheAge
}

// mergeStored folds stored tables that are newer than their in-memory copy into the model.
// The caller holds the reflection gate.
func (a *Accessor) mergeStored(ctx context.Context, e *entry) error {
	tables, err := e.store.ReadTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cached metadata: %w", err)
	}

	var newer []*models.Table
	for _, t := range tables {
		if cur, ok := e.db.Table(t.Name); !ok || t.Modified.After(cur.Modified) {
			newer = append(newer, t)
		}
	}
	e.db.UpdateTables(newer...)
	return nil
}

// dispatch runs a reflection in the worker pool. The caller holds the
// reflection gate and e.mu; the gate is released when the task ends, or
// at once when the accessor is already closed.
func (a *Accessor) dispatch(e *entry, conn Connection, db *models.Database) {
	log := a.logger.WithField("db_key", e.key)

	// Close waits on wg after setting closed, so Add must happen under a.mu
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		log.Debugf("Accessor closed, not reflecting")
		db.EndReflection()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	introspector, err := conn.Introspector()
	if err != nil {
		log.Errorf("Cannot reflect database: %v", err)
		db.EndReflection()
		a.wg.Done()
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	t := &task{done: make(chan struct{}), cancel: cancel}
	e.task = t

	go func() {
		defer a.wg.Done()
		defer close(t.done)
		defer cancel()
		defer db.EndReflection()

		if err := a.pool.Acquire(ctx, 1); err != nil {
			t.err = err
			return
		}
		defer a.pool.Release(1)

		r := reflector.New(introspector, e.store, e.key, a.logger)
		if err := r.Reflect(ctx, db); err != nil {
			t.err = err
			if errors.Is(err, context.Canceled) {
				log.Debugf("Reflection cancelled")
				return
			}
			log.Errorf("Reflection failed: %v", err)
		}
	}()
}

// Reflecting reports whether a reflection of conn is in progress
func (a *Accessor) Reflecting(conn Connection) bool {
	e := a.lookup(conn)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db != nil && e.db.Reflecting()
}

// Await blocks until the latest reflection of conn has finished and returns its error
func (a *Accessor) Await(ctx context.Context, conn Connection) error {
	e := a.lookup(conn)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	t := e.task
	e.mu.Unlock()
	if t == nil {
		return nil
	}

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush stops any reflection of conn, empties its store and forgets the
// in-memory model, so the next GetMetadata starts cold
func (a *Accessor) Flush(ctx context.Context, conn Connection) error {
	e, err := a.entryFor(ctx, conn)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.task; t != nil {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.task = nil
	}

	if err := e.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to flush metadata: %w", err)
	}
	e.db = nil
	return nil
}

// Close stops all reflections and closes every store
func (a *Accessor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	entries := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()

	var errs []error
	for _, e := range entries {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Accessor) lookup(conn Connection) *entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[conn.Key()]
}

// entryFor returns the state for conn, opening its store on first use
func (a *Accessor) entryFor(ctx context.Context, conn Connection) (*entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	key := conn.Key()
	if e, ok := a.entries[key]; ok {
		return e, nil
	}

	st := store.New(a.opts.ProfileDir, key, a.logger)
	if err := st.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	e := &entry{key: key, store: st}
	a.entries[key] = e
	return e, nil
}
