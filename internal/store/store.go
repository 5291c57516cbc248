package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotOpen is returned when the shard has not been opened or was closed
var ErrNotOpen = errors.New("metadata store not open")

// Store mirrors the schema model of one connection in its own SQLite file
type Store struct {
	mu     sync.RWMutex
	dbKey  string
	path   string
	db     *sql.DB
	logger *logrus.Logger
}

// New creates a store for the connection identified by key. The shard lives
// at <profileDir>/<key>.db and is not touched until Open is called.
func New(profileDir, key string, logger *logrus.Logger) *Store {
	return &Store{
		dbKey:  key,
		path:   filepath.Join(profileDir, key+".db"),
		logger: logger,
	}
}

// Path returns the location of the shard file
func (s *Store) Path() string {
	return s.path
}

// Key returns the connection key the shard belongs to
func (s *Store) Key() string {
	return s.dbKey
}

// Open opens the shard, creating the file and its schema when missing
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Store) openLocked(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open metadata store %s: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping metadata store %s: %w", s.path, err)
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return err
	}
	// One writer per shard
	db.SetMaxOpenConns(1)

	s.db = db
	s.logger.Debugf("Opened metadata store %s", s.path)
	return nil
}

// Close closes the shard. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CreateSchema applies every pending migration. It is a no-op on an up to date shard.
func (s *Store) CreateSchema(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotOpen
	}
	return createSchema(ctx, s.db)
}

// DeleteSchema rolls back every migration, dropping all metadata tables.
// It is a no-op when the schema is already gone.
func (s *Store) DeleteSchema(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotOpen
	}

	p, err := newProvider(s.db)
	if err != nil {
		return err
	}
	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == 0 {
		return nil
	}
	if _, err := p.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("failed to drop metadata schema: %w", err)
	}
	return nil
}

// Version returns the applied schema version, 0 when no schema exists
func (s *Store) Version(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrNotOpen
	}

	p, err := newProvider(s.db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}

// Reset discards the shard file and recreates an empty schema
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		s.logger.Warningf("Failed to close metadata store %s: %v", s.path, err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", s.path+suffix, err)
		}
	}

	s.logger.Infof("Flushed metadata store %s", s.path)
	return s.openLocked(ctx)
}

func createSchema(ctx context.Context, db *sql.DB) error {
	p, err := newProvider(db)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("failed to create metadata schema: %w", err)
	}
	return nil
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return p, nil
}

// handle returns the open database, holding the read lock until release is called
func (s *Store) handle() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, ErrNotOpen
	}
	return s.db, s.mu.RUnlock, nil
}

// inTx runs fn inside a single transaction that is rolled back on any error
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, release, err := s.handle()
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Errorf("Failed to roll back metadata write: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
