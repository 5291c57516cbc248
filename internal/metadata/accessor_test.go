package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/sqlmeta/internal/reflector"
	"github.com/vitebski/sqlmeta/internal/store"
	"github.com/vitebski/sqlmeta/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// stubIntrospector serves a single users table. When release is set,
// ListTables blocks until it is closed or the reflection is cancelled.
type stubIntrospector struct {
	tables  []string
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newStubIntrospector(blocking bool) *stubIntrospector {
	s := &stubIntrospector{tables: []string{"users"}, started: make(chan struct{}, 16)}
	if blocking {
		s.release = make(chan struct{})
	}
	return s
}

func (s *stubIntrospector) Dialect() string { return "stub" }

func (s *stubIntrospector) ListTables(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	s.started <- struct{}{}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.tables, nil
}

func (s *stubIntrospector) ListViews(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (s *stubIntrospector) Columns(ctx context.Context, table string) ([]models.Column, error) {
	return []models.Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "email", Type: "VARCHAR(255)", Nullable: true},
	}, nil
}

func (s *stubIntrospector) Indexes(ctx context.Context, table string) ([]models.Index, error) {
	return nil, nil
}

func (s *stubIntrospector) ForeignKeys(ctx context.Context, table string) ([]reflector.ForeignKeyColumn, error) {
	return nil, nil
}

func (s *stubIntrospector) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.started:
	case <-time.After(5 * time.Second):
		t.Fatal("reflection did not start")
	}
}

type stubConn struct {
	key   string
	intro *stubIntrospector
	err   error
}

func (c *stubConn) Key() string { return c.key }

func (c *stubConn) Introspector() (reflector.Introspector, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.intro, nil
}

func newTestAccessor(t *testing.T, opts Options) *Accessor {
	t.Helper()
	if opts.ProfileDir == "" {
		opts.ProfileDir = t.TempDir()
	}
	a := New(opts, quietLogger())
	t.Cleanup(func() { a.Close() })
	return a
}

var observed = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// seedStore writes an orders table observed at the given time into the shard for key
func seedStore(t *testing.T, dir, key string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	st := store.New(dir, key, quietLogger())
	require.NoError(t, st.Open(ctx))
	defer st.Close()
	require.NoError(t, st.Write(ctx, &models.Table{
		Name: "orders", Created: at, Modified: at,
		Columns: []models.Column{{Name: "id", Type: "INTEGER", PrimaryKey: true}},
	}))
}

func TestAccessor_ColdEmptyStoreReflects(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(t, Options{})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	db, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))

	assert.Equal(t, []string{"users"}, db.TableNames())
	assert.Equal(t, int32(1), conn.intro.calls.Load())
	assert.False(t, a.Reflecting(conn))

	// Fresh now, so no second reflection
	again, err := a.GetMetadata(ctx, conn, FetchOptions{Noisy: true})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))
	assert.Same(t, db, again)
	assert.Equal(t, int32(1), conn.intro.calls.Load())
}

func TestAccessor_EmptySchemaReflectsOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(t, Options{})
	intro := newStubIntrospector(false)
	intro.tables = nil
	conn := &stubConn{key: "db1", intro: intro}

	for i := 0; i < 5; i++ {
		db, err := a.GetMetadata(ctx, conn, FetchOptions{})
		require.NoError(t, err)
		require.NoError(t, a.Await(ctx, conn))
		assert.True(t, db.IsEmpty())
		assert.Less(t, db.Age(), time.Minute)
	}
	assert.Equal(t, int32(1), intro.calls.Load())
}

func TestAccessor_ColdLoadFromStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seedStore(t, dir, "db1", time.Now())

	a := newTestAccessor(t, Options{ProfileDir: dir})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	db, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, db.TableNames())
	assert.False(t, a.Reflecting(conn))
	require.NoError(t, a.Await(ctx, conn))
	assert.Equal(t, int32(0), conn.intro.calls.Load())
}

func TestAccessor_StalenessBoundary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seedStore(t, dir, "db1", observed)

	maxAge := 10 * time.Minute
	a := newTestAccessor(t, Options{ProfileDir: dir, MaxCacheAge: maxAge})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	a.now = func() time.Time { return observed.Add(maxAge - time.Nanosecond) }
	_, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))
	assert.Equal(t, int32(0), conn.intro.calls.Load())

	a.now = func() time.Time { return observed.Add(maxAge) }
	db, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))
	assert.Equal(t, int32(1), conn.intro.calls.Load())

	// orders is gone from the live database
	assert.Equal(t, []string{"users"}, db.TableNames())
}

func TestAccessor_StaleMergesNewerStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seedStore(t, dir, "db1", observed)

	maxAge := 10 * time.Minute
	a := newTestAccessor(t, Options{ProfileDir: dir, MaxCacheAge: maxAge})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	a.now = func() time.Time { return observed }
	db, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)

	// Another process refreshes the shard
	refreshed := observed.Add(maxAge)
	seedStore(t, dir, "db1", refreshed)

	a.now = func() time.Time { return refreshed.Add(time.Minute) }
	_, err = a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))

	assert.Equal(t, int32(0), conn.intro.calls.Load())
	assert.True(t, refreshed.Equal(db.Modified()), "modified %v", db.Modified())
}

func TestAccessor_AtMostOneReflection(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(t, Options{})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(true)}

	const callers = 20
	results := make([]*models.Database, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := a.GetMetadata(ctx, conn, FetchOptions{Force: true})
			assert.NoError(t, err)
			results[i] = db
		}(i)
	}
	wg.Wait()

	conn.intro.waitStarted(t)
	assert.True(t, a.Reflecting(conn))
	for _, db := range results {
		assert.Same(t, results[0], db)
	}

	close(conn.intro.release)
	require.NoError(t, a.Await(ctx, conn))
	assert.Equal(t, int32(1), conn.intro.calls.Load())
	assert.False(t, a.Reflecting(conn))
	assert.Equal(t, []string{"users"}, results[0].TableNames())
}

func TestAccessor_ForceWhileFresh(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seedStore(t, dir, "db1", time.Now())

	a := newTestAccessor(t, Options{ProfileDir: dir})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	_, err := a.GetMetadata(ctx, conn, FetchOptions{Force: true})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))
	assert.Equal(t, int32(1), conn.intro.calls.Load())
}

func TestAccessor_PoolBoundsReflections(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(t, Options{Workers: 1})
	first := &stubConn{key: "db1", intro: newStubIntrospector(true)}
	second := &stubConn{key: "db2", intro: newStubIntrospector(true)}

	_, err := a.GetMetadata(ctx, first, FetchOptions{})
	require.NoError(t, err)
	first.intro.waitStarted(t)

	_, err = a.GetMetadata(ctx, second, FetchOptions{})
	require.NoError(t, err)
	assert.True(t, a.Reflecting(second))

	select {
	case <-second.intro.started:
		t.Fatal("second reflection started while the pool was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(first.intro.release)
	second.intro.waitStarted(t)
	close(second.intro.release)

	require.NoError(t, a.Await(ctx, first))
	require.NoError(t, a.Await(ctx, second))
}

func TestAccessor_Flush(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := newTestAccessor(t, Options{ProfileDir: dir})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	_, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))

	require.NoError(t, a.Flush(ctx, conn))

	st := store.New(dir, "db1", quietLogger())
	require.NoError(t, st.Open(ctx))
	stored, err := st.ReadTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
	require.NoError(t, st.Close())

	// Cold again
	db, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx, conn))
	assert.Equal(t, int32(2), conn.intro.calls.Load())
	assert.Equal(t, []string{"users"}, db.TableNames())
}

func TestAccessor_FlushCancelsReflection(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(t, Options{})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(true)}

	_, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	conn.intro.waitStarted(t)

	require.NoError(t, a.Flush(ctx, conn))
	assert.False(t, a.Reflecting(conn))
	require.NoError(t, a.Await(ctx, conn))
}

func TestAccessor_IntrospectorUnavailable(t *testing.T) {
	ctx := context.Background()
	a := newTestAccessor(t, Options{})
	conn := &stubConn{key: "db1", err: errors.New("not connected")}

	db, err := a.GetMetadata(ctx, conn, FetchOptions{})
	require.NoError(t, err)
	assert.True(t, db.IsEmpty())
	assert.False(t, a.Reflecting(conn))
	assert.NoError(t, a.Await(ctx, conn))
}

func TestAccessor_StoreFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "profile")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))

	a := newTestAccessor(t, Options{ProfileDir: blocker})
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}

	_, err := a.GetMetadata(context.Background(), conn, FetchOptions{})
	assert.Error(t, err)
	assert.Equal(t, int32(0), conn.intro.calls.Load())
}

func TestAccessor_Closed(t *testing.T) {
	a := New(Options{ProfileDir: t.TempDir()}, quietLogger())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.GetMetadata(context.Background(), &stubConn{key: "db1"}, FetchOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAccessor_NoDispatchAfterClose(t *testing.T) {
	a := New(Options{ProfileDir: t.TempDir()}, quietLogger())
	require.NoError(t, a.Close())

	// A caller that got its entry before Close reaches dispatch afterwards
	conn := &stubConn{key: "db1", intro: newStubIntrospector(false)}
	e := &entry{key: conn.key}
	db := models.NewDatabase()
	require.True(t, db.TryBeginReflection())

	e.mu.Lock()
	a.dispatch(e, conn, db)
	e.mu.Unlock()

	assert.Nil(t, e.task)
	assert.False(t, db.Reflecting())
	assert.Equal(t, int32(0), conn.intro.calls.Load())
}
