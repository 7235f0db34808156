package eggbot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// countingOpener opens a private in-memory SQLite database for every
// name, counting how many times it's been called
type countingOpener struct {
	opens atomic.Int64
	err   error
}

func (o *countingOpener) open(ctx context.Context, _ string) (*gorm.DB, error) {
	o.opens.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return newDBOpener(dbTypeSQLite, nil)(ctx, sqliteMemory)
}

func newTestRegistry(t testing.TB) (*ConnectionRegistry, *countingOpener) {
	t.Helper()
	opener := &countingOpener{}
	registry := NewConnectionRegistry(opener.open, nil)
	t.Cleanup(
		func() {
			_ = registry.CloseAll()
		},
	)
	return registry, opener
}

func assertDBOpen(t testing.TB, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}

func assertDBClosed(t testing.TB, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}

func TestConnectionRegistry_SharedHandle(t *testing.T) {
	ctx := context.Background()
	registry, opener := newTestRegistry(t)

	first, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)
	second, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)

	assert.Same(t, first.DB(), second.DB())
	assert.Equal(t, "egg", second.Name())
	assert.Equal(t, int64(1), opener.opens.Load())

	count, ok := registry.Active("egg")
	require.True(t, ok)
	assert.Equal(t, 2, count)

	// releasing one holder leaves the connection open for the other
	first.Release()
	count, ok = registry.Active("egg")
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assertDBOpen(t, second.DB())

	second.Release()
	_, ok = registry.Active("egg")
	assert.False(t, ok)
	assertDBClosed(t, second.DB())

	// a new acquire opens a fresh connection
	third, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)
	t.Cleanup(third.Release)
	assert.NotSame(t, first.DB(), third.DB())
	assert.Equal(t, int64(2), opener.opens.Load())
	assertDBOpen(t, third.DB())
}

func TestConnectionRegistry_DoubleRelease(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	first, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)
	second, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)

	first.Release()
	first.Release()

	count, ok := registry.Active("egg")
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assertDBOpen(t, second.DB())

	second.Release()
	_, ok = registry.Active("egg")
	assert.False(t, ok)
}

func TestConnectionRegistry_DistinctNames(t *testing.T) {
	ctx := context.Background()
	registry, opener := newTestRegistry(t)

	egg, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)
	bacon, err := registry.Acquire(ctx, "bacon")
	require.NoError(t, err)

	assert.NotSame(t, egg.DB(), bacon.DB())
	assert.Equal(t, int64(2), opener.opens.Load())

	egg.Release()
	_, ok := registry.Active("egg")
	assert.False(t, ok)
	count, ok := registry.Active("bacon")
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assertDBOpen(t, bacon.DB())
	bacon.Release()
}

func TestConnectionRegistry_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	registry, opener := newTestRegistry(t)

	const holders = 50
	handles := make([]*ConnectionHandle, holders)

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := registry.Acquire(ctx, "egg")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), opener.opens.Load())
	count, ok := registry.Active("egg")
	require.True(t, ok)
	assert.Equal(t, holders, count)

	for _, h := range handles {
		wg.Add(1)
		go func(h *ConnectionHandle) {
			defer wg.Done()
			h.Release()
		}(h)
	}
	wg.Wait()

	_, ok = registry.Active("egg")
	assert.False(t, ok)
	assertDBClosed(t, handles[0].DB())
}

func TestConnectionRegistry_CloseAll(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	egg, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)
	bacon, err := registry.Acquire(ctx, "bacon")
	require.NoError(t, err)

	require.NoError(t, registry.CloseAll())
	assertDBClosed(t, egg.DB())
	assertDBClosed(t, bacon.DB())

	_, ok := registry.Active("egg")
	assert.False(t, ok)

	// outstanding handles are no-ops, and don't affect new connections
	again, err := registry.Acquire(ctx, "egg")
	require.NoError(t, err)
	egg.Release()
	count, ok := registry.Active("egg")
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assertDBOpen(t, again.DB())
	again.Release()
}

func TestConnectionRegistry_OpenError(t *testing.T) {
	opener := &countingOpener{err: errors.New("nope")}
	registry := NewConnectionRegistry(opener.open, nil)

	h, err := registry.Acquire(context.Background(), "egg")
	require.Error(t, err)
	assert.ErrorIs(t, err, opener.err)
	assert.Nil(t, h)

	_, ok := registry.Active("egg")
	assert.False(t, ok)

	var nilHandle *ConnectionHandle
	assert.NotPanics(t, nilHandle.Release)
}

func TestNewDBOpener_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "eggbot.sqlite3")
	registry := NewConnectionRegistry(newDBOpener(dbTypeSQLite, nil), nil)

	h, err := registry.Acquire(ctx, dbPath)
	require.NoError(t, err)
	defer h.Release()

	var journalMode string
	require.NoError(t, h.DB().Raw("pragma journal_mode;").Scan(&journalMode).Error)
	assert.Equal(t, "wal", journalMode)
	assert.FileExists(t, dbPath)
}

func TestGetDB_UnsupportedType(t *testing.T) {
	_, err := getDB("mysql", "eggbot", nil)
	assert.Error(t, err)
}
