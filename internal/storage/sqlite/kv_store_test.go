package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotbot-exec/internal/storage"
)

// setupTestDB opens a fresh database under t.TempDir and applies the SQLite migrations.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "state", "dotexec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok)
	dir := filepath.Join(filepath.Dir(thisFile), "..", "migrations", "sqlite")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, string(data))
		require.NoError(t, err, "apply %s", entry.Name())
	}
	return db
}

func TestKVStore_SetAndGet(t *testing.T) {
	store := NewKVStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "endpoint-health:default", []byte(`{"x":1}`)))

	got, err := store.Get(ctx, "endpoint-health:default")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got))
}

func TestKVStore_Upsert(t *testing.T) {
	store := NewKVStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v1")))
	require.NoError(t, store.Set(ctx, "k", []byte("v2")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestKVStore_NotFound(t *testing.T) {
	store := NewKVStore(setupTestDB(t))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, store.Set(context.Background(), "", nil), storage.ErrInvalidInput)
}

func TestKVStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dotexec.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE kv_store (key TEXT PRIMARY KEY, value BLOB NOT NULL, updated_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, NewKVStore(db).Set(ctx, "k", []byte("kept")))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	got, err := NewKVStore(db).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}
