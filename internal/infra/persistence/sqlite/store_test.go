package sqlite

import (
	"catalogcore/pkg/domain"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	store, err := NewStore(ctx, path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	err = store.RunInTransaction(ctx, func(ctx context.Context) error {
		uid, err := store.Increment(ctx, "uid:1", 1)
		if err != nil {
			return err
		}
		return store.Collection("sample").Insert(ctx, domain.Document{
			"_id": "1:1:1", "id": "S1", "uid": uid, "tags": []any{"a"},
		})
	})
	require.NoError(t, err)
	_, err = store.Collection("sample").UpdateMany(ctx, domain.Eq("id", "S1"), *domain.NewUpdate().AddToSetField("tags", "b"))
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	reloaded, err := NewStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloaded.Close(ctx) })
	assert.Equal(t, path, reloaded.Path())
	doc, ok := reloaded.Lookup("sample", "1:1:1")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, doc["tags"])
	assert.EqualValues(t, 1, doc.Int("uid"))
	assert.EqualValues(t, 1, reloaded.Counter("uid:1"))
}

func TestSQLiteStoreCreatesTables(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(ctx) })
	for _, table := range []string{"documents", "counters"} {
		var name string
		require.NoError(t, store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name))
		assert.Equal(t, table, name)
	}
}

func TestStoresSharingAFileAllocateDistinctCounters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	first, err := NewStore(ctx, path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = first.Close(ctx) })
	second, err := NewStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(ctx) })

	a, err := first.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)
	b, err := second.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)
	c, err := first.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{a, b, c})
	assert.EqualValues(t, 3, first.Counter("uid:1"))
}
