package memory

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, docs ...domain.Document) {
	t.Helper()
	coll := s.Collection("sample")
	for _, d := range docs {
		require.NoError(t, coll.Insert(context.Background(), d))
	}
}

func ids(t *testing.T, cur domain.Cursor) []string {
	t.Helper()
	docs, err := domain.Drain(context.Background(), cur)
	require.NoError(t, err)
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.String("_id"))
	}
	return out
}

func TestInsertFindInInsertionOrder(t *testing.T) {
	s := NewStore()
	seed(t, s,
		domain.Document{"_id": "b", "uid": 2},
		domain.Document{"_id": "a", "uid": 1},
	)
	cur, err := s.Collection("sample").Find(context.Background(), domain.Filter{}, domain.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(t, cur))

	cur, err = s.Collection("sample").Find(context.Background(), domain.Filter{}, domain.FindOptions{
		Sort: []domain.SortKey{{Field: "uid"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(t, cur))
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := NewStore()
	seed(t, s, domain.Document{"_id": "a"})
	err := s.Collection("sample").Insert(context.Background(), domain.Document{"_id": "a"})
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.Error(t, s.Collection("sample").Insert(context.Background(), domain.Document{"id": "x"}))
}

func TestFindSkipLimitProjection(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 5; i++ {
		seed(t, s, domain.Document{"_id": string(rune('a' + i)), "uid": i, "nested": map[string]any{"k": i}})
	}
	cur, err := s.Collection("sample").Find(context.Background(), domain.Gt("uid", 1), domain.FindOptions{
		Skip: 1, Limit: 2, Projection: []string{"_id", "nested.k"},
	})
	require.NoError(t, err)
	docs, err := domain.Drain(context.Background(), cur)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, domain.Document{"_id": "d", "nested": map[string]any{"k": int64(3)}}, docs[0])
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, s.Collection("sample").Insert(ctx, domain.Document{"_id": "a"}))
		_, incErr := s.Increment(ctx, "uid:1", 1)
		require.NoError(t, incErr)
		n, countErr := s.Collection("sample").Count(ctx, domain.Filter{})
		require.NoError(t, countErr)
		assert.EqualValues(t, 1, n)
		return boom
	})
	require.ErrorIs(t, err, boom)
	n, err := s.Collection("sample").Count(context.Background(), domain.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.Counter("uid:1"))
}

func TestNestedTransactionJoinsOuter(t *testing.T) {
	s := NewStore()
	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return s.RunInTransaction(ctx, func(inner context.Context) error {
			return s.Collection("sample").Insert(inner, domain.Document{"_id": "a"})
		})
	})
	require.NoError(t, err)
	_, ok := s.Lookup("sample", "a")
	assert.True(t, ok)
}

func TestIncrementIsSerialised(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Increment(context.Background(), "uid:7", 1)
			assert.NoError(t, err)
			_, dup := seen.LoadOrStore(v, true)
			assert.False(t, dup, "value %d handed out twice", v)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, s.Counter("uid:7"))
}

func TestSetCounterFollowsTransaction(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetCounter(context.Background(), "uid:1", 9))
	assert.EqualValues(t, 9, s.Counter("uid:1"))

	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, s.SetCounter(ctx, "uid:1", 12))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.EqualValues(t, 9, s.Counter("uid:1"))

	v, err := s.Increment(context.Background(), "uid:1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 10, v)
}

func TestUpdateManyStats(t *testing.T) {
	s := NewStore()
	seed(t, s,
		domain.Document{"_id": "a", "status": map[string]any{"name": "READY"}},
		domain.Document{"_id": "b", "status": map[string]any{"name": "TRASHED"}},
	)
	stats, err := s.Collection("sample").UpdateMany(context.Background(),
		domain.Filter{},
		*domain.NewUpdate().SetField("status.name", "TRASHED"))
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateStats{Matched: 2, Modified: 1}, stats)
}

func TestUniqueIndexEnforced(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.EnsureIndexes(context.Background(), "sample", []domain.Index{
		{Name: "id_version", Keys: []domain.SortKey{{Field: "id"}, {Field: "version"}}, Unique: true},
	}))
	seed(t, s, domain.Document{"_id": "a", "id": "S1", "version": 1})
	err := s.Collection("sample").Insert(context.Background(), domain.Document{"_id": "b", "id": "S1", "version": 1})
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.NoError(t, s.Collection("sample").Insert(context.Background(), domain.Document{"_id": "c", "id": "S1", "version": 2}))
	assert.Len(t, s.Indexes("sample"), 1)
}

func TestDistinctFlattensArrays(t *testing.T) {
	s := NewStore()
	seed(t, s,
		domain.Document{"_id": "a", "tags": []any{"x", "y"}},
		domain.Document{"_id": "b", "tags": []any{"y", "z"}},
	)
	got, err := s.Collection("sample").Distinct(context.Background(), "tags", domain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y", "z"}, got)
}

func TestCommitHookReceivesChangedIDs(t *testing.T) {
	var gotChanged map[string][]string
	var gotCounters []string
	s := NewStore(WithCommitHook(func(_ context.Context, changed map[string][]string, counters []string) error {
		gotChanged, gotCounters = changed, counters
		return nil
	}))
	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := s.Increment(ctx, "uid:1", 1); err != nil {
			return err
		}
		return s.Collection("sample").Insert(ctx, domain.Document{"_id": "a"})
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"sample": {"a"}}, gotChanged)
	assert.Equal(t, []string{"uid:1"}, gotCounters)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := NewStore()
	seed(t, s, domain.Document{"_id": "b", "uid": 2}, domain.Document{"_id": "a", "uid": 1})
	_, err := s.Increment(context.Background(), "uid:1", 2)
	require.NoError(t, err)

	restored := NewStore()
	restored.ImportState(s.ExportState())
	cur, err := restored.Collection("sample").Find(context.Background(), domain.Filter{}, domain.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(t, cur))
	assert.EqualValues(t, 2, restored.Counter("uid:1"))
}

func TestCanceledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Collection("sample").Find(ctx, domain.Filter{}, domain.FindOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.RunInTransaction(ctx, func(context.Context) error { return nil }), context.Canceled)
}
