package postgres

import (
	"catalogcore/internal/infra/persistence/postgres/testutil"
	"catalogcore/pkg/domain"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	require.NoError(t, err)
	return store, conn
}

func TestNewStoreEnsuresSchema(t *testing.T) {
	_, conn := openStub(t)
	var creates int
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			creates++
		}
	}
	assert.Equal(t, 2, creates)
}

func TestCommittedWritesAreWrittenThrough(t *testing.T) {
	ctx := context.Background()
	store, conn := openStub(t)
	err := store.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := store.Increment(ctx, "uid:1", 1); err != nil {
			return err
		}
		return store.Collection("sample").Insert(ctx, domain.Document{"_id": "1:1:1", "id": "S1", "uid": 1})
	})
	require.NoError(t, err)
	require.Len(t, conn.Rows("documents"), 1)
	counters := conn.Rows("counters")
	require.Len(t, counters, 1)
	assert.EqualValues(t, 1, counters[0]["value"])

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return conn.Open(), nil })
	defer restore()
	reloaded, err := NewStore(ctx, "ignored")
	require.NoError(t, err)
	doc, ok := reloaded.Lookup("sample", "1:1:1")
	require.True(t, ok)
	assert.Equal(t, "S1", doc.String("id"))
	assert.EqualValues(t, 1, doc.Int("uid"))
	assert.EqualValues(t, 1, reloaded.Counter("uid:1"))
}

func TestAbortedTransactionWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, conn := openStub(t)
	err := store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := store.Collection("sample").Insert(ctx, domain.Document{"_id": "x"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Empty(t, conn.Rows("documents"))
}

func TestPersistFailureSurfaces(t *testing.T) {
	store, conn := openStub(t)
	conn.FailCommit = true
	err := store.Collection("sample").Insert(context.Background(), domain.Document{"_id": "x"})
	require.ErrorContains(t, err, "commit")
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	_, err := NewStore(context.Background(), "")
	require.ErrorContains(t, err, "ping postgres")
}

func TestStoresSharingADatabaseAllocateDistinctCounters(t *testing.T) {
	ctx := context.Background()
	first, conn := openStub(t)
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return conn.Open(), nil })
	defer restore()
	second, err := NewStore(ctx, "ignored")
	require.NoError(t, err)

	a, err := first.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)
	b, err := second.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)
	c, err := first.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{a, b, c})
	assert.EqualValues(t, 3, first.Counter("uid:1"))
	assert.EqualValues(t, 3, conn.Rows("counters")[0]["value"])
}

func TestIncrementInsideAbortedTransactionKeepsAllocation(t *testing.T) {
	ctx := context.Background()
	store, conn := openStub(t)
	err := store.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := store.Increment(ctx, "uid:1", 1); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, conn.Rows("counters")[0]["value"])

	v, err := store.Increment(ctx, "uid:1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}
