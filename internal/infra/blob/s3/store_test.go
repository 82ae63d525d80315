package s3

import (
	"catalogcore/internal/infra/blob"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ blob.Store = (*Store)(nil)

func TestPutGetHeadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, fb := newFakeStore("catalog")

	info, err := store.Put(ctx, "studies/7/sample.jsonl", strings.NewReader(`{"id":"S1"}`+"\n"), blob.PutOptions{ContentType: "application/x-ndjson"})
	require.NoError(t, err)
	assert.Equal(t, "studies/7/sample.jsonl", info.Key)
	assert.Equal(t, "application/x-ndjson", info.ContentType)
	assert.Contains(t, fb.objects, "catalog/studies/7/sample.jsonl")

	got, rc, err := store.Get(ctx, "studies/7/sample.jsonl")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"S1"}`+"\n", string(body))
	assert.Equal(t, int64(len(body)), got.Size)
}

func TestPutRespectsOverwrite(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore("")

	_, err := store.Put(ctx, "a", strings.NewReader("one"), blob.PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "a", strings.NewReader("two"), blob.PutOptions{})
	require.ErrorIs(t, err, blob.ErrExists)
	_, err = store.Put(ctx, "a", strings.NewReader("three"), blob.PutOptions{Overwrite: true})
	require.NoError(t, err)
}

func TestMissingObjects(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore("")

	_, err := store.Head(ctx, "nope")
	require.ErrorIs(t, err, blob.ErrNotFound)
	_, _, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, blob.ErrNotFound)
	existed, err := store.Delete(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListStripsPrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore("root")
	for _, k := range []string{"studies/1/file.jsonl", "studies/1/cohort.jsonl", "studies/2/file.jsonl"} {
		_, err := store.Put(ctx, k, strings.NewReader("x"), blob.PutOptions{})
		require.NoError(t, err)
	}
	infos, err := store.List(ctx, "studies/1/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "studies/1/cohort.jsonl", infos[0].Key)
	assert.Equal(t, "studies/1/file.jsonl", infos[1].Key)

	existed, err := store.Delete(ctx, "studies/1/file.jsonl")
	require.NoError(t, err)
	assert.True(t, existed)
}
