package fs

import (
	"catalogcore/internal/infra/blob"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ blob.Store = (*Store)(nil)

func TestPutWritesDataAndSidecar(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	info, err := s.Put(ctx, "studies/7/file.jsonl", strings.NewReader("line\n"), blob.PutOptions{ContentType: "application/x-ndjson"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Len(t, info.ETag, 64)
	assert.FileExists(t, filepath.Join(s.Root(), "studies", "7", "file.jsonl"))
	assert.FileExists(t, filepath.Join(s.Root(), "studies", "7", "file.jsonl.meta"))

	got, rc, err := s.Get(ctx, "studies/7/file.jsonl")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(body))
	assert.Equal(t, "application/x-ndjson", got.ContentType)
}

func TestPutOverwrite(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(ctx, "k", strings.NewReader("1"), blob.PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "k", strings.NewReader("2"), blob.PutOptions{})
	require.ErrorIs(t, err, blob.ErrExists)
	info, err := s.Put(ctx, "k", strings.NewReader("22"), blob.PutOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)
}

func TestKeysCannotEscapeRoot(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "x.meta"} {
		_, err := s.Put(ctx, key, strings.NewReader("x"), blob.PutOptions{})
		assert.ErrorIs(t, err, blob.ErrInvalid, key)
	}
}

func TestListDeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	for _, k := range []string{"studies/1/a.jsonl", "studies/1/b.jsonl", "studies/2/a.jsonl"} {
		_, err := s.Put(ctx, k, strings.NewReader(k), blob.PutOptions{})
		require.NoError(t, err)
	}
	infos, err := s.List(ctx, "studies/1/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "studies/1/a.jsonl", infos[0].Key)

	existed, err := s.Delete(ctx, "studies/1/a.jsonl")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "studies/1/a.jsonl")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Head(ctx, "studies/1/a.jsonl")
	require.ErrorIs(t, err, blob.ErrNotFound)
	_, _, err = s.Get(ctx, "studies/1/a.jsonl")
	require.ErrorIs(t, err, blob.ErrNotFound)

	_, err = os.Stat(filepath.Join(s.Root(), "studies", "1", "a.jsonl.meta"))
	assert.True(t, os.IsNotExist(err))
}
