package memory

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

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	info, err := s.Put(ctx, "studies/1/sample.jsonl", strings.NewReader("abc"), blob.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"study": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.NotEmpty(t, info.ETag)

	_, err = s.Put(ctx, "studies/1/sample.jsonl", strings.NewReader("x"), blob.PutOptions{})
	require.ErrorIs(t, err, blob.ErrExists)

	got, rc, err := s.Get(ctx, "studies/1/sample.jsonl")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(body))
	got.Metadata["study"] = "changed"

	head, err := s.Head(ctx, "studies/1/sample.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "1", head.Metadata["study"])

	infos, err := s.List(ctx, "studies/")
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	existed, err := s.Delete(ctx, "studies/1/sample.jsonl")
	require.NoError(t, err)
	assert.True(t, existed)
	_, err = s.Head(ctx, "studies/1/sample.jsonl")
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	_, err := New().Put(context.Background(), " ", strings.NewReader(""), blob.PutOptions{})
	require.ErrorIs(t, err, blob.ErrInvalid)
}
