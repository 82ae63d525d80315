package export_test

import (
	"catalogcore/internal/core"
	"catalogcore/internal/export"
	"catalogcore/internal/infra/blob"
	blobmem "catalogcore/internal/infra/blob/memory"
	"catalogcore/internal/infra/persistence/memory"
	"catalogcore/pkg/domain"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const studyUID int64 = 3

func seed(t *testing.T) *core.Catalog {
	t.Helper()
	ctx := context.Background()
	c := core.New(memory.NewStore())
	require.NoError(t, c.EnsureIndexes(ctx))
	require.NoError(t, c.RegisterStudy(ctx, domain.Study{UID: studyUID, ID: "exp", Release: 2, Owner: "owner"}))
	scope := core.Scope{StudyUID: studyUID, Viewer: "owner"}
	s1, err := c.Samples().Insert(ctx, scope, domain.Sample{Base: domain.Base{ID: "S1"}})
	require.NoError(t, err)
	_, err = c.Samples().Insert(ctx, scope, domain.Sample{Base: domain.Base{ID: "S2"}})
	require.NoError(t, err)
	_, err = c.Cohorts().Insert(ctx, scope, domain.Cohort{
		Base:    domain.Base{ID: "C1"},
		Samples: []domain.Sample{{Base: domain.Base{ID: s1.ID, UID: s1.UID}}},
	})
	require.NoError(t, err)
	return c
}

func TestExportWritesArtifactsAndManifest(t *testing.T) {
	ctx := context.Background()
	store := blobmem.New()
	exp := export.New(seed(t), store, nil)

	manifest, err := exp.Export(ctx, studyUID, export.Options{
		Kinds: []domain.EntityType{domain.EntitySample, domain.EntityCohort},
	})
	require.NoError(t, err)
	assert.Equal(t, studyUID, manifest.StudyUID)
	assert.Equal(t, 2, manifest.Release)
	require.Len(t, manifest.Artifacts, 2)
	assert.Equal(t, int64(2), manifest.Artifacts[0].Count)
	assert.Equal(t, int64(1), manifest.Artifacts[1].Count)
	assert.Equal(t, "studies/3/sample.jsonl", manifest.Artifacts[0].Key)

	samples, err := export.ReadArtifact[domain.Sample](ctx, store, manifest.Artifacts[0].Key)
	require.NoError(t, err)
	ids := []string{samples[0].ID, samples[1].ID}
	assert.ElementsMatch(t, []string{"S1", "S2"}, ids)

	cohorts, err := export.ReadArtifact[domain.Cohort](ctx, store, manifest.Artifacts[1].Key)
	require.NoError(t, err)
	require.Len(t, cohorts, 1)
	require.Len(t, cohorts[0].Samples, 1)
	assert.Equal(t, "S1", cohorts[0].Samples[0].ID)

	info, err := store.Head(ctx, manifest.Artifacts[0].Key)
	require.NoError(t, err)
	assert.Equal(t, export.ContentType, info.ContentType)
	assert.Equal(t, "sample", info.Metadata["kind"])

	read, err := export.ReadManifest(ctx, store, "", studyUID)
	require.NoError(t, err)
	assert.Equal(t, manifest.Artifacts, read.Artifacts)
}

func TestExportRefusesToOverwriteUnlessAsked(t *testing.T) {
	ctx := context.Background()
	store := blobmem.New()
	exp := export.New(seed(t), store, nil)
	opts := export.Options{Kinds: []domain.EntityType{domain.EntitySample}}

	_, err := exp.Export(ctx, studyUID, opts)
	require.NoError(t, err)
	_, err = exp.Export(ctx, studyUID, opts)
	require.ErrorIs(t, err, blob.ErrExists)

	opts.Overwrite = true
	_, err = exp.Export(ctx, studyUID, opts)
	require.NoError(t, err)
}

func TestExportDefaultsToEveryKind(t *testing.T) {
	ctx := context.Background()
	store := blobmem.New()
	manifest, err := export.New(seed(t), store, nil).Export(ctx, studyUID, export.Options{Prefix: "dumps"})
	require.NoError(t, err)
	assert.Len(t, manifest.Artifacts, len(core.Kinds()))

	objs, err := store.List(ctx, "dumps/3/")
	require.NoError(t, err)
	assert.Len(t, objs, len(core.Kinds())+1)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "studies/9/manifest.json", export.Keys("", 9, ""))
	assert.Equal(t, "out/9/file.jsonl", export.Keys("out", 9, domain.EntityFile))
}
