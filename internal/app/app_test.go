package app_test

import (
	"catalogcore/internal/app"
	"catalogcore/internal/config"
	"catalogcore/internal/core"
	"catalogcore/internal/export"
	"catalogcore/internal/infra/blob"
	"catalogcore/internal/infra/observability"
	"catalogcore/pkg/domain"
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func memoryConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.Blob.Driver = config.BlobFilesystem
	cfg.Blob.FSRoot = t.TempDir()
	return cfg
}

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	store, err := app.OpenStore(ctx, config.Storage{Driver: config.StorageMemory})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	store, err = app.OpenStore(ctx, config.Storage{Driver: config.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	_, err = app.OpenStore(ctx, config.Storage{Driver: "cassandra"})
	require.Error(t, err)
}

func TestOpenBlobDrivers(t *testing.T) {
	ctx := context.Background()
	b, err := app.OpenBlob(ctx, config.Blob{Driver: config.BlobMemory})
	require.NoError(t, err)
	assert.Equal(t, blob.DriverMemory, b.Driver())

	b, err = app.OpenBlob(ctx, config.Blob{Driver: config.BlobFilesystem, FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, blob.DriverFilesystem, b.Driver())

	_, err = app.OpenBlob(ctx, config.Blob{Driver: config.BlobS3})
	require.Error(t, err)

	_, err = app.OpenBlob(ctx, config.Blob{Driver: "ftp"})
	require.Error(t, err)
}

func TestAppWiresCatalogMetricsAndExport(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(t), app.WithLogger(observability.WrapLogger(zap.NewNop())))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	require.NoError(t, a.Catalog.EnsureIndexes(ctx))
	require.NoError(t, a.Catalog.RegisterStudy(ctx, domain.Study{UID: 1, ID: "s", Release: 1, Owner: "o"}))
	_, err = a.Catalog.Samples().Insert(ctx, core.Scope{StudyUID: 1, Viewer: "o"}, domain.Sample{Base: domain.Base{ID: "S1"}})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(a.Registry, "catalog_operations_total")
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.NotEmpty(t, a.Metrics.Snapshot().Results)

	exp, err := a.Exporter(ctx)
	require.NoError(t, err)
	m, err := exp.Export(ctx, 1, export.Options{Kinds: []domain.EntityType{domain.EntitySample}})
	require.NoError(t, err)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, int64(1), m.Artifacts[0].Count)
}
