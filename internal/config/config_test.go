package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: mongo
  mongo_uri: mongodb://db:27017
blob:
  driver: s3
  s3:
    bucket: exports
catalog:
  batch_size: 50
`), 0o600))

	cfg, err := load(path, env(map[string]string{
		"CATALOG_MONGO_DATABASE":     "catalog_test",
		"CATALOG_REF_THRESHOLD":      "25",
		"CATALOG_BLOB_S3_PATH_STYLE": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, StorageMongo, cfg.Storage.Driver)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.MongoURI)
	assert.Equal(t, "catalog_test", cfg.Storage.MongoDatabase)
	assert.Equal(t, 50, cfg.Catalog.BatchSize)
	assert.Equal(t, 25, cfg.Catalog.RefThreshold)
	assert.True(t, cfg.Blob.S3.PathStyle)
	assert.Equal(t, "exports", cfg.Blob.S3.Bucket)
}

func TestUnknownYAMLFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  engine: mongo\n"), 0o600))
	_, err := load(path, env(nil))
	require.Error(t, err)
}

func TestValidationCollectsErrors(t *testing.T) {
	_, err := load("", env(map[string]string{
		"CATALOG_STORAGE_DRIVER": "postgres",
		"CATALOG_BLOB_DRIVER":    "s3",
		"CATALOG_BATCH_SIZE":     "0",
	}))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "postgres_dsn")
	assert.Contains(t, msg, "bucket")
	assert.Contains(t, msg, "batch_size")
}

func TestBadNumbers(t *testing.T) {
	_, err := load("", env(map[string]string{"CATALOG_REF_THRESHOLD": "many"}))
	require.ErrorContains(t, err, "CATALOG_REF_THRESHOLD")

	_, err = load("", env(map[string]string{"CATALOG_STORAGE_DRIVER": "cassandra"}))
	require.ErrorContains(t, err, "unknown driver")
}
