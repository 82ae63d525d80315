package main

import (
	"bytes"
	"catalogcore/internal/app"
	"catalogcore/internal/config"
	"catalogcore/internal/infra/observability"
	"catalogcore/internal/infra/persistence/memory"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// execute runs the CLI against one shared in-memory store.
func execute(t *testing.T, store *memory.Store, cfgPath string, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	c := newCLI(&out)
	c.open = func(ctx context.Context, cfg config.Config) (*app.App, error) {
		return app.New(ctx, cfg, app.WithStore(store), app.WithLogger(observability.WrapLogger(zap.NewNop())))
	}
	root := c.rootCmd()
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	root.SetOut(&out)
	if err := root.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}
	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	return got, nil
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	body := "storage:\n  driver: memory\nblob:\n  driver: fs\n  fs_root: " + filepath.Join(dir, "exports") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMigrateRegisterAndAdvance(t *testing.T) {
	store := memory.NewStore()
	cfg := writeConfig(t)

	got, err := execute(t, store, cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, got, "indexes")

	got, err = execute(t, store, cfg, "study", "register", "--uid", "5", "--id", "s5", "--owner", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s5", got["id"])

	got, err = execute(t, store, cfg, "release", "advance", "--study", "5")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got["release"])

	got, err = execute(t, store, cfg, "count", "--study", "5", "--kind", "cohort")
	require.NoError(t, err)
	assert.Equal(t, float64(0), got["count"])

	got, err = execute(t, store, cfg, "export", "--study", "5", "--kind", "cohort")
	require.NoError(t, err)
	artifacts, _ := got["artifacts"].([]any)
	assert.Len(t, artifacts, 1)
}

func TestUnknownKindIsRejected(t *testing.T) {
	_, err := execute(t, memory.NewStore(), writeConfig(t), "export", "--study", "1", "--kind", "variant")
	require.ErrorContains(t, err, "unknown entity kind")
}

func TestRunReportsErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"release", "advance"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "study")
}
