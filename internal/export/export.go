// Package export streams the entities of a study into a blob store as JSON
// lines, one object per entity kind plus a manifest.
package export

import (
	"catalogcore/internal/core"
	"catalogcore/internal/infra/blob"
	"catalogcore/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ContentType is the media type of entity artifacts.
const ContentType = "application/x-ndjson"

// Options selects what an export contains.
type Options struct {
	// Kinds defaults to every entity kind.
	Kinds []domain.EntityType
	// IncludeDeleted exports trashed and deleted entities as well.
	IncludeDeleted bool
	// AllVersions exports every version instead of the last one.
	AllVersions bool
	// Overwrite replaces artifacts of an earlier export of the same study.
	Overwrite bool
	// Prefix is prepended to every key. Defaults to "studies".
	Prefix string
}

// Artifact describes one written object.
type Artifact struct {
	Kind  domain.EntityType `json:"kind"`
	Key   string            `json:"key"`
	Count int64             `json:"count"`
	Size  int64             `json:"size_bytes"`
	ETag  string            `json:"etag,omitempty"`
}

// Manifest summarises an export and is itself stored next to the artifacts.
type Manifest struct {
	StudyUID   int64      `json:"study_uid"`
	Release    int        `json:"release,omitempty"`
	ExportedAt time.Time  `json:"exported_at"`
	Artifacts  []Artifact `json:"artifacts"`
}

// Exporter writes study exports.
type Exporter struct {
	catalog *core.Catalog
	store   blob.Store
	logger  core.Logger
	now     func() time.Time
}

// New constructs an exporter.
func New(catalog *core.Catalog, store blob.Store, logger core.Logger) *Exporter {
	return &Exporter{catalog: catalog, store: store, logger: logger, now: time.Now}
}

// Keys returns the artifact and manifest keys of a study export.
func Keys(prefix string, studyUID int64, kind domain.EntityType) string {
	if prefix == "" {
		prefix = "studies"
	}
	if kind == "" {
		return path.Join(prefix, strconv.FormatInt(studyUID, 10), "manifest.json")
	}
	return path.Join(prefix, strconv.FormatInt(studyUID, 10), string(kind)+".jsonl")
}

// Export writes every requested kind concurrently and then the manifest.
// Reads run with internal scope so nothing is redacted.
func (e *Exporter) Export(ctx context.Context, studyUID int64, opts Options) (Manifest, error) {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = core.Kinds()
	}
	scope := core.Scope{StudyUID: studyUID, Internal: true}
	q := core.NewQuery()
	if opts.IncludeDeleted {
		q = q.Set(core.MarkerIncludeDeleted, true)
	}
	if opts.AllVersions {
		q = q.Set(core.MarkerAllVersions, true)
	}

	artifacts := make([]Artifact, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			key := Keys(opts.Prefix, studyUID, kind)
			a, err := e.exportKind(gctx, kind, scope, q, key, opts.Overwrite)
			if err != nil {
				return fmt.Errorf("export %s of study %d: %w", kind, studyUID, err)
			}
			artifacts[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{StudyUID: studyUID, ExportedAt: e.now().UTC(), Artifacts: artifacts}
	if study, err := core.NewStudyPermissions(e.catalog.Store()).Study(ctx, studyUID); err == nil {
		manifest.Release = study.Release
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if _, err := e.store.Put(ctx, Keys(opts.Prefix, studyUID, ""), bytesReader(raw), blob.PutOptions{
		ContentType: "application/json",
		Overwrite:   opts.Overwrite,
	}); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("study exported", "study", studyUID, "artifacts", len(artifacts), "driver", e.store.Driver())
	}
	return manifest, nil
}

func (e *Exporter) exportKind(ctx context.Context, kind domain.EntityType, scope core.Scope, q core.Query, key string, overwrite bool) (Artifact, error) {
	switch kind {
	case domain.EntitySample:
		return write(ctx, e.store, e.catalog.Samples(), scope, q, key, overwrite)
	case domain.EntityCohort:
		return write(ctx, e.store, e.catalog.Cohorts(), scope, q, key, overwrite)
	case domain.EntityFile:
		return write(ctx, e.store, e.catalog.Files(), scope, q, key, overwrite)
	case domain.EntityIndividual:
		return write(ctx, e.store, e.catalog.Individuals(), scope, q, key, overwrite)
	}
	return Artifact{}, fmt.Errorf("unknown entity kind %q", kind)
}

// write streams the iterator through a pipe into the blob store so that no
// more than one iterator batch is held in memory.
func write[T any](ctx context.Context, store blob.Store, entities core.Entities[T], scope core.Scope, q core.Query, key string, overwrite bool) (Artifact, error) {
	it, err := entities.Iterate(ctx, scope, q, core.SearchOptions{})
	if err != nil {
		return Artifact{}, err
	}
	pr, pw := io.Pipe()
	var (
		count int64
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = it.Close(ctx) }()
		enc := json.NewEncoder(pw)
		for it.Next(ctx) {
			if err := enc.Encode(it.Value()); err != nil {
				pw.CloseWithError(err)
				return
			}
			count++
		}
		pw.CloseWithError(it.Err())
	}()
	info, err := store.Put(ctx, key, pr, blob.PutOptions{
		ContentType: ContentType,
		Metadata:    map[string]string{"kind": string(entities.Kind()), "study": strconv.FormatInt(scope.StudyUID, 10)},
		Overwrite:   overwrite,
	})
	_ = pr.CloseWithError(io.ErrClosedPipe)
	wg.Wait()
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Kind: entities.Kind(), Key: key, Count: count, Size: info.Size, ETag: info.ETag}, nil
}
