package core

import (
	"catalogcore/pkg/domain"
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DateLayout is the stored form of creation, modification and status dates.
const DateLayout = "20060102150405"

// Backend keys maintained by versioning.
const (
	keyDocID              = "_id"
	keyUID                = "uid"
	keyID                 = "id"
	keyStudyUID           = "studyUid"
	keyVersion            = "version"
	keyRelease            = "release"
	keyReleaseFromVersion = "_releaseFromVersion"
	keyLastOfVersion      = "_lastOfVersion"
	keyLastOfRelease      = "_lastOfRelease"
	keyStatusName         = "status.name"
	keyStatusDate         = "status.date"
	keyStatusDescription  = "status.description"
	keyCreationDate       = "creationDate"
	keyModificationDate   = "modificationDate"
	keySamples            = "samples"
	keyAnnotationSets     = "annotationSets"
)

// DocumentID builds the backend _id of one version of an entity.
func DocumentID(studyUID, uid int64, version int64) string {
	return strconv.FormatInt(studyUID, 10) + ":" + strconv.FormatInt(uid, 10) + ":" + strconv.FormatInt(version, 10)
}

func uidCounter(studyUID int64) string {
	return "uid:" + strconv.FormatInt(studyUID, 10)
}

// ScopesVersion returns the version-scoping clause implied by a query:
// snapshot=N selects versions included in release N, an explicit release
// selects the last version of each release, and otherwise only the last
// version matches unless version or allVersions is given.
func ScopesVersion(q Query) (domain.Filter, error) {
	if raw, ok := q.Get(MarkerSnapshot); ok {
		n, err := coerce(QueryParam{Name: MarkerSnapshot, Type: ParamInteger}, raw, parserFor(ParamInteger))
		if err != nil {
			return domain.Filter{}, err
		}
		return domain.Eq(keyReleaseFromVersion, n), nil
	}
	if q.Has(keyVersion) || q.Bool(MarkerAllVersions) {
		return domain.Filter{}, nil
	}
	if q.Has(keyRelease) {
		return domain.Eq(keyLastOfRelease, true), nil
	}
	return domain.Eq(keyLastOfVersion, true), nil
}

// Versioning owns uid allocation and the multi-version history of entities.
type Versioning struct {
	store   domain.DocumentStore
	clock   Clock
	newUUID func() string
}

// NewVersioning constructs the version manager.
func NewVersioning(store domain.DocumentStore, clock Clock) *Versioning {
	if clock == nil {
		clock = defaultCatalogOptions().clock
	}
	return &Versioning{
		store:   store,
		clock:   clock,
		newUUID: func() string { return uuid.NewString() },
	}
}

// AssignUID allocates the next uid of a study. Allocation is a single atomic
// increment of the study counter; uids are never handed out twice.
func (v *Versioning) AssignUID(ctx context.Context, studyUID int64) (int64, error) {
	uid, err := v.store.Increment(ctx, uidCounter(studyUID), 1)
	if err != nil {
		return 0, fmt.Errorf("assign uid for study %d: %w", studyUID, err)
	}
	return uid, nil
}

// OnInsert stamps the server-managed fields of a first version.
func (v *Versioning) OnInsert(doc domain.Document, studyUID, uid int64, release int) domain.Document {
	now := v.clock.Now().UTC().Format(DateLayout)
	doc[keyDocID] = DocumentID(studyUID, uid, 1)
	doc[keyUID] = uid
	doc[keyStudyUID] = studyUID
	doc["uuid"] = v.newUUID()
	doc[keyVersion] = int64(1)
	doc[keyRelease] = int64(release)
	doc[keyReleaseFromVersion] = []any{int64(release)}
	doc[keyLastOfVersion] = true
	doc[keyLastOfRelease] = true
	doc[keyCreationDate] = now
	doc[keyModificationDate] = now
	doc["status"] = map[string]any{"name": string(domain.StatusReady), "date": now, "description": ""}
	return doc
}

// NewVersion snapshots the current last version of an entity into a new
// version created in release. It must run inside the caller's transaction so
// the old document losing _lastOfVersion and the new one gaining it commit
// together.
func (v *Versioning) NewVersion(ctx context.Context, kind domain.EntityType, studyUID, uid int64, release int) (domain.Document, error) {
	coll := v.store.Collection(kind.Collection())
	current, err := findOne(ctx, coll, domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq(keyUID, uid),
		domain.Eq(keyLastOfVersion, true),
	))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.NewEntityError(kind, "", uid, domain.ErrNotFound)
	}

	old := domain.NewUpdate().SetField(keyLastOfVersion, false)
	rel := int64(release)
	releases, _ := current[keyReleaseFromVersion].([]any)
	if containsInt(releases, rel) {
		if len(releases) > 1 {
			old.PullValues(keyReleaseFromVersion, rel)
		} else {
			old.SetField(keyLastOfRelease, false)
		}
	}
	if _, err := coll.UpdateMany(ctx, domain.Eq(keyDocID, current.String(keyDocID)), *old); err != nil {
		return nil, fmt.Errorf("close version %d of %s %d: %w", current.Int(keyVersion), kind, uid, err)
	}

	next := current.Clone()
	version := current.Int(keyVersion) + 1
	next[keyDocID] = DocumentID(studyUID, uid, version)
	next[keyVersion] = version
	next[keyReleaseFromVersion] = []any{rel}
	next[keyLastOfVersion] = true
	next[keyLastOfRelease] = true
	next[keyModificationDate] = v.clock.Now().UTC().Format(DateLayout)
	if err := coll.Insert(ctx, next); err != nil {
		return nil, fmt.Errorf("insert version %d of %s %d: %w", version, kind, uid, err)
	}
	return next, nil
}

// AdvanceRelease carries the last version of every entity that was part of
// release newRelease-1 into newRelease. Collections are tagged concurrently.
func (v *Versioning) AdvanceRelease(ctx context.Context, studyUID int64, newRelease int) (int64, error) {
	if newRelease < 2 {
		return 0, fmt.Errorf("advance release: %d is not a successor release", newRelease)
	}
	filter := domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq(keyLastOfVersion, true),
		domain.Eq(keyReleaseFromVersion, int64(newRelease-1)),
	)
	update := *domain.NewUpdate().AddToSetField(keyReleaseFromVersion, int64(newRelease))
	kinds := Kinds()
	counts := make([]int64, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			stats, err := v.store.Collection(kind.Collection()).UpdateMany(gctx, filter, update)
			if err != nil {
				return fmt.Errorf("advance %s to release %d: %w", kind, newRelease, err)
			}
			counts[i] = stats.Modified
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func containsInt(values []any, n int64) bool {
	for _, v := range values {
		if i, ok := domain.Int64(v); ok && i == n {
			return true
		}
	}
	return false
}

func findOne(ctx context.Context, coll domain.Collection, filter domain.Filter) (domain.Document, error) {
	cur, err := coll.Find(ctx, filter, domain.FindOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	docs, err := domain.Drain(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", coll.Name(), err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}
