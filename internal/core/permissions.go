package core

import (
	"catalogcore/pkg/domain"
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Permission is the capability an authorization predicate is resolved for.
type Permission string

// Catalog permissions.
const (
	PermissionView            Permission = "VIEW"
	PermissionWrite           Permission = "WRITE"
	PermissionDelete          Permission = "DELETE"
	PermissionViewAnnotations Permission = "VIEW_ANNOTATIONS"
)

// Authorizer resolves the viewer predicate for a study and capability. A nil
// filter grants access to every entity.
type Authorizer interface {
	Predicate(ctx context.Context, viewer string, studyUID int64, kind domain.EntityType, perm Permission) (*domain.Filter, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, viewer string, studyUID int64, kind domain.EntityType, perm Permission) (*domain.Filter, error)

// Predicate implements Authorizer.
func (f AuthorizerFunc) Predicate(ctx context.Context, viewer string, studyUID int64, kind domain.EntityType, perm Permission) (*domain.Filter, error) {
	return f(ctx, viewer, studyUID, kind, perm)
}

// AllowAll grants every viewer access to every entity.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, int64, domain.EntityType, Permission) (*domain.Filter, error) {
		return nil, nil
	})
}

// ReleaseSource supplies the current release of a study.
type ReleaseSource interface {
	CurrentRelease(ctx context.Context, studyUID int64) (int, error)
}

// PermissionSource supplies study permission documents.
type PermissionSource interface {
	Study(ctx context.Context, studyUID int64) (domain.Study, error)
}

// StudyReleases reads release numbers from the study collection. Studies
// without a document are at release 1.
type StudyReleases struct {
	store domain.DocumentStore
}

// NewStudyReleases constructs a release source over store.
func NewStudyReleases(store domain.DocumentStore) *StudyReleases {
	return &StudyReleases{store: store}
}

// CurrentRelease implements ReleaseSource.
func (r *StudyReleases) CurrentRelease(ctx context.Context, studyUID int64) (int, error) {
	doc, err := findOne(ctx, r.store.Collection(domain.StudyCollection), domain.Eq(keyUID, studyUID))
	if err != nil {
		return 0, err
	}
	if doc == nil || doc.Int(keyRelease) < 1 {
		return 1, nil
	}
	return int(doc.Int(keyRelease)), nil
}

// SetRelease records a new current release for the study.
func (r *StudyReleases) SetRelease(ctx context.Context, studyUID int64, release int) error {
	stats, err := r.store.Collection(domain.StudyCollection).UpdateMany(ctx,
		domain.Eq(keyUID, studyUID), *domain.NewUpdate().SetField(keyRelease, int64(release)))
	if err != nil {
		return fmt.Errorf("set release of study %d: %w", studyUID, err)
	}
	if stats.Matched == 0 {
		return fmt.Errorf("study %d: %w", studyUID, domain.ErrNotFound)
	}
	return nil
}

// StudyPermissions loads study documents. Concurrent loads of one study share
// a single read.
type StudyPermissions struct {
	store domain.DocumentStore
	group singleflight.Group
}

// NewStudyPermissions constructs a permission source over store.
func NewStudyPermissions(store domain.DocumentStore) *StudyPermissions {
	return &StudyPermissions{store: store}
}

// Study implements PermissionSource.
func (p *StudyPermissions) Study(ctx context.Context, studyUID int64) (domain.Study, error) {
	v, err, _ := p.group.Do(strconv.FormatInt(studyUID, 10), func() (any, error) {
		doc, err := findOne(ctx, p.store.Collection(domain.StudyCollection), domain.Eq(keyUID, studyUID))
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("study %d: %w", studyUID, domain.ErrNotFound)
		}
		var study domain.Study
		if err := domain.FromDocument(doc, &study); err != nil {
			return nil, err
		}
		return study, nil
	})
	if err != nil {
		return domain.Study{}, err
	}
	return v.(domain.Study), nil
}

// AnnotationFilter strips annotation sets of confidential variable sets from
// entities read by a viewer without confidential access.
type AnnotationFilter struct {
	redact map[string]struct{}
}

// NewAnnotationFilter prepares the redaction for one viewer and study. It
// returns nil when the viewer sees every annotation set.
func NewAnnotationFilter(ctx context.Context, store domain.DocumentStore, perms PermissionSource, studyUID int64, viewer string) (*AnnotationFilter, error) {
	study, err := perms.Study(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	if study.CanViewConfidential(viewer) {
		return nil, nil
	}
	ids, err := store.Collection(domain.VariableSetCollection).Distinct(ctx, keyID, domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq("confidential", true),
	))
	if err != nil {
		return nil, fmt.Errorf("confidential variable sets of study %d: %w", studyUID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	redact := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if s, ok := id.(string); ok {
			redact[s] = struct{}{}
		}
	}
	return &AnnotationFilter{redact: redact}, nil
}

// Apply removes hidden annotation sets from doc in place.
func (f *AnnotationFilter) Apply(doc domain.Document) domain.Document {
	if f == nil {
		return doc
	}
	sets, ok := doc[keyAnnotationSets].([]any)
	if !ok {
		return doc
	}
	kept := make([]any, 0, len(sets))
	for _, s := range sets {
		m, _ := domain.AsMap(s)
		vs, _ := m["variableSetId"].(string)
		if _, hidden := f.redact[vs]; hidden {
			continue
		}
		kept = append(kept, s)
	}
	doc[keyAnnotationSets] = kept
	return doc
}
