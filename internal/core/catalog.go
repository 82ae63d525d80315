package core

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Scope identifies the study and viewer of a catalog call. Internal calls
// bypass authorization predicates and annotation redaction.
type Scope struct {
	StudyUID int64
	Viewer   string
	Internal bool
}

// SearchOptions tunes Search and Iterate.
type SearchOptions struct {
	Sort  []domain.SortKey
	Skip  int64
	Limit int64
}

// Catalog binds the query compiler, versioning, lifecycle, mutator and
// iterator to one document store.
type Catalog struct {
	store      domain.DocumentStore
	opts       catalogOptions
	compiler   *Compiler
	versioning *Versioning
	cascade    *Cascade
	lifecycle  *Lifecycle
	mutator    *Mutator
	rules      *domain.RulesEngine
}

// New constructs a catalog over store.
func New(store domain.DocumentStore, opts ...Option) *Catalog {
	o := defaultCatalogOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.authorizer == nil {
		o.authorizer = AllowAll()
	}
	if o.releases == nil {
		o.releases = NewStudyReleases(store)
	}
	if o.permissions == nil {
		o.permissions = NewStudyPermissions(store)
	}
	rules := domain.NewRulesEngine(append(DefaultRules(), o.rules...)...)
	compiler := NewCompiler()
	versioning := NewVersioning(store, o.clock)
	cascade := NewCascade(store, o.clock, o.logger)
	return &Catalog{
		store:      store,
		opts:       o,
		compiler:   compiler,
		versioning: versioning,
		cascade:    cascade,
		lifecycle:  NewLifecycle(store, compiler, cascade, o.clock, o.logger),
		mutator:    NewMutator(store, compiler, versioning, o.releases, rules, o.clock, o.logger),
		rules:      rules,
	}
}

// Store returns the backing document store.
func (c *Catalog) Store() domain.DocumentStore { return c.store }

// Compiler returns the query compiler.
func (c *Catalog) Compiler() *Compiler { return c.compiler }

// Samples returns the sample accessor.
func (c *Catalog) Samples() Entities[domain.Sample] {
	return Entities[domain.Sample]{c: c, kind: domain.EntitySample}
}

// Cohorts returns the cohort accessor.
func (c *Catalog) Cohorts() Entities[domain.Cohort] {
	return Entities[domain.Cohort]{c: c, kind: domain.EntityCohort}
}

// Files returns the file accessor.
func (c *Catalog) Files() Entities[domain.File] {
	return Entities[domain.File]{c: c, kind: domain.EntityFile}
}

// Individuals returns the individual accessor.
func (c *Catalog) Individuals() Entities[domain.Individual] {
	return Entities[domain.Individual]{c: c, kind: domain.EntityIndividual}
}

// RegisterStudy stores a study document. Release defaults to 1.
func (c *Catalog) RegisterStudy(ctx context.Context, study domain.Study) error {
	if study.UID <= 0 {
		return fmt.Errorf("register study: uid %d: %w", study.UID, domain.ErrInvalidEntity)
	}
	if study.Release < 1 {
		study.Release = 1
	}
	doc, err := domain.ToDocument(study)
	if err != nil {
		return err
	}
	doc[keyDocID] = fmt.Sprintf("study:%d", study.UID)
	if err := c.store.Collection(domain.StudyCollection).Insert(ctx, doc); err != nil {
		return fmt.Errorf("register study %d: %w", study.UID, err)
	}
	c.opts.logger.Info("study registered", "study", study.UID, "release", study.Release)
	return nil
}

// CreateVariableSet stores an annotation schema for a study.
func (c *Catalog) CreateVariableSet(ctx context.Context, vs domain.VariableSet) error {
	if strings.TrimSpace(vs.ID) == "" || len(vs.Variables) == 0 {
		return fmt.Errorf("variable set %q: %w", vs.ID, domain.ErrInvalidEntity)
	}
	doc, err := domain.ToDocument(vs)
	if err != nil {
		return err
	}
	doc[keyDocID] = fmt.Sprintf("%d:%s", vs.StudyUID, vs.ID)
	if err := c.store.Collection(domain.VariableSetCollection).Insert(ctx, doc); err != nil {
		return fmt.Errorf("create variable set %s: %w", vs.ID, err)
	}
	return nil
}

// RecordJob stores a job record consulted by in-use checks.
func (c *Catalog) RecordJob(ctx context.Context, job Job) error {
	return RecordJob(ctx, c.store, job)
}

// AdvanceRelease moves a study to its next release and carries the last
// version of every entity of the previous release into it. It returns the
// new release and the number of documents tagged.
func (c *Catalog) AdvanceRelease(ctx context.Context, studyUID int64) (int, int64, error) {
	var (
		next   int
		tagged int64
	)
	err := c.instrument(ctx, "advance_release", "study", Scope{StudyUID: studyUID, Internal: true}, func(ctx context.Context) (domain.Result, error) {
		setter, ok := c.opts.releases.(interface {
			SetRelease(ctx context.Context, studyUID int64, release int) error
		})
		if !ok {
			return domain.Result{}, fmt.Errorf("advance release: release source %T is read-only", c.opts.releases)
		}
		current, err := c.opts.releases.CurrentRelease(ctx, studyUID)
		if err != nil {
			return domain.Result{}, err
		}
		next = current + 1
		if tagged, err = c.versioning.AdvanceRelease(ctx, studyUID, next); err != nil {
			return domain.Result{}, err
		}
		if err := setter.SetRelease(ctx, studyUID, next); err != nil {
			return domain.Result{}, err
		}
		return domain.Result{Matched: tagged, Modified: tagged}, nil
	})
	return next, tagged, err
}

// ApplyReleaseEvent tags entities for a release announced by the study
// subsystem. Releases at or below the current one are ignored.
func (c *Catalog) ApplyReleaseEvent(ctx context.Context, studyUID int64, release int) (int64, error) {
	current, err := c.opts.releases.CurrentRelease(ctx, studyUID)
	if err != nil {
		return 0, err
	}
	var total int64
	for current < release {
		_, n, err := c.AdvanceRelease(ctx, studyUID)
		if err != nil {
			return total, err
		}
		total += n
		current++
	}
	return total, nil
}

// Indexes lists the secondary indexes of an entity collection.
func Indexes() []domain.Index {
	return []domain.Index{
		{Name: "uid_version", Keys: []domain.SortKey{{Field: keyStudyUID}, {Field: keyUID}, {Field: keyVersion}}, Unique: true},
		{Name: "id_last", Keys: []domain.SortKey{{Field: keyStudyUID}, {Field: keyID}, {Field: keyLastOfVersion}}},
		{Name: "status", Keys: []domain.SortKey{{Field: keyStudyUID}, {Field: keyStatusName}}},
		{Name: "release", Keys: []domain.SortKey{{Field: keyStudyUID}, {Field: keyReleaseFromVersion}}},
		{Name: "sample_refs", Keys: []domain.SortKey{{Field: keyStudyUID}, {Field: "samples.uid"}}},
	}
}

// EnsureIndexes creates the catalog indexes on every collection.
func (c *Catalog) EnsureIndexes(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range Kinds() {
		g.Go(func() error {
			return c.store.EnsureIndexes(gctx, kind.Collection(), Indexes())
		})
	}
	g.Go(func() error {
		return c.store.EnsureIndexes(gctx, domain.JobsCollection, []domain.Index{
			{Name: "job_refs", Keys: []domain.SortKey{{Field: keyStudyUID}, {Field: keyStatusName}}},
		})
	})
	g.Go(func() error {
		return c.store.EnsureIndexes(gctx, domain.StudyCollection, []domain.Index{
			{Name: "study_uid", Keys: []domain.SortKey{{Field: keyUID}}, Unique: true},
		})
	})
	return g.Wait()
}

// instrument wraps an operation with a span, a metric sample, an audit entry
// and a log line.
func (c *Catalog) instrument(ctx context.Context, op, entity string, scope Scope, fn func(ctx context.Context) (domain.Result, error)) error {
	start := c.opts.clock.Now()
	ctx, span := c.opts.tracer.Start(ctx, op)
	res, err := fn(ctx)
	span.End(err)
	elapsed := c.opts.clock.Now().Sub(start)
	c.opts.metrics.Observe(ctx, op, err == nil, elapsed)

	entry := AuditEntry{
		Operation: op,
		Entity:    entity,
		StudyUID:  scope.StudyUID,
		Viewer:    scope.Viewer,
		Status:    AuditStatusSuccess,
		Matched:   res.Matched,
		Modified:  res.Modified,
		Duration:  elapsed,
		At:        start,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		c.opts.logger.Error("catalog operation failed", "op", op, "entity", entity, "study", scope.StudyUID, "error", err)
	} else if res.Partial() {
		c.opts.logger.Warn("catalog operation partially applied", "op", op, "entity", entity,
			"study", scope.StudyUID, "matched", res.Matched, "modified", res.Modified)
	}
	c.opts.audit.Record(ctx, entry)
	return err
}

func (c *Catalog) authorization(ctx context.Context, scope Scope, kind domain.EntityType, perm Permission) (*domain.Filter, error) {
	if scope.Internal {
		return nil, nil
	}
	return c.opts.authorizer.Predicate(ctx, scope.Viewer, scope.StudyUID, kind, perm)
}

func (c *Catalog) annotationFilter(ctx context.Context, scope Scope) (*AnnotationFilter, error) {
	if scope.Internal {
		return nil, nil
	}
	perms := c.opts.permissions
	if _, err := perms.Study(ctx, scope.StudyUID); errors.Is(err, domain.ErrNotFound) {
		perms = staticStudy{domain.Study{UID: scope.StudyUID}}
	}
	return NewAnnotationFilter(ctx, c.store, perms, scope.StudyUID, scope.Viewer)
}

type staticStudy struct{ study domain.Study }

func (s staticStudy) Study(context.Context, int64) (domain.Study, error) { return s.study, nil }

// Entities exposes the catalog operations of one kind decoded into T.
type Entities[T any] struct {
	c    *Catalog
	kind domain.EntityType
}

// Kind returns the entity kind served.
func (e Entities[T]) Kind() domain.EntityType { return e.kind }

var serverManaged = []string{
	keyDocID, keyUID, "uuid", keyStudyUID, keyVersion, keyRelease, keyReleaseFromVersion,
	keyLastOfVersion, keyLastOfRelease, "status", keyCreationDate, keyModificationDate,
}

// Insert stores the first version of an entity and returns it with its
// server-assigned fields.
func (e Entities[T]) Insert(ctx context.Context, scope Scope, entity T) (T, error) {
	var out T
	err := e.c.instrument(ctx, "insert", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		doc, err := domain.ToDocument(entity)
		if err != nil {
			return domain.Result{}, err
		}
		id := strings.TrimSpace(doc.String(keyID))
		if id == "" {
			return domain.Result{}, domain.NewEntityError(e.kind, "", 0, fmt.Errorf("missing id: %w", domain.ErrInvalidEntity))
		}
		for _, key := range serverManaged {
			delete(doc, key)
		}
		doc[keyID] = id
		var selectors []refSelector
		if HasSampleRefs(e.kind) {
			if selectors, err = refSelectors(doc[keySamples]); err != nil {
				return domain.Result{}, domain.NewFieldError(keySamples, nil, fmt.Errorf("%s: %w", err, domain.ErrInvalidEntity))
			}
		}
		release, err := e.c.opts.releases.CurrentRelease(ctx, scope.StudyUID)
		if err != nil {
			return domain.Result{}, err
		}
		uid, err := e.c.versioning.AssignUID(ctx, scope.StudyUID)
		if err != nil {
			return domain.Result{}, err
		}
		err = e.c.store.RunInTransaction(ctx, func(ctx context.Context) error {
			if HasSampleRefs(e.kind) {
				refs, err := resolveSampleRefs(ctx, e.c.store, scope.StudyUID, selectors)
				if err != nil {
					return err
				}
				if refs == nil {
					refs = []any{}
				}
				doc[keySamples] = refs
			}
			e.c.versioning.OnInsert(doc, scope.StudyUID, uid, release)
			outcome, err := e.c.rules.Evaluate(ctx, e.c.store, domain.Change{
				Entity:   e.kind,
				Action:   domain.ActionCreate,
				StudyUID: scope.StudyUID,
				UID:      uid,
				After:    doc,
			})
			if err != nil {
				return err
			}
			if outcome.HasBlocking() {
				return domain.RuleViolationError{Result: outcome}
			}
			return e.c.store.Collection(e.kind.Collection()).Insert(ctx, doc)
		})
		if err != nil {
			return domain.Result{Matched: 1}, domain.NewEntityError(e.kind, id, uid, err)
		}
		return domain.Result{Matched: 1, Modified: 1}, domain.FromDocument(doc, &out)
	})
	return out, err
}

// Get returns the visible last version of an entity by uid.
func (e Entities[T]) Get(ctx context.Context, scope Scope, uid int64) (T, error) {
	var zero T
	items, err := e.Search(ctx, scope, NewQuery(keyUID, uid), SearchOptions{Limit: 1})
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, domain.NewEntityError(e.kind, "", uid, domain.ErrNotFound)
	}
	return items[0], nil
}

// Search returns every entity matched by q.
func (e Entities[T]) Search(ctx context.Context, scope Scope, q Query, opts SearchOptions) ([]T, error) {
	it, err := e.Iterate(ctx, scope, q, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close(ctx) }()
	var out []T
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

// Iterate streams the entities matched by q.
func (e Entities[T]) Iterate(ctx context.Context, scope Scope, q Query, opts SearchOptions) (*Iterator[T], error) {
	var it *Iterator[T]
	err := e.c.instrument(ctx, "search", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		auth, err := e.c.authorization(ctx, scope, e.kind, PermissionView)
		if err != nil {
			return domain.Result{}, err
		}
		filter, err := e.c.compiler.Compile(e.kind, q.Set(keyStudyUID, scope.StudyUID), CompileOptions{Authorization: auth})
		if err != nil {
			return domain.Result{}, err
		}
		iterOpts := IteratorOptions{BatchSize: e.c.opts.batchSize, RefThreshold: e.c.opts.refThreshold}
		if HasSampleRefs(e.kind) {
			if iterOpts.SampleAuthorization, err = e.c.authorization(ctx, scope, domain.EntitySample, PermissionView); err != nil {
				return domain.Result{}, err
			}
		}
		if iterOpts.Annotations, err = e.c.annotationFilter(ctx, scope); err != nil {
			return domain.Result{}, err
		}
		sort := opts.Sort
		if len(sort) == 0 {
			sort = []domain.SortKey{{Field: keyUID}, {Field: keyVersion}}
		}
		cur, err := e.c.store.Collection(e.kind.Collection()).Find(ctx, filter, domain.FindOptions{
			Sort:      sort,
			Skip:      opts.Skip,
			Limit:     opts.Limit,
			BatchSize: int32(e.c.opts.batchSize),
		})
		if err != nil {
			return domain.Result{}, err
		}
		it = newIterator[T](e.c.store, cur, e.kind, scope.StudyUID, iterOpts, e.c.opts.logger)
		return domain.Result{}, nil
	})
	return it, err
}

// Count returns how many entities q matches.
func (e Entities[T]) Count(ctx context.Context, scope Scope, q Query) (int64, error) {
	var n int64
	err := e.c.instrument(ctx, "count", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		auth, err := e.c.authorization(ctx, scope, e.kind, PermissionView)
		if err != nil {
			return domain.Result{}, err
		}
		filter, err := e.c.compiler.Compile(e.kind, q.Set(keyStudyUID, scope.StudyUID), CompileOptions{Authorization: auth})
		if err != nil {
			return domain.Result{}, err
		}
		n, err = e.c.store.Collection(e.kind.Collection()).Count(ctx, filter)
		return domain.Result{Matched: n}, err
	})
	return n, err
}

// Update applies params to every entity matched by q.
func (e Entities[T]) Update(ctx context.Context, scope Scope, q Query, params UpdateParams, opts UpdateOptions) (domain.Result, error) {
	var res domain.Result
	err := e.c.instrument(ctx, "update", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		auth, err := e.c.authorization(ctx, scope, e.kind, PermissionWrite)
		if err != nil {
			return domain.Result{}, err
		}
		if auth != nil {
			opts.Authorization = auth
		}
		res, err = e.c.mutator.Apply(ctx, e.kind, scope.StudyUID, q, params, opts)
		return res, err
	})
	return res, err
}

// Delete soft-deletes every entity matched by q.
func (e Entities[T]) Delete(ctx context.Context, scope Scope, q Query, opts DeleteOptions) (domain.Result, error) {
	var res domain.Result
	err := e.c.instrument(ctx, "delete", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		auth, err := e.c.authorization(ctx, scope, e.kind, PermissionDelete)
		if err != nil {
			return domain.Result{}, err
		}
		if auth != nil {
			opts.Authorization = auth
		}
		res, err = e.c.lifecycle.Delete(ctx, e.kind, scope.StudyUID, q, opts)
		return res, err
	})
	return res, err
}

// CompleteDeletion finishes the hard-delete path of one entity.
func (e Entities[T]) CompleteDeletion(ctx context.Context, scope Scope, uid int64) (domain.Result, error) {
	var res domain.Result
	err := e.c.instrument(ctx, "complete_deletion", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		var err error
		res, err = e.c.lifecycle.CompleteDeletion(ctx, e.kind, scope.StudyUID, uid)
		return res, err
	})
	return res, err
}

// Restore returns a deleted or trashed entity to READY.
func (e Entities[T]) Restore(ctx context.Context, scope Scope, uid int64, opts RestoreOptions) error {
	return e.c.instrument(ctx, "restore", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		if err := e.c.lifecycle.Restore(ctx, e.kind, scope.StudyUID, uid, opts); err != nil {
			return domain.Result{Matched: 1}, err
		}
		return domain.Result{Matched: 1, Modified: 1}, nil
	})
}

// SetStatus performs a lattice-checked status change.
func (e Entities[T]) SetStatus(ctx context.Context, scope Scope, uid int64, to domain.StatusName, description string) error {
	return e.c.instrument(ctx, "set_status", string(e.kind), scope, func(ctx context.Context) (domain.Result, error) {
		if err := e.c.lifecycle.SetStatus(ctx, e.kind, scope.StudyUID, uid, to, description); err != nil {
			return domain.Result{Matched: 1}, err
		}
		return domain.Result{Matched: 1, Modified: 1}, nil
	})
}
