package core

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const deletedSuffix = ".DELETED_"

var deletedIDPattern = regexp.MustCompile(`\.DELETED_\d{14}$`)

// DeleteOptions tunes Lifecycle.Delete.
type DeleteOptions struct {
	// Status is the target status; DELETED when empty. PENDING_DELETE starts
	// the hard-delete path without renaming.
	Status        domain.StatusName
	Description   string
	Authorization *domain.Filter
}

// RestoreOptions tunes Lifecycle.Restore.
type RestoreOptions struct {
	// RecoverID strips the deletion suffix from the human id. It fails with
	// ErrDuplicateID when another active entity owns the original id.
	RecoverID bool
}

// Lifecycle drives status transitions and soft deletion.
type Lifecycle struct {
	store    domain.DocumentStore
	compiler *Compiler
	cascade  *Cascade
	clock    Clock
	logger   Logger
}

// NewLifecycle constructs the lifecycle controller.
func NewLifecycle(store domain.DocumentStore, compiler *Compiler, cascade *Cascade, clock Clock, logger Logger) *Lifecycle {
	if clock == nil {
		clock = defaultCatalogOptions().clock
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Lifecycle{store: store, compiler: compiler, cascade: cascade, clock: clock, logger: logger}
}

var lifecycleProjection = []string{keyDocID, keyID, keyUID, keyVersion, keyStudyUID, keyStatusName}

// Delete soft-deletes every entity matched by q. Each entity is processed in
// its own transaction; guard failures and aborted transactions become
// warnings and never stop sibling entities. Cancellation is honoured between
// entities.
func (l *Lifecycle) Delete(ctx context.Context, kind domain.EntityType, studyUID int64, q Query, opts DeleteOptions) (domain.Result, error) {
	target := opts.Status
	if target == "" {
		target = domain.StatusDeleted
	}
	if !target.IsDeleted() && target != domain.StatusPendingDelete {
		return domain.Result{}, fmt.Errorf("delete to %s: %w", target, domain.ErrInvalidTransition)
	}
	q = q.Set(keyStudyUID, studyUID)
	if !q.Has("status") {
		q = q.Set(MarkerIncludeDeleted, true)
	}
	compileOpts := CompileOptions{Authorization: opts.Authorization}
	filter, err := l.compiler.Compile(kind, q, compileOpts)
	if err != nil {
		return domain.Result{}, err
	}
	docs, err := l.find(ctx, kind, filter)
	if err != nil {
		return domain.Result{}, err
	}
	renamed, err := l.renamedMatches(ctx, kind, q, compileOpts, docs)
	if err != nil {
		return domain.Result{}, err
	}
	docs = append(docs, renamed...)

	res := domain.Result{Matched: int64(len(docs))}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		humanID := doc.String(keyID)
		uid := doc.Int(keyUID)
		current := domain.StatusName(doc.String(keyStatusName))
		if current.IsTerminal() || current == target {
			res.Warn(kind, humanID, domain.NewEntityError(kind, humanID, uid, domain.ErrAlreadyDeleted))
			continue
		}
		if !domain.CanTransition(current, target) {
			res.Warn(kind, humanID, domain.NewEntityError(kind, humanID, uid,
				fmt.Errorf("%s to %s: %w", current, target, domain.ErrInvalidTransition)))
			continue
		}
		if err := l.guard(ctx, kind, studyUID, doc); err != nil {
			res.Warn(kind, humanID, domain.NewEntityError(kind, humanID, uid, err))
			continue
		}
		rename := target != domain.StatusPendingDelete
		if rename && kind == domain.EntitySample {
			_, warnings := l.cascade.OnLeafDelete(ctx, studyUID, refOf(doc))
			res.Violations = append(res.Violations, warnings...)
		}
		if err := l.flip(ctx, kind, studyUID, uid, humanID, target, opts.Description, rename); err != nil {
			l.logger.Warn("delete aborted", "kind", kind, "id", humanID, "error", err)
			res.Warn(kind, humanID, fmt.Errorf("%w: %w", domain.ErrTransactionAborted, err))
			continue
		}
		res.Modified++
	}
	l.logger.Info("delete finished", "kind", kind, "study", studyUID, "matched", res.Matched, "modified", res.Modified)
	return res, nil
}

// CompleteDeletion drives an entity from PENDING_DELETE through DELETING to
// DELETED, running the reference cascade before the final flip.
func (l *Lifecycle) CompleteDeletion(ctx context.Context, kind domain.EntityType, studyUID, uid int64) (domain.Result, error) {
	doc, err := l.last(ctx, kind, studyUID, uid)
	if err != nil {
		return domain.Result{}, err
	}
	humanID := doc.String(keyID)
	current := domain.StatusName(doc.String(keyStatusName))
	if current != domain.StatusPendingDelete && current != domain.StatusDeleting {
		return domain.Result{}, domain.NewEntityError(kind, humanID, uid,
			fmt.Errorf("%s is not pending deletion: %w", current, domain.ErrInvalidTransition))
	}
	res := domain.Result{Matched: 1}
	if err := l.guard(ctx, kind, studyUID, doc); err != nil {
		return res, domain.NewEntityError(kind, humanID, uid, err)
	}
	if current == domain.StatusPendingDelete {
		if err := l.flip(ctx, kind, studyUID, uid, humanID, domain.StatusDeleting, "", false); err != nil {
			return res, err
		}
	}
	if kind == domain.EntitySample {
		_, warnings := l.cascade.OnLeafDelete(ctx, studyUID, refOf(doc))
		res.Violations = append(res.Violations, warnings...)
	}
	if err := l.flip(ctx, kind, studyUID, uid, humanID, domain.StatusDeleted, "", true); err != nil {
		return res, err
	}
	res.Modified = 1
	return res, nil
}

// Restore moves a trashed or deleted entity back to READY.
func (l *Lifecycle) Restore(ctx context.Context, kind domain.EntityType, studyUID, uid int64, opts RestoreOptions) error {
	doc, err := l.last(ctx, kind, studyUID, uid)
	if err != nil {
		return err
	}
	humanID := doc.String(keyID)
	current := domain.StatusName(doc.String(keyStatusName))
	if current != domain.StatusDeleted && current != domain.StatusTrashed {
		return domain.NewEntityError(kind, humanID, uid, domain.ErrNotDeleted)
	}
	return l.store.RunInTransaction(ctx, func(ctx context.Context) error {
		update := l.statusUpdate(domain.StatusReady, "restored")
		if opts.RecoverID {
			original := deletedIDPattern.ReplaceAllString(humanID, "")
			if original != humanID {
				taken, err := l.store.Collection(kind.Collection()).Count(ctx, activeByID(studyUID, original, uid))
				if err != nil {
					return err
				}
				if taken > 0 {
					return domain.NewEntityError(kind, original, uid, domain.ErrDuplicateID)
				}
				update.SetField(keyID, original)
			}
		}
		_, err := l.store.Collection(kind.Collection()).UpdateMany(ctx, allVersions(studyUID, uid), *update)
		return err
	})
}

// SetStatus performs a lattice-checked transition on every version of an
// entity.
func (l *Lifecycle) SetStatus(ctx context.Context, kind domain.EntityType, studyUID, uid int64, to domain.StatusName, description string) error {
	doc, err := l.last(ctx, kind, studyUID, uid)
	if err != nil {
		return err
	}
	current := domain.StatusName(doc.String(keyStatusName))
	if !domain.CanTransition(current, to) {
		return domain.NewEntityError(kind, doc.String(keyID), uid,
			fmt.Errorf("%s to %s: %w", current, to, domain.ErrInvalidTransition))
	}
	return l.store.RunInTransaction(ctx, func(ctx context.Context) error {
		_, err := l.store.Collection(kind.Collection()).UpdateMany(ctx, allVersions(studyUID, uid), *l.statusUpdate(to, description))
		return err
	})
}

func (l *Lifecycle) flip(ctx context.Context, kind domain.EntityType, studyUID, uid int64, humanID string, to domain.StatusName, description string, rename bool) error {
	return l.store.RunInTransaction(ctx, func(ctx context.Context) error {
		coll := l.store.Collection(kind.Collection())
		last, err := findOne(ctx, coll, domain.And(allVersions(studyUID, uid), domain.Eq(keyLastOfVersion, true)))
		if err != nil {
			return err
		}
		if last == nil {
			return domain.ErrNotFound
		}
		from := domain.StatusName(last.String(keyStatusName))
		if !domain.CanTransition(from, to) {
			return fmt.Errorf("%s to %s: %w", from, to, domain.ErrInvalidTransition)
		}
		update := l.statusUpdate(to, description)
		if rename && !deletedIDPattern.MatchString(humanID) {
			update.SetField(keyID, humanID+deletedSuffix+l.clock.Now().UTC().Format(DateLayout))
		}
		_, err = coll.UpdateMany(ctx, allVersions(studyUID, uid), *update)
		return err
	})
}

func (l *Lifecycle) statusUpdate(to domain.StatusName, description string) *domain.Update {
	now := l.clock.Now().UTC().Format(DateLayout)
	return domain.NewUpdate().
		SetField(keyStatusName, string(to)).
		SetField(keyStatusDate, now).
		SetField(keyStatusDescription, description).
		SetField(keyModificationDate, now)
}

// guard applies the kind-specific delete preconditions.
func (l *Lifecycle) guard(ctx context.Context, kind domain.EntityType, studyUID int64, doc domain.Document) error {
	uid := doc.Int(keyUID)
	switch kind {
	case domain.EntityCohort:
		if doc.String(keyID) == domain.DefaultCohortID {
			return fmt.Errorf("cohort %s: %w", domain.DefaultCohortID, domain.ErrProtectedEntity)
		}
	case domain.EntityFile:
		return l.cascade.CheckInUse(ctx, kind, studyUID, uid)
	case domain.EntityIndividual:
		n, err := l.store.Collection(kind.Collection()).Count(ctx, domain.And(
			domain.Eq(keyStudyUID, studyUID),
			domain.Eq(keyLastOfVersion, true),
			domain.In(keyStatusName, domain.StatusValues(domain.VisibleStatuses)...),
			domain.Or(domain.Eq("fatherUid", uid), domain.Eq("motherUid", uid)),
		))
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("parent of %d active individual(s): %w", n, domain.ErrReferentialIntegrity)
		}
	}
	return nil
}

// renamedMatches finds soft-deleted entities whose original human id is one
// of the plain ids in q that matched nothing. Deletion renames an entity to
// <id>.DELETED_<timestamp>.
func (l *Lifecycle) renamedMatches(ctx context.Context, kind domain.EntityType, q Query, opts CompileOptions, matched []domain.Document) ([]domain.Document, error) {
	raw, ok := q.Get(keyID)
	if !ok {
		return nil, nil
	}
	if s, isString := raw.(string); isString && strings.Contains(s, ";") {
		return nil, nil
	}
	ids, err := stringList(raw)
	if err != nil {
		return nil, nil
	}
	seen := make(map[string]bool, len(matched))
	for _, d := range matched {
		seen[d.String(keyID)] = true
	}
	var missing []string
	for _, id := range ids {
		op, operand := splitOperator(strings.TrimSpace(id))
		if (op != "" && op != "=") || operand == "" || strings.Contains(operand, "*") || seen[operand] {
			continue
		}
		missing = append(missing, regexp.QuoteMeta(operand))
	}
	if len(missing) == 0 {
		return nil, nil
	}
	base, err := l.compiler.Compile(kind, q.Delete(keyID), opts)
	if err != nil {
		return nil, err
	}
	pattern := `^(?:` + strings.Join(missing, "|") + `)` + regexp.QuoteMeta(deletedSuffix) + `\d{14}$`
	return l.find(ctx, kind, domain.And(base, domain.Regex(keyID, pattern), domain.In(keyStatusName, domain.StatusValues([]domain.StatusName{domain.StatusDeleted, domain.StatusRemoved})...)))
}

func (l *Lifecycle) find(ctx context.Context, kind domain.EntityType, filter domain.Filter) ([]domain.Document, error) {
	cur, err := l.store.Collection(kind.Collection()).Find(ctx, filter, domain.FindOptions{
		Projection: lifecycleProjection,
		Sort:       []domain.SortKey{{Field: keyUID}},
	})
	if err != nil {
		return nil, err
	}
	return domain.Drain(ctx, cur)
}

func (l *Lifecycle) last(ctx context.Context, kind domain.EntityType, studyUID, uid int64) (domain.Document, error) {
	doc, err := findOne(ctx, l.store.Collection(kind.Collection()),
		domain.And(allVersions(studyUID, uid), domain.Eq(keyLastOfVersion, true)))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.NewEntityError(kind, "", uid, domain.ErrNotFound)
	}
	return doc, nil
}

func allVersions(studyUID, uid int64) domain.Filter {
	return domain.And(domain.Eq(keyStudyUID, studyUID), domain.Eq(keyUID, uid))
}

// activeByID matches the visible last version holding a human id, other than
// the entity itself.
func activeByID(studyUID int64, id string, exceptUID int64) domain.Filter {
	return domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq(keyID, id),
		domain.Eq(keyLastOfVersion, true),
		domain.In(keyStatusName, domain.StatusValues(domain.StatusesExcept(domain.StatusTrashed, domain.StatusDeleted, domain.StatusRemoved))...),
		domain.Ne(keyUID, exceptUID),
	)
}

func refOf(doc domain.Document) domain.Reference {
	return domain.Reference{ID: doc.String(keyID), UID: doc.Int(keyUID), Version: int(doc.Int(keyVersion))}
}

// IsAlreadyDeleted reports whether a per-entity warning was a repeated delete.
func IsAlreadyDeleted(v domain.Violation) bool {
	return errors.Is(v.Err, domain.ErrAlreadyDeleted)
}
