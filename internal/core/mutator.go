package core

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"fmt"
)

// UpdateOptions tunes Mutator.Apply.
type UpdateOptions struct {
	// IncrementVersion snapshots the current document and writes the update
	// into a new version.
	IncrementVersion bool
	// ExpectedVersion, when positive, rejects entities whose last version
	// differs with ErrVersionConflict.
	ExpectedVersion int64
	// Actions selects SET, ADD or REMOVE per list or map field.
	Actions       map[string]UpdateAction
	Authorization *domain.Filter
}

var errNoChange = errors.New("no change")

var mutatorProjection = []string{keyDocID, keyID, keyUID, keyVersion, keyStudyUID}

// Mutator applies one update to every entity matched by a query. Each entity
// commits or aborts on its own; the batch as a whole is never atomic.
type Mutator struct {
	store      domain.DocumentStore
	compiler   *Compiler
	versioning *Versioning
	releases   ReleaseSource
	rules      *domain.RulesEngine
	clock      Clock
	logger     Logger
}

// NewMutator constructs a batched mutator.
func NewMutator(store domain.DocumentStore, compiler *Compiler, versioning *Versioning, releases ReleaseSource,
	rules *domain.RulesEngine, clock Clock, logger Logger,
) *Mutator {
	if clock == nil {
		clock = defaultCatalogOptions().clock
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if releases == nil {
		releases = NewStudyReleases(store)
	}
	return &Mutator{
		store:      store,
		compiler:   compiler,
		versioning: versioning,
		releases:   releases,
		rules:      rules,
		clock:      clock,
		logger:     logger,
	}
}

// Apply updates every entity of kind in the study matched by q. Invalid
// updates, filter errors and multi-entity renames fail the whole call before
// any write. Per-entity failures are returned as warnings wrapping
// ErrTransactionAborted.
func (m *Mutator) Apply(ctx context.Context, kind domain.EntityType, studyUID int64, q Query, params UpdateParams, opts UpdateOptions) (domain.Result, error) {
	if err := ValidateUpdate(kind, params, opts.Actions); err != nil {
		return domain.Result{}, err
	}
	filter, err := m.compiler.Compile(kind, q.Set(keyStudyUID, studyUID), CompileOptions{Authorization: opts.Authorization})
	if err != nil {
		return domain.Result{}, err
	}
	coll := m.store.Collection(kind.Collection())
	if _, renaming := params[keyID]; renaming {
		n, err := coll.Count(ctx, filter)
		if err != nil {
			return domain.Result{}, err
		}
		if n != 1 {
			return domain.Result{}, fmt.Errorf("%s selector matched %d entities: %w", kind, n, domain.ErrMultiEntityRenameRejected)
		}
	}
	cur, err := coll.Find(ctx, filter, domain.FindOptions{
		Projection: mutatorProjection,
		Sort:       []domain.SortKey{{Field: keyUID}},
	})
	if err != nil {
		return domain.Result{}, err
	}
	matches, err := domain.Drain(ctx, cur)
	if err != nil {
		return domain.Result{}, err
	}

	release := 0
	if opts.IncrementVersion {
		if release, err = m.releases.CurrentRelease(ctx, studyUID); err != nil {
			return domain.Result{}, err
		}
	}

	res := domain.Result{Matched: int64(len(matches))}
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		humanID := match.String(keyID)
		uid := match.Int(keyUID)
		violations, err := m.applyOne(ctx, kind, studyUID, uid, params, opts, release)
		res.Violations = append(res.Violations, violations...)
		switch {
		case errors.Is(err, errNoChange):
		case err != nil:
			m.logger.Warn("update aborted", "kind", kind, "id", humanID, "error", err)
			res.Warn(kind, humanID, fmt.Errorf("%w: %w", domain.ErrTransactionAborted, domain.NewEntityError(kind, humanID, uid, err)))
		default:
			res.Modified++
		}
	}
	m.logger.Debug("update finished", "kind", kind, "study", studyUID, "matched", res.Matched, "modified", res.Modified)
	return res, nil
}

func (m *Mutator) applyOne(ctx context.Context, kind domain.EntityType, studyUID, uid int64, params UpdateParams, opts UpdateOptions, release int) ([]domain.Violation, error) {
	var warnings []domain.Violation
	err := m.store.RunInTransaction(ctx, func(ctx context.Context) error {
		warnings = nil
		coll := m.store.Collection(kind.Collection())
		before, err := findOne(ctx, coll, domain.And(allVersions(studyUID, uid), domain.Eq(keyLastOfVersion, true)))
		if err != nil {
			return err
		}
		if before == nil {
			return domain.ErrNotFound
		}
		if opts.ExpectedVersion > 0 && before.Int(keyVersion) != opts.ExpectedVersion {
			return fmt.Errorf("expected version %d, found %d: %w", opts.ExpectedVersion, before.Int(keyVersion), domain.ErrVersionConflict)
		}
		delta, err := translateDelta(ctx, m.store, kind, before, params, opts.Actions, m.clock.Now().UTC().Format(DateLayout))
		if err != nil {
			return err
		}
		if delta.update.IsEmpty() {
			return errNoChange
		}

		target := before.String(keyDocID)
		after := delta.after
		if opts.IncrementVersion {
			next, err := m.versioning.NewVersion(ctx, kind, studyUID, uid, release)
			if err != nil {
				return err
			}
			target = next.String(keyDocID)
			for _, k := range []string{keyDocID, keyVersion, keyReleaseFromVersion, keyLastOfVersion, keyLastOfRelease} {
				after[k] = next[k]
			}
		}

		outcome, err := m.rules.Evaluate(ctx, m.store, domain.Change{
			Entity:   kind,
			Action:   domain.ActionUpdate,
			StudyUID: studyUID,
			UID:      uid,
			Before:   before,
			After:    after,
		})
		if err != nil {
			return err
		}
		if outcome.HasBlocking() {
			return domain.RuleViolationError{Result: outcome}
		}
		warnings = outcome.Warnings()

		if _, err := coll.UpdateMany(ctx, domain.Eq(keyDocID, target), delta.update); err != nil {
			return err
		}
		if delta.rename != "" {
			m.logger.Info("entity renamed", "kind", kind, "uid", uid, "from", before.String(keyID), "to", delta.rename)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}
