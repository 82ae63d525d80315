package core

import (
	"catalogcore/pkg/domain"
	"context"
	"fmt"
)

// Cascade removes weak references to a deleted sample from the entities that
// point at it. The cleanup is best effort: every collection is updated on its
// own and a failure is reported as a warning, leaving that collection stale
// until the next delete of the same sample or a manual repair.
type Cascade struct {
	store  domain.DocumentStore
	clock  Clock
	logger Logger
}

// NewCascade constructs a cascade resolver.
func NewCascade(store domain.DocumentStore, clock Clock, logger Logger) *Cascade {
	if clock == nil {
		clock = defaultCatalogOptions().clock
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Cascade{store: store, clock: clock, logger: logger}
}

// OnLeafDelete strips ref from files and individuals, flips READY cohorts
// that include it to INVALID and removes it from every cohort. It returns the
// number of documents touched and one warning per failed step.
func (c *Cascade) OnLeafDelete(ctx context.Context, studyUID int64, ref domain.Reference) (int64, []domain.Violation) {
	var (
		touched  int64
		warnings []domain.Violation
	)
	referencing := domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq(keyLastOfVersion, true),
		domain.Eq("samples.uid", ref.UID),
	)
	pull := domain.NewUpdate().PullWhere(keySamples, domain.Eq(keyUID, ref.UID))

	step := func(kind domain.EntityType, filter domain.Filter, update domain.Update) {
		stats, err := c.store.Collection(kind.Collection()).UpdateMany(ctx, filter, update)
		if err != nil {
			c.logger.Warn("cascade cleanup failed", "kind", kind, "study", studyUID, "sample", ref.ID, "error", err)
			warnings = append(warnings, domain.Violation{
				Rule:     "cascade",
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("%s references to sample %s not removed: %v", kind, ref.ID, err),
				Entity:   kind,
				EntityID: ref.ID,
				Err:      err,
			})
			return
		}
		touched += stats.Modified
	}

	step(domain.EntityFile, referencing, *pull)

	now := c.clock.Now().UTC().Format(DateLayout)
	invalidate := domain.NewUpdate().
		SetField(keyStatusName, string(domain.StatusInvalid)).
		SetField(keyStatusDate, now).
		SetField(keyStatusDescription, fmt.Sprintf("sample %s deleted", ref.ID)).
		PullWhere(keySamples, domain.Eq(keyUID, ref.UID))
	step(domain.EntityCohort, domain.And(referencing, domain.Eq(keyStatusName, string(domain.StatusReady))), *invalidate)
	step(domain.EntityCohort, referencing, *pull)

	step(domain.EntityIndividual, referencing, *pull)

	if touched > 0 {
		c.logger.Info("cascade cleanup applied", "study", studyUID, "sample", ref.ID, "documents", touched)
	}
	return touched, warnings
}

// CheckInUse fails with ErrEntityInUse when an in-flight job still reads or
// writes the file.
func (c *Cascade) CheckInUse(ctx context.Context, kind domain.EntityType, studyUID, uid int64) error {
	if kind != domain.EntityFile {
		return nil
	}
	n, err := c.store.Collection(domain.JobsCollection).Count(ctx, activeJobFilter(studyUID, uid))
	if err != nil {
		return fmt.Errorf("check jobs for %s %d: %w", kind, uid, err)
	}
	if n > 0 {
		return fmt.Errorf("%d active job(s): %w", n, domain.ErrEntityInUse)
	}
	return nil
}
