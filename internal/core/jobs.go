package core

import (
	"catalogcore/pkg/domain"
	"context"
	"fmt"
)

// JobStatus is the execution state of a job record.
type JobStatus string

// Job states. Only pending, queued and running jobs hold their inputs and
// outputs in use.
const (
	JobPending JobStatus = "PENDING"
	JobQueued  JobStatus = "QUEUED"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobError   JobStatus = "ERROR"
	JobAborted JobStatus = "ABORTED"
	JobUnknown JobStatus = "UNKNOWN"
)

// ActiveJobStatuses lists the states of in-flight jobs.
var ActiveJobStatuses = []JobStatus{JobPending, JobQueued, JobRunning}

// Job is the subset of a job record consulted by in-use checks.
type Job struct {
	ID       string             `json:"id"`
	UID      int64              `json:"uid"`
	StudyUID int64              `json:"studyUid"`
	Tool     string             `json:"tool,omitempty"`
	Status   JobStatusDoc       `json:"status"`
	Input    []domain.Reference `json:"input,omitempty"`
	Output   []domain.Reference `json:"output,omitempty"`
}

// JobStatusDoc is the embedded status of a job.
type JobStatusDoc struct {
	Name JobStatus `json:"name"`
	Date string    `json:"date,omitempty"`
}

// RecordJob stores a job record. The catalog does not execute jobs; records
// are written by the scheduler and read here to protect their files.
func RecordJob(ctx context.Context, store domain.DocumentStore, job Job) error {
	doc, err := domain.ToDocument(job)
	if err != nil {
		return err
	}
	doc[keyDocID] = fmt.Sprintf("%d:%s", job.StudyUID, job.ID)
	if err := store.Collection(domain.JobsCollection).Insert(ctx, doc); err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

// SetJobStatus moves a job record to a new state.
func SetJobStatus(ctx context.Context, store domain.DocumentStore, studyUID int64, jobID string, status JobStatus) error {
	stats, err := store.Collection(domain.JobsCollection).UpdateMany(ctx,
		domain.Eq(keyDocID, fmt.Sprintf("%d:%s", studyUID, jobID)),
		*domain.NewUpdate().SetField(keyStatusName, string(status)))
	if err != nil {
		return fmt.Errorf("set job %s status: %w", jobID, err)
	}
	if stats.Matched == 0 {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

func activeJobFilter(studyUID, fileUID int64) domain.Filter {
	statuses := make([]any, len(ActiveJobStatuses))
	for i, s := range ActiveJobStatuses {
		statuses[i] = string(s)
	}
	return domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.In(keyStatusName, statuses...),
		domain.Or(domain.Eq("input.uid", fileUID), domain.Eq("output.uid", fileUID)),
	)
}
