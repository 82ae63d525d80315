package domain

import "fmt"

// Violation reports a per-entity failure or validator finding.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
	Err      error `json:"-"`
}

// Result aggregates the outcome of a catalog write. Matched counts entities
// selected by the call; Modified counts entities whose transaction committed.
// Callers detect partial failure with Modified < Matched.
type Result struct {
	Matched    int64
	Modified   int64
	Violations []Violation
}

// Merge folds another result into r.
func (r *Result) Merge(other Result) {
	r.Matched += other.Matched
	r.Modified += other.Modified
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// Warn records a non-blocking per-entity failure.
func (r *Result) Warn(entity EntityType, id string, err error) {
	r.Violations = append(r.Violations, Violation{
		Rule:     "entity",
		Severity: SeverityWarn,
		Message:  fmt.Sprintf("%s %s: %v", entity, id, err),
		Entity:   entity,
		EntityID: id,
		Err:      err,
	})
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Warnings returns the warn-severity violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarn {
			out = append(out, v)
		}
	}
	return out
}

// Partial reports whether some matched entities were not modified.
func (r Result) Partial() bool {
	return r.Modified < r.Matched
}
