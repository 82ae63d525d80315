// Package domain defines the catalog entity model, the backend-neutral filter
// and update expressions, and the persistence contracts used by catalogcore.
package domain

// EntityType identifies the kind of catalog record and doubles as its
// collection name.
type EntityType string

// Supported catalog entity kinds.
const (
	// EntitySample identifies a biological sample record.
	EntitySample EntityType = "sample"
	// EntityCohort identifies a named group of samples.
	EntityCohort EntityType = "cohort"
	// EntityFile identifies a file record that may reference samples.
	EntityFile EntityType = "file"
	// EntityIndividual identifies a donor or participant record.
	EntityIndividual EntityType = "individual"
)

// Collection returns the backing collection name for the entity kind.
func (e EntityType) Collection() string { return string(e) }

// Severity captures how a per-entity outcome affects the batch it belongs to.
type Severity string

const (
	// SeverityBlock aborts the entity transaction.
	SeverityBlock Severity = "block"
	// SeverityWarn records a failure without aborting sibling entities.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Status is the lifecycle status embedded in every entity.
type Status struct {
	Name        StatusName `json:"name"`
	Date        string     `json:"date,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Base contains the fields shared by every catalog entity.
type Base struct {
	ID                     string          `json:"id"`
	UID                    int64           `json:"uid"`
	UUID                   string          `json:"uuid,omitempty"`
	StudyUID               int64           `json:"studyUid"`
	Version                int             `json:"version"`
	Release                int             `json:"release"`
	ReleaseFromVersion     []int           `json:"_releaseFromVersion,omitempty"`
	LastOfVersion          bool            `json:"_lastOfVersion"`
	LastOfRelease          bool            `json:"_lastOfRelease"`
	Status                 Status          `json:"status"`
	CreationDate           string          `json:"creationDate,omitempty"`
	ModificationDate       string          `json:"modificationDate,omitempty"`
	AnnotationSets         []AnnotationSet `json:"annotationSets,omitempty"`
	Attributes             map[string]any  `json:"attributes,omitempty"`
	PermissionRulesApplied []string        `json:"_permissionRulesApplied,omitempty"`
}

// Sample represents a biological specimen.
type Sample struct {
	Base
	Description  string         `json:"description,omitempty"`
	IndividualID string         `json:"individualId,omitempty"`
	Somatic      bool           `json:"somatic"`
	Phenotypes   []string       `json:"phenotypes,omitempty"`
	Processing   map[string]any `json:"processing,omitempty"`
}

// CohortType classifies the purpose of a cohort.
type CohortType string

// Cohort types recognised by the catalog.
const (
	CohortCaseControl CohortType = "CASE_CONTROL"
	CohortCaseSet     CohortType = "CASE_SET"
	CohortControlSet  CohortType = "CONTROL_SET"
	CohortCollection  CohortType = "COLLECTION"
	CohortFamily      CohortType = "FAMILY"
	CohortTimeSeries  CohortType = "TIME_SERIES"
)

// DefaultCohortID names the study-wide cohort maintained by the catalog. It
// cannot be deleted.
const DefaultCohortID = "ALL"

// Cohort groups samples. Samples are weak references; on read they are
// materialised or trimmed to identifying fields.
type Cohort struct {
	Base
	Type        CohortType `json:"type,omitempty"`
	Description string     `json:"description,omitempty"`
	Samples     []Sample   `json:"samples,omitempty"`
}

// File describes a registered data file. Physical file I/O is not handled by
// the catalog.
type File struct {
	Base
	Name        string   `json:"name"`
	Path        string   `json:"path,omitempty"`
	Format      string   `json:"format,omitempty"`
	Size        int64    `json:"size"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
	Samples     []Sample `json:"samples,omitempty"`
}

// Individual describes a donor. Parents are referenced by uid.
type Individual struct {
	Base
	Name      string   `json:"name,omitempty"`
	Sex       string   `json:"sex,omitempty"`
	FatherUID int64    `json:"fatherUid,omitempty"`
	MotherUID int64    `json:"motherUid,omitempty"`
	Samples   []Sample `json:"samples,omitempty"`
}

// Study carries the release counter and the permission data consulted when
// redacting confidential annotations.
type Study struct {
	UID                 int64    `json:"uid"`
	ID                  string   `json:"id"`
	Release             int      `json:"release"`
	Owner               string   `json:"owner,omitempty"`
	Admins              []string `json:"admins,omitempty"`
	ConfidentialViewers []string `json:"confidentialViewers,omitempty"`
}

// CanViewConfidential reports whether viewer may read annotation sets of
// confidential variable sets.
func (s Study) CanViewConfidential(viewer string) bool {
	if viewer == "" {
		return false
	}
	if viewer == s.Owner {
		return true
	}
	for _, list := range [][]string{s.Admins, s.ConfidentialViewers} {
		for _, v := range list {
			if v == viewer {
				return true
			}
		}
	}
	return false
}

// Reference is the stored form of a weak reference to another entity.
type Reference struct {
	ID      string `json:"id"`
	UID     int64  `json:"uid"`
	Version int    `json:"version"`
}

// Change describes a mutation applied to one entity inside a transaction.
type Change struct {
	Entity   EntityType
	Action   Action
	StudyUID int64
	UID      int64
	Before   Document
	After    Document
}

// Action indicates the type of modification performed.
type Action string

// Change actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)
