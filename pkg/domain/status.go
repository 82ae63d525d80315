package domain

// StatusName enumerates the lifecycle statuses of a catalog entity.
type StatusName string

// Lifecycle statuses.
const (
	StatusNone          StatusName = "NONE"
	StatusReady         StatusName = "READY"
	StatusTrashed       StatusName = "TRASHED"
	StatusPendingDelete StatusName = "PENDING_DELETE"
	StatusDeleting      StatusName = "DELETING"
	StatusDeleted       StatusName = "DELETED"
	StatusRemoved       StatusName = "REMOVED"
	StatusInvalid       StatusName = "INVALID"
)

// AllStatuses lists every status in lattice order.
var AllStatuses = []StatusName{
	StatusNone,
	StatusReady,
	StatusTrashed,
	StatusPendingDelete,
	StatusDeleting,
	StatusDeleted,
	StatusRemoved,
	StatusInvalid,
}

// VisibleStatuses are matched by default queries. Trashed, deleted and removed
// entities are hidden unless a status filter asks for them.
var VisibleStatuses = []StatusName{
	StatusReady,
	StatusInvalid,
	StatusPendingDelete,
	StatusDeleting,
}

var transitions = map[StatusName][]StatusName{
	StatusNone:          {StatusReady},
	StatusReady:         {StatusTrashed, StatusDeleted, StatusRemoved, StatusPendingDelete, StatusInvalid},
	StatusTrashed:       {StatusReady, StatusDeleted, StatusRemoved},
	StatusDeleted:       {StatusReady, StatusTrashed},
	StatusPendingDelete: {StatusDeleting, StatusReady},
	StatusDeleting:      {StatusDeleted},
	StatusInvalid:       {StatusReady, StatusTrashed, StatusDeleted, StatusRemoved},
	StatusRemoved:       {StatusTrashed},
}

// CanTransition reports whether the lattice allows moving from one status to
// another. Staying in the same status is never a transition.
func CanTransition(from, to StatusName) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsDeleted reports whether the status hides the entity as deleted.
func (s StatusName) IsDeleted() bool {
	switch s {
	case StatusTrashed, StatusDeleted, StatusRemoved:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the soft or hard delete path.
func (s StatusName) IsTerminal() bool {
	return s == StatusDeleted || s == StatusRemoved
}

// Valid reports whether the name is a known status.
func (s StatusName) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// StatusesExcept returns every known status other than the excluded ones, in
// lattice order.
func StatusesExcept(excluded ...StatusName) []StatusName {
	skip := make(map[StatusName]struct{}, len(excluded))
	for _, s := range excluded {
		skip[s] = struct{}{}
	}
	out := make([]StatusName, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if _, ok := skip[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
