package domain

import "context"

// SortKey orders query results or declares an index key.
type SortKey struct {
	Field      string
	Descending bool
}

// FindOptions tunes a Find call. An empty Projection returns whole documents.
type FindOptions struct {
	Projection []string
	Sort       []SortKey
	Skip       int64
	Limit      int64
	BatchSize  int32
}

// UpdateStats reports how many documents an UpdateMany matched and changed.
type UpdateStats struct {
	Matched  int64
	Modified int64
}

// Index declares a secondary index on a collection.
type Index struct {
	Name   string
	Keys   []SortKey
	Unique bool
}

// Cursor is a forward-only sequence of documents.
type Cursor interface {
	Next(ctx context.Context) bool
	Document() Document
	Err() error
	Close(ctx context.Context) error
}

// Collection is one collection of the backing document store. Calls made with
// a context returned by DocumentStore.RunInTransaction join that transaction.
type Collection interface {
	Name() string
	Find(ctx context.Context, filter Filter, opts FindOptions) (Cursor, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	Insert(ctx context.Context, doc Document) error
	UpdateMany(ctx context.Context, filter Filter, update Update) (UpdateStats, error)
	Distinct(ctx context.Context, field string, filter Filter) ([]any, error)
}

// DocumentStore abstracts the document database behind the catalog.
type DocumentStore interface {
	Collection(name string) Collection
	// RunInTransaction executes fn atomically. Writes made through ctx inside
	// fn become visible together or not at all.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// Increment atomically adds delta to the named counter and returns the new
	// value. It must be safe across processes.
	Increment(ctx context.Context, counter string, delta int64) (int64, error)
	EnsureIndexes(ctx context.Context, collection string, indexes []Index) error
	Close(ctx context.Context) error
}

// MetadataCollection stores counters and other catalog bookkeeping.
const MetadataCollection = "metadata"

// JobsCollection stores job records consulted by in-use checks.
const JobsCollection = "jobs"

// VariableSetCollection stores annotation schemas.
const VariableSetCollection = "variableSet"

// StudyCollection stores study permission documents and release numbers.
const StudyCollection = "study"

// Drain reads every remaining document from a cursor and closes it.
func Drain(ctx context.Context, cur Cursor) ([]Document, error) {
	defer func() { _ = cur.Close(ctx) }()
	var out []Document
	for cur.Next(ctx) {
		out = append(out, cur.Document())
	}
	return out, cur.Err()
}
