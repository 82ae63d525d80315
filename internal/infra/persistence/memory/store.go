// Package memory provides an in-memory DocumentStore used for tests,
// ephemeral environments and as the working set of the snapshotting sqlite
// and postgres backends.
package memory

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Compile-time contract assertion ensuring memory.Store satisfies the domain store.
var _ domain.DocumentStore = (*Store)(nil)

// ErrDuplicateKey is returned when an insert or update collides with a unique key.
var ErrDuplicateKey = errors.New("duplicate key")

type record struct {
	doc domain.Document
	seq uint64
}

type memoryState struct {
	collections map[string]map[string]record
	counters    map[string]int64
	seq         uint64
}

func newMemoryState() memoryState {
	return memoryState{
		collections: make(map[string]map[string]record),
		counters:    make(map[string]int64),
	}
}

// clone copies the outer maps; collection maps are copied on first write.
func (s memoryState) clone() memoryState {
	cloned := memoryState{
		collections: make(map[string]map[string]record, len(s.collections)),
		counters:    make(map[string]int64, len(s.counters)),
		seq:         s.seq,
	}
	for k, v := range s.collections {
		cloned.collections[k] = v
	}
	for k, v := range s.counters {
		cloned.counters[k] = v
	}
	return cloned
}

// CommitHook observes committed writes. changed maps collection names to the
// document ids written; counters lists the counters incremented.
type CommitHook func(ctx context.Context, changed map[string][]string, counters []string) error

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers a hook invoked after every committed write.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// Store is a transactional in-memory document store. Transactions serialise
// writers and swap the whole state on commit.
type Store struct {
	mu      sync.RWMutex
	state   memoryState
	idxMu   sync.RWMutex
	indexes map[string][]domain.Index
	hook    CommitHook
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:   newMemoryState(),
		indexes: make(map[string][]domain.Index),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type txKey struct{}

type transaction struct {
	state    memoryState
	copied   map[string]bool
	changed  map[string]map[string]struct{}
	counters map[string]struct{}
}

func newTransaction(state memoryState) *transaction {
	return &transaction{
		state:    state,
		copied:   map[string]bool{},
		changed:  map[string]map[string]struct{}{},
		counters: map[string]struct{}{},
	}
}

func (tx *transaction) readable(name string) map[string]record {
	return tx.state.collections[name]
}

func (tx *transaction) writable(name string) map[string]record {
	if !tx.copied[name] {
		src := tx.state.collections[name]
		cp := make(map[string]record, len(src)+1)
		for k, v := range src {
			cp[k] = v
		}
		tx.state.collections[name] = cp
		tx.copied[name] = true
	}
	return tx.state.collections[name]
}

func (tx *transaction) touch(collection, id string) {
	ids, ok := tx.changed[collection]
	if !ok {
		ids = map[string]struct{}{}
		tx.changed[collection] = ids
	}
	ids[id] = struct{}{}
}

func txFrom(ctx context.Context) *transaction {
	tx, _ := ctx.Value(txKey{}).(*transaction)
	return tx
}

// RunInTransaction executes fn against a private copy of the state and
// publishes it atomically when fn succeeds. Nested calls join the outer
// transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	tx := newTransaction(s.state.clone())
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = tx.state
	s.mu.Unlock()
	return s.notify(ctx, tx)
}

// write runs a single mutation, inside the caller's transaction when ctx
// carries one and as its own atomic unit otherwise.
func (s *Store) write(ctx context.Context, fn func(tx *transaction) error) error {
	if tx := txFrom(ctx); tx != nil {
		return fn(tx)
	}
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		return fn(txFrom(ctx))
	})
}

// read runs fn against the transactional state when present, else against a
// consistent view of the committed state.
func (s *Store) read(ctx context.Context, fn func(state memoryState)) {
	if tx := txFrom(ctx); tx != nil {
		fn(tx.state)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

func (s *Store) notify(ctx context.Context, tx *transaction) error {
	if s.hook == nil || (len(tx.changed) == 0 && len(tx.counters) == 0) {
		return nil
	}
	changed := make(map[string][]string, len(tx.changed))
	for name, ids := range tx.changed {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		changed[name] = list
	}
	counters := make([]string, 0, len(tx.counters))
	for name := range tx.counters {
		counters = append(counters, name)
	}
	sort.Strings(counters)
	return s.hook(ctx, changed, counters)
}

// Collection returns a handle on the named collection.
func (s *Store) Collection(name string) domain.Collection {
	return &collection{store: s, name: name}
}

// Increment atomically adds delta to a counter.
func (s *Store) Increment(ctx context.Context, counter string, delta int64) (int64, error) {
	var value int64
	err := s.write(ctx, func(tx *transaction) error {
		tx.state.counters[counter] += delta
		tx.counters[counter] = struct{}{}
		value = tx.state.counters[counter]
		return nil
	})
	return value, err
}

// SetCounter records a counter value allocated elsewhere. It joins the
// caller's transaction when ctx carries one.
func (s *Store) SetCounter(ctx context.Context, counter string, value int64) error {
	return s.write(ctx, func(tx *transaction) error {
		tx.state.counters[counter] = value
		return nil
	})
}

// EnsureIndexes records index declarations. Unique indexes are enforced on
// insert and update.
func (s *Store) EnsureIndexes(_ context.Context, name string, indexes []domain.Index) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	existing := s.indexes[name]
	for _, idx := range indexes {
		replaced := false
		for i := range existing {
			if existing[i].Name == idx.Name {
				existing[i] = idx
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, idx)
		}
	}
	s.indexes[name] = existing
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close(context.Context) error { return nil }

// Indexes returns the declared indexes of a collection.
func (s *Store) Indexes(name string) []domain.Index {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return append([]domain.Index(nil), s.indexes[name]...)
}

func (s *Store) uniqueIndexes(name string) []domain.Index {
	var out []domain.Index
	for _, idx := range s.indexes[name] {
		if idx.Unique {
			out = append(out, idx)
		}
	}
	return out
}

type collection struct {
	store *Store
	name  string
}

func (c *collection) Name() string { return c.name }

func (c *collection) Find(ctx context.Context, filter domain.Filter, opts domain.FindOptions) (domain.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var matched []record
	c.store.read(ctx, func(state memoryState) {
		for _, rec := range state.collections[c.name] {
			if Match(rec.doc, filter) {
				matched = append(matched, rec)
			}
		}
	})
	sortRecords(matched, opts.Sort)
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(matched)) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	docs := make([]domain.Document, len(matched))
	for i, rec := range matched {
		docs[i] = rec.doc.Project(opts.Projection)
	}
	return &cursor{docs: docs, pos: -1}, nil
}

func (c *collection) Count(ctx context.Context, filter domain.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	c.store.read(ctx, func(state memoryState) {
		for _, rec := range state.collections[c.name] {
			if Match(rec.doc, filter) {
				n++
			}
		}
	})
	return n, nil
}

func (c *collection) Distinct(ctx context.Context, field string, filter domain.Filter) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []any
	c.store.read(ctx, func(state memoryState) {
		var recs []record
		for _, rec := range state.collections[c.name] {
			if Match(rec.doc, filter) {
				recs = append(recs, rec)
			}
		}
		sortRecords(recs, nil)
		for _, rec := range recs {
			for _, v := range flatten(resolve(rec.doc, field)) {
				if !containsValue(out, v) {
					out = append(out, v)
				}
			}
		}
	})
	return out, nil
}

func (c *collection) Insert(ctx context.Context, doc domain.Document) error {
	id, ok := doc["_id"].(string)
	if !ok || id == "" {
		return fmt.Errorf("insert into %s: document requires a string _id", c.name)
	}
	return c.store.write(ctx, func(tx *transaction) error {
		if _, exists := tx.readable(c.name)[id]; exists {
			return fmt.Errorf("insert %s/%s: %w", c.name, id, ErrDuplicateKey)
		}
		stored := domain.Document(domain.Normalize(map[string]any(doc)).(map[string]any))
		if err := c.checkUnique(tx, id, stored); err != nil {
			return err
		}
		tx.state.seq++
		tx.writable(c.name)[id] = record{doc: stored, seq: tx.state.seq}
		tx.touch(c.name, id)
		return nil
	})
}

func (c *collection) UpdateMany(ctx context.Context, filter domain.Filter, update domain.Update) (domain.UpdateStats, error) {
	var stats domain.UpdateStats
	err := c.store.write(ctx, func(tx *transaction) error {
		stats = domain.UpdateStats{}
		type pending struct {
			id  string
			rec record
		}
		var updates []pending
		for id, rec := range tx.readable(c.name) {
			if !Match(rec.doc, filter) {
				continue
			}
			stats.Matched++
			next, changed, err := Apply(rec.doc, update)
			if err != nil {
				return fmt.Errorf("update %s/%s: %w", c.name, id, err)
			}
			if !changed {
				continue
			}
			updates = append(updates, pending{id: id, rec: record{doc: next, seq: rec.seq}})
		}
		target := tx.writable(c.name)
		for _, u := range updates {
			if err := c.checkUnique(tx, u.id, u.rec.doc); err != nil {
				return err
			}
			target[u.id] = u.rec
			tx.touch(c.name, u.id)
			stats.Modified++
		}
		return nil
	})
	return stats, err
}

func (c *collection) checkUnique(tx *transaction, id string, doc domain.Document) error {
	c.store.idxMu.RLock()
	unique := c.store.uniqueIndexes(c.name)
	c.store.idxMu.RUnlock()
	for _, idx := range unique {
		key := indexKey(doc, idx)
		if key == "" {
			continue
		}
		for otherID, rec := range tx.readable(c.name) {
			if otherID != id && indexKey(rec.doc, idx) == key {
				return fmt.Errorf("index %s on %s: %w", idx.Name, c.name, ErrDuplicateKey)
			}
		}
	}
	return nil
}

func indexKey(doc domain.Document, idx domain.Index) string {
	parts := make([]string, 0, len(idx.Keys))
	for _, k := range idx.Keys {
		v, ok := doc.Get(k.Field)
		if !ok {
			return ""
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "\x00")
}

func sortRecords(recs []record, keys []domain.SortKey) {
	sort.SliceStable(recs, func(i, j int) bool {
		for _, k := range keys {
			a, _ := recs[i].doc.Get(k.Field)
			b, _ := recs[j].doc.Get(k.Field)
			c, ok := compareValues(a, b)
			if !ok || c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return recs[i].seq < recs[j].seq
	})
}

type cursor struct {
	docs []domain.Document
	pos  int
	err  error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) Document() domain.Document {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil
	}
	return c.docs[c.pos]
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close(context.Context) error {
	c.docs = nil
	return nil
}

// Snapshot captures a point-in-time copy of the store state. Documents are
// listed in insertion order.
type Snapshot struct {
	Collections map[string][]domain.Document `json:"collections"`
	Counters    map[string]int64             `json:"counters"`
}

// ExportState returns a deep copy of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Collections: make(map[string][]domain.Document, len(s.state.collections)),
		Counters:    make(map[string]int64, len(s.state.counters)),
	}
	for name, docs := range s.state.collections {
		recs := make([]record, 0, len(docs))
		for _, rec := range docs {
			recs = append(recs, rec)
		}
		sortRecords(recs, nil)
		out := make([]domain.Document, len(recs))
		for i, rec := range recs {
			out[i] = rec.doc.Clone()
		}
		snap.Collections[name] = out
	}
	for k, v := range s.state.counters {
		snap.Counters[k] = v
	}
	return snap
}

// ImportState replaces the committed state with the snapshot contents.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for name, docs := range snapshot.Collections {
		coll := make(map[string]record, len(docs))
		for _, doc := range docs {
			id, _ := doc["_id"].(string)
			if id == "" {
				continue
			}
			state.seq++
			coll[id] = record{doc: domain.Document(domain.Normalize(map[string]any(doc)).(map[string]any)), seq: state.seq}
		}
		state.collections[name] = coll
	}
	for k, v := range snapshot.Counters {
		state.counters[k] = v
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Lookup returns a copy of a committed document.
func (s *Store) Lookup(collection, id string) (domain.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.collections[collection][id]
	if !ok {
		return nil, false
	}
	return rec.doc.Clone(), true
}

// Counter returns the committed value of a counter.
func (s *Store) Counter(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.counters[name]
}
