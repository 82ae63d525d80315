package core

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// IteratorOptions tunes a streaming read.
type IteratorOptions struct {
	// BatchSize bounds the raw documents buffered per refill.
	BatchSize int
	// RefThreshold is the number of sample references above which an entity
	// keeps identifying fields only.
	RefThreshold int
	// SampleAuthorization is the viewer predicate applied to referenced
	// samples.
	SampleAuthorization *domain.Filter
	// Annotations redacts hidden annotation sets. Nil disables redaction.
	Annotations *AnnotationFilter
}

var errIteratorClosed = errors.New("iterator closed")

// Iterator lazily yields entities of one kind. It is forward-only and cannot
// be restarted. Sample references of each buffered batch are resolved with a
// single lookup.
type Iterator[T any] struct {
	store    domain.DocumentStore
	cursor   domain.Cursor
	kind     domain.EntityType
	studyUID int64
	opts     IteratorOptions
	logger   Logger

	buffer []domain.Document
	pos    int
	done   bool
	closed bool
	value  T
	err    error
}

func newIterator[T any](store domain.DocumentStore, cursor domain.Cursor, kind domain.EntityType, studyUID int64, opts IteratorOptions, logger Logger) *Iterator[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RefThreshold <= 0 {
		opts.RefThreshold = DefaultRefThreshold
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Iterator[T]{store: store, cursor: cursor, kind: kind, studyUID: studyUID, opts: opts, logger: logger}
}

// Next advances to the next entity, refilling the buffer when needed.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.closed {
		it.err = errIteratorClosed
		return false
	}
	if it.pos >= len(it.buffer) {
		if it.done {
			return false
		}
		if err := it.fill(ctx); err != nil {
			it.err = err
			return false
		}
		if len(it.buffer) == 0 {
			return false
		}
	}
	doc := it.buffer[it.pos]
	it.buffer[it.pos] = nil
	it.pos++
	var value T
	if err := domain.FromDocument(doc, &value); err != nil {
		it.err = err
		return false
	}
	it.value = value
	return true
}

// Value returns the current entity.
func (it *Iterator[T]) Value() T { return it.value }

// Err returns the first error met while iterating.
func (it *Iterator[T]) Err() error { return it.err }

// Close releases the underlying cursor.
func (it *Iterator[T]) Close(ctx context.Context) error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.buffer = nil
	return it.cursor.Close(ctx)
}

func (it *Iterator[T]) fill(ctx context.Context) error {
	it.buffer = it.buffer[:0]
	it.pos = 0
	for len(it.buffer) < it.opts.BatchSize {
		if !it.cursor.Next(ctx) {
			it.done = true
			if err := it.cursor.Err(); err != nil {
				return err
			}
			break
		}
		it.buffer = append(it.buffer, it.cursor.Document())
	}
	if len(it.buffer) == 0 {
		return nil
	}
	if HasSampleRefs(it.kind) {
		it.joinSamples(ctx)
	}
	for _, doc := range it.buffer {
		it.opts.Annotations.Apply(doc)
	}
	return nil
}

// joinSamples replaces the stored sample references of the buffer with the
// referenced sample documents. Entities over the reference threshold keep
// identifying fields only. References the viewer cannot see are dropped. A
// failed lookup leaves every entity of the buffer without references.
func (it *Iterator[T]) joinSamples(ctx context.Context) {
	uids := roaring64.New()
	for _, doc := range it.buffer {
		refs, _ := doc[keySamples].([]any)
		if len(refs) > it.opts.RefThreshold {
			doc[keySamples] = trimRefs(refs)
			continue
		}
		for _, ref := range refs {
			if uid := refUID(ref); uid > 0 {
				uids.Add(uint64(uid))
			}
		}
	}
	if uids.IsEmpty() {
		return
	}

	samples, err := it.fetchSamples(ctx, uids)
	if err != nil {
		it.logger.Warn("sample references unavailable", "kind", it.kind, "study", it.studyUID, "error", err)
		for _, doc := range it.buffer {
			if refs, _ := doc[keySamples].([]any); len(refs) <= it.opts.RefThreshold {
				doc[keySamples] = []any{}
			}
		}
		return
	}
	for _, doc := range it.buffer {
		refs, _ := doc[keySamples].([]any)
		if len(refs) == 0 || len(refs) > it.opts.RefThreshold {
			continue
		}
		joined := make([]any, 0, len(refs))
		for _, ref := range refs {
			if sample, ok := samples[refUID(ref)]; ok {
				joined = append(joined, map[string]any(sample.Clone()))
			}
		}
		doc[keySamples] = joined
	}
}

func (it *Iterator[T]) fetchSamples(ctx context.Context, uids *roaring64.Bitmap) (map[int64]domain.Document, error) {
	values := make([]any, 0, uids.GetCardinality())
	for _, uid := range uids.ToArray() {
		values = append(values, int64(uid))
	}
	clauses := []domain.Filter{
		domain.Eq(keyStudyUID, it.studyUID),
		domain.Eq(keyLastOfVersion, true),
		domain.In(keyStatusName, domain.StatusValues(domain.VisibleStatuses)...),
		domain.In(keyUID, values...),
	}
	if it.opts.SampleAuthorization != nil {
		clauses = append(clauses, *it.opts.SampleAuthorization)
	}
	cur, err := it.store.Collection(domain.EntitySample.Collection()).Find(ctx, domain.And(clauses...), domain.FindOptions{})
	if err != nil {
		return nil, err
	}
	docs, err := domain.Drain(ctx, cur)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.Document, len(docs))
	for _, d := range docs {
		out[d.Int(keyUID)] = it.opts.Annotations.Apply(d)
	}
	return out, nil
}

func trimRefs(refs []any) []any {
	out := make([]any, 0, len(refs))
	for _, ref := range refs {
		m, ok := domain.AsMap(ref)
		if !ok {
			continue
		}
		out = append(out, map[string]any{keyID: m[keyID], keyUID: m[keyUID], keyVersion: m[keyVersion]})
	}
	return out
}
