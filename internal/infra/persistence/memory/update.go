package memory

import (
	"catalogcore/pkg/domain"
	"fmt"
	"reflect"
)

// Apply returns a copy of doc with the update applied and whether anything
// changed.
func Apply(doc domain.Document, update domain.Update) (domain.Document, bool, error) {
	next := doc.Clone()
	for key, value := range update.Set {
		next.Set(key, cloneAny(value))
	}
	for _, key := range update.Unset {
		next.Delete(key)
	}
	for key, values := range update.AddToSet {
		arr, err := arrayAt(next, key)
		if err != nil {
			return nil, false, err
		}
		for _, v := range values {
			if !containsValue(arr, v) {
				arr = append(arr, cloneAny(v))
			}
		}
		next.Set(key, arr)
	}
	for key, f := range update.Pull {
		arr, err := arrayAt(next, key)
		if err != nil {
			return nil, false, err
		}
		kept := arr[:0:0]
		for _, elem := range arr {
			if !matchElement(elem, f) {
				kept = append(kept, elem)
			}
		}
		if _, present := next.Get(key); present {
			next.Set(key, kept)
		}
	}
	for key, values := range update.PullAll {
		arr, err := arrayAt(next, key)
		if err != nil {
			return nil, false, err
		}
		kept := arr[:0:0]
		for _, elem := range arr {
			if !containsValue(values, elem) {
				kept = append(kept, elem)
			}
		}
		if _, present := next.Get(key); present {
			next.Set(key, kept)
		}
	}
	for key, delta := range update.Inc {
		current, present := next.Get(key)
		if !present || current == nil {
			next.Set(key, delta)
			continue
		}
		n, ok := domain.Int64(current)
		if !ok {
			return nil, false, fmt.Errorf("$inc on non-integer field %s", key)
		}
		next.Set(key, n+delta)
	}
	return next, !reflect.DeepEqual(doc, next), nil
}

func arrayAt(doc domain.Document, key string) ([]any, error) {
	v, ok := doc.Get(key)
	if !ok || v == nil {
		return []any{}, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("field %s is not an array", key)
	}
	return append([]any(nil), arr...), nil
}

func cloneAny(v any) any {
	wrapped := domain.Document{"v": v}.Clone()
	return wrapped["v"]
}
