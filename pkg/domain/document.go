package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Document is the nested key/value record exchanged with the backing store.
// Numbers are normalised to int64 when integral and float64 otherwise.
type Document map[string]any

// Get resolves a dotted path. Arrays are not traversed.
func (d Document) Get(path string) (any, bool) {
	var current any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set assigns a value at a dotted path, creating intermediate maps.
func (d Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	current := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Delete removes the value at a dotted path.
func (d Document) Delete(path string) {
	parts := strings.Split(path, ".")
	current := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

// String returns the string at path or "".
func (d Document) String(path string) string {
	v, _ := d.Get(path)
	s, _ := v.(string)
	return s
}

// Int returns the integer at path or 0.
func (d Document) Int(path string) int64 {
	v, _ := d.Get(path)
	n, _ := Int64(v)
	return n
}

// Bool returns the boolean at path or false.
func (d Document) Bool(path string) bool {
	v, _ := d.Get(path)
	b, _ := v.(bool)
	return b
}

// Clone deep-copies maps and slices.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

// Project returns a copy restricted to the given top-level or dotted keys.
// An empty projection returns a full clone.
func (d Document) Project(keys []string) Document {
	if len(keys) == 0 {
		return d.Clone()
	}
	out := Document{}
	for _, key := range keys {
		if v, ok := d.Get(key); ok {
			out.Set(key, cloneValue(v))
		}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, inner := range t {
			cp[k] = cloneValue(inner)
		}
		return cp
	case Document:
		return map[string]any(t.Clone())
	case []any:
		cp := make([]any, len(t))
		for i, inner := range t {
			cp[i] = cloneValue(inner)
		}
		return cp
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return map[string]any(t), true
	}
	return nil, false
}

// AsMap exposes nested-map detection to backends.
func AsMap(v any) (map[string]any, bool) { return asMap(v) }

// ToDocument converts a typed value into a Document through its JSON form.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return Document(Normalize(out).(map[string]any)), nil
}

// FromDocument decodes a Document into a typed value.
func FromDocument(doc Document, out any) error {
	raw, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// Normalize rewrites numbers to int64/float64 and nested containers to
// map[string]any / []any.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case Document:
		return Normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = Normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = Normalize(inner)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = inner
		}
		return out
	case []int64:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = inner
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = int64(inner)
		}
		return out
	default:
		return v
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// Int64 extracts an integral number from any numeric representation.
func Int64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

// Float64 extracts a float from any numeric representation.
func Float64(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
