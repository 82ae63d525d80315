package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VariableType is the declared type of an annotation variable.
type VariableType string

// Annotation variable types.
const (
	VariableBoolean     VariableType = "BOOLEAN"
	VariableCategorical VariableType = "CATEGORICAL"
	VariableInteger     VariableType = "INTEGER"
	VariableDouble      VariableType = "DOUBLE"
	VariableString      VariableType = "STRING"
	VariableObject      VariableType = "OBJECT"
	VariableMap         VariableType = "MAP"
)

// Variable declares one annotation field of a variable set.
type Variable struct {
	ID            string       `json:"id"`
	Type          VariableType `json:"type"`
	Required      bool         `json:"required,omitempty"`
	Multivalue    bool         `json:"multiValue,omitempty"`
	AllowedValues []string     `json:"allowedValues,omitempty"`
	Variables     []Variable   `json:"variables,omitempty"`
}

// VariableSet is the schema document annotation sets are validated against.
type VariableSet struct {
	ID           string       `json:"id"`
	StudyUID     int64        `json:"studyUid"`
	Confidential bool         `json:"confidential"`
	Entities     []EntityType `json:"entities,omitempty"`
	Variables    []Variable   `json:"variables"`
}

// Variable looks up a top-level variable by id.
func (vs VariableSet) Variable(id string) (Variable, bool) {
	for _, v := range vs.Variables {
		if v.ID == id {
			return v, true
		}
	}
	return Variable{}, false
}

// AnnotationSet holds annotation values keyed by variable id.
type AnnotationSet struct {
	ID            string         `json:"id"`
	VariableSetID string         `json:"variableSetId"`
	Annotations   map[string]any `json:"annotations"`
}

// ValueKind tags an AnnotationValue.
type ValueKind int

// Annotation value kinds.
const (
	KindScalar ValueKind = iota
	KindList
	KindMap
)

// AnnotationValue is a tagged variant over scalar, list and map annotation
// values.
type AnnotationValue struct {
	kind   ValueKind
	scalar any
	list   []AnnotationValue
	fields map[string]AnnotationValue
}

// NewAnnotationValue tags a decoded annotation value.
func NewAnnotationValue(v any) AnnotationValue {
	v = Normalize(v)
	if m, ok := asMap(v); ok {
		fields := make(map[string]AnnotationValue, len(m))
		for k, inner := range m {
			fields[k] = NewAnnotationValue(inner)
		}
		return AnnotationValue{kind: KindMap, fields: fields}
	}
	if arr, ok := v.([]any); ok {
		list := make([]AnnotationValue, len(arr))
		for i, inner := range arr {
			list[i] = NewAnnotationValue(inner)
		}
		return AnnotationValue{kind: KindList, list: list}
	}
	return AnnotationValue{kind: KindScalar, scalar: v}
}

// Kind returns the variant tag.
func (a AnnotationValue) Kind() ValueKind { return a.kind }

// Scalar returns the scalar value of a KindScalar value.
func (a AnnotationValue) Scalar() any { return a.scalar }

// List returns the elements of a KindList value.
func (a AnnotationValue) List() []AnnotationValue { return a.list }

// Field returns a member of a KindMap value.
func (a AnnotationValue) Field(name string) (AnnotationValue, bool) {
	v, ok := a.fields[name]
	return v, ok
}

// Keys returns the sorted member names of a KindMap value.
func (a AnnotationValue) Keys() []string {
	out := make([]string, 0, len(a.fields))
	for k := range a.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Any converts the variant back into plain document values.
func (a AnnotationValue) Any() any {
	switch a.kind {
	case KindList:
		out := make([]any, len(a.list))
		for i, v := range a.list {
			out[i] = v.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(a.fields))
		for k, v := range a.fields {
			out[k] = v.Any()
		}
		return out
	default:
		return a.scalar
	}
}

// ParseTyped converts a raw query string into the value type declared for a
// variable. Unknown or empty types are inferred: integers, then decimals, then
// booleans, then strings.
func ParseTyped(raw string, typ VariableType) (any, error) {
	raw = strings.TrimSpace(raw)
	switch typ {
	case VariableInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case VariableDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return Normalize(f), nil
	case VariableBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	case VariableString, VariableCategorical:
		return raw, nil
	case "":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		if b, err := strconv.ParseBool(raw); err == nil {
			return b, nil
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("type %s cannot be queried", typ)
	}
}
