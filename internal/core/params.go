package core

import (
	"catalogcore/pkg/domain"
	"fmt"
	"strings"
)

// ParamType drives how a query value is parsed and compared.
type ParamType int

// Query parameter types.
const (
	ParamString ParamType = iota
	ParamText
	ParamInteger
	ParamDecimal
	ParamBoolean
	ParamDate
	ParamStatus
	ParamAnnotation
)

func (t ParamType) String() string {
	switch t {
	case ParamString:
		return "string"
	case ParamText:
		return "text"
	case ParamInteger:
		return "integer"
	case ParamDecimal:
		return "decimal"
	case ParamBoolean:
		return "boolean"
	case ParamDate:
		return "date"
	case ParamStatus:
		return "status"
	case ParamAnnotation:
		return "annotation"
	}
	return fmt.Sprintf("ParamType(%d)", int(t))
}

// QueryParam maps a public filter name onto a backend key.
type QueryParam struct {
	Name string
	Key  string
	Type ParamType
}

// Markers accepted in a Query without a parameter descriptor.
const (
	MarkerAllVersions     = "allVersions"
	MarkerSnapshot        = "snapshot"
	MarkerAnnotationTypes = "annotationTypes"
	MarkerIncludeDeleted  = "includeDeleted"
	MarkerInternal        = "_internal"
)

var markers = map[string]struct{}{
	MarkerAllVersions:     {},
	MarkerSnapshot:        {},
	MarkerAnnotationTypes: {},
	MarkerIncludeDeleted:  {},
	MarkerInternal:        {},
}

// Attribute map prefixes. All three address the shared attributes map and
// differ only in how the value is typed.
const (
	attributesPrefix  = "attributes."
	bAttributesPrefix = "battributes."
	nAttributesPrefix = "nattributes."
)

// Query is an ordered set of filter name/value pairs.
type Query struct {
	keys   []string
	values map[string]any
}

// NewQuery builds a query from alternating name/value arguments.
func NewQuery(kv ...any) Query {
	q := Query{}
	for i := 0; i+1 < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			continue
		}
		q = q.Set(name, kv[i+1])
	}
	return q
}

// Set assigns a value, keeping the original position of existing names.
func (q Query) Set(name string, value any) Query {
	out := q.Clone()
	if _, exists := out.values[name]; !exists {
		out.keys = append(out.keys, name)
	}
	out.values[name] = value
	return out
}

// Delete removes a name.
func (q Query) Delete(name string) Query {
	out := q.Clone()
	if _, exists := out.values[name]; !exists {
		return out
	}
	delete(out.values, name)
	for i, k := range out.keys {
		if k == name {
			out.keys = append(out.keys[:i], out.keys[i+1:]...)
			break
		}
	}
	return out
}

// Get returns the value for name.
func (q Query) Get(name string) (any, bool) {
	v, ok := q.values[name]
	return v, ok
}

// Has reports whether name is set.
func (q Query) Has(name string) bool {
	_, ok := q.values[name]
	return ok
}

// Keys returns the names in insertion order.
func (q Query) Keys() []string {
	return append([]string(nil), q.keys...)
}

// Len returns the number of names.
func (q Query) Len() int { return len(q.keys) }

// Clone returns an independent copy.
func (q Query) Clone() Query {
	out := Query{
		keys:   append([]string(nil), q.keys...),
		values: make(map[string]any, len(q.values)+1),
	}
	for k, v := range q.values {
		out.values[k] = v
	}
	return out
}

// Bool interprets a marker value as a boolean.
func (q Query) Bool(name string) bool {
	v, ok := q.values[name]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	}
	return false
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.keys))
	for _, k := range q.keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, q.values[k]))
	}
	return strings.Join(parts, "&")
}

var commonParams = []QueryParam{
	{Name: "id", Key: "id", Type: ParamString},
	{Name: "uid", Key: "uid", Type: ParamInteger},
	{Name: "uuid", Key: "uuid", Type: ParamString},
	{Name: "studyUid", Key: "studyUid", Type: ParamInteger},
	{Name: "version", Key: "version", Type: ParamInteger},
	{Name: "release", Key: "release", Type: ParamInteger},
	{Name: "status", Key: "status.name", Type: ParamStatus},
	{Name: "creationDate", Key: "creationDate", Type: ParamDate},
	{Name: "modificationDate", Key: "modificationDate", Type: ParamDate},
	{Name: "annotation", Key: "annotationSets", Type: ParamAnnotation},
	{Name: "annotationSet", Key: "annotationSets.id", Type: ParamString},
	{Name: "variableSet", Key: "annotationSets.variableSetId", Type: ParamString},
	{Name: "description", Key: "description", Type: ParamText},
}

var sampleRefParams = []QueryParam{
	{Name: "samples", Key: "samples.id", Type: ParamString},
	{Name: "samples.id", Key: "samples.id", Type: ParamString},
	{Name: "samples.uid", Key: "samples.uid", Type: ParamInteger},
}

var kindParams = map[domain.EntityType][]QueryParam{
	domain.EntitySample: {
		{Name: "individualId", Key: "individualId", Type: ParamString},
		{Name: "somatic", Key: "somatic", Type: ParamBoolean},
		{Name: "phenotypes", Key: "phenotypes", Type: ParamString},
	},
	domain.EntityCohort: append([]QueryParam{
		{Name: "type", Key: "type", Type: ParamString},
	}, sampleRefParams...),
	domain.EntityFile: append([]QueryParam{
		{Name: "name", Key: "name", Type: ParamText},
		{Name: "path", Key: "path", Type: ParamText},
		{Name: "format", Key: "format", Type: ParamString},
		{Name: "size", Key: "size", Type: ParamInteger},
		{Name: "tags", Key: "tags", Type: ParamString},
	}, sampleRefParams...),
	domain.EntityIndividual: append([]QueryParam{
		{Name: "name", Key: "name", Type: ParamText},
		{Name: "sex", Key: "sex", Type: ParamString},
		{Name: "fatherUid", Key: "fatherUid", Type: ParamInteger},
		{Name: "motherUid", Key: "motherUid", Type: ParamInteger},
	}, sampleRefParams...),
}

// Params returns the filter descriptors of a kind keyed by public name.
func Params(kind domain.EntityType) (map[string]QueryParam, bool) {
	specific, ok := kindParams[kind]
	if !ok {
		return nil, false
	}
	out := make(map[string]QueryParam, len(commonParams)+len(specific))
	for _, p := range commonParams {
		out[p.Name] = p
	}
	for _, p := range specific {
		out[p.Name] = p
	}
	return out, true
}

// HasSampleRefs reports whether documents of kind carry weak sample references.
func HasSampleRefs(kind domain.EntityType) bool {
	switch kind {
	case domain.EntityCohort, domain.EntityFile, domain.EntityIndividual:
		return true
	}
	return false
}

// Kinds lists every catalog kind.
func Kinds() []domain.EntityType {
	return []domain.EntityType{domain.EntitySample, domain.EntityCohort, domain.EntityFile, domain.EntityIndividual}
}

// resolveParam maps a public name to its descriptor, handling attribute
// prefixes and markers. marker is true for whitelisted internal names.
func resolveParam(params map[string]QueryParam, name string) (QueryParam, bool, error) {
	if _, ok := markers[name]; ok {
		return QueryParam{}, true, nil
	}
	if p, ok := params[name]; ok {
		return p, false, nil
	}
	for prefix, typ := range map[string]ParamType{
		attributesPrefix:  ParamText,
		bAttributesPrefix: ParamBoolean,
		nAttributesPrefix: ParamDecimal,
	} {
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
			return QueryParam{Name: name, Key: attributesPrefix + rest, Type: typ}, false, nil
		}
	}
	return QueryParam{}, false, domain.NewFieldError(name, nil, domain.ErrUnknownFilterField)
}
