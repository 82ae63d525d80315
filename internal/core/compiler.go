package core

import (
	"catalogcore/pkg/domain"
	"fmt"
	"strings"
)

// CompileOptions carries request-scoped inputs of filter compilation.
type CompileOptions struct {
	// Authorization is the viewer predicate; it is always AND-ed in.
	Authorization *domain.Filter
	// AnnotationTypes types annotation operands. The annotationTypes marker
	// in the query is merged over it.
	AnnotationTypes AnnotationTypes
}

// Compiler translates catalog queries into backend-neutral filters.
type Compiler struct{}

// NewCompiler constructs a compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile resolves every query name through the kind's parameter descriptors
// and returns the conjunction of the resulting clauses plus default status
// and version scoping. Any error aborts the whole translation.
func (c *Compiler) Compile(kind domain.EntityType, q Query, opts CompileOptions) (domain.Filter, error) {
	params, ok := Params(kind)
	if !ok {
		return domain.Filter{}, fmt.Errorf("compile: unknown entity kind %q", kind)
	}
	types := AnnotationTypes{}
	for k, v := range opts.AnnotationTypes {
		types[k] = v
	}
	if raw, has := q.Get(MarkerAnnotationTypes); has {
		parsed, err := parseAnnotationTypes(raw)
		if err != nil {
			return domain.Filter{}, err
		}
		for k, v := range parsed {
			types[k] = v
		}
	}

	var clauses []domain.Filter
	hasStatus := false
	for _, name := range q.Keys() {
		value, _ := q.Get(name)
		param, marker, err := resolveParam(params, name)
		if err != nil {
			return domain.Filter{}, err
		}
		if marker {
			continue
		}
		var clause domain.Filter
		switch param.Type {
		case ParamStatus:
			hasStatus = true
			clause, err = compileStatus(param, value)
		case ParamAnnotation:
			clause, err = compileAnnotation(param, value, types)
		default:
			clause, err = compileExpression(param, value, nil)
		}
		if err != nil {
			return domain.Filter{}, err
		}
		clauses = append(clauses, clause)
	}

	if !hasStatus && !q.Bool(MarkerIncludeDeleted) {
		clauses = append(clauses, domain.In("status.name", domain.StatusValues(domain.VisibleStatuses)...))
	}
	scope, err := ScopesVersion(q)
	if err != nil {
		return domain.Filter{}, err
	}
	clauses = append(clauses, scope)
	if opts.Authorization != nil {
		clauses = append(clauses, *opts.Authorization)
	}
	return domain.And(clauses...), nil
}

// compileStatus rewrites status expressions, including negative ones, into a
// positive IN over the statuses they admit.
func compileStatus(param QueryParam, value any) (domain.Filter, error) {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case domain.StatusName:
		raw = string(v)
	case []string:
		raw = strings.Join(v, ",")
	case []domain.StatusName:
		parts := make([]string, len(v))
		for i, s := range v {
			parts[i] = string(s)
		}
		raw = strings.Join(parts, ",")
	default:
		return domain.Filter{}, malformed(param.Name, value, "status filters are strings")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Filter{}, malformed(param.Name, raw, "empty value")
	}
	hasOr := strings.Contains(raw, ",")
	hasAnd := strings.Contains(raw, ";")
	if hasOr && hasAnd {
		return domain.Filter{}, malformed(param.Name, raw, "cannot mix ',' and ';'")
	}
	sep := ","
	if hasAnd {
		sep = ";"
	}
	var admitted map[domain.StatusName]bool
	for _, term := range strings.Split(raw, sep) {
		term = strings.TrimSpace(term)
		negate := false
		switch {
		case strings.HasPrefix(term, "!="):
			negate, term = true, term[2:]
		case strings.HasPrefix(term, "!"):
			negate, term = true, term[1:]
		case strings.HasPrefix(term, "="):
			term = term[1:]
		}
		name := domain.StatusName(strings.ToUpper(strings.TrimSpace(term)))
		if !name.Valid() {
			return domain.Filter{}, malformed(param.Name, term, "unknown status")
		}
		set := map[domain.StatusName]bool{name: true}
		if negate {
			set = map[domain.StatusName]bool{}
			for _, s := range domain.StatusesExcept(name) {
				set[s] = true
			}
		}
		switch {
		case admitted == nil:
			admitted = set
		case hasAnd:
			for s := range admitted {
				if !set[s] {
					delete(admitted, s)
				}
			}
		default:
			for s := range set {
				admitted[s] = true
			}
		}
	}
	values := make([]any, 0, len(admitted))
	for _, s := range domain.AllStatuses {
		if admitted[s] {
			values = append(values, string(s))
		}
	}
	if len(values) == 1 {
		return domain.Eq(param.Key, values[0]), nil
	}
	return domain.In(param.Key, values...), nil
}
