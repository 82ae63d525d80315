package core

import (
	"catalogcore/pkg/domain"
	"fmt"
	"sort"
	"strings"
)

// AnnotationTypes maps "<variableSetId>:<variable>" or a bare variable name
// to its declared type. It lets the compiler type annotation operands without
// loading the variable set.
type AnnotationTypes map[string]domain.VariableType

func (t AnnotationTypes) lookup(variableSet, variable string) domain.VariableType {
	if t == nil {
		return ""
	}
	if typ, ok := t[variableSet+":"+variable]; ok {
		return typ
	}
	return t[variable]
}

// parseAnnotationTypes reads the annotationTypes marker, either a map or a
// "vs:var=TYPE,var2=TYPE" string.
func parseAnnotationTypes(v any) (AnnotationTypes, error) {
	out := AnnotationTypes{}
	switch t := v.(type) {
	case nil:
		return out, nil
	case AnnotationTypes:
		return t, nil
	case map[string]domain.VariableType:
		return AnnotationTypes(t), nil
	case map[string]string:
		for k, typ := range t {
			out[k] = domain.VariableType(strings.ToUpper(typ))
		}
		return out, nil
	case string:
		for _, pair := range strings.Split(t, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, typ, ok := strings.Cut(pair, "=")
			if !ok || name == "" || typ == "" {
				return nil, malformed(MarkerAnnotationTypes, pair, "expected name=TYPE")
			}
			out[strings.TrimSpace(name)] = domain.VariableType(strings.ToUpper(strings.TrimSpace(typ)))
		}
		return out, nil
	}
	return nil, malformed(MarkerAnnotationTypes, v, "unsupported value")
}

type annotationTerm struct {
	variable string
	expr     string
}

// compileAnnotation turns "vs1:age>30;vs1:sex=F;vs2:tag=x" into one
// elemMatch over annotationSets per variable set. A bare variable set id
// matches entities annotated with that set.
func compileAnnotation(param QueryParam, value any, types AnnotationTypes) (domain.Filter, error) {
	raw, ok := value.(string)
	if !ok {
		if list, isList := value.([]string); isList {
			raw = strings.Join(list, ";")
		} else {
			return domain.Filter{}, malformed(param.Name, value, "annotation filters are strings")
		}
	}
	grouped := map[string][]annotationTerm{}
	var order []string
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		vs, rest, hasVar := strings.Cut(part, ":")
		vs = strings.TrimSpace(vs)
		if vs == "" {
			return domain.Filter{}, malformed(param.Name, part, "missing variable set id")
		}
		if _, seen := grouped[vs]; !seen {
			order = append(order, vs)
			grouped[vs] = nil
		}
		if !hasVar {
			continue
		}
		idx := strings.IndexAny(rest, "!=<>~")
		if idx <= 0 {
			return domain.Filter{}, malformed(param.Name, part, "expected <variable><operator><value>")
		}
		grouped[vs] = append(grouped[vs], annotationTerm{
			variable: strings.TrimSpace(rest[:idx]),
			expr:     rest[idx:],
		})
	}
	if len(order) == 0 {
		return domain.Filter{}, malformed(param.Name, raw, "empty annotation filter")
	}
	clauses := make([]domain.Filter, 0, len(order))
	for _, vs := range order {
		inner := []domain.Filter{domain.Eq("variableSetId", vs)}
		terms := grouped[vs]
		sort.SliceStable(terms, func(i, j int) bool { return terms[i].variable < terms[j].variable })
		for _, term := range terms {
			typ := types.lookup(vs, term.variable)
			leaf := QueryParam{
				Name: fmt.Sprintf("%s:%s", vs, term.variable),
				Key:  "annotations." + term.variable,
				Type: ParamText,
			}
			parse := func(raw string) (any, error) { return domain.ParseTyped(raw, typ) }
			f, err := compileString(leaf, term.expr, parse)
			if err != nil {
				return domain.Filter{}, err
			}
			inner = append(inner, f)
		}
		clauses = append(clauses, domain.ElemMatch(param.Key, inner...))
	}
	return domain.And(clauses...), nil
}
