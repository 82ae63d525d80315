package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Operator names a filter node.
type Operator string

// Filter operators understood by every DocumentStore backend.
const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpIn        Operator = "in"
	OpNin       Operator = "nin"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpRegex     Operator = "regex"
	OpExists    Operator = "exists"
	OpElemMatch Operator = "elemMatch"
	OpAnd       Operator = "and"
	OpOr        Operator = "or"
	OpNor       Operator = "nor"
)

// Filter is a backend-neutral predicate tree. Leaf nodes carry a Field and a
// Value (or Values for in/nin); and/or/nor nodes carry Children; elemMatch
// carries a Field and Children evaluated against each array element.
//
// Matching follows document-database semantics: a leaf on an array field
// matches when any element matches, and dotted paths fan out over arrays.
type Filter struct {
	Op       Operator
	Field    string
	Value    any
	Values   []any
	Children []Filter
}

// Eq matches documents whose field equals v.
func Eq(field string, v any) Filter { return Filter{Op: OpEq, Field: field, Value: Normalize(v)} }

// Ne matches documents whose field differs from v.
func Ne(field string, v any) Filter { return Filter{Op: OpNe, Field: field, Value: Normalize(v)} }

// In matches documents whose field equals any of vs.
func In(field string, vs ...any) Filter {
	return Filter{Op: OpIn, Field: field, Values: normalizeAll(vs)}
}

// Nin matches documents whose field equals none of vs.
func Nin(field string, vs ...any) Filter {
	return Filter{Op: OpNin, Field: field, Values: normalizeAll(vs)}
}

// Gt, Gte, Lt and Lte are range comparisons.
func Gt(field string, v any) Filter  { return Filter{Op: OpGt, Field: field, Value: Normalize(v)} }
func Gte(field string, v any) Filter { return Filter{Op: OpGte, Field: field, Value: Normalize(v)} }
func Lt(field string, v any) Filter  { return Filter{Op: OpLt, Field: field, Value: Normalize(v)} }
func Lte(field string, v any) Filter { return Filter{Op: OpLte, Field: field, Value: Normalize(v)} }

// Regex matches string fields against an RE2 pattern.
func Regex(field, pattern string) Filter { return Filter{Op: OpRegex, Field: field, Value: pattern} }

// Exists matches on presence of a field.
func Exists(field string, present bool) Filter {
	return Filter{Op: OpExists, Field: field, Value: present}
}

// ElemMatch matches array fields where a single element satisfies all children.
// Children use element-relative field names.
func ElemMatch(field string, children ...Filter) Filter {
	return Filter{Op: OpElemMatch, Field: field, Children: children}
}

// And combines filters conjunctively, flattening nested ands and dropping
// empty filters. A single surviving child is returned as is.
func And(filters ...Filter) Filter {
	return combine(OpAnd, filters)
}

// Or combines filters disjunctively. Or with no children matches nothing; a
// match-all child makes the whole disjunction match everything.
func Or(filters ...Filter) Filter {
	return combine(OpOr, filters)
}

// Not negates a filter.
func Not(f Filter) Filter {
	return Filter{Op: OpNor, Children: []Filter{f}}
}

func combine(op Operator, filters []Filter) Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f.IsEmpty() {
			if op == OpOr {
				return Filter{}
			}
			continue
		}
		if f.Op == op {
			out = append(out, f.Children...)
			continue
		}
		out = append(out, f)
	}
	if len(out) == 1 {
		return out[0]
	}
	return Filter{Op: op, Children: out}
}

// IsEmpty reports whether the filter matches everything.
func (f Filter) IsEmpty() bool {
	return f.Op == "" || (f.Op == OpAnd && len(f.Children) == 0)
}

// Fields returns the sorted set of top-level fields referenced by leaves.
func (f Filter) Fields() []string {
	seen := map[string]struct{}{}
	var walk func(Filter)
	walk = func(n Filter) {
		if n.Field != "" {
			seen[n.Field] = struct{}{}
		}
		if n.Op == OpElemMatch {
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(f)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String renders the filter for logs and test diagnostics.
func (f Filter) String() string {
	switch f.Op {
	case "":
		return "{}"
	case OpAnd, OpOr, OpNor:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s(%s)", f.Op, strings.Join(parts, ", "))
	case OpElemMatch:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s elemMatch(%s)", f.Field, strings.Join(parts, ", "))
	case OpIn, OpNin:
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Values)
	default:
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
	}
}

func normalizeAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = Normalize(v)
	}
	return out
}

// StatusValues converts statuses to filter values.
func StatusValues(statuses []StatusName) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
