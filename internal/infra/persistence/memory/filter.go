package memory

import (
	"catalogcore/pkg/domain"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

var regexCache sync.Map

// Match evaluates a filter against a document using document-database
// semantics: dotted paths fan out over arrays and a leaf on an array field
// matches when the array or any of its elements matches.
func Match(doc domain.Document, f domain.Filter) bool {
	return matchMap(map[string]any(doc), f)
}

func matchMap(doc map[string]any, f domain.Filter) bool {
	switch f.Op {
	case "":
		return true
	case domain.OpAnd:
		for _, c := range f.Children {
			if !matchMap(doc, c) {
				return false
			}
		}
		return true
	case domain.OpOr:
		for _, c := range f.Children {
			if matchMap(doc, c) {
				return true
			}
		}
		return false
	case domain.OpNor:
		for _, c := range f.Children {
			if matchMap(doc, c) {
				return false
			}
		}
		return true
	}
	return matchLeaf(resolve(doc, f.Field), f)
}

// matchElement evaluates an element-relative filter against one array
// element. Leaves without a field apply to scalar elements directly.
func matchElement(elem any, f domain.Filter) bool {
	if m, ok := domain.AsMap(elem); ok && !scalarOnly(f) {
		return matchMap(m, f)
	}
	switch f.Op {
	case domain.OpAnd:
		for _, c := range f.Children {
			if !matchElement(elem, c) {
				return false
			}
		}
		return true
	case domain.OpOr:
		for _, c := range f.Children {
			if matchElement(elem, c) {
				return true
			}
		}
		return len(f.Children) == 0
	case domain.OpNor:
		for _, c := range f.Children {
			if matchElement(elem, c) {
				return false
			}
		}
		return true
	}
	if f.Field != "" {
		return false
	}
	return matchLeaf([]any{elem}, f)
}

func scalarOnly(f domain.Filter) bool {
	switch f.Op {
	case domain.OpAnd, domain.OpOr, domain.OpNor:
		for _, c := range f.Children {
			if !scalarOnly(c) {
				return false
			}
		}
		return len(f.Children) > 0
	}
	return f.Field == ""
}

func matchLeaf(values []any, f domain.Filter) bool {
	switch f.Op {
	case domain.OpEq:
		return anyEqual(values, f.Value)
	case domain.OpNe:
		return !anyEqual(values, f.Value)
	case domain.OpIn:
		for _, v := range f.Values {
			if anyEqual(values, v) {
				return true
			}
		}
		return false
	case domain.OpNin:
		for _, v := range f.Values {
			if anyEqual(values, v) {
				return false
			}
		}
		return true
	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		for _, v := range candidates(values) {
			c, ok := compareValues(v, f.Value)
			if !ok {
				continue
			}
			switch {
			case f.Op == domain.OpGt && c > 0,
				f.Op == domain.OpGte && c >= 0,
				f.Op == domain.OpLt && c < 0,
				f.Op == domain.OpLte && c <= 0:
				return true
			}
		}
		return false
	case domain.OpRegex:
		pattern, _ := f.Value.(string)
		re := compile(pattern)
		if re == nil {
			return false
		}
		for _, v := range candidates(values) {
			if s, ok := v.(string); ok && re.MatchString(s) {
				return true
			}
		}
		return false
	case domain.OpExists:
		want, _ := f.Value.(bool)
		return (len(values) > 0) == want
	case domain.OpElemMatch:
		inner := domain.And(f.Children...)
		for _, v := range values {
			arr, ok := v.([]any)
			if !ok {
				continue
			}
			for _, elem := range arr {
				if matchElement(elem, inner) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func compile(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}

// resolve returns every value reachable at path. Arrays met before the last
// segment fan out into their map elements.
func resolve(doc map[string]any, path string) []any {
	if path == "" {
		return nil
	}
	current := []any{doc}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			switch t := node.(type) {
			case []any:
				for _, elem := range t {
					if m, ok := domain.AsMap(elem); ok {
						if v, ok := m[part]; ok {
							next = append(next, v)
						}
					}
				}
			default:
				if m, ok := domain.AsMap(node); ok {
					if v, ok := m[part]; ok {
						next = append(next, v)
					}
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// candidates expands terminal arrays so each element is compared on its own.
func candidates(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func flatten(values []any) []any { return candidates(values) }

func anyEqual(values []any, target any) bool {
	if target == nil && len(values) == 0 {
		return true
	}
	for _, v := range values {
		if valuesEqual(v, target) {
			return true
		}
		if arr, ok := v.([]any); ok {
			for _, elem := range arr {
				if valuesEqual(elem, target) {
					return true
				}
			}
		}
	}
	return false
}

func containsValue(values []any, target any) bool {
	for _, v := range values {
		if valuesEqual(v, target) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if fa, ok := domain.Float64(a); ok {
		fb, ok := domain.Float64(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(domain.Normalize(a), domain.Normalize(b))
}

// compareValues orders numbers, strings and booleans. ok is false when the
// values are not comparable.
func compareValues(a, b any) (int, bool) {
	if fa, ok := domain.Float64(a); ok {
		fb, ok := domain.Float64(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(ta, tb), true
	case bool:
		tb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ta == tb:
			return 0, true
		case !ta:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
	}
	return 0, false
}
