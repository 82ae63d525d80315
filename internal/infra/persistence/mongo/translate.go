package mongo

import (
	"catalogcore/pkg/domain"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Filter translates a domain filter into a MongoDB query document.
func Filter(f domain.Filter) (bson.M, error) {
	switch f.Op {
	case "":
		return bson.M{}, nil
	case domain.OpAnd, domain.OpOr, domain.OpNor:
		children := make(bson.A, 0, len(f.Children))
		for _, c := range f.Children {
			q, err := Filter(c)
			if err != nil {
				return nil, err
			}
			children = append(children, q)
		}
		switch {
		case len(children) > 0:
			return bson.M{"$" + string(f.Op): children}, nil
		case f.Op == domain.OpOr:
			return bson.M{"$nor": bson.A{bson.M{}}}, nil
		}
		return bson.M{}, nil
	}
	if f.Field == "" {
		return nil, fmt.Errorf("filter %s: field required at document level", f.Op)
	}
	cond, err := condition(f)
	if err != nil {
		return nil, err
	}
	return bson.M{f.Field: cond}, nil
}

// condition renders the operator half of a leaf.
func condition(f domain.Filter) (bson.M, error) {
	switch f.Op {
	case domain.OpEq, domain.OpNe, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		return bson.M{"$" + string(f.Op): f.Value}, nil
	case domain.OpIn, domain.OpNin:
		values := f.Values
		if values == nil {
			values = []any{}
		}
		return bson.M{"$" + string(f.Op): bson.A(values)}, nil
	case domain.OpRegex:
		return bson.M{"$regex": f.Value}, nil
	case domain.OpExists:
		return bson.M{"$exists": f.Value}, nil
	case domain.OpElemMatch:
		inner, err := elementFilter(domain.And(f.Children...))
		if err != nil {
			return nil, err
		}
		return bson.M{"$elemMatch": inner}, nil
	}
	return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
}

// elementFilter renders an element-relative filter as used by $elemMatch and
// $pull. Leaves without a field address scalar elements directly.
func elementFilter(f domain.Filter) (bson.M, error) {
	if f.Op == domain.OpAnd {
		out := bson.M{}
		for _, c := range f.Children {
			if c.Field != "" || c.Op == domain.OpAnd || c.Op == domain.OpOr || c.Op == domain.OpNor {
				q, err := Filter(c)
				if err != nil {
					return nil, err
				}
				out["$and"] = append(asArray(out["$and"]), q)
				continue
			}
			cond, err := condition(c)
			if err != nil {
				return nil, err
			}
			for k, v := range cond {
				out[k] = v
			}
		}
		return out, nil
	}
	if f.Field == "" && f.Op != domain.OpOr && f.Op != domain.OpNor && f.Op != "" {
		return condition(f)
	}
	return Filter(f)
}

func asArray(v any) bson.A {
	if arr, ok := v.(bson.A); ok {
		return arr
	}
	return bson.A{}
}

// Update translates a domain update into a MongoDB update document.
func Update(u domain.Update) (bson.M, error) {
	out := bson.M{}
	if len(u.Set) > 0 {
		set := bson.M{}
		for k, v := range u.Set {
			set[k] = v
		}
		out["$set"] = set
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, k := range u.Unset {
			unset[k] = ""
		}
		out["$unset"] = unset
	}
	if len(u.AddToSet) > 0 {
		add := bson.M{}
		for k, vs := range u.AddToSet {
			add[k] = bson.M{"$each": bson.A(vs)}
		}
		out["$addToSet"] = add
	}
	if len(u.Pull) > 0 {
		pull := bson.M{}
		for k, f := range u.Pull {
			q, err := elementFilter(f)
			if err != nil {
				return nil, fmt.Errorf("pull %s: %w", k, err)
			}
			pull[k] = q
		}
		out["$pull"] = pull
	}
	if len(u.PullAll) > 0 {
		pullAll := bson.M{}
		for k, vs := range u.PullAll {
			pullAll[k] = bson.A(vs)
		}
		out["$pullAll"] = pullAll
	}
	if len(u.Inc) > 0 {
		inc := bson.M{}
		for k, v := range u.Inc {
			inc[k] = v
		}
		out["$inc"] = inc
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty update: %w", domain.ErrInvalidUpdate)
	}
	return out, nil
}

// Sort renders sort keys as an ordered bson document.
func Sort(keys []domain.SortKey) bson.D {
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		dir := 1
		if k.Descending {
			dir = -1
		}
		out = append(out, bson.E{Key: k.Field, Value: dir})
	}
	return out
}

// Projection renders an inclusion projection.
func Projection(keys []string) bson.M {
	if len(keys) == 0 {
		return nil
	}
	out := bson.M{}
	for _, k := range keys {
		out[k] = 1
	}
	return out
}

// FromBSON converts decoded driver values into plain document values.
func FromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		return fromMap(map[string]any(t))
	case map[string]any:
		return fromMap(t)
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = FromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = FromBSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = FromBSON(inner)
		}
		return out
	case bson.DateTime:
		return t.Time().UTC().Format("20060102150405")
	default:
		return domain.Normalize(v)
	}
}

func fromMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, inner := range m {
		out[k] = FromBSON(inner)
	}
	return out
}
