package domain

import "sort"

// Update is a backend-neutral mutation applied to every matched document.
//
// Pull removes array elements matching an element-relative filter; PullAll
// removes array elements equal to any listed value. A key must appear in at
// most one operation.
type Update struct {
	Set      map[string]any
	Unset    []string
	AddToSet map[string][]any
	Pull     map[string]Filter
	PullAll  map[string][]any
	Inc      map[string]int64
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{}
}

// SetField records a $set.
func (u *Update) SetField(key string, value any) *Update {
	if u.Set == nil {
		u.Set = map[string]any{}
	}
	u.Set[key] = Normalize(value)
	return u
}

// UnsetField records an $unset.
func (u *Update) UnsetField(key string) *Update {
	u.Unset = append(u.Unset, key)
	return u
}

// AddToSetField records an $addToSet of each value.
func (u *Update) AddToSetField(key string, values ...any) *Update {
	if u.AddToSet == nil {
		u.AddToSet = map[string][]any{}
	}
	u.AddToSet[key] = append(u.AddToSet[key], normalizeAll(values)...)
	return u
}

// PullWhere records a $pull of elements matching f.
func (u *Update) PullWhere(key string, f Filter) *Update {
	if u.Pull == nil {
		u.Pull = map[string]Filter{}
	}
	u.Pull[key] = f
	return u
}

// PullValues records a $pullAll.
func (u *Update) PullValues(key string, values ...any) *Update {
	if u.PullAll == nil {
		u.PullAll = map[string][]any{}
	}
	u.PullAll[key] = append(u.PullAll[key], normalizeAll(values)...)
	return u
}

// IncField records an $inc.
func (u *Update) IncField(key string, delta int64) *Update {
	if u.Inc == nil {
		u.Inc = map[string]int64{}
	}
	u.Inc[key] += delta
	return u
}

// IsEmpty reports whether the update changes nothing.
func (u *Update) IsEmpty() bool {
	return u == nil || (len(u.Set) == 0 && len(u.Unset) == 0 && len(u.AddToSet) == 0 &&
		len(u.Pull) == 0 && len(u.PullAll) == 0 && len(u.Inc) == 0)
}

// Keys returns every key touched by the update, sorted.
func (u *Update) Keys() []string {
	if u == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for k := range u.Set {
		seen[k] = struct{}{}
	}
	for _, k := range u.Unset {
		seen[k] = struct{}{}
	}
	for k := range u.AddToSet {
		seen[k] = struct{}{}
	}
	for k := range u.Pull {
		seen[k] = struct{}{}
	}
	for k := range u.PullAll {
		seen[k] = struct{}{}
	}
	for k := range u.Inc {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
