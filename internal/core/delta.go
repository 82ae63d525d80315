package core

import (
	"catalogcore/pkg/domain"
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// UpdateAction selects how a list or map field of an update combines with the
// stored value.
type UpdateAction string

// Update actions. SET is the default for every field.
const (
	ActionSet    UpdateAction = "SET"
	ActionAdd    UpdateAction = "ADD"
	ActionRemove UpdateAction = "REMOVE"
)

// UpdateParams carries the new values of an update keyed by field name.
type UpdateParams map[string]any

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldInteger
	fieldBoolean
	fieldStringList
	fieldMap
	fieldSampleRefs
	fieldAnnotationSets
)

func (k fieldKind) collection() bool {
	switch k {
	case fieldStringList, fieldMap, fieldSampleRefs, fieldAnnotationSets:
		return true
	}
	return false
}

var commonFields = map[string]fieldKind{
	keyID:             fieldString,
	"attributes":      fieldMap,
	keyAnnotationSets: fieldAnnotationSets,
}

var kindFields = map[domain.EntityType]map[string]fieldKind{
	domain.EntitySample: {
		"description":  fieldString,
		"individualId": fieldString,
		"somatic":      fieldBoolean,
		"phenotypes":   fieldStringList,
		"processing":   fieldMap,
	},
	domain.EntityCohort: {
		"description": fieldString,
		"type":        fieldString,
		keySamples:    fieldSampleRefs,
	},
	domain.EntityFile: {
		"description": fieldString,
		"name":        fieldString,
		"path":        fieldString,
		"format":      fieldString,
		"size":        fieldInteger,
		"tags":        fieldStringList,
		keySamples:    fieldSampleRefs,
	},
	domain.EntityIndividual: {
		"name":      fieldString,
		"sex":       fieldString,
		"fatherUid": fieldInteger,
		"motherUid": fieldInteger,
		keySamples:  fieldSampleRefs,
	},
}

func updatableField(kind domain.EntityType, name string) (fieldKind, bool) {
	if k, ok := commonFields[name]; ok {
		return k, true
	}
	k, ok := kindFields[kind][name]
	return k, ok
}

// ValidateUpdate checks an update against the updatable fields of kind
// without touching the store.
func ValidateUpdate(kind domain.EntityType, params UpdateParams, actions map[string]UpdateAction) error {
	if len(params) == 0 {
		return fmt.Errorf("%s update: %w", kind, domain.ErrInvalidUpdate)
	}
	for name, action := range actions {
		if _, ok := params[name]; !ok {
			return domain.NewFieldError(name, action, fmt.Errorf("action without value: %w", domain.ErrInvalidUpdate))
		}
	}
	for _, name := range sortedKeys(params) {
		value := params[name]
		fk, ok := updatableField(kind, name)
		if !ok {
			return domain.NewFieldError(name, nil, fmt.Errorf("not updatable on %s: %w", kind, domain.ErrInvalidUpdate))
		}
		action := actionFor(actions, name)
		switch action {
		case ActionSet, ActionAdd, ActionRemove:
		default:
			return domain.NewFieldError(name, action, fmt.Errorf("unknown action: %w", domain.ErrInvalidUpdate))
		}
		if action != ActionSet && !fk.collection() {
			return domain.NewFieldError(name, action, fmt.Errorf("action applies to lists and maps only: %w", domain.ErrInvalidUpdate))
		}
		if err := checkValue(name, fk, value); err != nil {
			return err
		}
	}
	if raw, ok := params["type"]; ok && kind == domain.EntityCohort {
		if !validCohortType(fmt.Sprint(raw)) {
			return domain.NewFieldError("type", raw, fmt.Errorf("unknown cohort type: %w", domain.ErrInvalidUpdate))
		}
	}
	return nil
}

func checkValue(name string, fk fieldKind, value any) error {
	bad := func(reason string) error {
		return domain.NewFieldError(name, value, fmt.Errorf("%s: %w", reason, domain.ErrInvalidUpdate))
	}
	switch fk {
	case fieldString:
		s, ok := value.(string)
		if !ok {
			return bad("expected a string")
		}
		if name == keyID && strings.TrimSpace(s) == "" {
			return bad("id cannot be empty")
		}
	case fieldInteger:
		if _, ok := domain.Int64(domain.Normalize(value)); !ok {
			return bad("expected an integer")
		}
	case fieldBoolean:
		if _, ok := value.(bool); !ok {
			return bad("expected a boolean")
		}
	case fieldStringList:
		if _, err := stringList(value); err != nil {
			return bad(err.Error())
		}
	case fieldMap:
		if _, ok := domain.AsMap(domain.Normalize(value)); !ok {
			if _, isList := value.([]string); !isList {
				return bad("expected a map")
			}
		}
	case fieldSampleRefs:
		if _, err := refSelectors(value); err != nil {
			return bad(err.Error())
		}
	case fieldAnnotationSets:
		if _, err := annotationSets(value); err != nil {
			return bad(err.Error())
		}
	}
	return nil
}

func validCohortType(s string) bool {
	switch domain.CohortType(s) {
	case domain.CohortCaseControl, domain.CohortCaseSet, domain.CohortControlSet,
		domain.CohortCollection, domain.CohortFamily, domain.CohortTimeSeries:
		return true
	}
	return false
}

func actionFor(actions map[string]UpdateAction, name string) UpdateAction {
	if a, ok := actions[name]; ok && a != "" {
		return UpdateAction(strings.ToUpper(string(a)))
	}
	return ActionSet
}

// entityDelta is an update translated against one stored entity.
type entityDelta struct {
	update domain.Update
	after  domain.Document
	rename string
}

// translateDelta builds the backend update for one entity. Sample references
// are resolved inside ctx, so it must run in the entity transaction.
func translateDelta(ctx context.Context, store domain.DocumentStore, kind domain.EntityType, before domain.Document,
	params UpdateParams, actions map[string]UpdateAction, now string,
) (entityDelta, error) {
	update := domain.NewUpdate()
	after := before.Clone()
	delta := entityDelta{}
	studyUID := before.Int(keyStudyUID)

	for _, name := range sortedKeys(params) {
		value := params[name]
		fk, _ := updatableField(kind, name)
		action := actionFor(actions, name)
		switch fk {
		case fieldString, fieldInteger, fieldBoolean:
			v := domain.Normalize(value)
			if name == keyID {
				s := strings.TrimSpace(value.(string))
				if s == before.String(keyID) {
					continue
				}
				delta.rename, v = s, s
			} else if sameValue(valueAt(after, name), v) {
				continue
			}
			update.SetField(name, v)
			after.Set(name, v)
		case fieldStringList:
			list, _ := stringList(value)
			next := applyList(stringsToAny(list), current(after, name), action, func(a, b any) bool { return a == b })
			if sameValue(valueAt(after, name), next) {
				continue
			}
			switch action {
			case ActionAdd:
				update.AddToSetField(name, stringsToAny(list)...)
			case ActionRemove:
				update.PullValues(name, stringsToAny(list)...)
			default:
				update.SetField(name, next)
			}
			after.Set(name, next)
		case fieldMap:
			next, changed, err := applyMap(update, after, name, value, action)
			if err != nil {
				return entityDelta{}, err
			}
			if changed {
				after.Set(name, next)
			}
		case fieldSampleRefs:
			selectors, _ := refSelectors(value)
			stored := current(after, name)
			if action == ActionRemove {
				next := make([]any, 0, len(stored))
				var uids, ids []any
				for _, sel := range selectors {
					if sel.uid != 0 {
						uids = append(uids, sel.uid)
					} else {
						ids = append(ids, sel.id)
					}
				}
				for _, r := range stored {
					if !matchesSelector(r, selectors) {
						next = append(next, r)
					}
				}
				if len(next) == len(stored) {
					continue
				}
				var pull []domain.Filter
				if len(uids) > 0 {
					pull = append(pull, domain.In(keyUID, uids...))
				}
				if len(ids) > 0 {
					pull = append(pull, domain.In(keyID, ids...))
				}
				update.PullWhere(name, domain.Or(pull...))
				after.Set(name, next)
				continue
			}
			refs, err := resolveSampleRefs(ctx, store, studyUID, selectors)
			if err != nil {
				return entityDelta{}, err
			}
			sameUID := func(a, b any) bool { return refUID(a) == refUID(b) }
			next := applyList(refs, stored, action, sameUID)
			if sameValue(stored, next) {
				continue
			}
			if action == ActionAdd {
				var added []any
				for _, r := range refs {
					if !containsFunc(stored, r, sameUID) {
						added = append(added, r)
					}
				}
				if len(added) > 0 {
					update.AddToSetField(name, added...)
				}
			} else {
				update.SetField(name, next)
			}
			after.Set(name, next)
		case fieldAnnotationSets:
			sets, _ := annotationSets(value)
			sameSet := func(a, b any) bool { return annotationSetID(a) == annotationSetID(b) }
			stored := current(after, name)
			var next []any
			if action == ActionAdd {
				next = make([]any, 0, len(stored)+len(sets))
				for _, s := range stored {
					if !containsFunc(sets, s, sameSet) {
						next = append(next, s)
					}
				}
				next = append(next, sets...)
			} else {
				next = applyList(sets, stored, action, sameSet)
			}
			if sameValue(stored, next) {
				continue
			}
			update.SetField(name, next)
			after.Set(name, next)
		}
	}
	if update.IsEmpty() {
		return entityDelta{update: *update, after: after}, nil
	}
	update.SetField(keyModificationDate, now)
	after.Set(keyModificationDate, now)
	delta.update = *update
	delta.after = after
	return delta, nil
}

func applyMap(update *domain.Update, after domain.Document, name string, value any, action UpdateAction) (map[string]any, bool, error) {
	stored, _ := domain.AsMap(valueAt(after, name))
	next := make(map[string]any, len(stored))
	for k, v := range stored {
		next[k] = v
	}
	switch action {
	case ActionRemove:
		var keys []string
		if list, ok := value.([]string); ok {
			keys = list
		} else {
			m, _ := domain.AsMap(domain.Normalize(value))
			for k := range m {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var unset []string
		for _, k := range keys {
			if _, ok := next[k]; ok {
				unset = append(unset, k)
				delete(next, k)
			}
		}
		for _, k := range unset {
			update.UnsetField(name + "." + k)
		}
		return next, len(unset) > 0, nil
	case ActionAdd:
		m, ok := domain.AsMap(domain.Normalize(value))
		if !ok {
			return nil, false, domain.NewFieldError(name, value, fmt.Errorf("expected a map: %w", domain.ErrInvalidUpdate))
		}
		changed := false
		for _, k := range sortedKeys(m) {
			if prev, ok := next[k]; ok && sameValue(prev, m[k]) {
				continue
			}
			update.SetField(name+"."+k, m[k])
			next[k] = m[k]
			changed = true
		}
		return next, changed, nil
	default:
		m, ok := domain.AsMap(domain.Normalize(value))
		if !ok {
			return nil, false, domain.NewFieldError(name, value, fmt.Errorf("expected a map: %w", domain.ErrInvalidUpdate))
		}
		if sameValue(stored, m) {
			return next, false, nil
		}
		update.SetField(name, m)
		return m, true, nil
	}
}

// sameValue reports whether writing next over prev would leave the stored
// value as it is. Missing and empty containers compare equal.
func sameValue(prev, next any) bool {
	prev, next = domain.Normalize(prev), domain.Normalize(next)
	if isEmptyValue(prev) && isEmptyValue(next) {
		return true
	}
	return reflect.DeepEqual(prev, next)
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// applyList combines incoming values with the stored list according to
// action, using same to detect duplicates.
func applyList(incoming, stored []any, action UpdateAction, same func(a, b any) bool) []any {
	switch action {
	case ActionAdd:
		out := append([]any(nil), stored...)
		for _, v := range incoming {
			if !containsFunc(out, v, same) {
				out = append(out, v)
			}
		}
		return out
	case ActionRemove:
		out := make([]any, 0, len(stored))
		for _, v := range stored {
			if !containsFunc(incoming, v, same) {
				out = append(out, v)
			}
		}
		return out
	default:
		out := make([]any, 0, len(incoming))
		for _, v := range incoming {
			if !containsFunc(out, v, same) {
				out = append(out, v)
			}
		}
		return out
	}
}

func containsFunc(list []any, v any, same func(a, b any) bool) bool {
	for _, item := range list {
		if same(item, v) {
			return true
		}
	}
	return false
}

func current(doc domain.Document, name string) []any {
	list, _ := valueAt(doc, name).([]any)
	return list
}

func valueAt(doc domain.Document, name string) any {
	v, _ := doc.Get(name)
	return v
}

// refSelector names one sample either by human id or by uid.
type refSelector struct {
	id  string
	uid int64
}

func refSelectors(value any) ([]refSelector, error) {
	if value == nil {
		return nil, nil
	}
	var out []refSelector
	add := func(v any) error {
		switch t := domain.Normalize(v).(type) {
		case string:
			for _, part := range strings.Split(t, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, refSelector{id: part})
				}
			}
		case int64:
			out = append(out, refSelector{uid: t})
		case map[string]any:
			ref := refSelector{}
			if uid, ok := domain.Int64(t[keyUID]); ok {
				ref.uid = uid
			}
			ref.id, _ = t[keyID].(string)
			if ref.uid == 0 && ref.id == "" {
				return fmt.Errorf("sample reference needs id or uid")
			}
			out = append(out, ref)
		default:
			return fmt.Errorf("unsupported sample reference %T", v)
		}
		return nil
	}
	switch t := value.(type) {
	case []domain.Reference:
		for _, r := range t {
			out = append(out, refSelector{id: r.ID, uid: r.UID})
		}
		return out, nil
	case []domain.Sample:
		for _, s := range t {
			out = append(out, refSelector{id: s.ID, uid: s.UID})
		}
		return out, nil
	}
	switch t := domain.Normalize(value).(type) {
	case []any:
		for _, v := range t {
			if err := add(v); err != nil {
				return nil, err
			}
		}
	default:
		if err := add(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// resolveSampleRefs looks up visible last versions of the selected samples.
// A selector without a match fails with ErrReferentialIntegrity.
func resolveSampleRefs(ctx context.Context, store domain.DocumentStore, studyUID int64, selectors []refSelector) ([]any, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	var ids, uids []any
	for _, s := range selectors {
		if s.uid != 0 {
			uids = append(uids, s.uid)
		} else {
			ids = append(ids, s.id)
		}
	}
	var anyOf []domain.Filter
	if len(ids) > 0 {
		anyOf = append(anyOf, domain.In(keyID, ids...))
	}
	if len(uids) > 0 {
		anyOf = append(anyOf, domain.In(keyUID, uids...))
	}
	cur, err := store.Collection(domain.EntitySample.Collection()).Find(ctx, domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq(keyLastOfVersion, true),
		domain.In(keyStatusName, domain.StatusValues(domain.VisibleStatuses)...),
		domain.Or(anyOf...),
	), domain.FindOptions{Projection: []string{keyID, keyUID, keyVersion}})
	if err != nil {
		return nil, err
	}
	docs, err := domain.Drain(ctx, cur)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Document, len(docs))
	byUID := make(map[int64]domain.Document, len(docs))
	for _, d := range docs {
		byID[d.String(keyID)] = d
		byUID[d.Int(keyUID)] = d
	}
	out := make([]any, 0, len(selectors))
	var missing []string
	for _, s := range selectors {
		d, ok := byUID[s.uid]
		if s.uid == 0 {
			d, ok = byID[s.id]
		}
		if !ok {
			if s.uid != 0 {
				missing = append(missing, fmt.Sprint(s.uid))
			} else {
				missing = append(missing, s.id)
			}
			continue
		}
		out = append(out, map[string]any{keyID: d.String(keyID), keyUID: d.Int(keyUID), keyVersion: d.Int(keyVersion)})
	}
	if len(missing) > 0 {
		return nil, domain.NewFieldError(keySamples, strings.Join(missing, ","),
			fmt.Errorf("samples not found: %w", domain.ErrReferentialIntegrity))
	}
	return out, nil
}

func matchesSelector(ref any, selectors []refSelector) bool {
	m, _ := domain.AsMap(ref)
	id, _ := m[keyID].(string)
	uid, _ := domain.Int64(m[keyUID])
	for _, s := range selectors {
		if (s.uid != 0 && s.uid == uid) || (s.uid == 0 && s.id == id) {
			return true
		}
	}
	return false
}

func refUID(v any) int64 {
	m, _ := domain.AsMap(v)
	uid, _ := domain.Int64(m[keyUID])
	return uid
}

func annotationSetID(v any) string {
	m, _ := domain.AsMap(v)
	id, _ := m[keyID].(string)
	return id
}

func annotationSets(value any) ([]any, error) {
	if typed, ok := value.([]domain.AnnotationSet); ok {
		out := make([]any, len(typed))
		for i, s := range typed {
			doc, err := domain.ToDocument(s)
			if err != nil {
				return nil, err
			}
			out[i] = map[string]any(doc)
		}
		return checkAnnotationSets(out)
	}
	list, ok := domain.Normalize(value).([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of annotation sets")
	}
	return checkAnnotationSets(list)
}

func checkAnnotationSets(list []any) ([]any, error) {
	for _, item := range list {
		m, ok := domain.AsMap(item)
		if !ok {
			return nil, fmt.Errorf("annotation set must be an object")
		}
		if id, _ := m[keyID].(string); id == "" {
			return nil, fmt.Errorf("annotation set without id")
		}
	}
	return list, nil
}

func stringList(value any) ([]string, error) {
	switch t := value.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", v)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings, got %s", reflect.TypeOf(value))
}

func stringsToAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
