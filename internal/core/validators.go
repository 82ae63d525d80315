package core

import (
	"catalogcore/pkg/domain"
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Rule validates one entity change before its transaction commits.
type Rule = domain.Rule

// DefaultRules returns the validators every catalog runs.
func DefaultRules() []Rule {
	return []Rule{UniqueIDRule(), IndividualReferenceRule(), ParentReferenceRule(), AnnotationSchemaRule()}
}

func changed(change domain.Change, key string) bool {
	if change.Action == domain.ActionCreate {
		_, ok := change.After.Get(key)
		return ok
	}
	before, _ := change.Before.Get(key)
	after, _ := change.After.Get(key)
	return !reflect.DeepEqual(before, after)
}

func blocking(rule string, change domain.Change, err error) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  err.Error(),
		Entity:   change.Entity,
		EntityID: change.After.String(keyID),
		Err:      err,
	}
}

// UniqueIDRule rejects a human id already held by another active entity of
// the same kind in the study.
func UniqueIDRule() Rule { return uniqueIDRule{} }

type uniqueIDRule struct{}

func (uniqueIDRule) Name() string { return "unique_id" }

func (r uniqueIDRule) Evaluate(ctx context.Context, view domain.RuleView, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if !changed(change, keyID) {
		return res, nil
	}
	id := change.After.String(keyID)
	n, err := view.Collection(change.Entity.Collection()).Count(ctx, activeByID(change.StudyUID, id, change.UID))
	if err != nil {
		return res, err
	}
	if n > 0 {
		res.Violations = append(res.Violations, blocking(r.Name(), change,
			domain.NewFieldError(keyID, id, domain.ErrDuplicateID)))
	}
	return res, nil
}

// IndividualReferenceRule requires a sample's individualId to name a visible
// individual of the study.
func IndividualReferenceRule() Rule { return individualReferenceRule{} }

type individualReferenceRule struct{}

func (individualReferenceRule) Name() string { return "individual_reference" }

func (r individualReferenceRule) Evaluate(ctx context.Context, view domain.RuleView, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if change.Entity != domain.EntitySample || !changed(change, "individualId") {
		return res, nil
	}
	individual := change.After.String("individualId")
	if individual == "" {
		return res, nil
	}
	n, err := view.Collection(domain.EntityIndividual.Collection()).Count(ctx, visibleByID(change.StudyUID, keyID, individual))
	if err != nil {
		return res, err
	}
	if n == 0 {
		res.Violations = append(res.Violations, blocking(r.Name(), change,
			domain.NewFieldError("individualId", individual, domain.ErrReferentialIntegrity)))
	}
	return res, nil
}

// ParentReferenceRule requires an individual's father and mother to be
// visible individuals other than itself.
func ParentReferenceRule() Rule { return parentReferenceRule{} }

type parentReferenceRule struct{}

func (parentReferenceRule) Name() string { return "parent_reference" }

func (r parentReferenceRule) Evaluate(ctx context.Context, view domain.RuleView, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if change.Entity != domain.EntityIndividual {
		return res, nil
	}
	for _, key := range []string{"fatherUid", "motherUid"} {
		if !changed(change, key) {
			continue
		}
		parent := change.After.Int(key)
		if parent == 0 {
			continue
		}
		if parent == change.UID {
			res.Violations = append(res.Violations, blocking(r.Name(), change,
				domain.NewFieldError(key, parent, fmt.Errorf("individual is its own parent: %w", domain.ErrReferentialIntegrity))))
			continue
		}
		n, err := view.Collection(domain.EntityIndividual.Collection()).Count(ctx, visibleByID(change.StudyUID, keyUID, parent))
		if err != nil {
			return res, err
		}
		if n == 0 {
			res.Violations = append(res.Violations, blocking(r.Name(), change,
				domain.NewFieldError(key, parent, domain.ErrReferentialIntegrity)))
		}
	}
	return res, nil
}

// AnnotationSchemaRule validates annotation sets against their variable set.
func AnnotationSchemaRule() Rule { return annotationSchemaRule{} }

type annotationSchemaRule struct{}

func (annotationSchemaRule) Name() string { return "annotation_schema" }

func (r annotationSchemaRule) Evaluate(ctx context.Context, view domain.RuleView, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if !changed(change, keyAnnotationSets) {
		return res, nil
	}
	sets, _ := change.After[keyAnnotationSets].([]any)
	schemas := map[string]*domain.VariableSet{}
	seen := map[string]struct{}{}
	for _, raw := range sets {
		m, _ := domain.AsMap(raw)
		setID, _ := m[keyID].(string)
		vsID, _ := m["variableSetId"].(string)
		if _, dup := seen[setID]; dup {
			res.Violations = append(res.Violations, blocking(r.Name(), change,
				domain.NewFieldError(keyAnnotationSets, setID, fmt.Errorf("duplicate annotation set: %w", domain.ErrInvalidAnnotation))))
			continue
		}
		seen[setID] = struct{}{}
		vs, ok := schemas[vsID]
		if !ok {
			loaded, err := loadVariableSet(ctx, view, change.StudyUID, vsID)
			if err != nil {
				return res, err
			}
			schemas[vsID], vs = loaded, loaded
		}
		if vs == nil {
			res.Violations = append(res.Violations, blocking(r.Name(), change,
				domain.NewFieldError("variableSetId", vsID, fmt.Errorf("unknown variable set: %w", domain.ErrInvalidAnnotation))))
			continue
		}
		if !appliesTo(*vs, change.Entity) {
			res.Violations = append(res.Violations, blocking(r.Name(), change,
				domain.NewFieldError("variableSetId", vsID, fmt.Errorf("not applicable to %s: %w", change.Entity, domain.ErrInvalidAnnotation))))
			continue
		}
		annotations, _ := domain.AsMap(m["annotations"])
		if err := ValidateAnnotations(*vs, annotations); err != nil {
			res.Violations = append(res.Violations, blocking(r.Name(), change,
				domain.NewFieldError(keyAnnotationSets, setID, err)))
		}
	}
	return res, nil
}

func loadVariableSet(ctx context.Context, view domain.RuleView, studyUID int64, id string) (*domain.VariableSet, error) {
	doc, err := findOne(ctx, view.Collection(domain.VariableSetCollection),
		domain.And(domain.Eq(keyStudyUID, studyUID), domain.Eq(keyID, id)))
	if err != nil || doc == nil {
		return nil, err
	}
	var vs domain.VariableSet
	if err := domain.FromDocument(doc, &vs); err != nil {
		return nil, err
	}
	return &vs, nil
}

func appliesTo(vs domain.VariableSet, kind domain.EntityType) bool {
	if len(vs.Entities) == 0 {
		return true
	}
	for _, e := range vs.Entities {
		if e == kind {
			return true
		}
	}
	return false
}

// ValidateAnnotations checks annotation values against the JSON schema
// derived from a variable set.
func ValidateAnnotations(vs domain.VariableSet, annotations map[string]any) error {
	if annotations == nil {
		annotations = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(VariableSetSchema(vs)),
		gojsonschema.NewGoLoader(annotations),
	)
	if err != nil {
		return fmt.Errorf("variable set %s: %w", vs.ID, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), domain.ErrInvalidAnnotation)
}

// VariableSetSchema renders a variable set as a JSON schema object.
func VariableSetSchema(vs domain.VariableSet) map[string]any {
	return objectSchema(vs.Variables)
}

func objectSchema(vars []domain.Variable) map[string]any {
	props := make(map[string]any, len(vars))
	required := []any{}
	for _, v := range vars {
		props[v.ID] = variableSchema(v)
		if v.Required {
			required = append(required, v.ID)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func variableSchema(v domain.Variable) map[string]any {
	var item map[string]any
	switch v.Type {
	case domain.VariableBoolean:
		item = map[string]any{"type": "boolean"}
	case domain.VariableInteger:
		item = map[string]any{"type": "integer"}
	case domain.VariableDouble:
		item = map[string]any{"type": "number"}
	case domain.VariableCategorical:
		enum := make([]any, len(v.AllowedValues))
		for i, a := range v.AllowedValues {
			enum[i] = a
		}
		item = map[string]any{"type": "string", "enum": enum}
	case domain.VariableObject:
		item = objectSchema(v.Variables)
	case domain.VariableMap:
		item = map[string]any{"type": "object"}
	default:
		item = map[string]any{"type": "string"}
		if len(v.AllowedValues) > 0 {
			enum := make([]any, len(v.AllowedValues))
			for i, a := range v.AllowedValues {
				enum[i] = a
			}
			item["enum"] = enum
		}
	}
	if v.Multivalue {
		return map[string]any{"type": "array", "items": item}
	}
	return item
}

func visibleByID(studyUID int64, key string, value any) domain.Filter {
	return domain.And(
		domain.Eq(keyStudyUID, studyUID),
		domain.Eq(key, value),
		domain.Eq(keyLastOfVersion, true),
		domain.In(keyStatusName, domain.StatusValues(domain.VisibleStatuses)...),
	)
}
