package core_test

import (
	"catalogcore/internal/core"
	"catalogcore/pkg/domain"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, kind domain.EntityType, q core.Query, opts core.CompileOptions) domain.Filter {
	t.Helper()
	f, err := core.NewCompiler().Compile(kind, q, opts)
	require.NoError(t, err)
	return f
}

func children(f domain.Filter) []domain.Filter {
	if f.Op == domain.OpAnd {
		return f.Children
	}
	return []domain.Filter{f}
}

func findLeaf(f domain.Filter, field string) (domain.Filter, bool) {
	for _, c := range children(f) {
		if c.Field == field {
			return c, true
		}
	}
	return domain.Filter{}, false
}

func TestCompileRejectsUnknownField(t *testing.T) {
	_, err := core.NewCompiler().Compile(domain.EntitySample, core.NewQuery("colour", "red"), core.CompileOptions{})
	require.ErrorIs(t, err, domain.ErrUnknownFilterField)

	var fieldErr *domain.FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "colour", fieldErr.Field)
}

func TestCompileAcceptsInternalMarkers(t *testing.T) {
	f := compile(t, domain.EntitySample, core.NewQuery("_internal", true, "id", "S1"), core.CompileOptions{})
	leaf, ok := findLeaf(f, "id")
	require.True(t, ok)
	assert.Equal(t, domain.Eq("id", "S1"), leaf)
}

func TestCompileDefaultScoping(t *testing.T) {
	f := compile(t, domain.EntitySample, core.NewQuery("id", "S1"), core.CompileOptions{})
	parts := children(f)
	require.Len(t, parts, 3)
	assert.Equal(t, domain.Eq("id", "S1"), parts[0])
	assert.Equal(t, domain.In("status.name", "READY", "INVALID", "PENDING_DELETE", "DELETING"), parts[1])
	assert.Equal(t, domain.Eq("_lastOfVersion", true), parts[2])
}

func TestCompileVersionScoping(t *testing.T) {
	cases := []struct {
		name  string
		query core.Query
		want  *domain.Filter
	}{
		{"release", core.NewQuery("release", "2"), ptr(domain.Eq("_lastOfRelease", true))},
		{"snapshot", core.NewQuery("snapshot", 4), ptr(domain.Eq("_releaseFromVersion", int64(4)))},
		{"all versions", core.NewQuery("allVersions", true), nil},
		{"pinned version", core.NewQuery("version", 2), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := compile(t, domain.EntitySample, tc.query, core.CompileOptions{})
			_, hasLast := findLeaf(f, "_lastOfVersion")
			if tc.want == nil {
				assert.False(t, hasLast)
				_, hasRelease := findLeaf(f, "_lastOfRelease")
				assert.False(t, hasRelease)
				return
			}
			assert.False(t, hasLast)
			leaf, ok := findLeaf(f, tc.want.Field)
			require.True(t, ok)
			assert.Equal(t, *tc.want, leaf)
		})
	}
}

func TestCompileNegativeStatusBecomesPositive(t *testing.T) {
	f := compile(t, domain.EntitySample, core.NewQuery("status", "!=DELETED"), core.CompileOptions{})
	leaf, ok := findLeaf(f, "status.name")
	require.True(t, ok)
	assert.Equal(t, domain.OpIn, leaf.Op)
	assert.NotContains(t, leaf.Values, "DELETED")
	assert.Contains(t, leaf.Values, "READY")
	assert.Contains(t, leaf.Values, "TRASHED")

	f = compile(t, domain.EntitySample, core.NewQuery("status", "!DELETED;!TRASHED"), core.CompileOptions{})
	leaf, _ = findLeaf(f, "status.name")
	assert.NotContains(t, leaf.Values, "DELETED")
	assert.NotContains(t, leaf.Values, "TRASHED")

	_, err := core.NewCompiler().Compile(domain.EntitySample, core.NewQuery("status", "GONE"), core.CompileOptions{})
	require.ErrorIs(t, err, domain.ErrMalformedExpression)
}

func TestCompileMiniLanguage(t *testing.T) {
	cases := []struct {
		name  string
		kind  domain.EntityType
		query core.Query
		field string
		want  domain.Filter
	}{
		{"or folds into in", domain.EntitySample, core.NewQuery("id", "S1,S2"), "id", domain.In("id", "S1", "S2")},
		{"slice defaults to or", domain.EntitySample, core.NewQuery("id", []string{"S1", "S2"}), "id", domain.In("id", "S1", "S2")},
		{"not equal", domain.EntityFile, core.NewQuery("format", "!=VCF"), "format", domain.Ne("format", "VCF")},
		{"regex", domain.EntityFile, core.NewQuery("name", "~^chr"), "name", domain.Regex("name", "^chr")},
		{"wildcard", domain.EntityFile, core.NewQuery("name", "a*.bam"), "name", domain.Regex("name", `^a.*\.bam$`)},
		{"numeric attribute", domain.EntitySample, core.NewQuery("nattributes.age", ">5"), "attributes.age", domain.Gt("attributes.age", int64(5))},
		{"boolean attribute", domain.EntitySample, core.NewQuery("battributes.frozen", "true"), "attributes.frozen", domain.Eq("attributes.frozen", true)},
		{"date padding", domain.EntitySample, core.NewQuery("creationDate", ">=2024"), "creationDate", domain.Gte("creationDate", "20240000000000")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := compile(t, tc.kind, tc.query, core.CompileOptions{})
			leaf, ok := findLeaf(f, tc.field)
			require.True(t, ok, f.String())
			assert.Equal(t, tc.want, leaf)
		})
	}
}

func TestCompileAndRange(t *testing.T) {
	f := compile(t, domain.EntityFile, core.NewQuery("size", ">=10;<20"), core.CompileOptions{})
	parts := children(f)
	assert.Contains(t, parts, domain.Gte("size", int64(10)))
	assert.Contains(t, parts, domain.Lt("size", int64(20)))
}

func TestCompileMalformedExpressions(t *testing.T) {
	cases := map[string]core.Query{
		"mixed separators": core.NewQuery("id", "a,b;c"),
		"bad integer":      core.NewQuery("size", ">ten"),
		"bad regex":        core.NewQuery("name", "~("),
		"empty":            core.NewQuery("id", ""),
		"bool range":       core.NewQuery("somatic", ">true"),
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			kind := domain.EntityFile
			if name == "bool range" {
				kind = domain.EntitySample
			}
			_, err := core.NewCompiler().Compile(kind, q, core.CompileOptions{})
			require.ErrorIs(t, err, domain.ErrMalformedExpression)
		})
	}
}

func TestCompileAnnotationClause(t *testing.T) {
	f := compile(t, domain.EntitySample, core.NewQuery("annotation", "clinical:age>30;clinical:sex=F"), core.CompileOptions{
		AnnotationTypes: core.AnnotationTypes{"clinical:age": domain.VariableInteger},
	})
	leaf, ok := findLeaf(f, "annotationSets")
	require.True(t, ok)
	require.Equal(t, domain.OpElemMatch, leaf.Op)
	assert.Equal(t, []domain.Filter{
		domain.Eq("variableSetId", "clinical"),
		domain.Gt("annotations.age", int64(30)),
		domain.Eq("annotations.sex", "F"),
	}, leaf.Children)
}

func TestCompileAnnotationTypesMarker(t *testing.T) {
	f := compile(t, domain.EntitySample, core.NewQuery(
		"annotation", "clinical:code=0042",
		"annotationTypes", "clinical:code=STRING",
	), core.CompileOptions{})
	leaf, _ := findLeaf(f, "annotationSets")
	assert.Contains(t, leaf.Children, domain.Eq("annotations.code", "0042"))
}

func TestCompileAppendsAuthorization(t *testing.T) {
	auth := domain.Eq("acl", "alice")
	f := compile(t, domain.EntitySample, core.NewQuery("id", "S1"), core.CompileOptions{Authorization: &auth})
	parts := children(f)
	assert.Equal(t, auth, parts[len(parts)-1])
}

func TestCompileIncludeDeletedSkipsStatusDefault(t *testing.T) {
	f := compile(t, domain.EntitySample, core.NewQuery("includeDeleted", true), core.CompileOptions{})
	_, ok := findLeaf(f, "status.name")
	assert.False(t, ok)
}

func ptr[T any](v T) *T { return &v }
