package memory

import (
	"catalogcore/pkg/domain"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() domain.Document {
	return domain.Document{
		"_id":     "1:10:1",
		"id":      "S1",
		"uid":     int64(10),
		"version": int64(1),
		"status":  map[string]any{"name": "READY"},
		"tags":    []any{"tumor", "rna"},
		"samples": []any{
			map[string]any{"id": "A", "uid": int64(1), "version": int64(2)},
			map[string]any{"id": "B", "uid": int64(2), "version": int64(1)},
		},
		"attributes": map[string]any{"depth": 30.5},
	}
}

func TestMatchLeaves(t *testing.T) {
	doc := sampleDoc()
	cases := []struct {
		name string
		f    domain.Filter
		want bool
	}{
		{"eq", domain.Eq("id", "S1"), true},
		{"eq numeric widening", domain.Eq("uid", 10), true},
		{"eq nil matches missing", domain.Eq("missing", nil), true},
		{"ne", domain.Ne("status.name", "TRASHED"), true},
		{"in", domain.In("status.name", "TRASHED", "READY"), true},
		{"nin", domain.Nin("status.name", "READY"), false},
		{"array element eq", domain.Eq("tags", "rna"), true},
		{"array fan out", domain.Eq("samples.uid", 2), true},
		{"gt float", domain.Gt("attributes.depth", 30), true},
		{"lte", domain.Lte("version", 0), false},
		{"regex", domain.Regex("id", "^S"), true},
		{"regex on array", domain.Regex("tags", "^tum"), true},
		{"bad regex", domain.Regex("id", "("), false},
		{"exists", domain.Exists("attributes.depth", true), true},
		{"not exists", domain.Exists("attributes.none", false), true},
		{"elemMatch", domain.ElemMatch("samples", domain.Eq("uid", 1), domain.Eq("version", 2)), true},
		{"elemMatch split", domain.ElemMatch("samples", domain.Eq("uid", 1), domain.Eq("version", 1)), false},
		{"or", domain.Or(domain.Eq("id", "x"), domain.Eq("id", "S1")), true},
		{"and", domain.And(domain.Eq("id", "S1"), domain.Eq("uid", 11)), false},
		{"not", domain.Not(domain.Eq("id", "S1")), false},
		{"empty", domain.Filter{}, true},
		{"or without alternatives", domain.Or(), false},
		{"and with empty or", domain.And(domain.Eq("id", "S1"), domain.Or()), false},
		{"or with match-all", domain.Or(domain.Eq("id", "x"), domain.Filter{}), true},
		{"elemMatch empty or", domain.ElemMatch("samples", domain.Or()), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(doc, tc.f))
		})
	}
}

func TestApplyOperators(t *testing.T) {
	doc := sampleDoc()
	u := domain.NewUpdate().
		SetField("status.name", "TRASHED").
		AddToSetField("tags", "rna", "dna").
		PullWhere("samples", domain.Eq("uid", 1)).
		IncField("version", 1).
		UnsetField("attributes")
	next, changed, err := Apply(doc, *u)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "TRASHED", next.String("status.name"))
	assert.Equal(t, []any{"tumor", "rna", "dna"}, next["tags"])
	assert.Len(t, next["samples"], 1)
	assert.EqualValues(t, 2, next.Int("version"))
	_, has := next.Get("attributes")
	assert.False(t, has)
	assert.Equal(t, "READY", doc.String("status.name"), "source document must be untouched")
}

func TestApplyPullAllScalars(t *testing.T) {
	next, changed, err := Apply(sampleDoc(), *domain.NewUpdate().PullValues("tags", "tumor"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []any{"rna"}, next["tags"])

	_, changed, err = Apply(sampleDoc(), *domain.NewUpdate().PullValues("tags", "absent"))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApplyRejectsNonArray(t *testing.T) {
	_, _, err := Apply(sampleDoc(), *domain.NewUpdate().AddToSetField("id", "x"))
	require.Error(t, err)
	_, _, err = Apply(sampleDoc(), *domain.NewUpdate().IncField("id", 1))
	require.Error(t, err)
}
