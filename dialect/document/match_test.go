package document

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/orbit/dialect"
)

// TestCompare tests ordering across value representations.
func TestCompare(t *testing.T) {
	id := uuid.New()
	now := time.Now()
	tests := []struct {
		name string
		a, b any
		want int
		ok   bool
	}{
		{"IntFloat", int64(2), float64(2), 0, true},
		{"IntLess", 1, int32(3), -1, true},
		{"Strings", "b", "a", 1, true},
		{"UUID", id, id.String(), 0, true},
		{"Bytes", []byte("x"), "x", 0, true},
		{"Time", now, now.Add(time.Second), -1, true},
		{"NullFirst", nil, 0, -1, true},
		{"Bools", false, true, -1, true},
		{"Mixed", "1", 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Compare(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, Equal(map[string]any{"a": []any{1}}, map[string]any{"a": []any{1}}))
}

// TestMatch tests condition evaluation.
func TestMatch(t *testing.T) {
	doc := dialect.Document{
		"_id":  int64(1),
		"name": "go",
		"tags": []any{int64(1), int64(2)},
		"meta": map[string]any{"pages": float64(300)},
	}
	tests := []struct {
		name  string
		conds []dialect.Cond
		want  bool
	}{
		{"Eq", []dialect.Cond{{Field: "name", Op: dialect.OpEq, Value: "go"}}, true},
		{"Ne", []dialect.Cond{{Field: "name", Op: dialect.OpNe, Value: "go"}}, false},
		{"Contains", []dialect.Cond{{Field: "tags", Op: dialect.OpEq, Value: 2}}, true},
		{"MissingIsNull", []dialect.Cond{{Field: "author", Op: dialect.OpEq, Value: nil}}, true},
		{"NotNull", []dialect.Cond{{Field: "name", Op: dialect.OpNe, Value: nil}}, true},
		{"In", []dialect.Cond{{Field: "_id", Op: dialect.OpIn, Value: []any{3, 1}}}, true},
		{"EmptyIn", []dialect.Cond{{Field: "_id", Op: dialect.OpIn, Value: []any{}}}, false},
		{"Nin", []dialect.Cond{{Field: "tags", Op: dialect.OpNin, Value: []any{5}}}, true},
		{"Path", []dialect.Cond{{Field: "meta.pages", Op: dialect.OpGte, Value: 300}}, true},
		{"RangeOnNull", []dialect.Cond{{Field: "author", Op: dialect.OpLt, Value: 3}}, false},
		{"All", []dialect.Cond{
			{Field: "_id", Op: dialect.OpGt, Value: 0},
			{Field: "name", Op: dialect.OpLte, Value: "a"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(doc, tt.conds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Match(doc, []dialect.Cond{{Field: "name", Op: "$regex", Value: "g"}})
	assert.Error(t, err)
}

// TestConditions tests parsing raw filter documents.
func TestConditions(t *testing.T) {
	conds, err := Conditions(dialect.Document{
		"b": []any{1, 2},
		"a": map[string]any{"$lt": 5, "$gt": 1},
		"c": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, []dialect.Cond{
		{Field: "a", Op: dialect.OpGt, Value: 1},
		{Field: "a", Op: dialect.OpLt, Value: 5},
		{Field: "b", Op: dialect.OpIn, Value: []any{1, 2}},
		{Field: "c", Op: dialect.OpEq, Value: "x"},
	}, conds)

	_, err = Conditions(dialect.Document{"a": map[string]any{"lt": 5}})
	assert.Error(t, err)
}

// TestCloneSort tests deep copies and ordering.
func TestCloneSort(t *testing.T) {
	orig := dialect.Document{"list": []any{map[string]any{"k": 1}}}
	cp := CloneDoc(orig)
	cp["list"].([]any)[0].(map[string]any)["k"] = 2
	assert.Equal(t, 1, orig["list"].([]any)[0].(map[string]any)["k"])

	docs := []dialect.Document{
		{"a": 1, "b": "x"},
		{"a": 2, "b": "y"},
		{"a": 1, "b": "z"},
		{"b": "w"},
	}
	Sort(docs, []string{"a", "b"}, []bool{false, true})
	var got []string
	for _, d := range docs {
		got = append(got, d["b"].(string))
	}
	assert.Equal(t, []string{"w", "z", "x", "y"}, got)
}
