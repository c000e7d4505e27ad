package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestDiffScalarReplace(t *testing.T) {
	a := decode(t, `{"stage":1}`)
	b := decode(t, `{"stage":2}`)

	p := Diff(a, b)
	assert.Equal(t, []Op{{Kind: OpSet, Path: "/stage", Value: 2.0}}, p.Ops)
}

func TestDiffFieldAddedAndRemoved(t *testing.T) {
	a := decode(t, `{"a":1}`)
	b := decode(t, `{"b":2}`)

	p := Diff(a, b)
	assert.ElementsMatch(t, []Op{
		{Kind: OpRemove, Path: "/a"},
		{Kind: OpSet, Path: "/b", Value: 2.0},
	}, p.Ops)
}

func TestDiffNestedObject(t *testing.T) {
	a := decode(t, `{"inner":{"x":1,"y":1}}`)
	b := decode(t, `{"inner":{"x":2,"y":1}}`)

	p := Diff(a, b)
	assert.Equal(t, []Op{{Kind: OpSet, Path: "/inner/x", Value: 2.0}}, p.Ops)
}

func TestDiffArrayElementChangeAndGrowth(t *testing.T) {
	a := decode(t, `{"items":[1,2]}`)
	b := decode(t, `{"items":[1,3,4]}`)

	p := Diff(a, b)
	assert.Equal(t, []Op{
		{Kind: OpSet, Path: "/items/1", Value: 3.0},
		{Kind: OpSet, Path: "/items/2", Value: 4.0},
	}, p.Ops)
}

func TestDiffArrayShrink(t *testing.T) {
	a := decode(t, `{"items":[1,2,3]}`)
	b := decode(t, `{"items":[1]}`)

	p := Diff(a, b)
	assert.Equal(t, []Op{
		{Kind: OpRemove, Path: "/items/1"},
		{Kind: OpRemove, Path: "/items/2"},
	}, p.Ops)
}

func TestDiffDeletionToEmptyObject(t *testing.T) {
	a := decode(t, `{"a":1}`)
	b := decode(t, `{}`)

	p := Diff(a, b)
	assert.Equal(t, []Op{{Kind: OpRemove, Path: "/a"}}, p.Ops)
}

func TestDiffIdenticalValuesProduceNoOps(t *testing.T) {
	a := decode(t, `{"a":1,"b":[1,2,{"c":true}]}`)
	b := decode(t, `{"a":1,"b":[1,2,{"c":true}]}`)

	p := Diff(a, b)
	assert.Empty(t, p.Ops)
}

func TestDiffIsStableAcrossRuns(t *testing.T) {
	a := decode(t, `{"z":1,"a":2,"m":3}`)
	b := decode(t, `{"z":9,"a":9,"m":9}`)

	p1, err1 := json.Marshal(Diff(a, b))
	require.NoError(t, err1)
	p2, err2 := json.Marshal(Diff(a, b))
	require.NoError(t, err2)
	assert.Equal(t, p1, p2)
}
