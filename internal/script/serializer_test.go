package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	wire, err := SerializeValue(v, NewSerializeCache())
	require.NoError(t, err)
	got, err := DeserializeValue(wire, NewDeserializeCache())
	require.NoError(t, err)
	return got
}

func TestRoundTrip_Primitives(t *testing.T) {
	assert.Equal(t, true, roundTrip(t, true))
	assert.Equal(t, 42.0, roundTrip(t, 42.0))
	assert.Equal(t, "fizz", roundTrip(t, "fizz"))
}

func TestRoundTrip_TablePreservesAliasing(t *testing.T) {
	// Two paths (t.a and t.b) terminate at the same shared table; the
	// deserialized graph must preserve that.
	shared := &Obj{Entries: []ObjEntry{{Key: "x", Val: 1.0}}}
	root := &Obj{Entries: []ObjEntry{
		{Key: "a", Val: shared},
		{Key: "b", Val: shared},
	}}

	got := roundTrip(t, root)
	gotObj, ok := got.(*Obj)
	require.True(t, ok)
	require.Len(t, gotObj.Entries, 2)

	a := gotObj.Entries[0].Val.(*Obj)
	b := gotObj.Entries[1].Val.(*Obj)
	assert.Same(t, a, b, "aliased source tables must deserialize to one shared object")
}

func TestRoundTrip_CyclicTable(t *testing.T) {
	self := &Obj{}
	self.Entries = []ObjEntry{{Key: "self", Val: self}}

	wire, err := SerializeValue(self, NewSerializeCache())
	require.NoError(t, err)

	got, err := DeserializeValue(wire, NewDeserializeCache())
	require.NoError(t, err)

	gotObj := got.(*Obj)
	require.Len(t, gotObj.Entries, 1)
	assert.Same(t, gotObj, gotObj.Entries[0].Val.(*Obj))
}

func TestUpvalueSharingLaw(t *testing.T) {
	shared := &Cell{Value: 0.0}
	fnA := &Fn{Upvalues: []*Cell{shared}}
	fnB := &Fn{Upvalues: []*Cell{shared}}

	cache := NewSerializeCache()
	wireA, err := SerializeFunction(fnA, cache)
	require.NoError(t, err)
	wireB, err := SerializeFunction(fnB, cache)
	require.NoError(t, err)

	dcache := NewDeserializeCache()
	gotA, err := DeserializeFunction(wireA, dcache)
	require.NoError(t, err)
	gotB, err := DeserializeFunction(wireB, dcache)
	require.NoError(t, err)

	require.Len(t, gotA.Upvalues, 1)
	require.Len(t, gotB.Upvalues, 1)
	assert.Same(t, gotA.Upvalues[0], gotB.Upvalues[0])

	// Writing through A's cell must be observable through B's.
	gotA.Upvalues[0].Value = 42.0
	assert.Equal(t, 42.0, gotB.Upvalues[0].Value)
}

func TestSerializeValue_RejectsUnsupportedType(t *testing.T) {
	_, err := SerializeValue(make(chan int), NewSerializeCache())
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDeserializeFunction_SameIdentityReturnsSameObject(t *testing.T) {
	fn := &Fn{}
	cache := NewSerializeCache()
	wire1, err := SerializeFunction(fn, cache)
	require.NoError(t, err)
	wire2, err := SerializeFunction(fn, cache)
	require.NoError(t, err)
	require.Nil(t, wire2.Program, "second sighting must be reference-only")
	require.Equal(t, wire1.Identity, wire2.Identity)

	dcache := NewDeserializeCache()
	got1, err := DeserializeFunction(wire1, dcache)
	require.NoError(t, err)
	got2, err := DeserializeFunction(wire2, dcache)
	require.NoError(t, err)
	assert.Same(t, got1, got2)
}
