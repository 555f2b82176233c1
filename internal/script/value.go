// Package script implements the serializer (component C4), the master
// script engine (C5), and the per-worker slave (C6). This file holds the
// runtime-independent half: a pure Go object graph mirroring the wire
// "Serialized value" of the data model, with identity-preserving,
// cycle-safe serialize/deserialize passes that are directly testable
// without a live scripting runtime.
package script

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Identity is the stable integer assigned to a table or function the first
// time the serializer visits it, per the design note: "Implementers in a
// language without pointer identity should assign stable integers at
// serialization time and key the cache on those." Go does have pointer
// identity, but using an assigned integer (rather than a raw pointer
// value) keeps the wire Value type comparable and trivially
// fmt/log-friendly.
type Identity uint64

// Kind discriminates the Serialized value union of the data model.
type Kind int

const (
	KindBool Kind = iota
	KindNumber
	KindString
	KindFunction
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindFunction:
		return "function"
	case KindTable:
		return "table"
	default:
		return "unknown"
	}
}

// Value is the tagged union wire format: {boolean, number, string,
// function, table}.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Func   *Function
	Table  *Table
}

// Function is {identity, bytecode, list-of-upvalues}. Bytecode is carried
// as a *goja.Program: the compiled form of the whole script, genuinely
// opaque and immutable, transportable by reference across goja.Runtime
// instances without re-parsing — this is what spec section 4.4 point 3
// means by "the serializer dumps the compiled form ... no attempt is made
// to parse it". A reference occurrence (the identity has already been
// emitted once in this serialization pass) carries Program == nil and
// Upvalues == nil; the deserializer's identity cache resolves it.
type Function struct {
	Identity Identity
	Program  *goja.Program
	Upvalues []Upvalue
}

// Upvalue is {identity, positional-number, serialized value}.
type Upvalue struct {
	Identity Identity
	Slot     int
	Value    Value
}

// Table is {identity, list-of-(key,value) entries}. A reference
// occurrence carries Entries == nil.
type Table struct {
	Identity Identity
	Entries  []TableEntry
}

type TableEntry struct {
	Key   Value
	Value Value
}

// ErrUnsupportedType is returned when SerializeValue is given something
// other than a bool, float64, int, string, *Fn, or *Obj — the data model's
// "unsupported types (user data, threads, light user data) are rejected
// at serialize time with a fatal kind" (section 4.4 point 4).
var ErrUnsupportedType = errors.New("script: unsupported value type")

// Cell is a source-side upvalue storage slot: the owned-or-shared cell
// the design notes describe ("env is a mapping from a stable slot-index
// to an owned-or-shared cell"). Two Fn values that close over the same
// *Cell share that upvalue; SerializeUpvalue/SetSharedUpvalue restore that
// sharing across the serialization boundary by keying on Cell identity.
type Cell struct {
	Value any
}

// Fn is a source-side function value together with its closed-over
// environment, keyed positionally.
type Fn struct {
	Program  *goja.Program
	Upvalues []*Cell
}

// Obj is a source-side table: an ordered list of key/value entries. Using
// a slice rather than a Go map preserves the original insertion order a
// round-trip should reproduce, and lets table keys be non-comparable
// types (namely other tables) that a map key cannot be.
type Obj struct {
	Entries []ObjEntry
}

type ObjEntry struct {
	Key any
	Val any
}

// SerializeCache assigns and remembers identities across one top-level
// SerializeValue/SerializeFunction call, so that shared or cyclic
// substructures are only fully emitted once.
type SerializeCache struct {
	ids map[any]Identity
	n   Identity
}

func NewSerializeCache() *SerializeCache {
	return &SerializeCache{ids: make(map[any]Identity)}
}

// identityFor returns the identity assigned to ptr, and whether this is
// the first time ptr has been seen (in which case the caller must emit a
// full body; otherwise a reference-only stub).
func (c *SerializeCache) identityFor(ptr any) (id Identity, first bool) {
	if id, ok := c.ids[ptr]; ok {
		return id, false
	}
	c.n++
	c.ids[ptr] = c.n
	return c.n, true
}

// SerializeValue recurses over booleans, numbers, strings, tables, and
// functions (spec section 4.4: serialize_value).
func SerializeValue(v any, cache *SerializeCache) (Value, error) {
	switch x := v.(type) {
	case bool:
		return Value{Kind: KindBool, Bool: x}, nil
	case float64:
		return Value{Kind: KindNumber, Number: x}, nil
	case int:
		return Value{Kind: KindNumber, Number: float64(x)}, nil
	case string:
		return Value{Kind: KindString, Str: x}, nil
	case *Fn:
		f, err := SerializeFunction(x, cache)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFunction, Func: f}, nil
	case *Obj:
		t, err := serializeTable(x, cache)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTable, Table: t}, nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func serializeTable(o *Obj, cache *SerializeCache) (*Table, error) {
	id, first := cache.identityFor(o)
	if !first {
		return &Table{Identity: id}, nil
	}

	entries := make([]TableEntry, 0, len(o.Entries))
	for _, e := range o.Entries {
		k, err := SerializeValue(e.Key, cache)
		if err != nil {
			return nil, err
		}
		v, err := SerializeValue(e.Val, cache)
		if err != nil {
			return nil, err
		}
		entries = append(entries, TableEntry{Key: k, Value: v})
	}
	return &Table{Identity: id, Entries: entries}, nil
}

// SerializeFunction expects fn to be the function being captured; it
// produces {identity, bytecode, upvalues} (spec section 4.4:
// serialize_function).
func SerializeFunction(fn *Fn, cache *SerializeCache) (*Function, error) {
	id, first := cache.identityFor(fn)
	if !first {
		return &Function{Identity: id}, nil
	}

	upvalues := make([]Upvalue, 0, len(fn.Upvalues))
	for slot, cell := range fn.Upvalues {
		uv, err := SerializeUpvalue(cell, slot, cache)
		if err != nil {
			return nil, err
		}
		upvalues = append(upvalues, uv)
	}
	return &Function{Identity: id, Program: fn.Program, Upvalues: upvalues}, nil
}

// SerializeUpvalue serializes the value currently held by cell, tagging it
// with cell's identity and the given positional slot (spec section 4.4:
// serialize_upvalue). Two calls for the same *Cell (from two different
// functions that close over it) produce the same Identity, which is how
// the deserializer restores upvalue sharing.
func SerializeUpvalue(cell *Cell, slot int, cache *SerializeCache) (Upvalue, error) {
	id, first := cache.identityFor(cell)
	if !first {
		// The value only needs to travel once; SetSharedUpvalue joins on
		// Identity alone for repeat sightings.
		return Upvalue{Identity: id, Slot: slot}, nil
	}
	v, err := SerializeValue(cell.Value, cache)
	if err != nil {
		return Upvalue{}, err
	}
	return Upvalue{Identity: id, Slot: slot, Value: v}, nil
}
