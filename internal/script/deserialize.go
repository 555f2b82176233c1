package script

import "fmt"

// DeserializeCache is the slave-side "upvalue cache" of the data model: a
// mapping from serialized identity to the materialized object (table or
// function), plus — via the upvalues map — from a serialized upvalue
// identity to its materialized *Cell. It is the concrete shape of what
// spec section 4.4 calls deserialize_function's "cache" parameter.
type DeserializeCache struct {
	tables    map[Identity]*Obj
	functions map[Identity]*Fn
	upvalues  map[Identity]*Cell
}

func NewDeserializeCache() *DeserializeCache {
	return &DeserializeCache{
		tables:    make(map[Identity]*Obj),
		functions: make(map[Identity]*Fn),
		upvalues:  make(map[Identity]*Cell),
	}
}

// DeserializeValue is the inverse of SerializeValue.
func DeserializeValue(v Value, cache *DeserializeCache) (any, error) {
	switch v.Kind {
	case KindBool:
		return v.Bool, nil
	case KindNumber:
		return v.Number, nil
	case KindString:
		return v.Str, nil
	case KindFunction:
		return DeserializeFunction(v.Func, cache)
	case KindTable:
		return deserializeTable(v.Table, cache)
	default:
		return nil, fmt.Errorf("script: unknown value kind %d", v.Kind)
	}
}

func deserializeTable(t *Table, cache *DeserializeCache) (*Obj, error) {
	if existing, ok := cache.tables[t.Identity]; ok {
		return existing, nil
	}
	if t.Entries == nil {
		// A reference-only occurrence with no prior sighting can only
		// happen if the wire stream is malformed (out of order, or
		// produced by a different serialization pass).
		return nil, fmt.Errorf("script: table identity %d referenced before it was defined", t.Identity)
	}

	// Register the (still-empty) table before walking its entries: this
	// is what makes a genuine cycle (a table that, transitively,
	// contains itself) safe to deserialize — any entry's reference back
	// to this identity finds this same pointer already cached.
	obj := &Obj{}
	cache.tables[t.Identity] = obj

	entries := make([]ObjEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		k, err := DeserializeValue(e.Key, cache)
		if err != nil {
			return nil, err
		}
		val, err := DeserializeValue(e.Value, cache)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ObjEntry{Key: k, Val: val})
	}
	obj.Entries = entries
	return obj, nil
}

// DeserializeFunction loads the bytecode, caches the resulting function
// under its original identity, then for each upvalue invokes
// SetSharedUpvalue (spec section 4.4: deserialize_function).
func DeserializeFunction(f *Function, cache *DeserializeCache) (*Fn, error) {
	if existing, ok := cache.functions[f.Identity]; ok {
		return existing, nil
	}
	if f.Program == nil && f.Upvalues == nil {
		return nil, fmt.Errorf("script: function identity %d referenced before it was defined", f.Identity)
	}

	fn := &Fn{Program: f.Program, Upvalues: make([]*Cell, len(f.Upvalues))}
	cache.functions[f.Identity] = fn

	for _, uv := range f.Upvalues {
		if err := SetSharedUpvalue(fn, uv, cache); err != nil {
			return nil, err
		}
	}
	return fn, nil
}

// SetSharedUpvalue implements the upvalue-joining rule of spec section
// 4.4: if an upvalue identity has already been materialized (by some
// other, already-deserialized function), fn's slot is rebound to the
// existing *Cell instead of a fresh one — writes through either function
// become visible through the other, the "upvalue sharing law" of section
// 8.
func SetSharedUpvalue(fn *Fn, uv Upvalue, cache *DeserializeCache) error {
	if existing, ok := cache.upvalues[uv.Identity]; ok {
		fn.Upvalues[uv.Slot] = existing
		return nil
	}

	val, err := DeserializeValue(uv.Value, cache)
	if err != nil {
		return err
	}
	cell := &Cell{Value: val}
	cache.upvalues[uv.Identity] = cell
	fn.Upvalues[uv.Slot] = cell
	return nil
}
