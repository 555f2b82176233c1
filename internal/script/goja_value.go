package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// gojaToValue converts a live goja.Value into the wire Value union,
// used only by Engine.PullData to move a slave's collector contents back
// to the master — plain data only, per section 4.4's rule that functions
// are never part of that transfer on the production path. cache
// deduplicates/aliases *goja.Object identity the same way SerializeCache
// does for the pure Go graph.
func gojaToValue(rt *goja.Runtime, v goja.Value, cache map[*goja.Object]Identity, next *Identity) (Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Value{Kind: KindBool, Bool: false}, nil
	}

	switch {
	case isGojaBool(v):
		return Value{Kind: KindBool, Bool: v.ToBoolean()}, nil
	case isGojaNumber(v):
		return Value{Kind: KindNumber, Number: v.ToFloat()}, nil
	case isGojaString(v):
		return Value{Kind: KindString, Str: v.String()}, nil
	}

	if _, ok := goja.AssertFunction(v); ok {
		return Value{}, fmt.Errorf("script: function values cannot cross the collector boundary")
	}

	obj := v.ToObject(rt)
	if obj == nil {
		return Value{}, fmt.Errorf("script: unsupported collector value %v", v)
	}

	if id, ok := cache[obj]; ok {
		return Value{Kind: KindTable, Table: &Table{Identity: id}}, nil
	}
	*next++
	id := *next
	cache[obj] = id

	var entries []TableEntry
	for _, key := range obj.Keys() {
		kv, err := gojaToValue(rt, obj.Get(key), cache, next)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, TableEntry{Key: Value{Kind: KindString, Str: key}, Value: kv})
	}
	return Value{Kind: KindTable, Table: &Table{Identity: id, Entries: entries}}, nil
}

func isGojaBool(v goja.Value) bool {
	_, ok := v.Export().(bool)
	return ok
}

func isGojaNumber(v goja.Value) bool {
	switch v.Export().(type) {
	case int64, float64, int:
		return true
	default:
		return false
	}
}

func isGojaString(v goja.Value) bool {
	_, ok := v.Export().(string)
	return ok
}

// valueToGoja is the inverse of gojaToValue: it materializes a wire Value
// into a live value in rt, used to append a pulled collector entry into
// the master's own bookkeeping table.
func valueToGoja(rt *goja.Runtime, v Value, cache map[Identity]*goja.Object) (goja.Value, error) {
	switch v.Kind {
	case KindBool:
		return rt.ToValue(v.Bool), nil
	case KindNumber:
		return rt.ToValue(v.Number), nil
	case KindString:
		return rt.ToValue(v.Str), nil
	case KindTable:
		if obj, ok := cache[v.Table.Identity]; ok {
			return obj, nil
		}
		obj := rt.NewObject()
		cache[v.Table.Identity] = obj
		for _, e := range v.Table.Entries {
			keyVal, err := valueToGoja(rt, e.Key, cache)
			if err != nil {
				return nil, err
			}
			valVal, err := valueToGoja(rt, e.Value, cache)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(keyVal.String(), valVal); err != nil {
				return nil, err
			}
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("script: cannot materialize value kind %d in goja", v.Kind)
	}
}
