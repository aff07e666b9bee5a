// Package value defines the tagged variant that carries data across the
// sandbox boundary: null, bool, number, string, array, and string-keyed
// map, recursively. Host functions operate on these values only, never on
// interpreter-native objects.
package value

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Kind tags the variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one variant instance. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64. Script numbers are always doubles.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// ArrayOf wraps the given elements. The slice is not copied.
func ArrayOf(elems ...Value) Value { return Value{kind: KindArray, arr: elems} }

// MapOf wraps a string-keyed map. The map is not copied.
func MapOf(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, obj: m}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) AsBool() bool      { return v.b }
func (v Value) AsNumber() float64 { return v.num }
func (v Value) AsString() string  { return v.str }

// AsArray returns the backing slice; callers must not mutate it.
func (v Value) AsArray() []Value { return v.arr }

// AsMap returns the backing map; callers must not mutate it.
func (v Value) AsMap() map[string]Value { return v.obj }

// Equal reports deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, ve := range v.obj {
			oe, ok := o.obj[k]
			if !ok || !ve.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Export converts to plain Go data (nil, bool, float64, string, []any,
// map[string]any), suitable for JSON rendering or interpreter injection.
func (v Value) Export() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Export()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Export()
		}
		return out
	}
	return nil
}

// String renders a compact JSON-ish form for diagnostics.
func (v Value) String() string {
	b, err := json.Marshal(v.Export())
	if err != nil {
		return fmt.Sprintf("<unprintable %s>", v.kind)
	}
	return string(b)
}

// Keys returns the sorted keys of a map value, nil otherwise.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Nesting deeper than this is rejected outright; no legitimate handler
// payload comes close, and the cap bounds converter recursion.
const maxDepth = 256

// Validate walks the value and rejects nesting beyond the converter bound.
// A value assembled by hand from aliased slices or maps can contain itself;
// such a cycle presents as unbounded depth and is reported here instead of
// hanging the encoder.
func (v Value) Validate() error {
	return v.validate(0)
}

func (v Value) validate(depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("value nesting exceeds %d levels", maxDepth)
	}
	switch v.kind {
	case KindArray:
		for _, e := range v.arr {
			if err := e.validate(depth + 1); err != nil {
				return err
			}
		}
	case KindMap:
		for _, e := range v.obj {
			if err := e.validate(depth + 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// FromNative converts plain Go data into a Value. Supported inputs are
// nil, booleans, all integer and float types, strings, time.Time (epoch
// milliseconds), []any, map[string]any, and Value itself. Function values
// and other types are rejected, as are cyclic structures.
func FromNative(v any) (Value, error) {
	seen := make(map[uintptr]struct{})
	return fromNative(v, seen, 0)
}

func fromNative(v any, seen map[uintptr]struct{}, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, fmt.Errorf("value nesting exceeds %d levels", maxDepth)
	}

	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case time.Time:
		return Number(float64(t.UnixMilli())), nil
	case []any:
		ptr := reflect.ValueOf(t).Pointer()
		if ptr != 0 {
			if _, ok := seen[ptr]; ok {
				return Value{}, fmt.Errorf("cyclic value")
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		elems := make([]Value, len(t))
		for i, e := range t {
			ev, err := fromNative(e, seen, depth+1)
			if err != nil {
				return Value{}, err
			}
			elems[i] = ev
		}
		return ArrayOf(elems...), nil
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if _, ok := seen[ptr]; ok {
			return Value{}, fmt.Errorf("cyclic value")
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := fromNative(e, seen, depth+1)
			if err != nil {
				return Value{}, err
			}
			obj[k] = ev
		}
		return MapOf(obj), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", v)
}

// FromNativeMap converts a map of plain Go data, as produced by JSON
// decoding, into a Value map.
func FromNativeMap(m map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(m))
	for k, e := range m {
		v, err := FromNative(e)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// ExportMap is the inverse of FromNativeMap.
func ExportMap(m map[string]Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Export()
	}
	return out
}
