package hostfunc

import (
	"github.com/dop251/goja"

	"github.com/cocoon-run/cocoon/value"
)

// toJS renders a Value as a fresh script object tree. Map keys are
// inserted in sorted order so enumeration inside the sandbox is stable
// across runs. The result never aliases host memory.
func toJS(vm *goja.Runtime, v value.Value) goja.Value {
	switch v.Kind() {
	case value.KindNull:
		return goja.Null()
	case value.KindBool:
		return vm.ToValue(v.AsBool())
	case value.KindNumber:
		return vm.ToValue(v.AsNumber())
	case value.KindString:
		return vm.ToValue(v.AsString())
	case value.KindArray:
		items := v.AsArray()
		elems := make([]any, len(items))
		for i, item := range items {
			elems[i] = toJS(vm, item)
		}
		return vm.NewArray(elems...)
	case value.KindMap:
		m := v.AsMap()
		obj := vm.NewObject()
		for _, k := range v.Keys() {
			obj.Set(k, toJS(vm, m[k]))
		}
		return obj
	}
	return goja.Undefined()
}

// mapToJS renders a string-keyed map the same way toJS renders KindMap.
func mapToJS(vm *goja.Runtime, m map[string]value.Value) goja.Value {
	return toJS(vm, value.MapOf(m))
}

// FromJS converts a script value into the Value algebra. undefined folds
// into null; functions and cyclic structures are rejected.
func FromJS(v goja.Value) (value.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return value.Null(), nil
	}
	return value.FromNative(v.Export())
}
