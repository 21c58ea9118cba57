// Package marshal converts values between Go and the goja sandbox.
//
// Composite values never cross the boundary by reference: they are encoded to
// JSON and parsed again by the receiving runtime's own JSON.parse, so objects
// carry that runtime's prototypes. Cycles, functions and values JSON cannot
// express degrade to placeholder strings.
package marshal

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"time"

	"github.com/dop251/goja"
)

// Placeholders substituted for values that cannot cross the boundary.
const (
	FunctionPlaceholder      = "[Function]"
	CircularPlaceholder      = "[Circular]"
	UnmarshalablePlaceholder = "[Unmarshalable]"
)

// MaxDepth bounds recursion into nested composites.
const MaxDepth = 64

type absent struct{}

func (absent) String() string { return "undefined" }

func (absent) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Absent marks a missing value (JavaScript undefined), as opposed to nil (null).
var Absent any = absent{}

// IsAbsent reports whether v is the absent marker.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Normalize returns the canonical Go form of v: nil, Absent, bool, int64,
// float64, string, []any or map[string]any. Structs and typed containers go
// through encoding/json. Cycles become CircularPlaceholder.
func Normalize(v any) any {
	return normalize(v, map[uintptr]struct{}{}, 0)
}

func normalize(v any, seen map[uintptr]struct{}, depth int) any {
	if depth > MaxDepth {
		return UnmarshalablePlaceholder
	}
	switch t := v.(type) {
	case nil:
		return nil
	case absent:
		return Absent
	case bool, string, int64, float64:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return float64(t)
		}
		return int64(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		return t.String()
	case goja.Value:
		if t == nil {
			return nil
		}
		return normalize(t.Export(), seen, depth)
	case error:
		return t.Error()
	case fmt.Stringer:
		if reflect.ValueOf(t).Kind() != reflect.Struct {
			return t.String()
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan:
		return FunctionPlaceholder
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if _, ok := seen[ptr]; ok {
				return CircularPlaceholder
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		return normalize(rv.Elem().Interface(), seen, depth)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return viaJSON(v)
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return CircularPlaceholder
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val := normalize(iter.Value().Interface(), seen, depth+1)
			if IsAbsent(val) {
				continue
			}
			out[iter.Key().String()] = val
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil
			}
			ptr := rv.Pointer()
			if ptr != 0 {
				if _, ok := seen[ptr]; ok {
					return CircularPlaceholder
				}
				seen[ptr] = struct{}{}
				defer delete(seen, ptr)
			}
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			val := normalize(rv.Index(i).Interface(), seen, depth+1)
			if IsAbsent(val) {
				val = nil
			}
			out[i] = val
		}
		return out
	case reflect.Struct:
		return viaJSON(v)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return UnmarshalablePlaceholder
}

func viaJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return UnmarshalablePlaceholder
	}
	var out any
	dec := json.NewDecoder(bytesReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return UnmarshalablePlaceholder
	}
	return Normalize(out)
}

// ToSandbox converts a Go value into a value owned by vm.
func ToSandbox(vm *goja.Runtime, v any) goja.Value {
	n := Normalize(v)
	switch t := n.(type) {
	case nil:
		return goja.Null()
	case absent:
		return goja.Undefined()
	case bool, string, int64:
		return vm.ToValue(t)
	case float64:
		return vm.ToValue(t)
	}
	b, err := json.Marshal(n)
	if err != nil {
		return vm.ToValue(UnmarshalablePlaceholder)
	}
	val, err := parseJSON(vm, string(b))
	if err != nil {
		return vm.ToValue(UnmarshalablePlaceholder)
	}
	return val
}

// ToSandboxArgs marshals a list of host values.
func ToSandboxArgs(vm *goja.Runtime, args []any) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		out[i] = ToSandbox(vm, a)
	}
	return out
}

func parseJSON(vm *goja.Runtime, src string) (goja.Value, error) {
	jsonObj := vm.Get("JSON").ToObject(vm)
	parseFn, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse missing")
	}
	return parseFn(jsonObj, vm.ToValue(src))
}

// Option tunes FromSandbox.
type Option func(*fromOptions)

type fromOptions struct {
	fn func(*goja.Object) any
}

// WithFunc converts sandbox functions with fn instead of FunctionPlaceholder.
func WithFunc(fn func(*goja.Object) any) Option {
	return func(o *fromOptions) { o.fn = fn }
}

// FromSandbox converts a sandbox value into its canonical Go form.
func FromSandbox(vm *goja.Runtime, v goja.Value, opts ...Option) any {
	var o fromOptions
	for _, opt := range opts {
		opt(&o)
	}
	w := walker{vm: vm, opts: o, seen: map[*goja.Object]struct{}{}}
	return w.walk(v, 0)
}

type walker struct {
	vm   *goja.Runtime
	opts fromOptions
	seen map[*goja.Object]struct{}
}

func (w *walker) walk(v goja.Value, depth int) any {
	if v == nil || goja.IsUndefined(v) {
		return Absent
	}
	if goja.IsNull(v) {
		return nil
	}
	if depth > MaxDepth {
		return UnmarshalablePlaceholder
	}
	obj, isObj := v.(*goja.Object)
	if !isObj {
		switch e := v.Export().(type) {
		case int64, string, bool:
			return e
		case float64:
			if e == math.Trunc(e) && math.Abs(e) < 1<<53 {
				return int64(e)
			}
			return e
		case *big.Int:
			return e.String()
		case nil:
			return nil
		default:
			if _, ok := v.(*goja.Symbol); ok {
				return UnmarshalablePlaceholder
			}
			return v.String()
		}
	}
	if _, ok := goja.AssertFunction(obj); ok {
		if w.opts.fn != nil {
			return w.opts.fn(obj)
		}
		return FunctionPlaceholder
	}
	if _, ok := w.seen[obj]; ok {
		return CircularPlaceholder
	}
	w.seen[obj] = struct{}{}
	defer delete(w.seen, obj)

	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := range n {
			val := w.walk(obj.Get(fmt.Sprint(i)), depth+1)
			if IsAbsent(val) {
				val = nil
			}
			out[i] = val
		}
		return out
	case "Date":
		if f, ok := goja.AssertFunction(obj.Get("toISOString")); ok {
			if s, err := f(obj); err == nil {
				return s.String()
			}
		}
		return UnmarshalablePlaceholder
	case "Error":
		return map[string]any{
			"name":    valueString(obj.Get("name")),
			"message": valueString(obj.Get("message")),
		}
	case "RegExp", "String", "Number", "Boolean":
		return w.walk(exportPrimitive(w.vm, obj), depth+1)
	case "Map", "Set", "WeakMap", "WeakSet", "Promise", "Symbol":
		return UnmarshalablePlaceholder
	}
	if exported, ok := obj.Export().([]byte); ok {
		return string(exported)
	}
	keys := obj.Keys()
	sort.Strings(keys)
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		val := w.walk(obj.Get(k), depth+1)
		if IsAbsent(val) {
			continue
		}
		out[k] = val
	}
	return out
}

func exportPrimitive(vm *goja.Runtime, obj *goja.Object) goja.Value {
	if obj.ClassName() == "RegExp" {
		return vm.ToValue(obj.String())
	}
	if f, ok := goja.AssertFunction(obj.Get("valueOf")); ok {
		if v, err := f(obj); err == nil {
			return v
		}
	}
	return vm.ToValue(obj.String())
}

func valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
