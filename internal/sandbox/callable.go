package sandbox

import (
	"context"

	"github.com/dop251/goja"

	"pkt.systems/bruscript/internal/scripterr"
)

// jsFunc is the host handle of one sandbox function. The backend hands out
// the same *jsFunc for the same function object, so handles compare equal.
type jsFunc struct {
	b    *gojaBackend
	obj  *goja.Object
	fn   goja.Callable
	name string
}

func (b *gojaBackend) callable(o *goja.Object) any {
	if f, ok := b.funcs[o]; ok {
		return f
	}
	fn, _ := goja.AssertFunction(o)
	f := &jsFunc{b: b, obj: o, fn: fn}
	if n := o.Get("name"); n != nil && !goja.IsUndefined(n) {
		f.name = n.String()
	}
	if f.name == "" {
		f.name = "anonymous"
	}
	b.funcs[o] = f
	return f
}

func (f *jsFunc) Name() string { return f.name }

// Call invokes the function and settles the promise it returns. It must not
// be called from inside a host function of the same backend.
func (f *jsFunc) Call(ctx context.Context, args ...any) (any, error) {
	b := f.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, &scripterr.DisposedError{Op: "call " + f.name}
	}
	b.ctx = ctx
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = b.toValue(a)
	}
	offset := WrapperOffset(b.cfg.Kind)
	v, err := f.fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, b.runtimeError(err, offset)
	}
	return b.settle(ctx, v, offset)
}
