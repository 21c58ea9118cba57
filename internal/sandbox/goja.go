package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/scripterr"
)

// Program is a compiled script bound to the backend kind that compiled it.
type Program struct {
	kind   Kind
	name   string
	offset int
	prog   *goja.Program
}

// Name returns the file name the program was compiled under.
func (p *Program) Name() string { return p.name }

// Offset returns the number of wrapper lines in front of user code.
func (p *Program) Offset() int { return p.offset }

type gojaBackend struct {
	mu       sync.Mutex
	cfg      Config
	vm       *goja.Runtime
	logger   pslog.Base
	loop     *eventLoop
	modules  *moduleLoader
	funcs    map[*goja.Object]*jsFunc
	ctx      context.Context
	disposed bool
}

func newGojaBackend(cfg Config) (*gojaBackend, error) {
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = DefaultMaxCallStackSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	vm := goja.New()
	vm.SetMaxCallStackSize(cfg.MaxCallStackSize)
	b := &gojaBackend{
		cfg:    cfg,
		vm:     vm,
		logger: logger,
		funcs:  map[*goja.Object]*jsFunc{},
		ctx:    context.Background(),
	}
	b.loop = newEventLoop()
	b.modules = newModuleLoader(b)
	if err := b.installGlobals(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *gojaBackend) Kind() Kind { return b.cfg.Kind }

func (b *gojaBackend) installGlobals() error {
	if b.cfg.Kind == KindSafe {
		if err := disableCodeGeneration(b.vm, b.logger); err != nil {
			return fmt.Errorf("sandbox: harden runtime: %w", err)
		}
	}
	if err := b.loop.install(b); err != nil {
		return err
	}
	return b.modules.install()
}

// functionKinds are expressions whose prototypes carry a constructor that
// compiles strings. Syntax the engine does not support is skipped.
var functionKinds = []string{
	"(function () {})",
	"(async function () {})",
	"(function* () {})",
	"(async function* () {})",
}

const blockScript = `(function () {
	var blocked = function () { throw new EvalError('Code generation from strings is disabled'); };
	blocked.prototype = Function.prototype;
	globalThis.__blockConstructor = function (fn) {
		try {
			Object.defineProperty(Object.getPrototypeOf(fn), 'constructor', { value: blocked, writable: false, configurable: false });
		} catch (e) {}
	};
	globalThis.__blocked = blocked;
})();`

func disableCodeGeneration(vm *goja.Runtime, logger pslog.Base) error {
	if err := vm.Set("eval", goja.Undefined()); err != nil {
		return err
	}
	if _, err := vm.RunString(blockScript); err != nil {
		return err
	}
	block, ok := goja.AssertFunction(vm.Get("__blockConstructor"))
	if !ok {
		return errors.New("sandbox: constructor blocker missing")
	}
	for _, src := range functionKinds {
		fn, err := vm.RunString(src)
		if err != nil {
			logger.Debug("sandbox.harden skipped", "kind", src, "error", err)
			continue
		}
		if _, err := block(goja.Undefined(), fn); err != nil {
			return err
		}
	}
	if err := vm.Set("Function", vm.Get("__blocked")); err != nil {
		return err
	}
	for _, name := range []string{"__blockConstructor", "__blocked"} {
		if err := vm.GlobalObject().Delete(name); err != nil {
			return err
		}
	}
	return nil
}

// Compile wraps and compiles src. Compiled programs are cached when the
// backend carries a ProgramCache.
func (b *gojaBackend) Compile(src Source) (*Program, error) {
	key := cacheKey(b.cfg.Kind, src)
	if b.cfg.Cache != nil {
		if p, ok := b.cfg.Cache.Get(key); ok {
			return p, nil
		}
	}
	name := src.Name
	if name == "" {
		name = "script.js"
	}
	offset := WrapperOffset(b.cfg.Kind)
	prog, err := goja.Compile(name, wrap(b.cfg.Kind, src), b.cfg.Kind == KindSafe)
	if err != nil {
		return nil, compileError(err, name, offset, b.cfg.Kind)
	}
	p := &Program{kind: b.cfg.Kind, name: name, offset: offset, prog: prog}
	if b.cfg.Cache != nil {
		b.cfg.Cache.Add(key, p)
	}
	return p, nil
}

func cacheKey(kind Kind, src Source) string {
	return fmt.Sprintf("%s\x00%d\x00%s\x00%s", kind, src.Mode, src.Name, src.Code)
}

// Run executes p and waits until the returned promise settled and no timers
// or async host calls remain. Cancelling ctx stops waiting; the script itself
// is not interrupted.
func (b *gojaBackend) Run(ctx context.Context, p *Program) (any, error) {
	if p == nil {
		return nil, errors.New("sandbox: nil program")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, &scripterr.DisposedError{Op: "sandbox run"}
	}
	if p.kind != b.cfg.Kind {
		return nil, fmt.Errorf("sandbox: program compiled for %s cannot run on %s", p.kind, b.cfg.Kind)
	}
	b.ctx = ctx
	stop := context.AfterFunc(ctx, func() { b.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		b.vm.ClearInterrupt()
	}()
	v, err := b.vm.RunProgram(p.prog)
	if err != nil {
		return nil, b.runtimeError(err, p.offset)
	}
	return b.settle(ctx, v, p.offset)
}

// settle pumps the event loop until v (when a promise) is no longer pending
// and no work is outstanding. Callers hold b.mu.
func (b *gojaBackend) settle(ctx context.Context, v goja.Value, offset int) (any, error) {
	if err := b.loop.pump(ctx); err != nil {
		return nil, err
	}
	if loopErr := b.loop.takeError(); loopErr != nil {
		return nil, b.runtimeError(loopErr, offset)
	}
	if p, ok := exportPromise(v); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return b.fromSandbox(p.Result()), nil
		case goja.PromiseStateRejected:
			return nil, b.rejection(p.Result(), offset)
		default:
			return nil, &scripterr.RuntimeError{
				Name:    "Error",
				Message: "script did not settle: awaited promise can never resolve",
				Offset:  offset,
				Backend: string(b.cfg.Kind),
			}
		}
	}
	return b.fromSandbox(v), nil
}

func exportPromise(v goja.Value) (*goja.Promise, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	p, ok := obj.Export().(*goja.Promise)
	return p, ok
}

// InstallBinding exposes value as a global named name.
func (b *gojaBackend) InstallBinding(name string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return &scripterr.DisposedError{Op: "install binding"}
	}
	if name == "" {
		return scripterr.Validationf("binding", "name must not be empty")
	}
	return b.vm.Set(name, b.toValue(value))
}

// Dispose stops timers and releases the runtime. It is idempotent.
func (b *gojaBackend) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	b.disposed = true
	b.loop.close()
	clear(b.funcs)
	b.modules.reset()
	b.vm = nil
	return nil
}

func (b *gojaBackend) toValue(value any) goja.Value {
	switch t := value.(type) {
	case HostFunc:
		return b.vm.ToValue(b.hostFunc(t))
	case func(context.Context, []any) (any, error):
		return b.vm.ToValue(b.hostFunc(t))
	case AsyncFunc:
		return b.vm.ToValue(b.asyncFunc(t))
	case Object:
		obj := b.vm.NewObject()
		for k, v := range t {
			_ = obj.Set(k, b.toValue(v))
		}
		return obj
	case *jsFunc:
		if t.b == b {
			return t.obj
		}
		return b.vm.ToValue(marshal.FunctionPlaceholder)
	case goja.Value:
		return t
	}
	return marshal.ToSandbox(b.vm, value)
}

func (b *gojaBackend) hostFunc(fn HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		res, err := fn(b.ctx, b.importArgs(call.Arguments))
		if err != nil {
			panic(b.jsError(err))
		}
		return b.toValue(res)
	}
}

func (b *gojaBackend) asyncFunc(fn AsyncFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := b.importArgs(call.Arguments)
		promise, resolve, reject := b.vm.NewPromise()
		ctx := b.ctx
		b.loop.startAsync(func() func() {
			res, err := fn(ctx, args)
			return func() {
				if err != nil {
					_ = reject(b.jsError(err))
					return
				}
				_ = resolve(b.toValue(res))
			}
		})
		return b.vm.ToValue(promise)
	}
}

func (b *gojaBackend) importArgs(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = b.fromSandbox(a)
	}
	return out
}

func (b *gojaBackend) fromSandbox(v goja.Value) any {
	return marshal.FromSandbox(b.vm, v, marshal.WithFunc(func(o *goja.Object) any {
		return b.callable(o)
	}))
}

// jsError converts a host error into a sandbox error object whose name
// follows the error taxonomy.
func (b *gojaBackend) jsError(err error) *goja.Object {
	obj := b.vm.NewGoError(err)
	_ = obj.Set("name", scripterr.JSName(err))
	return obj
}
