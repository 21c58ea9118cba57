// Package hooks implements the lifecycle hook registry and the consolidation
// of per-level hook scripts into one execution unit.
package hooks

import (
	"context"
	"os"
	"reflect"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/scripterr"
)

// Lifecycle events dispatched by the runner.
const (
	EventBeforeRequest = "before-request"
	EventAfterResponse = "after-response"
	EventBeforeRun     = "before-run"
	EventAfterRun      = "after-run"
	// Wildcard handlers run for every dispatched event.
	Wildcard = "*"
)

// Handler is a registered hook callback. Sandbox functions satisfy it, as
// does the value returned by Func.
type Handler interface {
	Call(ctx context.Context, args ...any) (any, error)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, payload any) error
}

func (f *funcHandler) Call(ctx context.Context, args ...any) (any, error) {
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	return nil, f.fn(ctx, payload)
}

func (f *funcHandler) Name() string { return f.name }

// Func wraps a Go function as a Handler. Each call returns a distinct handler.
func Func(name string, fn func(ctx context.Context, payload any) error) Handler {
	return &funcHandler{name: name, fn: fn}
}

func handlerName(h Handler) string {
	if n, ok := h.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return "anonymous"
}

// State is the lifecycle state of a Manager.
type State int

const (
	StateActive State = iota
	StateDisposed
)

func (s State) String() string {
	if s == StateDisposed {
		return "disposed"
	}
	return "active"
}

// HookError describes one failed handler invocation.
type HookError struct {
	Event   string
	Handler string
	Message string
	Err     error
}

// DispatchOptions tunes error handling during Dispatch.
type DispatchOptions struct {
	// StopOnError skips the remaining handlers after the first failure.
	StopOnError bool
	// CollectErrors records failures in DispatchResult.Errors.
	CollectErrors bool
	// OnError is called for every failure.
	OnError func(HookError)
}

// DispatchResult summarizes a Dispatch call.
type DispatchResult struct {
	Success          bool
	HandlersExecuted int
	HandlersFailed   int
	Errors           []HookError
}

// Manager stores handlers per pattern and invokes them on dispatch. It
// outlives the script that registered the handlers until Dispose.
type Manager struct {
	mu        sync.Mutex
	logger    pslog.Base
	listeners map[string][]Handler
	order     []string
	state     State
	cleanups  []func() error
}

// NewManager returns an active manager. A nil logger logs to stdout.
func NewManager(logger pslog.Base) *Manager {
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	return &Manager{logger: logger, listeners: map[string][]Handler{}}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Len returns the number of handlers bound to pattern.
func (m *Manager) Len(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[strings.TrimSpace(pattern)])
}

func normalizePatterns(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, scripterr.Validationf("pattern", "at least one pattern is required")
	}
	out := make([]string, 0, len(patterns))
	seen := map[string]struct{}{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, scripterr.Validationf("pattern", "pattern must be a non-empty string")
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Register binds h to every pattern and returns a function that removes it
// again, from all registered patterns or only from the ones passed.
func (m *Manager) Register(patterns []string, h Handler) (func(specific ...string), error) {
	if h == nil {
		return nil, scripterr.Validationf("handler", "handler must be a function")
	}
	if !reflect.TypeOf(h).Comparable() {
		return nil, scripterr.Validationf("handler", "handler of type %T cannot be registered", h)
	}
	list, err := normalizePatterns(patterns)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisposed {
		return nil, &scripterr.DisposedError{Op: "register handler"}
	}
	for _, p := range list {
		for _, existing := range m.listeners[p] {
			if existing == h {
				return nil, scripterr.Validationf("handler", "%s handler was registered twice for hook pattern '%s'", handlerName(h), p)
			}
		}
	}
	for _, p := range list {
		if _, ok := m.listeners[p]; !ok {
			m.order = append(m.order, p)
		}
		m.listeners[p] = append(m.listeners[p], h)
	}
	return func(specific ...string) {
		targets := list
		if len(specific) > 0 {
			targets = specific
		}
		m.remove(targets, h)
	}, nil
}

func (m *Manager) remove(patterns []string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		handlers := m.listeners[p]
		kept := handlers[:0:0]
		for _, existing := range handlers {
			if existing != h {
				kept = append(kept, existing)
			}
		}
		m.setBucket(p, kept)
	}
}

// setBucket replaces a bucket, dropping it when empty. Callers hold m.mu.
func (m *Manager) setBucket(p string, handlers []Handler) {
	if len(handlers) > 0 {
		m.listeners[p] = handlers
		return
	}
	if _, ok := m.listeners[p]; !ok {
		return
	}
	delete(m.listeners, p)
	for i, o := range m.order {
		if o == p {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

type invocation struct {
	event   string
	handler Handler
}

// plan resolves the handlers a dispatch runs, in order. Callers hold m.mu.
func (m *Manager) plan(patterns []string) []invocation {
	var calls []invocation
	for _, p := range patterns {
		if p == Wildcard {
			calls = calls[:0]
			for _, bucket := range m.order {
				for _, h := range m.listeners[bucket] {
					calls = append(calls, invocation{event: bucket, handler: h})
				}
			}
			return calls
		}
	}
	for _, p := range patterns {
		for _, h := range m.listeners[p] {
			calls = append(calls, invocation{event: p, handler: h})
		}
		for _, h := range m.listeners[Wildcard] {
			calls = append(calls, invocation{event: p, handler: h})
		}
	}
	return calls
}

// Dispatch invokes the handlers bound to each pattern followed by the
// wildcard handlers, one at a time. Dispatching "*" runs every bucket. On a
// disposed manager Dispatch only logs a warning.
func (m *Manager) Dispatch(ctx context.Context, patterns []string, payload any, opts DispatchOptions) DispatchResult {
	list, err := normalizePatterns(patterns)
	if err != nil {
		return m.failed(strings.Join(patterns, ","), err, opts)
	}
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		err := &scripterr.DisposedError{Op: "dispatch " + strings.Join(list, ",")}
		m.logger.Warn("hooks.dispatch on disposed manager", "event", strings.Join(list, ","), "error", err)
		return m.failed(strings.Join(list, ","), err, opts)
	}
	calls := m.plan(list)
	m.mu.Unlock()

	res := DispatchResult{Success: true}
	for _, c := range calls {
		if ctx.Err() != nil {
			break
		}
		res.HandlersExecuted++
		_, err := c.handler.Call(ctx, payload)
		if err == nil {
			continue
		}
		res.Success = false
		res.HandlersFailed++
		herr := HookError{Event: c.event, Handler: handlerName(c.handler), Message: err.Error(), Err: err}
		m.logger.Error("hooks.handler failed", "event", herr.Event, "handler", herr.Handler, "error", herr.Message)
		if opts.OnError != nil {
			opts.OnError(herr)
		}
		if opts.CollectErrors {
			res.Errors = append(res.Errors, herr)
		}
		if opts.StopOnError {
			break
		}
	}
	return res
}

func (m *Manager) failed(event string, err error, opts DispatchOptions) DispatchResult {
	res := DispatchResult{}
	if opts.CollectErrors {
		res.Errors = []HookError{{Event: event, Message: err.Error(), Err: err}}
	}
	return res
}

// Clear removes every handler bound to the given patterns.
func (m *Manager) Clear(patterns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patterns {
		m.setBucket(strings.TrimSpace(p), nil)
	}
}

// ClearAll removes every handler.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.listeners)
	m.order = nil
}

// RegisterCleanup queues fn to run once when the manager is disposed.
func (m *Manager) RegisterCleanup(fn func() error) error {
	if fn == nil {
		return scripterr.Validationf("cleanup", "cleanup must be a function")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisposed {
		return &scripterr.DisposedError{Op: "register cleanup"}
	}
	m.cleanups = append(m.cleanups, fn)
	return nil
}

// Dispose clears all handlers and runs the queued cleanups. Cleanup errors
// are logged. Calling Dispose again has no effect.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return
	}
	m.state = StateDisposed
	clear(m.listeners)
	m.order = nil
	cleanups := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()
	for _, fn := range cleanups {
		if err := fn(); err != nil {
			m.logger.Warn("hooks.cleanup failed", "error", err)
		}
	}
}
