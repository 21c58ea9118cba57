package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// eventLoop serializes timer callbacks and async host completions onto the
// goroutine that holds the backend lock. Fields other than the queue are only
// touched from that goroutine.
type eventLoop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	pending int
	timers  map[int64]*timer
	nextID  int64
	err     error
}

type timer struct {
	id       int64
	t        *time.Timer
	fn       goja.Callable
	args     []goja.Value
	delay    time.Duration
	interval bool
	done     bool
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		wake:   make(chan struct{}, 1),
		timers: map[int64]*timer{},
	}
}

func (l *eventLoop) install(b *gojaBackend) error {
	vm := b.vm
	schedule := func(interval bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(vm.NewTypeError("callback must be a function"))
			}
			delay := call.Argument(1).ToInteger()
			if delay < 0 {
				delay = 0
			}
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			l.nextID++
			t := &timer{id: l.nextID, fn: fn, args: args, delay: time.Duration(delay) * time.Millisecond, interval: interval}
			l.timers[t.id] = t
			l.pending++
			l.arm(t)
			return vm.ToValue(t.id)
		}
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		l.cancel(id)
		return goja.Undefined()
	}
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":     schedule(false),
		"setInterval":    schedule(true),
		"clearTimeout":   cancel,
		"clearInterval":  cancel,
		"setImmediate":   schedule(false),
		"clearImmediate": cancel,
	} {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("sandbox: install %s: %w", name, err)
		}
	}
	return nil
}

func (l *eventLoop) arm(t *timer) {
	t.t = time.AfterFunc(t.delay, func() {
		l.enqueue(func() { l.fire(t) })
	})
}

func (l *eventLoop) fire(t *timer) {
	if t.done {
		return
	}
	if !t.interval {
		t.done = true
		l.pending--
		delete(l.timers, t.id)
	}
	if _, err := t.fn(goja.Undefined(), t.args...); err != nil && l.err == nil {
		l.err = err
	}
	if t.interval && !t.done {
		l.arm(t)
	}
}

func (l *eventLoop) cancel(id int64) {
	t, ok := l.timers[id]
	if !ok || t.done {
		return
	}
	t.done = true
	if t.t != nil {
		t.t.Stop()
	}
	l.pending--
	delete(l.timers, id)
}

// startAsync runs work on its own goroutine; the returned completion runs on
// the loop.
func (l *eventLoop) startAsync(work func() func()) {
	l.pending++
	go func() {
		done := work()
		l.enqueue(func() {
			l.pending--
			done()
		})
	}()
}

func (l *eventLoop) enqueue(job func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *eventLoop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := l.queue
	l.queue = nil
	return jobs
}

// pump runs queued jobs until nothing is pending.
func (l *eventLoop) pump(ctx context.Context) error {
	for {
		jobs := l.drain()
		if len(jobs) == 0 && l.pending == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sandbox: %d pending operations abandoned: %w", l.pending, err)
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("sandbox: %d pending operations abandoned: %w", l.pending, ctx.Err())
			case <-l.wake:
			}
			continue
		}
		for _, job := range jobs {
			job()
		}
	}
}

func (l *eventLoop) takeError() error {
	err := l.err
	l.err = nil
	return err
}

func (l *eventLoop) close() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	for _, t := range l.timers {
		t.done = true
		if t.t != nil {
			t.t.Stop()
		}
	}
	clear(l.timers)
	l.pending = 0
}
