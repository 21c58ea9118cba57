package hooks

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/scripterr"
)

func newTestManager(t *testing.T) (*Manager, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return NewManager(pslog.NewStructured(&buf)), &buf
}

func recorder(calls *[]string, name string, fail bool) Handler {
	return Func(name, func(_ context.Context, payload any) error {
		*calls = append(*calls, name)
		if fail {
			return errors.New(name + " exploded")
		}
		return nil
	})
}

func TestRegisterRejectsDuplicateHandler(t *testing.T) {
	m, _ := newTestManager(t)
	h := Func("dup", func(context.Context, any) error { return nil })
	if _, err := m.Register([]string{EventBeforeRequest}, h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := m.Register([]string{EventBeforeRequest}, h)
	if !errors.Is(err, scripterr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "registered twice") {
		t.Fatalf("unexpected message: %v", err)
	}
	if _, err := m.Register([]string{EventAfterResponse}, h); err != nil {
		t.Fatalf("same handler on another pattern should be allowed: %v", err)
	}
}

func TestRegisterValidatesArguments(t *testing.T) {
	m, _ := newTestManager(t)
	h := Func("h", func(context.Context, any) error { return nil })
	if _, err := m.Register(nil, h); !errors.Is(err, scripterr.ErrValidation) {
		t.Fatalf("expected validation error for empty patterns, got %v", err)
	}
	if _, err := m.Register([]string{"  "}, h); !errors.Is(err, scripterr.ErrValidation) {
		t.Fatalf("expected validation error for blank pattern, got %v", err)
	}
	if _, err := m.Register([]string{"x"}, nil); !errors.Is(err, scripterr.ErrValidation) {
		t.Fatalf("expected validation error for nil handler, got %v", err)
	}
}

func TestDispatchRunsNamedThenWildcardInOrder(t *testing.T) {
	m, _ := newTestManager(t)
	var calls []string
	for _, reg := range []struct {
		pattern string
		name    string
	}{{Wildcard, "w1"}, {EventBeforeRequest, "a"}, {EventBeforeRequest, "b"}, {EventAfterResponse, "other"}} {
		if _, err := m.Register([]string{reg.pattern}, recorder(&calls, reg.name, false)); err != nil {
			t.Fatalf("register %s: %v", reg.name, err)
		}
	}
	res := m.Dispatch(context.Background(), []string{EventBeforeRequest}, nil, DispatchOptions{})
	if !res.Success || res.HandlersExecuted != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := strings.Join(calls, ","); got != "a,b,w1" {
		t.Fatalf("unexpected order %q", got)
	}

	calls = nil
	m.Dispatch(context.Background(), []string{Wildcard}, nil, DispatchOptions{})
	if got := strings.Join(calls, ","); got != "w1,a,b,other" {
		t.Fatalf("wildcard dispatch order %q", got)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	m, buf := newTestManager(t)
	var calls []string
	m.Register([]string{EventAfterResponse}, recorder(&calls, "boom", true))
	m.Register([]string{EventAfterResponse}, recorder(&calls, "fine", false))

	res := m.Dispatch(context.Background(), []string{EventAfterResponse}, nil, DispatchOptions{CollectErrors: true})
	if res.Success || res.HandlersExecuted != 2 || res.HandlersFailed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Handler != "boom" || res.Errors[0].Event != EventAfterResponse {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	if !strings.Contains(buf.String(), "hooks.handler failed") {
		t.Fatalf("expected failure log, got %s", buf.String())
	}

	calls = nil
	var seen []HookError
	res = m.Dispatch(context.Background(), []string{EventAfterResponse}, nil, DispatchOptions{
		StopOnError: true,
		OnError:     func(e HookError) { seen = append(seen, e) },
	})
	if got := strings.Join(calls, ","); got != "boom" {
		t.Fatalf("stopOnError should skip remaining handlers, ran %q", got)
	}
	if len(seen) != 1 || res.Errors != nil {
		t.Fatalf("expected one callback and no collected errors, got %d / %+v", len(seen), res.Errors)
	}
}

func TestUnregisterScopesToPatterns(t *testing.T) {
	m, _ := newTestManager(t)
	var calls []string
	h := recorder(&calls, "h", false)
	off, err := m.Register([]string{EventBeforeRequest, EventAfterResponse}, h)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	off(EventBeforeRequest)
	if m.Len(EventBeforeRequest) != 0 || m.Len(EventAfterResponse) != 1 {
		t.Fatalf("narrow unregister failed: %d %d", m.Len(EventBeforeRequest), m.Len(EventAfterResponse))
	}
	off()
	if m.Len(EventAfterResponse) != 0 {
		t.Fatalf("full unregister failed")
	}
}

func TestClearAndClearAll(t *testing.T) {
	m, _ := newTestManager(t)
	var calls []string
	m.Register([]string{"a"}, recorder(&calls, "a", false))
	m.Register([]string{"b"}, recorder(&calls, "b", false))
	m.Clear("a")
	if m.Len("a") != 0 || m.Len("b") != 1 {
		t.Fatalf("clear removed the wrong bucket")
	}
	m.ClearAll()
	if m.Len("b") != 0 {
		t.Fatalf("clear all left handlers behind")
	}
}

func TestDisposeRunsCleanupsOnce(t *testing.T) {
	m, buf := newTestManager(t)
	count := 0
	if err := m.RegisterCleanup(func() error { count++; return nil }); err != nil {
		t.Fatalf("register cleanup: %v", err)
	}
	m.RegisterCleanup(func() error { return errors.New("cleanup broke") })
	m.Dispose()
	m.Dispose()
	if count != 1 {
		t.Fatalf("cleanup ran %d times", count)
	}
	if m.State() != StateDisposed || m.State().String() != "disposed" {
		t.Fatalf("unexpected state %v", m.State())
	}
	if !strings.Contains(buf.String(), "cleanup broke") {
		t.Fatalf("cleanup error not logged: %s", buf.String())
	}

	h := Func("late", func(context.Context, any) error { return nil })
	if _, err := m.Register([]string{"x"}, h); !errors.Is(err, scripterr.ErrDisposed) {
		t.Fatalf("expected disposed error, got %v", err)
	}
	if err := m.RegisterCleanup(func() error { return nil }); !errors.Is(err, scripterr.ErrDisposed) {
		t.Fatalf("expected disposed error for cleanup, got %v", err)
	}
	res := m.Dispatch(context.Background(), []string{"x"}, nil, DispatchOptions{})
	if res.Success || res.HandlersExecuted != 0 {
		t.Fatalf("dispatch after dispose should be a no-op: %+v", res)
	}
	if !strings.Contains(buf.String(), "hooks.dispatch on disposed manager") {
		t.Fatalf("expected dispose warning, got %s", buf.String())
	}
}

func TestDispatchPassesPayload(t *testing.T) {
	m, _ := newTestManager(t)
	var got any
	m.Register([]string{EventBeforeRun}, Func("p", func(_ context.Context, payload any) error {
		got = payload
		return nil
	}))
	m.Dispatch(context.Background(), []string{EventBeforeRun}, map[string]any{"n": 1}, DispatchOptions{})
	if p, ok := got.(map[string]any); !ok || p["n"] != 1 {
		t.Fatalf("payload not delivered: %#v", got)
	}
}
