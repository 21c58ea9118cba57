package scripting

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/shims"
)

// Hook events dispatched by the engine.
const (
	EventBeforeRequest = "before-request"
	EventAfterResponse = "after-response"
	EventBeforeRun     = "before-run"
	EventAfterRun      = "after-run"
)

// HookInput describes the hook scripts that apply to one request or run.
type HookInput struct {
	// Base carries the scopes, request and collection details; its Script
	// and Phase are ignored.
	Base   RunInput
	Levels hooks.Config
	// Consolidate runs every level in one backend that persists until
	// Close. Otherwise each dispatch re-runs every level in its own backend.
	Consolidate      bool
	StopOnLevelError bool
	Dispatch         hooks.DispatchOptions
}

// HookSession dispatches events to the handlers hook scripts registered.
type HookSession struct {
	rt       *Runtime
	in       HookInput
	mu       sync.Mutex
	contexts []*shims.Context
	manager  *hooks.Manager
	loaded   bool
	closed   bool
	// LevelErrors lists consolidated levels that failed while loading.
	LevelErrors []hooks.LevelError
}

// OpenHooks prepares a session. Nothing runs until the first Dispatch.
func (r *Runtime) OpenHooks(in HookInput) *HookSession {
	in.Base.Vars = in.Base.Vars.Ensure()
	return &HookSession{rt: r, in: in}
}

// HasHooks reports whether any level carries hook code.
func (s *HookSession) HasHooks() bool {
	return hooks.Consolidate(s.in.Levels).HasHooks()
}

// Dispatch runs the handlers registered for event with req and res as the
// live request and response. The payload's fields are merged into the
// object handlers receive.
func (s *HookSession) Dispatch(ctx context.Context, event string, req *shims.Request, res *shims.Response, payload map[string]any) (hooks.DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hooks.DispatchResult{Success: true}, nil
	}
	for _, c := range s.contexts {
		c.SetRequest(req)
		c.SetResponse(res)
	}
	p := map[string]any{"event": event}
	for k, v := range payload {
		p[k] = v
	}
	if s.in.Consolidate {
		return s.dispatchConsolidated(ctx, event, req, res, p)
	}
	return s.dispatchLevels(ctx, event, req, res, p)
}

func (s *HookSession) dispatchConsolidated(ctx context.Context, event string, req *shims.Request, res *shims.Response, payload map[string]any) (hooks.DispatchResult, error) {
	if s.loaded {
		if s.manager == nil {
			return hooks.DispatchResult{Success: true}, nil
		}
		return s.manager.Dispatch(ctx, []string{event}, payload, s.in.Dispatch), nil
	}
	s.loaded = true
	exec := hooks.NewExecutor(s.rt.runHookUnit(s.base(req, res), &s.contexts),
		hooks.WithExecLogger(s.rt.cfg.logger),
		hooks.WithDispatchOptions(s.in.Dispatch),
		hooks.WithStopOnLevelError(s.in.StopOnLevelError),
	)
	out, err := exec.ExecuteConsolidated(ctx, s.in.Levels, event, payload)
	if err != nil || out == nil {
		return hooks.DispatchResult{Success: err == nil}, err
	}
	s.manager = out.Manager
	s.LevelErrors = out.LevelErrors
	return out.Dispatch, nil
}

func (s *HookSession) dispatchLevels(ctx context.Context, event string, req *shims.Request, res *shims.Response, payload map[string]any) (hooks.DispatchResult, error) {
	exec := hooks.NewExecutor(s.rt.runHookUnit(s.base(req, res), &s.contexts),
		hooks.WithExecLogger(s.rt.cfg.logger),
		hooks.WithDispatchOptions(s.in.Dispatch),
	)
	levels := []hooks.LevelScript{s.in.Levels.Collection}
	for _, f := range s.in.Levels.Folders {
		levels = append(levels, f.LevelScript)
	}
	levels = append(levels, s.in.Levels.Request)
	total := hooks.DispatchResult{Success: true}
	var errs []error
	for _, level := range levels {
		out, err := exec.ExecuteLevel(ctx, level, event, payload, hooks.WithKeepComments(s.in.Levels.KeepComments))
		if err != nil {
			errs = append(errs, err)
			total.Success = false
			continue
		}
		if out == nil {
			continue
		}
		total.HandlersExecuted += out.Dispatch.HandlersExecuted
		total.HandlersFailed += out.Dispatch.HandlersFailed
		total.Errors = append(total.Errors, out.Dispatch.Errors...)
		total.Success = total.Success && out.Dispatch.Success
		if !out.Dispatch.Success && s.in.Dispatch.StopOnError {
			break
		}
	}
	s.contexts = s.contexts[:0]
	return total, errors.Join(errs...)
}

func (s *HookSession) base(req *shims.Request, res *shims.Response) RunInput {
	in := s.in.Base
	in.Request, in.Response = req, res
	return in
}

// Close disposes the persistent manager and the backend it owns.
func (s *HookSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.manager != nil {
		s.manager.Dispose()
	}
	s.contexts = nil
}
