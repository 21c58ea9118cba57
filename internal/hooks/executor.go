package hooks

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// Unit is one hook script handed to a RunFunc.
type Unit struct {
	Name   string
	Script string
	// Source locates a single-level script; zero for consolidated units.
	Source LevelScript
	// Consolidated is set when Script was built by Consolidate.
	Consolidated *Consolidated
}

// RunFunc executes a hook script in a fresh backend and returns the manager
// its registrations were bound to together with the script's completion
// value. The manager must own the backend through a cleanup.
type RunFunc func(ctx context.Context, u Unit) (*Manager, any, error)

// ExecResult reports one executor call.
type ExecResult struct {
	// Manager is nil once the executor disposed it.
	Manager     *Manager
	Dispatch    DispatchResult
	LevelErrors []LevelError
}

type execOptions struct {
	logger           pslog.Base
	dispatch         DispatchOptions
	keepComments     bool
	stopOnLevelError bool
}

// ExecOption configures an Executor or a single call.
type ExecOption func(*execOptions)

// WithExecLogger sets the logger used for execution failures.
func WithExecLogger(l pslog.Base) ExecOption {
	return func(o *execOptions) { o.logger = l }
}

// WithDispatchOptions sets the options passed to Dispatch.
func WithDispatchOptions(d DispatchOptions) ExecOption {
	return func(o *execOptions) { o.dispatch = d }
}

// WithKeepComments disables comment stripping.
func WithKeepComments(keep bool) ExecOption {
	return func(o *execOptions) { o.keepComments = keep }
}

// WithStopOnLevelError makes a failing level abort the consolidated script.
func WithStopOnLevelError(stop bool) ExecOption {
	return func(o *execOptions) { o.stopOnLevelError = stop }
}

// Executor runs hook scripts and dispatches an event to what they registered.
type Executor struct {
	run  RunFunc
	base []ExecOption
}

// NewExecutor returns an executor whose calls start from base options.
func NewExecutor(run RunFunc, base ...ExecOption) *Executor {
	return &Executor{run: run, base: base}
}

func (e *Executor) options(overrides []ExecOption) execOptions {
	o := execOptions{}
	for _, fn := range e.base {
		fn(&o)
	}
	for _, fn := range overrides {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = pslog.New(os.Stdout)
	}
	return o
}

// ExecuteLevel runs one level's hooks in their own backend, dispatches event
// and disposes the manager. A blank script returns a nil result.
func (e *Executor) ExecuteLevel(ctx context.Context, level LevelScript, event string, payload any, opts ...ExecOption) (*ExecResult, error) {
	if strings.TrimSpace(level.Script) == "" {
		return nil, nil
	}
	o := e.options(opts)
	if !o.keepComments {
		level.Script = StripComments(level.Script)
	}
	mgr, _, err := e.run(ctx, Unit{Name: level.DisplayPath, Script: level.Script, Source: level})
	if err != nil {
		o.logger.Error("hooks.execute failed", "event", event, "file", level.File, "error", err)
		return nil, fmt.Errorf("executing hooks for %s: %w", event, err)
	}
	res := &ExecResult{}
	if mgr != nil {
		res.Dispatch = mgr.Dispatch(ctx, []string{event}, payload, o.dispatch)
		mgr.Dispose()
	}
	return res, nil
}

// ExecuteConsolidated runs every level of cfg in one backend and dispatches
// event. The manager stays alive in the result; the caller disposes it.
func (e *Executor) ExecuteConsolidated(ctx context.Context, cfg Config, event string, payload any, opts ...ExecOption) (*ExecResult, error) {
	o := e.options(opts)
	cfg.KeepComments = cfg.KeepComments || o.keepComments
	cfg.StopOnLevelError = cfg.StopOnLevelError || o.stopOnLevelError
	c := Consolidate(cfg)
	if !c.HasHooks() {
		return nil, nil
	}
	mgr, value, err := e.run(ctx, Unit{Name: "consolidated hooks", Script: c.Script, Consolidated: &c})
	if err != nil {
		o.logger.Error("hooks.execute failed", "event", event, "levels", len(c.Levels), "error", err)
		return nil, fmt.Errorf("executing consolidated hooks for %s: %w", event, err)
	}
	res := &ExecResult{Manager: mgr, LevelErrors: DecodeLevelErrors(value)}
	for _, le := range res.LevelErrors {
		o.logger.Warn("hooks.level failed", "level", le.Level, "error", le.Message)
	}
	if mgr != nil {
		res.Dispatch = mgr.Dispatch(ctx, []string{event}, payload, o.dispatch)
	}
	return res, nil
}

// ExecuteAll is ExecuteConsolidated followed by disposal of the manager.
func (e *Executor) ExecuteAll(ctx context.Context, cfg Config, event string, payload any, opts ...ExecOption) (*ExecResult, error) {
	res, err := e.ExecuteConsolidated(ctx, cfg, event, payload, opts...)
	if res != nil && res.Manager != nil {
		res.Manager.Dispose()
		res.Manager = nil
	}
	return res, err
}
