package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/errfmt"
	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/scripterr"
	"pkt.systems/bruscript/internal/shims"
	"pkt.systems/bruscript/internal/vars"
)

// Iteration is the data-driven iteration a script runs in.
type Iteration struct {
	Data  map[string]any
	Index int
	Total int
}

// RunInput describes one script phase.
type RunInput struct {
	Phase  shims.Phase
	Script string
	// File is the document the script was authored in. Error locations are
	// mapped back into it.
	File        string
	DisplayPath string
	// Kind overrides the runtime's backend strategy.
	Kind           sandbox.Kind
	Request        *shims.Request
	Response       *shims.Response
	Vars           *vars.Set
	CollectionPath string
	CollectionName string
	EnvName        string
	Iteration      Iteration
	// Assertions are the results bru.getAssertionResults returns.
	Assertions   []assert.Result
	Metadata     *errfmt.Metadata
	OnConsoleLog shims.ConsoleFunc
}

// RunResult is what a phase leaves behind. Err carries a script failure;
// host failures are returned from Run instead.
type RunResult struct {
	Vars              *vars.Set
	EnvVars           map[string]any
	RuntimeVars       map[string]any
	GlobalVars        map[string]any
	PersistentEnvVars map[string]any
	Tests             []assert.TestResult
	NextRequest       string
	HasNextRequest    bool
	SkipRequest       bool
	StopExecution     bool
	Visualize         any
	// Value is the completion value of the script.
	Value any
	Err   error
}

// ScriptError is a script failure together with its rendered source
// location.
type ScriptError struct {
	Err    error
	Report string
}

func (e *ScriptError) Error() string {
	if e.Report != "" {
		return e.Report
	}
	return e.Err.Error()
}

func (e *ScriptError) Unwrap() error { return e.Err }

func (r *Runtime) newContext(in RunInput, phase shims.Phase) *shims.Context {
	c := shims.NewContext(phase, in.Vars)
	c.Request = in.Request
	c.Response = in.Response
	c.CollectionPath = in.CollectionPath
	c.CollectionName = in.CollectionName
	c.EnvName = in.EnvName
	c.IterationData = in.Iteration.Data
	c.IterationIndex = in.Iteration.Index
	c.TotalIterations = in.Iteration.Total
	c.RunRequest = r.cfg.runRequest
	c.OnConsole = in.OnConsoleLog
	if c.OnConsole == nil {
		c.OnConsole = r.cfg.onConsole
	}
	c.Logger = r.cfg.logger
	c.SetAssertions(in.Assertions)
	return c
}

func (r *Runtime) scriptError(err error, in RunInput, phase shims.Phase) *ScriptError {
	opts := []errfmt.Option{
		errfmt.WithScriptType(errfmt.ScriptType(phase)),
		errfmt.WithContextLines(r.cfg.contextLines),
	}
	if in.DisplayPath != "" {
		opts = append(opts, errfmt.WithDisplayPath(in.DisplayPath))
	}
	if in.Metadata != nil {
		opts = append(opts, errfmt.WithMetadata(in.Metadata))
	}
	return &ScriptError{Err: err, Report: errfmt.Format(err, opts...)}
}

func sourceName(in RunInput, phase shims.Phase) string {
	if in.File != "" {
		return in.File
	}
	return string(phase) + ".js"
}

// Run executes in.Script. An empty script returns the unchanged scopes
// without creating a backend.
func (r *Runtime) Run(ctx context.Context, in RunInput) (RunResult, error) {
	in.Vars = in.Vars.Ensure()
	c := r.newContext(in, in.Phase)
	if strings.TrimSpace(in.Script) == "" {
		return collect(c, nil), nil
	}
	b, err := r.backend(in.Kind, in.CollectionPath)
	if err != nil {
		return RunResult{}, err
	}
	defer b.Dispose()
	if err := shims.Install(ctx, b, c); err != nil {
		return RunResult{}, err
	}
	r.cfg.logger.Debug("script.run", "phase", in.Phase, "file", in.File, "backend", b.Kind())
	value, err := r.exec(ctx, b, in, in.Phase)
	res := collect(c, value)
	if err != nil {
		if !isScriptError(err) {
			return res, err
		}
		r.cfg.logger.Debug("script.failed", "phase", in.Phase, "file", in.File, "error", err)
		res.Err = r.scriptError(err, in, in.Phase)
	}
	return res, nil
}

func (r *Runtime) exec(ctx context.Context, b sandbox.Backend, in RunInput, phase shims.Phase) (any, error) {
	p, err := b.Compile(sandbox.Source{Name: sourceName(in, phase), Code: in.Script})
	if err != nil {
		return nil, err
	}
	return r.runBounded(ctx, b, p, string(phase)+" script")
}

func isScriptError(err error) bool {
	return errors.Is(err, scripterr.ErrCompile) ||
		errors.Is(err, scripterr.ErrRuntime) ||
		errors.Is(err, scripterr.ErrAccessDenied) ||
		errors.Is(err, scripterr.ErrValidation)
}

func collect(c *shims.Context, value any) RunResult {
	name, ok := c.NextRequest()
	return RunResult{
		Vars:              c.Vars,
		EnvVars:           c.Vars.Env.Snapshot(),
		RuntimeVars:       c.Vars.Runtime.Snapshot(),
		GlobalVars:        c.Vars.Global.Snapshot(),
		PersistentEnvVars: c.PersistentEnvVars(),
		Tests:             c.Tests(),
		NextRequest:       name,
		HasNextRequest:    ok,
		SkipRequest:       c.SkipRequested(),
		StopExecution:     c.StopRequested(),
		Visualize:         c.Visualization(),
		Value:             value,
	}
}

// runHookUnit is the hooks.RunFunc backing hook sessions: it runs u in a
// fresh backend bound to a new manager that owns the backend.
func (r *Runtime) runHookUnit(in RunInput, contexts *[]*shims.Context) hooks.RunFunc {
	return func(ctx context.Context, u hooks.Unit) (*hooks.Manager, any, error) {
		b, err := r.backend(in.Kind, in.CollectionPath)
		if err != nil {
			return nil, nil, err
		}
		m := hooks.NewManager(r.cfg.logger)
		if err := m.RegisterCleanup(b.Dispose); err != nil {
			_ = b.Dispose()
			return nil, nil, err
		}
		c := r.newContext(in, shims.PhaseHooks)
		c.Hooks = m
		if err := shims.Install(ctx, b, c); err != nil {
			m.Dispose()
			return nil, nil, err
		}
		unit := in
		if u.Consolidated != nil {
			unit.Metadata = u.Consolidated.Metadata()
			if unit.Metadata != nil {
				unit.Metadata.Source = sourceName(unit, shims.PhaseHooks)
			}
		} else if u.Source.File != "" {
			unit.File = u.Source.File
			unit.DisplayPath = u.Source.DisplayPath
			if u.Source.BlockStartLine > 0 {
				unit.Metadata = &errfmt.Metadata{Source: u.Source.File, Segments: []errfmt.Segment{{
					Level:          hooks.LevelRequest,
					File:           u.Source.File,
					DisplayPath:    u.Source.DisplayPath,
					EndLine:        strings.Count(u.Script, "\n") + 1,
					BlockStartLine: u.Source.BlockStartLine,
				}}}
			}
		}
		unit.Script = u.Script
		value, err := r.exec(ctx, b, unit, shims.PhaseHooks)
		if err != nil {
			m.Dispose()
			if isScriptError(err) {
				return nil, nil, r.scriptError(err, unit, shims.PhaseHooks)
			}
			return nil, nil, fmt.Errorf("running hooks: %w", err)
		}
		*contexts = append(*contexts, c)
		return m, value, nil
	}
}
