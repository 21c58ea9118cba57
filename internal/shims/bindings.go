package shims

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/interpolate"
	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/scripterr"
	"pkt.systems/bruscript/internal/vars"
)

//go:embed js/bru.js
var bruGlue string

//go:embed js/expect.js
var expectGlue string

// hostBinding is the temporary global the glue reads host functions from.
// The glue deletes it before user code runs.
const hostBinding = "__host"

// Install exposes the capability surface for c.Phase on b: req, res, bru,
// console, the utilities and, outside the pre-request phase, the test and
// expectation primitives. The context must outlive every later call into b.
func Install(ctx context.Context, b sandbox.Backend, c *Context) error {
	if c == nil {
		return scripterr.Validationf("context", "must not be nil")
	}
	c.Vars = c.Vars.Ensure()
	if err := b.InstallBinding(hostBinding, c.hostObject()); err != nil {
		return fmt.Errorf("install host bindings: %w", err)
	}
	code := bruGlue
	if c.Phase != PhasePreRequest {
		code += "\n" + expectGlue
	}
	p, err := b.Compile(sandbox.Source{Name: "bru-shims.js", Code: code})
	if err != nil {
		return fmt.Errorf("compile shims: %w", err)
	}
	if _, err := b.Run(ctx, p); err != nil {
		return fmt.Errorf("install shims: %w", err)
	}
	return nil
}

func (c *Context) hostObject() sandbox.Object {
	return sandbox.Object{
		"phase":          string(c.Phase),
		"hasRequest":     c.request() != nil || c.Phase == PhaseHooks,
		"hasResponse":    c.response() != nil || c.Phase == PhaseHooks,
		"hasHooks":       c.Hooks != nil,
		"utils":          Utilities(),
		"reqGet":         c.reqGet,
		"reqSet":         c.reqSet,
		"reqHeader":      c.reqHeader,
		"reqSetHeader":   c.reqSetHeader,
		"reqDelHeader":   c.reqDeleteHeader,
		"reqSetHeaders":  c.reqSetHeaders,
		"resGet":         c.resGet,
		"resSetBody":     c.resSetBody,
		"resQuery":       c.resQuery,
		"scopeGet":       c.scopeGet,
		"scopeHas":       c.scopeHas,
		"scopeSet":       c.scopeSet,
		"scopeDelete":    c.scopeDelete,
		"scopeClear":     c.scopeClear,
		"scopeAll":       c.scopeAll,
		"persist":        c.persist,
		"processEnv":     c.processEnv,
		"interpolate":    c.interpolate,
		"info":           c.info,
		"iterationData":  c.iterationData,
		"setNextRequest": c.setNextRequest,
		"skipRequest":    c.skip,
		"stopExecution":  c.stop,
		"visualize":      c.setVisualize,
		"recordTest":     c.recordTest,
		"testResults":    c.testResults,
		"assertResults":  c.assertionResults,
		"registerHook":   c.registerHook,
		"console":        c.console,
		"sleep":          sandbox.AsyncFunc(c.sleep),
		"runRequest":     sandbox.AsyncFunc(c.runRequest),
	}
}

func (c *Context) reqGet(_ context.Context, args []any) (any, error) {
	r := c.request()
	if r == nil {
		return marshal.Absent, nil
	}
	field := argString(args, 0)
	snap := r.snapshot()
	if field == "" {
		return snap, nil
	}
	v, ok := snap[field]
	if !ok {
		return marshal.Absent, nil
	}
	return v, nil
}

func (c *Context) reqSet(_ context.Context, args []any) (any, error) {
	r := c.request()
	if r == nil {
		return nil, scripterr.Validationf("req", "no request in phase %s", c.Phase)
	}
	field, v := argString(args, 0), arg(args, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch field {
	case "url":
		r.URL = argString(args, 1)
	case "method":
		r.Method = strings.ToUpper(argString(args, 1))
	case "body":
		if marshal.IsAbsent(v) {
			v = nil
		}
		r.Body = marshal.Normalize(v)
	case "timeout":
		r.Timeout = argInt(args, 1, r.Timeout)
	default:
		return nil, scripterr.Validationf("req", "%s is read-only", field)
	}
	return marshal.Absent, nil
}

func (c *Context) reqHeader(_ context.Context, args []any) (any, error) {
	r := c.request()
	if r == nil {
		return marshal.Absent, nil
	}
	if v, ok := r.Header(argString(args, 0)); ok {
		return v, nil
	}
	return marshal.Absent, nil
}

func (c *Context) reqSetHeader(_ context.Context, args []any) (any, error) {
	r := c.request()
	if r == nil {
		return nil, scripterr.Validationf("req", "no request in phase %s", c.Phase)
	}
	name := argString(args, 0)
	if name == "" {
		return nil, scripterr.Validationf("header", "name must not be empty")
	}
	r.SetHeader(name, argString(args, 1))
	return marshal.Absent, nil
}

func (c *Context) reqDeleteHeader(_ context.Context, args []any) (any, error) {
	if r := c.request(); r != nil {
		r.DeleteHeader(argString(args, 0))
	}
	return marshal.Absent, nil
}

func (c *Context) reqSetHeaders(_ context.Context, args []any) (any, error) {
	r := c.request()
	if r == nil {
		return nil, scripterr.Validationf("req", "no request in phase %s", c.Phase)
	}
	headers := argMap(args, 0)
	r.mu.Lock()
	old := r.Headers
	r.Headers = map[string]string{}
	r.mu.Unlock()
	for k := range old {
		if _, keep := headers[k]; !keep {
			r.DeleteHeader(k)
		}
	}
	for k, v := range headers {
		r.SetHeader(k, marshal.Stringify(v))
	}
	return marshal.Absent, nil
}

func (c *Context) resGet(_ context.Context, args []any) (any, error) {
	r := c.response()
	if r == nil {
		return marshal.Absent, nil
	}
	field := argString(args, 0)
	snap := r.snapshot()
	if field == "" {
		return snap, nil
	}
	if v, ok := snap[field]; ok {
		return v, nil
	}
	return marshal.Absent, nil
}

func (c *Context) resSetBody(_ context.Context, args []any) (any, error) {
	r := c.response()
	if r == nil {
		return nil, scripterr.Validationf("res", "no response in phase %s", c.Phase)
	}
	r.SetBody(arg(args, 0))
	return marshal.Absent, nil
}

// resQuery resolves a gjson path against the response body. An empty path
// returns the whole body.
func (c *Context) resQuery(_ context.Context, args []any) (any, error) {
	r := c.response()
	if r == nil {
		return marshal.Absent, nil
	}
	return Query(r.body(), argString(args, 0))
}

// Query resolves a gjson path such as "items.0.name" or "items.#.id"
// against body.
func Query(body any, path string) (any, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), ".")
	if path == "" {
		return bodyValue(body), nil
	}
	var doc string
	if s, ok := body.(string); ok {
		doc = s
	} else {
		doc = marshal.Stringify(body)
	}
	if !gjson.Valid(doc) {
		return marshal.Absent, nil
	}
	res := gjson.Get(doc, path)
	if !res.Exists() {
		return marshal.Absent, nil
	}
	if res.Type == gjson.JSON {
		return marshal.ParseJSON(res.Raw)
	}
	if res.Type == gjson.Number {
		return marshal.ParseJSON(res.Raw)
	}
	return marshal.Normalize(res.Value()), nil
}

func (c *Context) layer(args []any) (*vars.Scope, error) {
	l := vars.Layer(argString(args, 0))
	s := c.Vars.Scope(l)
	if s == nil {
		return nil, scripterr.Validationf("scope", "unknown variable scope %q", l)
	}
	return s, nil
}

var writable = map[vars.Layer]bool{
	vars.LayerGlobal:  true,
	vars.LayerEnv:     true,
	vars.LayerRuntime: true,
}

func (c *Context) scopeGet(_ context.Context, args []any) (any, error) {
	s, err := c.layer(args)
	if err != nil {
		return nil, err
	}
	v, err := s.Get(argString(args, 1))
	if err != nil {
		return nil, err
	}
	if str, ok := v.(string); ok && vars.Layer(argString(args, 0)) == vars.LayerEnv {
		return interpolate.Interpolate(str, c.Vars), nil
	}
	return v, nil
}

func (c *Context) scopeHas(_ context.Context, args []any) (any, error) {
	s, err := c.layer(args)
	if err != nil {
		return nil, err
	}
	return s.Has(argString(args, 1))
}

func (c *Context) scopeSet(_ context.Context, args []any) (any, error) {
	s, err := c.layer(args)
	if err != nil {
		return nil, err
	}
	l := vars.Layer(argString(args, 0))
	if !writable[l] {
		return nil, scripterr.Validationf("scope", "%s variables are read-only", l)
	}
	name := argString(args, 1)
	if name == "" {
		return nil, scripterr.Validationf("variable name", "must not be empty")
	}
	return marshal.Absent, s.Set(name, arg(args, 2))
}

func (c *Context) scopeDelete(_ context.Context, args []any) (any, error) {
	s, err := c.layer(args)
	if err != nil {
		return nil, err
	}
	l := vars.Layer(argString(args, 0))
	if !writable[l] {
		return nil, scripterr.Validationf("scope", "%s variables are read-only", l)
	}
	name := argString(args, 1)
	if l == vars.LayerEnv {
		c.markPersistent(name, false)
	}
	return marshal.Absent, s.Delete(name)
}

func (c *Context) scopeClear(_ context.Context, args []any) (any, error) {
	s, err := c.layer(args)
	if err != nil {
		return nil, err
	}
	if l := vars.Layer(argString(args, 0)); !writable[l] {
		return nil, scripterr.Validationf("scope", "%s variables are read-only", l)
	}
	s.Clear()
	return marshal.Absent, nil
}

func (c *Context) scopeAll(_ context.Context, args []any) (any, error) {
	s, err := c.layer(args)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (c *Context) persist(_ context.Context, args []any) (any, error) {
	name := argString(args, 0)
	if err := vars.ValidateName(name); err != nil {
		return nil, err
	}
	c.markPersistent(name, argBool(args, 1))
	return marshal.Absent, nil
}

func (c *Context) processEnv(_ context.Context, args []any) (any, error) {
	if len(args) == 0 {
		out := make(map[string]any, len(c.Vars.Process))
		for k, v := range c.Vars.Process {
			out[k] = v
		}
		return out, nil
	}
	if v, ok := c.Vars.Process[argString(args, 0)]; ok {
		return v, nil
	}
	return marshal.Absent, nil
}

func (c *Context) interpolate(_ context.Context, args []any) (any, error) {
	v := arg(args, 0)
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return interpolate.Interpolate(s, c.Vars), nil
}

func (c *Context) info(_ context.Context, _ []any) (any, error) {
	return map[string]any{
		"cwd":             c.CollectionPath,
		"collectionName":  c.CollectionName,
		"envName":         c.EnvName,
		"iterationIndex":  int64(c.IterationIndex),
		"totalIterations": int64(c.TotalIterations),
	}, nil
}

func (c *Context) iterationData(_ context.Context, _ []any) (any, error) {
	if c.IterationData == nil {
		return map[string]any{}, nil
	}
	return c.IterationData, nil
}

// setNextRequest records the next request; null or no argument stops the
// run after the current request.
func (c *Context) setNextRequest(_ context.Context, args []any) (any, error) {
	name := ""
	if v := arg(args, 0); v != nil && !marshal.IsAbsent(v) {
		name = argString(args, 0)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRequest = &name
	return marshal.Absent, nil
}

func (c *Context) skip(_ context.Context, _ []any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipRequest = true
	return marshal.Absent, nil
}

func (c *Context) stop(_ context.Context, _ []any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopExecution = true
	return marshal.Absent, nil
}

func (c *Context) setVisualize(_ context.Context, args []any) (any, error) {
	var v any = arg(args, 0)
	if len(args) > 1 {
		v = map[string]any{"type": arg(args, 0), "config": arg(args, 1)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visualize = v
	return marshal.Absent, nil
}

// recordTest receives {description, status, error, actual, expected} from
// the test() glue.
func (c *Context) recordTest(_ context.Context, args []any) (any, error) {
	m := argMap(args, 0)
	if m == nil {
		return nil, scripterr.Validationf("test result", "must be an object")
	}
	str := func(k string) string {
		if s, ok := m[k].(string); ok {
			return s
		}
		return ""
	}
	r := assert.TestResult{
		UID:         uuid.NewString(),
		Description: str("description"),
		Status:      str("status"),
		Error:       str("error"),
	}
	if v, ok := m["actual"]; ok && !marshal.IsAbsent(v) {
		r.Actual = v
	}
	if v, ok := m["expected"]; ok && !marshal.IsAbsent(v) {
		r.Expected = v
	}
	if r.Status != assert.StatusPass {
		r.Status = assert.StatusFail
	}
	c.AddTest(r)
	return marshal.Absent, nil
}

func (c *Context) testResults(_ context.Context, _ []any) (any, error) {
	return marshal.Normalize(c.Tests()), nil
}

func (c *Context) assertionResults(_ context.Context, _ []any) (any, error) {
	return marshal.Normalize(c.Assertions()), nil
}

// registerHook binds a sandbox function to patterns and hands back an
// unregister function.
func (c *Context) registerHook(_ context.Context, args []any) (any, error) {
	if c.Hooks == nil {
		return nil, scripterr.Validationf("hooks", "hook registration is not available in phase %s", c.Phase)
	}
	var patterns []string
	switch t := arg(args, 0).(type) {
	case string:
		patterns = []string{t}
	case []any:
		for _, p := range t {
			s, ok := p.(string)
			if !ok {
				return nil, scripterr.Validationf("hook pattern", "must be a string")
			}
			patterns = append(patterns, s)
		}
	default:
		return nil, scripterr.Validationf("hook pattern", "must be a string or an array of strings")
	}
	fn, ok := arg(args, 1).(sandbox.Callable)
	if !ok {
		return nil, scripterr.Validationf("hook handler", "must be a function")
	}
	unregister, err := c.Hooks.Register(patterns, hooks.Handler(fn))
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, args []any) (any, error) {
		specific := make([]string, 0, len(args))
		for i := range args {
			if s := argString(args, i); s != "" {
				specific = append(specific, s)
			}
		}
		unregister(specific...)
		return marshal.Absent, nil
	}, nil
}

func (c *Context) console(_ context.Context, args []any) (any, error) {
	level := argString(args, 0)
	rest := []any{}
	if len(args) > 1 {
		rest = args[1:]
	}
	parts := make([]string, len(rest))
	for i, a := range rest {
		parts[i] = marshal.Stringify(a)
	}
	line := strings.Join(parts, " ")
	c.logger().Debug("console", "level", level, "msg", line)
	if c.OnConsole != nil {
		c.OnConsole(level, rest)
	}
	return marshal.Absent, nil
}

func (c *Context) sleep(ctx context.Context, args []any) (any, error) {
	ms := argInt(args, 0, 0)
	if ms <= 0 {
		return "slept", nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return "slept", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Context) runRequest(ctx context.Context, args []any) (any, error) {
	if c.RunRequest == nil {
		return nil, scripterr.Validationf("runRequest", "running other requests is not available here")
	}
	path := argString(args, 0)
	if path == "" {
		return nil, scripterr.Validationf("runRequest", "request path must not be empty")
	}
	res, err := c.RunRequest(ctx, path)
	if err != nil {
		return map[string]any{"message": err.Error()}, nil
	}
	return marshal.Normalize(res), nil
}
