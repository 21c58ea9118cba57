package runner

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/interpolate"
	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/parser"
	"pkt.systems/bruscript/internal/scripting"
	"pkt.systems/bruscript/internal/shims"
	"pkt.systems/bruscript/internal/vars"
)

// flow carries the directives scripts left for the runner.
type flow struct {
	next       string
	hasNext    bool
	skip       bool
	stop       bool
	visualize  any
	persistent map[string]any
	response   *shims.Response
}

func (f *flow) merge(res scripting.RunResult) {
	if res.HasNextRequest {
		f.next, f.hasNext = res.NextRequest, true
	}
	f.skip = f.skip || res.SkipRequest
	f.stop = f.stop || res.StopExecution
	if res.Visualize != nil {
		f.visualize = res.Visualize
	}
	if len(res.PersistentEnvVars) > 0 {
		if f.persistent == nil {
			f.persistent = map[string]any{}
		}
		maps.Copy(f.persistent, res.PersistentEnvVars)
	}
}

// consoleBuffer collects console output of one case.
type consoleBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (c *consoleBuffer) add(level string, args []any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = marshal.Stringify(a)
	}
	line := strings.Join(parts, " ")
	if level != "log" {
		line = level + ": " + line
	}
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *consoleBuffer) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lines)
}

func caseName(pf parser.ParsedFile) string {
	if pf.Meta.Name != "" {
		return pf.Meta.Name
	}
	return strings.TrimSuffix(filepath.Base(pf.FilePath), filepath.Ext(pf.FilePath))
}

// newScriptRequest builds the request scripts see: headers merged from the
// collection down to the request, the body decoded when it is JSON.
func newScriptRequest(levels []scriptLevel, pf parser.ParsedFile, st *runState, timeout time.Duration) *shims.Request {
	headers := map[string]string{}
	for _, l := range levels {
		maps.Copy(headers, l.pf.Request.Headers)
	}
	req := &shims.Request{
		URL:           pf.Request.URL,
		Method:        strings.ToUpper(pf.Request.Verb),
		Headers:       headers,
		Timeout:       timeout.Milliseconds(),
		Name:          caseName(pf),
		AuthMode:      "none",
		ExecutionMode: st.mode,
		PathParams:    maps.Clone(pf.Request.PathParams),
	}
	body := pf.Request.Body
	if !body.Present {
		return req
	}
	switch body.Type {
	case "json", "":
		if v, err := marshal.ParseJSON(body.Raw); err == nil {
			req.Body = v
		} else {
			req.Body = body.Raw
		}
	case "form-urlencoded", "multipart-form":
		fields := map[string]any{}
		for k, v := range body.Fields {
			fields[k] = v
		}
		req.Body = fields
	default:
		req.Body = body.Raw
	}
	return req
}

// executeCase runs one request: pre-request scripts, before-request hooks,
// the HTTP exchange, after-response hooks, post-response scripts,
// assertions and tests. Script failures end up in the result; only host
// failures are returned.
func (r *runner) executeCase(ctx context.Context, st *runState, pf parser.ParsedFile) (CaseResult, flow, error) {
	opts := st.opts
	logger := r.logger
	if opts.Logger != nil {
		logger = opts.Logger
	}
	result := CaseResult{FilePath: pf.FilePath, Name: caseName(pf), Seq: pf.Meta.Seq, Tags: pf.Meta.Tags}
	var fl flow

	if !passesTagFilter(pf.Meta.Tags, opts.Tags, opts.ExcludeTags) || pf.Meta.Skip {
		result.Passed, result.Skipped = true, true
		return result, fl, nil
	}
	if opts.TestsOnly && pf.TestsRaw == "" && len(pf.Assert) == 0 {
		result.Passed, result.Skipped = true, true
		return result, fl, nil
	}

	client := r.httpClient
	if opts.HTTPClient != nil {
		client = opts.HTTPClient
	}
	timeout := r.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if pf.Meta.TimeoutMS > 0 {
		timeout = time.Duration(pf.Meta.TimeoutMS) * time.Millisecond
	}

	levels, err := st.col.levels(ctx, pf)
	if err != nil {
		return CaseResult{}, fl, err
	}
	set := st.col.varSet(levels, st.runtime)
	sreq := newScriptRequest(levels, pf, st, timeout)
	console := &consoleBuffer{}
	base := scripting.RunInput{
		Request:        sreq,
		Vars:           set,
		CollectionPath: st.col.root,
		CollectionName: st.col.name,
		EnvName:        st.col.envName,
		Iteration:      st.iter,
		OnConsoleLog:   console.add,
	}
	var scriptErrs []string
	finish := func() (CaseResult, flow, error) {
		result.Console = console.snapshot()
		result.Visualize = fl.visualize
		if len(scriptErrs) > 0 {
			result.ErrorText = strings.Join(scriptErrs, "\n")
		}
		result.Passed = result.ErrorText == "" && len(result.Failures) == 0
		return result, fl, nil
	}

	failed, err := r.runPhase(ctx, base, shims.PhasePreRequest, levels, &fl, &result)
	if err != nil {
		return CaseResult{}, fl, err
	}
	if failed != nil {
		scriptErrs = append(scriptErrs, failed.Error())
		return finish()
	}
	if fl.skip {
		logger.Debug("runner.request skipped by script", "file", pf.FilePath)
		result.Console = console.snapshot()
		result.Passed, result.Skipped = true, true
		return result, fl, nil
	}

	session := r.scripts.OpenHooks(scripting.HookInput{
		Base:        base,
		Levels:      hookConfig(levels),
		Consolidate: r.consolidate,
		Dispatch:    hooks.DispatchOptions{CollectErrors: true},
	})
	defer session.Close()
	hookPayload := map[string]any{"requestName": result.Name, "requestFile": st.col.rel(pf.FilePath)}
	if session.HasHooks() {
		dr, err := session.Dispatch(ctx, scripting.EventBeforeRequest, sreq, nil, hookPayload)
		result.HookErrors = append(result.HookErrors, hookErrors(dr, err)...)
		for _, le := range session.LevelErrors {
			result.HookErrors = append(result.HookErrors, fmt.Sprintf("%s: %s", le.Level, le.Message))
		}
	}

	req, err := buildHTTPRequest(ctx, pf, sreq, set)
	if err != nil {
		return CaseResult{}, fl, err
	}
	result.RequestURL = req.URL.String()
	if r.preHook != nil {
		if err := r.preHook(ctx, hookInfo(pf, req), req, logger); err != nil {
			return CaseResult{}, fl, err
		}
	}
	result.RequestHeaders = headerMap(req.Header)

	if ms := requestTimeout(sreq); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	resp, err := client.Do(req.WithContext(ctxTimeout))
	var raw []byte
	if err == nil {
		raw, err = readBody(resp)
	}
	result.Duration = time.Since(start)
	cancel()
	if err != nil {
		// Connection failures fail the case instead of aborting the run.
		result.ErrorText = fmt.Sprintf("http request failed: %v", err)
		return finish()
	}
	result.Status = resp.StatusCode
	result.ResponseHeaders = headerMap(resp.Header)
	sres := shims.NewResponse(resp, raw, result.Duration.Milliseconds())
	fl.response = sres
	base.Response = sres

	if session.HasHooks() {
		dr, err := session.Dispatch(ctx, scripting.EventAfterResponse, sreq, sres, hookPayload)
		result.HookErrors = append(result.HookErrors, hookErrors(dr, err)...)
	}

	failed, err = r.runPhase(ctx, base, shims.PhasePostResponse, levels, &fl, &result)
	if err != nil {
		return CaseResult{}, fl, err
	}
	if failed != nil {
		scriptErrs = append(scriptErrs, failed.Error())
	}
	if err := r.applyPostVars(ctx, base, levels, logger); err != nil {
		return CaseResult{}, fl, err
	}

	assertions, err := r.scripts.RunAssertions(ctx, pf.Assert, base)
	if err != nil {
		return CaseResult{}, fl, err
	}
	result.Assertions = assertions
	for _, a := range assertions {
		if a.Status == assert.StatusFail {
			result.Failures = append(result.Failures, AssertionFailure{
				Name:    fmt.Sprintf("assert: %s %s", a.LHSExpr, a.RHSExpr),
				Message: a.Error,
			})
		}
	}

	base.Assertions = assertions
	failed, err = r.runPhase(ctx, base, shims.PhaseTest, levels, &fl, &result)
	if err != nil {
		return CaseResult{}, fl, err
	}
	if failed != nil {
		scriptErrs = append(scriptErrs, failed.Error())
	}
	for _, t := range result.Tests {
		if t.Status == assert.StatusFail {
			result.Failures = append(result.Failures, AssertionFailure{Name: t.Description, Message: t.Error})
		}
	}

	out, _, _ := finish()
	if r.postHook != nil {
		if err := r.postHook(ctx, hookInfo(pf, req), out, logger); err != nil {
			return CaseResult{}, fl, err
		}
	}
	return out, fl, nil
}

func requestTimeout(r *shims.Request) int64 {
	var ms int64
	r.Inspect(func(r *shims.Request) { ms = r.Timeout })
	return ms
}

func phaseScript(pf parser.ParsedFile, phase shims.Phase) string {
	switch phase {
	case shims.PhasePreRequest:
		return pf.Scripts.PreRequest
	case shims.PhasePostResponse:
		return pf.Scripts.PostResponse
	case shims.PhaseTest:
		return pf.TestsRaw
	}
	return ""
}

// runPhase runs the phase's script of every level, outermost first. The
// first script failure stops the remaining levels and is returned as
// failed; err is reserved for host failures.
func (r *runner) runPhase(ctx context.Context, base scripting.RunInput, phase shims.Phase, levels []scriptLevel, fl *flow, result *CaseResult) (failed error, err error) {
	for _, l := range levels {
		script := phaseScript(l.pf, phase)
		if strings.TrimSpace(script) == "" {
			continue
		}
		in := base
		in.Phase = phase
		in.Script = script
		in.File = l.file
		in.DisplayPath = l.display
		out, err := r.scripts.Run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s script %s: %w", phase, l.display, err)
		}
		fl.merge(out)
		result.Tests = append(result.Tests, out.Tests...)
		if out.Err != nil {
			return out.Err, nil
		}
	}
	return nil, nil
}

// applyPostVars evaluates vars:post-response entries against the response
// and stores them as runtime variables. An entry that does not evaluate is
// stored as its interpolated text.
func (r *runner) applyPostVars(ctx context.Context, base scripting.RunInput, levels []scriptLevel, logger pslog.Base) error {
	entries := map[string]string{}
	for _, l := range levels {
		maps.Copy(entries, l.pf.VarsPost)
	}
	if len(entries) == 0 {
		return nil
	}
	ev, err := r.scripts.NewEvaluator(ctx, base)
	if err != nil {
		return err
	}
	defer ev.Close()
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		expr := entries[name]
		v, err := ev.EvalExpression(ctx, expr)
		if err != nil {
			logger.Debug("runner.post var kept as text", "name", name, "error", err)
			v = interpolate.Interpolate(expr, base.Vars)
		}
		if err := base.Vars.Runtime.Set(name, v); err != nil {
			logger.Warn("runner.post var rejected", "name", name, "error", err)
		}
	}
	return nil
}

func hookErrors(dr hooks.DispatchResult, err error) []string {
	var out []string
	for _, e := range dr.Errors {
		out = append(out, fmt.Sprintf("%s (%s): %s", e.Event, e.Handler, e.Message))
	}
	if err != nil {
		out = append(out, err.Error())
	}
	return out
}

// openRunHooks prepares the collection-level session that receives
// before-run and after-run.
func (r *runner) openRunHooks(col *collection, total int) *scripting.HookSession {
	levels := []scriptLevel{{kind: levelCollection, file: col.level.FilePath, display: col.rel(col.level.FilePath), pf: col.level}}
	set := &vars.Set{
		Global:     col.global,
		Collection: vars.FromStrings(col.level.VarsPre),
		Env:        col.env,
		Secret:     col.secret,
		Process:    col.process,
	}
	return r.scripts.OpenHooks(scripting.HookInput{
		Base: scripting.RunInput{
			Vars:           set,
			CollectionPath: col.root,
			CollectionName: col.name,
			EnvName:        col.envName,
			Iteration:      scripting.Iteration{Total: total},
		},
		Levels:      hookConfig(levels),
		Consolidate: true,
		Dispatch:    hooks.DispatchOptions{CollectErrors: true},
	})
}

func (r *runner) dispatchRunEvent(ctx context.Context, s *scripting.HookSession, event string, payload map[string]any, summary *RunSummary) {
	if !s.HasHooks() {
		return
	}
	dr, err := s.Dispatch(ctx, event, nil, nil, payload)
	summary.HookErrors = append(summary.HookErrors, hookErrors(dr, err)...)
	if event == scripting.EventBeforeRun {
		for _, le := range s.LevelErrors {
			summary.HookErrors = append(summary.HookErrors, fmt.Sprintf("%s: %s", le.Level, le.Message))
		}
	}
	r.logger.Debug("runner.hooks dispatched", "event", event, "handlers", dr.HandlersExecuted, "failed", dr.HandlersFailed)
}

func hookInfo(pf parser.ParsedFile, req *http.Request) HookInfo {
	info := HookInfo{
		Name:     caseName(pf),
		FilePath: pf.FilePath,
		Seq:      pf.Meta.Seq,
		Tags:     pf.Meta.Tags,
		Method:   strings.ToUpper(pf.Request.Verb),
		URL:      pf.Request.URL,
	}
	if req != nil {
		info.Method = req.Method
		info.URL = req.URL.String()
	}
	return info
}

func headerMap(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := map[string]string{}
	for k, vals := range h {
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}
