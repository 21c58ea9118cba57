package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/config"
	"pkt.systems/bruscript/internal/parser"
	"pkt.systems/bruscript/internal/scripting"
	"pkt.systems/bruscript/internal/vars"
)

const (
	defaultTimeout = 15 * time.Second
	// maxJumps bounds bru.setNextRequest loops within one iteration.
	maxJumps = 1000
)

// runner implements Runner.
type runner struct {
	logger      pslog.Base
	httpClient  *http.Client
	timeout     time.Duration
	preHook     PreRequestHook
	postHook    PostRequestHook
	scripts     *scripting.Runtime
	consolidate bool
}

type runnerConfig struct {
	logger      pslog.Base
	httpClient  *http.Client
	timeout     time.Duration
	preHook     PreRequestHook
	postHook    PostRequestHook
	cfg         *config.Config
	scriptOpts  []scripting.Option
	consolidate *bool
}

// New constructs a Runner with optional configuration.
func New(ctx context.Context, opts ...Option) (Runner, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	cfg := runnerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = pslog.New(os.Stdout)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.timeout == 0 {
		cfg.timeout = defaultTimeout
	}
	if cfg.cfg == nil {
		cfg.cfg = config.LoadOrDefault()
	}
	r := &runner{
		logger:      cfg.logger,
		httpClient:  cfg.httpClient,
		timeout:     cfg.timeout,
		preHook:     cfg.preHook,
		postHook:    cfg.postHook,
		consolidate: cfg.cfg.ConsolidateHooks,
	}
	if cfg.consolidate != nil {
		r.consolidate = *cfg.consolidate
	}
	sopts := append(cfg.cfg.ScriptingOptions(),
		scripting.WithLogger(cfg.logger),
		scripting.WithRunRequest(r.runRequest),
	)
	rt, err := scripting.New(append(sopts, cfg.scriptOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("scripting runtime: %w", err)
	}
	r.scripts = rt
	return r, nil
}

// runState is what the cases of one iteration share.
type runState struct {
	col     *collection
	opts    RunOptions
	runtime *vars.Scope
	iter    scripting.Iteration
	mode    string
	depth   int
}

type runStateKey struct{}

func (r *runner) stateFor(ctx context.Context, st *runState) context.Context {
	return context.WithValue(ctx, runStateKey{}, st)
}

// RunFile executes a single .bru file once per iteration.
func (r *runner) RunFile(ctx context.Context, path string, opts RunOptions) (CaseResult, error) {
	parsed, err := parser.ParseFile(ctx, path)
	if err != nil {
		return CaseResult{}, err
	}
	col, err := openCollection(ctx, findCollectionRoot(filepath.Dir(path)), opts)
	if err != nil {
		return CaseResult{}, err
	}
	iterations, err := buildIterations(opts)
	if err != nil {
		return CaseResult{}, err
	}

	var last CaseResult
	for iterIdx, iter := range iterations {
		st := &runState{
			col:     col,
			opts:    opts,
			runtime: iter.scope(),
			iter:    scripting.Iteration{Data: iter.data, Index: iterIdx, Total: len(iterations)},
			mode:    "standalone",
		}
		res, _, err := r.executeCase(r.stateFor(ctx, st), st, parsed)
		if err != nil {
			return CaseResult{}, err
		}
		last = res
		if !res.Passed && !res.Skipped && opts.Bail {
			return res, nil
		}
		if iterIdx < len(iterations)-1 && opts.Delay > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				return CaseResult{}, err
			}
		}
	}
	return last, nil
}

// RunFolder discovers, sorts, and executes all .bru files in the folder.
// Collection hooks receive before-run and after-run around the whole run.
func (r *runner) RunFolder(ctx context.Context, path string, opts RunOptions) (RunSummary, error) {
	start := time.Now()

	recursive := true
	if opts.RecursiveSet {
		recursive = opts.Recursive
	}
	files, err := parser.DiscoverBruFiles(path, recursive)
	if err != nil {
		return RunSummary{}, err
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Meta.Seq == files[j].Meta.Seq {
			return files[i].FilePath < files[j].FilePath
		}
		return files[i].Meta.Seq < files[j].Meta.Seq
	})
	col, err := openCollection(ctx, findCollectionRoot(path), opts)
	if err != nil {
		return RunSummary{}, err
	}
	iterations, err := buildIterations(opts)
	if err != nil {
		return RunSummary{}, err
	}

	var runnable []parser.ParsedFile
	for _, f := range files {
		ok, err := included(col, f.FilePath, opts.Include)
		if err != nil {
			return RunSummary{}, err
		}
		if ok && passesTagFilter(f.Meta.Tags, opts.Tags, opts.ExcludeTags) {
			runnable = append(runnable, f)
		}
	}

	summary := RunSummary{}
	session := r.openRunHooks(col, len(runnable))
	defer session.Close()
	r.dispatchRunEvent(ctx, session, scripting.EventBeforeRun, map[string]any{
		"collectionName": col.name,
		"totalRequests":  int64(len(runnable) * len(iterations)),
	}, &summary)

	for iterIdx, iter := range iterations {
		// each iteration starts from a fresh runtime scope so post-response vars do not leak.
		st := &runState{
			col:     col,
			opts:    opts,
			runtime: iter.scope(),
			iter:    scripting.Iteration{Data: iter.data, Index: iterIdx, Total: len(iterations)},
			mode:    "runner",
		}
		var stop bool
		if opts.Parallel {
			stop, err = r.runParallel(ctx, st, runnable, &summary)
		} else {
			stop, err = r.runSequential(ctx, st, runnable, &summary)
		}
		if err != nil {
			return RunSummary{}, err
		}
		if stop {
			break
		}
	}
	summary.TotalElapsed = time.Since(start)
	r.dispatchRunEvent(ctx, session, scripting.EventAfterRun, map[string]any{
		"collectionName": col.name,
		"summary": map[string]any{
			"total":   int64(summary.Total),
			"passed":  int64(summary.Passed),
			"failed":  int64(summary.Failed),
			"skipped": int64(summary.Skipped),
		},
	}, &summary)
	return summary, nil
}

// runSequential runs the cases of one iteration in order, following
// bru.setNextRequest jumps. It reports whether the run should stop.
func (r *runner) runSequential(ctx context.Context, st *runState, runnable []parser.ParsedFile, summary *RunSummary) (bool, error) {
	index := requestIndex(runnable)
	jumps := 0
	for i := 0; i < len(runnable); {
		f := runnable[i]
		delay := st.opts.Delay
		if f.Meta.DelayMS > 0 {
			delay += time.Duration(f.Meta.DelayMS) * time.Millisecond
		}
		if delay > 0 && summary.Total > 0 {
			if err := sleep(ctx, delay); err != nil {
				return true, err
			}
		}
		res, fl, err := r.executeCase(r.stateFor(ctx, st), st, f)
		if err != nil {
			return true, err
		}
		summary.add(res, fl)
		if fl.stop {
			summary.Stopped = true
			return true, nil
		}
		if st.opts.Bail && !res.Passed && !res.Skipped {
			return true, nil
		}
		if !fl.hasNext {
			i++
			continue
		}
		if fl.next == "" {
			summary.Stopped = true
			return true, nil
		}
		target, ok := index[fl.next]
		if !ok {
			r.logger.Warn("runner.next request not found", "name", fl.next, "file", f.FilePath)
			i++
			continue
		}
		if jumps++; jumps > maxJumps {
			r.logger.Warn("runner.next request loop stopped", "name", fl.next, "jumps", maxJumps)
			summary.Stopped = true
			return true, nil
		}
		i = target
	}
	return false, nil
}

// runParallel runs every case of one iteration concurrently, each with its
// own copy of the runtime scope.
func (r *runner) runParallel(ctx context.Context, st *runState, runnable []parser.ParsedFile, summary *RunSummary) (bool, error) {
	ctxIter, cancel := context.WithCancel(ctx)
	defer cancel()
	type out struct {
		res CaseResult
		fl  flow
		err error
	}
	outs := make([]out, len(runnable))
	var wg sync.WaitGroup
	for i, f := range runnable {
		caseState := *st
		caseState.runtime = vars.NewScope(st.runtime.Snapshot())
		caseState.iter.Data = cloneAnyMap(st.iter.Data)
		wg.Add(1)
		go func(i int, pf parser.ParsedFile, cs *runState) {
			defer wg.Done()
			res, fl, err := r.executeCase(r.stateFor(ctxIter, cs), cs, pf)
			if err != nil {
				cancel()
			}
			outs[i] = out{res: res, fl: fl, err: err}
		}(i, f, &caseState)
	}
	wg.Wait()
	stop := false
	for _, o := range outs {
		if o.err != nil {
			return true, o.err
		}
	}
	for _, o := range outs {
		summary.add(o.res, o.fl)
		if o.fl.stop {
			summary.Stopped = true
			stop = true
		}
		if st.opts.Bail && !o.res.Passed && !o.res.Skipped {
			stop = true
		}
	}
	return stop, nil
}

func (s *RunSummary) add(res CaseResult, fl flow) {
	s.Cases = append(s.Cases, res)
	s.Total++
	switch {
	case res.Skipped:
		s.Skipped++
	case res.Passed:
		s.Passed++
	default:
		s.Failed++
	}
	if len(fl.persistent) > 0 {
		if s.PersistentEnvVars == nil {
			s.PersistentEnvVars = map[string]any{}
		}
		maps.Copy(s.PersistentEnvVars, fl.persistent)
	}
}

// requestIndex maps the names bru.setNextRequest accepts to case positions:
// the meta name, the file name with and without extension.
func requestIndex(files []parser.ParsedFile) map[string]int {
	index := map[string]int{}
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		base := filepath.Base(f.FilePath)
		for _, name := range []string{f.Meta.Name, base, strings.TrimSuffix(base, filepath.Ext(base))} {
			if name != "" {
				index[name] = i
			}
		}
	}
	return index
}

func included(col *collection, path string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	rel := col.rel(abs)
	for _, p := range patterns {
		ok, err := doublestar.Match(p, rel)
		if err != nil {
			return false, fmt.Errorf("include pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func passesTagFilter(tags []string, include []string, exclude []string) bool {
	if len(include) > 0 {
		match := false
		for _, t := range tags {
			if slices.Contains(include, t) {
				match = true
			}
		}
		if !match {
			return false
		}
	}
	for _, t := range tags {
		if slices.Contains(exclude, t) {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// maxRunRequestDepth bounds bru.runRequest recursion.
const maxRunRequestDepth = 8

// runRequest backs bru.runRequest: it runs another request of the current
// collection and returns its response.
func (r *runner) runRequest(ctx context.Context, path string) (any, error) {
	st, ok := ctx.Value(runStateKey{}).(*runState)
	if !ok {
		return nil, errors.New("bru.runRequest is only available while a collection runs")
	}
	if st.depth >= maxRunRequestDepth {
		return nil, fmt.Errorf("bru.runRequest nested deeper than %d requests", maxRunRequestDepth)
	}
	target := filepath.FromSlash(path)
	if !filepath.IsAbs(target) {
		target = filepath.Join(st.col.root, target)
	}
	if !strings.HasSuffix(strings.ToLower(target), ".bru") {
		target += ".bru"
	}
	if !within(st.col.root, target) {
		return nil, fmt.Errorf("bru.runRequest: %s is outside the collection", path)
	}
	pf, err := parser.ParseFile(ctx, target)
	if err != nil {
		return nil, err
	}
	child := *st
	child.depth++
	res, fl, err := r.executeCase(r.stateFor(ctx, &child), &child, pf)
	if err != nil {
		return nil, err
	}
	if fl.response == nil {
		return map[string]any{"error": res.ErrorText}, nil
	}
	headers := map[string]any{}
	for k, v := range fl.response.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":       int64(fl.response.Status),
		"statusText":   fl.response.StatusText,
		"headers":      headers,
		"data":         fl.response.Body,
		"responseTime": fl.response.ResponseTime,
	}, nil
}

// within reports whether target lies inside root.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
