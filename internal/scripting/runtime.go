// Package scripting is the entry point hosts use to run user scripts. It
// creates a backend per phase, installs the capability shims, maps failures
// back to source lines and hands mutated state back to the caller.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/errfmt"
	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/scripterr"
	"pkt.systems/bruscript/internal/shims"
)

// DefaultCacheSize bounds the compiled program cache.
const DefaultCacheSize = 256

type config struct {
	logger       pslog.Base
	kind         sandbox.Kind
	cacheSize    int
	contextRoots []string
	whitelist    []string
	maxStack     int
	contextLines int
	phaseTimeout time.Duration
	onConsole    shims.ConsoleFunc
	runRequest   shims.RunRequestFunc
}

// Option configures a Runtime.
type Option func(*config)

// WithLogger sets the logger. Defaults to pslog on stdout.
func WithLogger(l pslog.Base) Option { return func(c *config) { c.logger = l } }

// WithKind selects the default backend strategy.
func WithKind(k sandbox.Kind) Option { return func(c *config) { c.kind = k } }

// WithCacheSize bounds the compiled program cache. Zero disables caching.
func WithCacheSize(n int) Option { return func(c *config) { c.cacheSize = n } }

// WithContextRoots adds directories local modules may be loaded from.
func WithContextRoots(roots ...string) Option {
	return func(c *config) { c.contextRoots = append(c.contextRoots, roots...) }
}

// WithModuleWhitelist restricts bare module names to the given patterns.
func WithModuleWhitelist(patterns ...string) Option {
	return func(c *config) { c.whitelist = append(c.whitelist, patterns...) }
}

// WithMaxCallStackSize bounds recursion inside scripts.
func WithMaxCallStackSize(n int) Option { return func(c *config) { c.maxStack = n } }

// WithContextLines sets how many source lines surround a reported error.
func WithContextLines(n int) Option { return func(c *config) { c.contextLines = n } }

// WithPhaseTimeout bounds how long one script, hook unit or expression may
// run, pending timers included. Zero leaves scripts unbounded.
func WithPhaseTimeout(d time.Duration) Option { return func(c *config) { c.phaseTimeout = d } }

// WithOnConsoleLog receives console output of every script.
func WithOnConsoleLog(fn shims.ConsoleFunc) Option { return func(c *config) { c.onConsole = fn } }

// WithRunRequest backs bru.runRequest.
func WithRunRequest(fn shims.RunRequestFunc) Option { return func(c *config) { c.runRequest = fn } }

// Runtime runs scripts. It is safe for concurrent use; every call gets its
// own backend.
type Runtime struct {
	cfg   config
	cache *lru.Cache[string, *sandbox.Program]
}

// New returns a Runtime.
func New(opts ...Option) (*Runtime, error) {
	cfg := config{
		kind:         sandbox.KindSafe,
		cacheSize:    DefaultCacheSize,
		maxStack:     sandbox.DefaultMaxCallStackSize,
		contextLines: errfmt.DefaultContextLines,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = pslog.New(os.Stdout)
	}
	if _, err := sandbox.ParseKind(string(cfg.kind)); err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg}
	if cfg.cacheSize > 0 {
		cache, err := lru.New[string, *sandbox.Program](cfg.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("program cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Kind is the default backend strategy.
func (r *Runtime) Kind() sandbox.Kind { return r.cfg.kind }

// CachedPrograms reports how many compiled programs the cache holds.
func (r *Runtime) CachedPrograms() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Len()
}

func (r *Runtime) backend(kind sandbox.Kind, collectionPath string) (sandbox.Backend, error) {
	if kind == "" {
		kind = r.cfg.kind
	}
	cfg := sandbox.Config{
		Kind:             kind,
		CollectionPath:   collectionPath,
		ContextRoots:     r.cfg.contextRoots,
		ModuleWhitelist:  r.cfg.whitelist,
		Builtins:         shims.Builtins(),
		MaxCallStackSize: r.cfg.maxStack,
		Logger:           r.cfg.logger,
	}
	if r.cache != nil {
		cfg.Cache = r.cache
	}
	return sandbox.New(cfg)
}

// runBounded runs p under the phase timeout. Running out of time is a
// script failure, not a host error.
func (r *Runtime) runBounded(ctx context.Context, b sandbox.Backend, p *sandbox.Program, what string) (any, error) {
	d := r.cfg.phaseTimeout
	if d <= 0 {
		return b.Run(ctx, p)
	}
	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := b.Run(runCtx, p)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &scripterr.RuntimeError{
			Name:    "TimeoutError",
			Message: fmt.Sprintf("%s did not finish within %s", what, d),
			Backend: string(b.Kind()),
			Cause:   err,
		}
	}
	return v, err
}
