package bruscript

import (
	"context"
	"runtime/debug"

	"pkt.systems/bruscript/internal/runner"
)

// Runner runs .bru files or folders with their scripts and hooks.
type (
	Runner = runner.Runner
	// RunOptions configure a single run invocation.
	RunOptions = runner.RunOptions
	// CaseResult captures the outcome of a single case.
	CaseResult = runner.CaseResult
	// RunSummary aggregates case results from a folder run.
	RunSummary = runner.RunSummary
	// AssertionFailure is a failed assertion or test.
	AssertionFailure = runner.AssertionFailure
	// HookInfo carries request metadata provided to Go hooks.
	HookInfo = runner.HookInfo
	// PreRequestHook runs before each request is sent.
	PreRequestHook = runner.PreRequestHook
	// PostRequestHook runs after each case finished.
	PostRequestHook = runner.PostRequestHook
)

// Option tweaks runner construction.
type Option = runner.Option

var (
	// WithLogger supplies a custom pslog logger.
	WithLogger = runner.WithLogger
	// WithHTTPClient injects a custom HTTP client.
	WithHTTPClient = runner.WithHTTPClient
	// WithTimeout sets a default per-request timeout.
	WithTimeout = runner.WithTimeout
	// WithPreRequestHook registers a Go hook invoked before each .bru request (logger provided).
	WithPreRequestHook = runner.WithPreRequestHook
	// WithPostRequestHook registers a Go hook invoked after each .bru request (logger provided).
	WithPostRequestHook = runner.WithPostRequestHook
	// WithConfig replaces the configuration loaded from the environment.
	WithConfig = runner.WithConfig
	// WithScriptingOptions passes options to the script runtime.
	WithScriptingOptions = runner.WithScriptingOptions
	// WithConsolidatedHooks selects whether hook levels share one sandbox.
	WithConsolidatedHooks = runner.WithConsolidatedHooks
)

// New constructs a Runner.
func New(ctx context.Context, opts ...Option) (Runner, error) {
	return runner.New(ctx, opts...)
}

// Version returns the module version from the build info, or "(devel)".
func Version() string {
	return moduleVersion(modulePath)
}

const modulePath = "pkt.systems/bruscript"

var moduleVersion = func(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	if info.Main.Path == path && info.Main.Version != "" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == path && dep.Version != "" {
			return dep.Version
		}
	}
	return "(devel)"
}
