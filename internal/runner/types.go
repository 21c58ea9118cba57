package runner

import (
	"context"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/config"
	"pkt.systems/bruscript/internal/scripting"
)

// Runner runs .bru requests together with their scripts, hooks, assertions
// and tests. It is safe for concurrent use.
type Runner interface {
	RunFile(ctx context.Context, path string, opts RunOptions) (CaseResult, error)
	RunFolder(ctx context.Context, path string, opts RunOptions) (RunSummary, error)
}

// RunOptions controls execution of one or more .bru cases.
type RunOptions struct {
	EnvPath string
	// Vars override environment variables.
	Vars map[string]string
	// GlobalVars seed the global environment scope.
	GlobalVars  map[string]string
	Tags        []string
	ExcludeTags []string
	// Include limits a folder run to files matching any of these doublestar
	// patterns, relative to the collection root.
	Include []string
	// CSVFilePath points to a CSV dataset used for data-driven iterations.
	CSVFilePath string
	// JSONFilePath points to a JSON array dataset used for data-driven iterations.
	JSONFilePath string
	// IterationCount executes the collection this many times (default 1). Ignored when a data file is provided.
	IterationCount int
	// Parallel runs the cases of an iteration concurrently. Scripts cannot
	// change the request order in this mode.
	Parallel     bool
	HTTPClient   *http.Client
	Logger       pslog.Base
	Timeout      time.Duration // per request timeout; 0 means default (15s)
	Delay        time.Duration // delay between cases; 0 to skip
	Bail         bool          // stop after first failure
	TestsOnly    bool          // skip cases without tests/asserts
	Recursive    bool          // walk subfolders
	RecursiveSet bool          // whether Recursive was explicitly set by caller

	// Reporter/output hints (used by CLI layer).
	OutputPath    string
	OutputFormat  string // json|junit|html
	ReporterJSON  string
	ReporterJUnit string
	ReporterHTML  string
	// ReporterSkipAllHeaders omits all request/response headers from reporter outputs.
	ReporterSkipAllHeaders bool
	// ReporterSkipHeaders removes specific headers (case-insensitive) from reporter outputs.
	ReporterSkipHeaders []string
}

// HookInfo is the request metadata handed to Go hooks.
type HookInfo struct {
	Name     string
	FilePath string
	Seq      float64
	Tags     []string
	Method   string
	URL      string
}

// PreRequestHook runs after the scripts prepared the request and right
// before it is sent. Returning an error aborts the run.
type PreRequestHook func(ctx context.Context, info HookInfo, req *http.Request, logger pslog.Base) error

// PostRequestHook runs once assertions and tests finished. Returning an
// error aborts the run.
type PostRequestHook func(ctx context.Context, info HookInfo, res CaseResult, logger pslog.Base) error

// CaseResult captures the outcome of a single .bru case.
type CaseResult struct {
	Name       string
	FilePath   string
	RequestURL string
	// RequestHeaders captures the request headers sent for this case.
	RequestHeaders map[string]string
	// ResponseHeaders captures the response headers returned for this case.
	ResponseHeaders map[string]string
	Status          int
	Seq             float64
	Tags            []string
	Duration        time.Duration
	Passed          bool
	Skipped         bool
	Assertions      []assert.Result
	Tests           []assert.TestResult
	Failures        []AssertionFailure
	Console         []string
	// HookErrors lists failed hook handlers and hook levels.
	HookErrors []string
	// Visualize is the payload a script passed to bru.visualize.
	Visualize any `json:",omitempty"`
	// ErrorText is set when execution or a script failed.
	ErrorText string
}

// RunSummary aggregates multiple case results.
type RunSummary struct {
	Cases        []CaseResult
	Total        int
	Passed       int
	Failed       int
	Skipped      int
	TotalElapsed time.Duration
	// Stopped is set when a script called bru.runner.stopExecution.
	Stopped bool
	// PersistentEnvVars are environment variables scripts asked to persist.
	PersistentEnvVars map[string]any `json:",omitempty"`
	HookErrors        []string       `json:",omitempty"`
}

// AssertionFailure is a failed assertion or test.
type AssertionFailure struct {
	Name    string
	Message string
}

// Option modifies a Runner at construction time.
type Option func(*runnerConfig)

// WithPreRequestHook registers a Go hook invoked before each .bru request is executed.
func WithPreRequestHook(h PreRequestHook) Option {
	return func(rc *runnerConfig) { rc.preHook = h }
}

// WithPostRequestHook registers a Go hook invoked after each .bru request finishes (tests included).
func WithPostRequestHook(h PostRequestHook) Option {
	return func(rc *runnerConfig) { rc.postHook = h }
}

// WithLogger overrides the default logger (pslog console).
func WithLogger(logger pslog.Base) Option {
	return func(rc *runnerConfig) { rc.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(rc *runnerConfig) { rc.httpClient = client }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(rc *runnerConfig) { rc.timeout = timeout }
}

// WithConfig sets the scripting configuration. Defaults come from
// config.LoadOrDefault.
func WithConfig(cfg *config.Config) Option {
	return func(rc *runnerConfig) { rc.cfg = cfg }
}

// WithScriptingOptions appends options for the scripting runtime after the
// ones derived from the configuration.
func WithScriptingOptions(opts ...scripting.Option) Option {
	return func(rc *runnerConfig) { rc.scriptOpts = append(rc.scriptOpts, opts...) }
}

// WithConsolidatedHooks overrides whether hook levels share one sandbox.
func WithConsolidatedHooks(on bool) Option {
	return func(rc *runnerConfig) { rc.consolidate = &on }
}
