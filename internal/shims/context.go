// Package shims exposes host capabilities to sandboxed scripts: the req and
// res accessors, the bru namespace, console forwarding and pure utilities.
package shims

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/vars"
)

// Phase names the point in the request lifecycle a script runs at.
type Phase string

const (
	PhasePreRequest   Phase = "pre-request"
	PhasePostResponse Phase = "post-response"
	PhaseTest         Phase = "test"
	PhaseHooks        Phase = "hooks"
)

// Request is the mutable request a script sees as req.
type Request struct {
	mu             sync.Mutex
	URL            string
	Method         string
	Headers        map[string]string
	Body           any
	Timeout        int64
	Name           string
	AuthMode       string
	ExecutionMode  string
	PathParams     map[string]string
	deletedHeaders map[string]struct{}
}

func (r *Request) headerKey(name string) (string, bool) {
	if _, ok := r.Headers[name]; ok {
		return name, true
	}
	for k := range r.Headers {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return name, false
}

// Header returns the value of a header, matched case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.headerKey(name)
	if !ok {
		return "", false
	}
	return r.Headers[k], true
}

// SetHeader sets a header, replacing any differently cased duplicate.
func (r *Request) SetHeader(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	k, _ := r.headerKey(name)
	r.Headers[k] = value
	delete(r.deletedHeaders, strings.ToLower(name))
}

// DeleteHeader removes a header and records the deletion for the engine.
func (r *Request) DeleteHeader(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.headerKey(name); ok {
		delete(r.Headers, k)
	}
	if r.deletedHeaders == nil {
		r.deletedHeaders = map[string]struct{}{}
	}
	r.deletedHeaders[strings.ToLower(name)] = struct{}{}
}

// DeletedHeaders returns the lower-cased names of headers a script deleted.
func (r *Request) DeletedHeaders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.deletedHeaders))
	for k := range r.deletedHeaders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplyDeletions removes every deleted header from h.
func (r *Request) ApplyDeletions(h http.Header) {
	for _, name := range r.DeletedHeaders() {
		h.Del(name)
	}
}

// Inspect calls fn with the request locked, for hosts that read several
// fields at once.
func (r *Request) Inspect(fn func(*Request)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *Request) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	headers := map[string]any{}
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"url":           r.URL,
		"method":        r.Method,
		"headers":       headers,
		"body":          bodyValue(r.Body),
		"timeout":       r.Timeout,
		"name":          r.Name,
		"authMode":      r.AuthMode,
		"executionMode": r.ExecutionMode,
	}
}

func bodyValue(v any) any {
	if v == nil {
		return marshal.Absent
	}
	return v
}

// Response is the response a script sees as res. Only the body is mutable.
type Response struct {
	mu           sync.Mutex
	Status       int
	StatusText   string
	Headers      map[string]string
	Body         any
	Raw          []byte
	ResponseTime int64
	URL          string
}

// NewResponse builds a Response from an HTTP response and its body bytes.
// JSON bodies are decoded; anything else stays a string.
func NewResponse(resp *http.Response, raw []byte, responseTimeMS int64) *Response {
	r := &Response{
		Status:       resp.StatusCode,
		StatusText:   http.StatusText(resp.StatusCode),
		Headers:      map[string]string{},
		Raw:          raw,
		ResponseTime: responseTimeMS,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		r.URL = resp.Request.URL.String()
	}
	for k, vals := range resp.Header {
		r.Headers[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	r.Body = DecodeBody(raw)
	return r
}

// DecodeBody returns raw as a decoded JSON value, or as a string when it is
// not JSON.
func DecodeBody(raw []byte) any {
	if len(raw) == 0 {
		return ""
	}
	if v, err := marshal.ParseJSON(string(raw)); err == nil {
		return v
	}
	return string(raw)
}

// Size is the computed size of a response in bytes.
type Size struct {
	Header int `json:"header"`
	Body   int `json:"body"`
	Total  int `json:"total"`
}

// Size reports header, body and total sizes.
func (r *Response) Size() Size {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Size
	for k, v := range r.Headers {
		s.Header += len(k) + len(v) + 4
	}
	if r.Raw != nil {
		s.Body = len(r.Raw)
	} else if r.Body != nil {
		if str, ok := r.Body.(string); ok {
			s.Body = len(str)
		} else if b, err := json.Marshal(r.Body); err == nil {
			s.Body = len(b)
		}
	}
	s.Total = s.Header + s.Body
	return s
}

// SetBody replaces the response body seen by later scripts.
func (r *Response) SetBody(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Body = marshal.Normalize(v)
}

func (r *Response) body() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Body
}

func (r *Response) snapshot() map[string]any {
	size := r.Size()
	r.mu.Lock()
	defer r.mu.Unlock()
	headers := map[string]any{}
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":       int64(r.Status),
		"statusText":   r.StatusText,
		"headers":      headers,
		"body":         bodyValue(r.Body),
		"responseTime": r.ResponseTime,
		"url":          r.URL,
		"size":         map[string]any{"header": int64(size.Header), "body": int64(size.Body), "total": int64(size.Total)},
	}
}

// RunRequestFunc runs another request of the collection by its path.
type RunRequestFunc func(ctx context.Context, path string) (any, error)

// ConsoleFunc receives console output from a script.
type ConsoleFunc func(level string, args []any)

// Context is the state one script phase reads and mutates. The host reads
// scopes and flow directives back after the phase completed.
type Context struct {
	Phase          Phase
	Vars           *vars.Set
	Request        *Request
	Response       *Response
	CollectionPath string
	CollectionName string
	EnvName        string
	// Iteration data of a data-driven run.
	IterationData   map[string]any
	IterationIndex  int
	TotalIterations int
	Hooks           *hooks.Manager
	RunRequest      RunRequestFunc
	OnConsole       ConsoleFunc
	Logger          pslog.Base

	mu            sync.Mutex
	tests         []assert.TestResult
	assertions    []assert.Result
	nextRequest   *string
	skipRequest   bool
	stopExecution bool
	visualize     any
	persistent    map[string]struct{}
}

// NewContext returns a context for phase with empty scopes filled in.
func NewContext(phase Phase, set *vars.Set) *Context {
	return &Context{Phase: phase, Vars: set.Ensure()}
}

func (c *Context) logger() pslog.Base {
	if c.Logger == nil {
		c.Logger = pslog.New(os.Stdout)
	}
	return c.Logger
}

// SetRequest swaps the request the req accessor reads. Hook handlers see the
// request current at dispatch time.
func (c *Context) SetRequest(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Request = r
}

// SetResponse swaps the response the res accessor reads.
func (c *Context) SetResponse(r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Response = r
}

func (c *Context) request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Request
}

func (c *Context) response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Response
}

// AddTest records a test result.
func (c *Context) AddTest(r assert.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tests = append(c.tests, r)
}

// Tests returns the recorded test results.
func (c *Context) Tests() []assert.TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]assert.TestResult(nil), c.tests...)
}

// SetAssertions stores the assertion results scripts can read back.
func (c *Context) SetAssertions(rs []assert.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertions = append([]assert.Result(nil), rs...)
}

// Assertions returns the stored assertion results.
func (c *Context) Assertions() []assert.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]assert.Result(nil), c.assertions...)
}

// NextRequest returns the request a script asked to run next. An empty
// name with ok set means "stop after this request".
func (c *Context) NextRequest() (name string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextRequest == nil {
		return "", false
	}
	return *c.nextRequest, true
}

// SkipRequested reports whether a script skipped the current request.
func (c *Context) SkipRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipRequest
}

// StopRequested reports whether a script stopped the run.
func (c *Context) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopExecution
}

// Visualization returns the payload passed to bru.visualize.
func (c *Context) Visualization() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visualize
}

// PersistentEnvVars returns the environment variables set with persist.
func (c *Context) PersistentEnvVars() map[string]any {
	c.mu.Lock()
	names := make([]string, 0, len(c.persistent))
	for k := range c.persistent {
		names = append(names, k)
	}
	c.mu.Unlock()
	out := map[string]any{}
	for _, n := range names {
		if v, ok := c.Vars.Env.Lookup(n); ok {
			out[n] = v
		}
	}
	return out
}

func (c *Context) markPersistent(name string, persist bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent == nil {
		c.persistent = map[string]struct{}{}
	}
	if persist {
		c.persistent[name] = struct{}{}
	} else {
		delete(c.persistent, name)
	}
}
