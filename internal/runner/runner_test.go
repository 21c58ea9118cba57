package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/config"
)

// seen records request headers the test server received, by path.
type seen struct {
	mu      sync.Mutex
	headers map[string]http.Header
	hits    map[string]int
}

func (s *seen) header(path, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.headers[path]; ok {
		return h.Get(name)
	}
	return ""
}

func (s *seen) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type server struct {
	*httptest.Server
	seen *seen
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testServer(t *testing.T) *server {
	t.Helper()
	s := &seen{headers: map[string]http.Header{}, hits: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"reply": "pong", "token": "t-123"})
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			v = map[string]any{"raw": string(body), "contentType": r.Header.Get("Content-Type")}
		}
		writeJSON(w, http.StatusOK, v)
	})
	mux.HandleFunc("/echo-query", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"term": r.URL.Query().Get("term"), "limit": limit})
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers[r.URL.Path] = r.Header.Clone()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if _, pattern := mux.Handler(r); pattern == "" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return &server{Server: srv, seen: s}
}

func newTestRunner(t *testing.T, opts ...Option) Runner {
	t.Helper()
	var logs bytes.Buffer
	base := []Option{WithLogger(pslog.NewStructured(&logs)), WithConfig(config.Default())}
	g, err := New(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return g
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func logCase(t *testing.T, c CaseResult) {
	t.Helper()
	t.Logf("case %s passed=%v skipped=%v status=%d err=%s failures=%v hooks=%v console=%v",
		c.Name, c.Passed, c.Skipped, c.Status, c.ErrorText, c.Failures, c.HookErrors, c.Console)
}

func TestRunFileScriptsAssertionsAndTests(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "ping.bru", `meta {
  name: Ping
  seq: 1
}

get {
  url: {{baseUrl}}/ping
}

headers {
  X-Trace: {{trace}}
}

vars:post-response {
  token: res.body.token
}

assert {
  res.status: eq 200
  res.body.reply: isString
  res.body.reply: length 4
  ~res.body.reply: eq nope
}

script:pre-request {
  bru.setVar("trace", "abc-" + bru.runner.iterationIndex);
  console.log("sending", req.getUrl());
}

script:post-response {
  bru.setVar("reply", res.getBody().reply);
}

tests {
  test("reply is pong", function () {
    expect(res.status).to.equal(200);
    expect(bru.getVar("reply")).to.equal("pong");
  });

  test("post-response vars are evaluated", function () {
    expect(bru.getVar("token")).to.equal("t-123");
  });
}
`)
	g := newTestRunner(t)
	res, err := g.RunFile(context.Background(), path, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed || res.Status != 200 {
		logCase(t, res)
		t.Fatalf("expected pass")
	}
	if got := srv.seen.header("/ping", "X-Trace"); got != "abc-0" {
		t.Fatalf("X-Trace = %q", got)
	}
	if len(res.Tests) != 2 || len(res.Assertions) != 3 {
		t.Fatalf("tests=%d assertions=%d", len(res.Tests), len(res.Assertions))
	}
	if len(res.Console) != 1 || res.Console[0] != "sending {{baseUrl}}/ping" {
		t.Fatalf("console = %q", res.Console)
	}
}

func TestRunFileNotFoundFailsAssertion(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	bru := `meta {
  name: Status
}

get {
  url: {{baseUrl}}/%s
}

assert {
  res.status: eq 200
}
`
	ok := writeFile(t, dir, "ok.bru", strings.ReplaceAll(bru, "%s", "get"))
	missing := writeFile(t, dir, "missing.bru", strings.ReplaceAll(bru, "%s", "nowhere"))
	g := newTestRunner(t)
	opts := RunOptions{Vars: map[string]string{"baseUrl": srv.URL}}

	res, err := g.RunFile(context.Background(), ok, opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed {
		logCase(t, res)
		t.Fatalf("200 case should pass")
	}
	res, err = g.RunFile(context.Background(), missing, opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed || res.Status != 404 || len(res.Failures) != 1 {
		logCase(t, res)
		t.Fatalf("404 case should fail its assertion")
	}
	if res.Failures[0].Message != "expected 404 to equal 200" {
		t.Fatalf("failure message = %q", res.Failures[0].Message)
	}
}

func TestRunFileScriptErrorReportsLocation(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "boom.bru", `meta {
  name: Boom
}

get {
  url: {{baseUrl}}/get
}

script:post-response {
  const body = res.getBody();
  throw new Error("exploded");
}
`)
	g := newTestRunner(t)
	res, err := g.RunFile(context.Background(), path, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("script error must fail the case")
	}
	for _, want := range []string{"File: boom.bru", "> 11 |", "Error: exploded"} {
		if !strings.Contains(res.ErrorText, want) {
			t.Fatalf("error text missing %q:\n%s", want, res.ErrorText)
		}
	}
}

func TestRunFolderLevelsHeadersAndDeletions(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	writeFile(t, dir, "collection.bru", `headers {
  X-Team: {{team}}
  X-Remove: yes
}

vars:pre-request {
  team: core
}

script:pre-request {
  bru.setVar("order", "c");
}
`)
	writeFile(t, dir, "api/folder.bru", `meta {
  name: api
}

script:pre-request {
  bru.setVar("order", bru.getVar("order") + "f");
}
`)
	writeFile(t, dir, "api/ping.bru", `meta {
  name: Ping
  seq: 1
}

get {
  url: {{baseUrl}}/ping
}

script:pre-request {
  bru.setVar("order", bru.getVar("order") + "r");
  req.deleteHeader("x-remove");
}

tests {
  test("levels ran outermost first", function () {
    expect(bru.getVar("order")).to.equal("cfr");
    expect(bru.getCollectionVar("team")).to.equal("core");
  });
}
`)
	g := newTestRunner(t)
	sum, err := g.RunFolder(context.Background(), dir, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Total != 1 || sum.Passed != 1 {
		for _, c := range sum.Cases {
			logCase(t, c)
		}
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := srv.seen.header("/ping", "X-Team"); got != "core" {
		t.Fatalf("X-Team = %q", got)
	}
	if got := srv.seen.header("/ping", "X-Remove"); got != "" {
		t.Fatalf("deleted header was sent: %q", got)
	}
}

func TestRunFolderHooks(t *testing.T) {
	for _, consolidate := range []bool{true, false} {
		t.Run("consolidate="+strconv.FormatBool(consolidate), func(t *testing.T) {
			srv := testServer(t)
			dir := t.TempDir()
			writeFile(t, dir, "collection.bru", `script:hooks {
  bru.hooks.http.onBeforeRequest(({ req }) => {
    req.setHeader("X-Hook", "before");
  });
  bru.hooks.http.onAfterResponse(({ res }) => {
    bru.setVar("hookStatus", res.getStatus());
  });
  bru.hooks.runner.onBeforeCollectionRun(() => {
    bru.setGlobalEnvVar("runStarted", "yes");
  });
}
`)
			writeFile(t, dir, "ping.bru", `meta {
  name: Ping
}

get {
  url: {{baseUrl}}/ping
}

script:hooks {
  bru.hooks.http.onAfterResponse(() => {
    throw new Error("request level handler failed");
  });
}

tests {
  test("after-response hook ran", function () {
    expect(bru.getVar("hookStatus")).to.equal(200);
    expect(bru.getGlobalEnvVar("runStarted")).to.equal("yes");
  });
}
`)
			g := newTestRunner(t, WithConsolidatedHooks(consolidate))
			sum, err := g.RunFolder(context.Background(), dir, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if sum.Passed != 1 {
				for _, c := range sum.Cases {
					logCase(t, c)
				}
				t.Fatalf("unexpected summary %+v", sum)
			}
			if got := srv.seen.header("/ping", "X-Hook"); got != "before" {
				t.Fatalf("X-Hook = %q", got)
			}
			c := sum.Cases[0]
			if len(c.HookErrors) != 1 || !strings.Contains(c.HookErrors[0], "request level handler failed") {
				t.Fatalf("hook errors = %q", c.HookErrors)
			}
		})
	}
}

func TestRunFolderFlowControl(t *testing.T) {
	srv := testServer(t)
	bru := func(name string, seq int, script string) string {
		return `meta {
  name: ` + name + `
  seq: ` + strconv.Itoa(seq) + `
}

get {
  url: {{baseUrl}}/get
}

script:post-response {
  ` + script + `
}
`
	}

	t.Run("next request", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.bru", bru("a", 1, `bru.setNextRequest("c");`))
		writeFile(t, dir, "b.bru", bru("b", 2, ``))
		writeFile(t, dir, "c.bru", bru("c", 3, ``))
		sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(sum.Cases) != 2 || sum.Cases[1].Name != "c" {
			t.Fatalf("cases = %+v", sum.Cases)
		}
	})

	t.Run("stop execution", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.bru", bru("a", 1, `bru.runner.stopExecution();`))
		writeFile(t, dir, "b.bru", bru("b", 2, ``))
		sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !sum.Stopped || len(sum.Cases) != 1 {
			t.Fatalf("summary = %+v", sum)
		}
	})

	t.Run("null next request stops", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.bru", bru("a", 1, `bru.setNextRequest(null);`))
		writeFile(t, dir, "b.bru", bru("b", 2, ``))
		sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !sum.Stopped || len(sum.Cases) != 1 {
			t.Fatalf("summary = %+v", sum)
		}
	})

	t.Run("skip request", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "skip.bru", `meta {
  name: skip
}

get {
  url: {{baseUrl}}/skipped
}

script:pre-request {
  bru.runner.skipRequest();
}
`)
		sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if sum.Skipped != 1 || srv.seen.count("/skipped") != 0 {
			t.Fatalf("summary = %+v hits=%d", sum, srv.seen.count("/skipped"))
		}
	})
}

func TestRunFolderIncludeAndTags(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	writeFile(t, dir, "users/list.bru", "meta {\n  name: list\n  tags: [smoke]\n}\n\nget {\n  url: {{baseUrl}}/get\n}\n")
	writeFile(t, dir, "users/create.bru", "meta {\n  name: create\n}\n\nget {\n  url: {{baseUrl}}/get\n}\n")
	writeFile(t, dir, "orders/list.bru", "meta {\n  name: orders\n  tags: [smoke]\n}\n\nget {\n  url: {{baseUrl}}/get\n}\n")

	sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{
		Vars:    map[string]string{"baseUrl": srv.URL},
		Include: []string{"users/**"},
		Tags:    []string{"smoke"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Cases) != 1 || sum.Cases[0].Name != "list" {
		t.Fatalf("cases = %+v", sum.Cases)
	}
}

func TestRunRequestFromScript(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	writeFile(t, dir, "auth/login.bru", "meta {\n  name: login\n}\n\nget {\n  url: {{baseUrl}}/ping\n}\n")
	writeFile(t, dir, "main.bru", `meta {
  name: main
}

get {
  url: {{baseUrl}}/get
}

script:pre-request {
  const login = await bru.runRequest("auth/login");
  bru.setVar("token", login.data.token);
}

tests {
  test("login ran first", function () {
    expect(bru.getVar("token")).to.equal("t-123");
  });
}
`)
	sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{
		Vars:    map[string]string{"baseUrl": srv.URL},
		Include: []string{"main.bru"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Passed != 1 || srv.seen.count("/ping") != 1 {
		for _, c := range sum.Cases {
			logCase(t, c)
		}
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunRequestStaysInsideCollection(t *testing.T) {
	srv := testServer(t)
	base := t.TempDir()
	dir := filepath.Join(base, "collection")
	writeFile(t, dir, "bruno.json", `{"name":"c"}`)
	writeFile(t, base, "outside.bru", "meta {\n  name: outside\n}\n\nget {\n  url: {{baseUrl}}/ping\n}\n")
	for _, target := range []string{"../outside", filepath.ToSlash(filepath.Join(base, "outside.bru"))} {
		writeFile(t, dir, "main.bru", `meta {
  name: main
}

get {
  url: {{baseUrl}}/get
}

script:pre-request {
  await bru.runRequest(`+strconv.Quote(target)+`);
}
`)
		sum, err := newTestRunner(t).RunFolder(context.Background(), dir, RunOptions{
			Vars: map[string]string{"baseUrl": srv.URL},
		})
		if err != nil {
			t.Fatalf("%s: run: %v", target, err)
		}
		if len(sum.Cases) != 1 || sum.Cases[0].Passed || !strings.Contains(sum.Cases[0].ErrorText, "outside the collection") {
			for _, c := range sum.Cases {
				logCase(t, c)
			}
			t.Fatalf("%s: summary = %+v", target, sum)
		}
	}
	if n := srv.seen.count("/ping"); n != 0 {
		t.Fatalf("request outside the collection ran %d times", n)
	}
}

func TestRunFileUnresolvedURL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "x.bru", "meta {\n  name: x\n}\n\nget {\n  url: {{host}}/x\n}\n")
	_, err := newTestRunner(t).RunFile(context.Background(), path, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "unresolved variable(s) in url: host") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunFileConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	dir := t.TempDir()
	path := writeFile(t, dir, "down.bru", "meta {\n  name: down\n}\n\nget {\n  url: "+url+"/x\n}\n")
	res, err := newTestRunner(t).RunFile(context.Background(), path, RunOptions{})
	if err != nil {
		t.Fatalf("connection failures must not abort: %v", err)
	}
	if res.Passed || !strings.HasPrefix(res.ErrorText, "http request failed") {
		t.Fatalf("result = %+v", res)
	}
}

func TestGoHooksSeeRequestAndResult(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "p.bru", "meta {\n  name: p\n}\n\nget {\n  url: {{baseUrl}}/ping\n}\n")
	var post CaseResult
	g := newTestRunner(t,
		WithPreRequestHook(func(ctx context.Context, info HookInfo, req *http.Request, logger pslog.Base) error {
			req.Header.Set("X-Signature", info.Name)
			return nil
		}),
		WithPostRequestHook(func(ctx context.Context, info HookInfo, res CaseResult, logger pslog.Base) error {
			post = res
			return nil
		}),
	)
	if _, err := g.RunFile(context.Background(), path, RunOptions{Vars: map[string]string{"baseUrl": srv.URL}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if srv.seen.header("/ping", "X-Signature") != "p" || post.Status != 200 {
		t.Fatalf("hooks did not run: %+v", post)
	}
}
