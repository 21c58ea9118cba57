package shims

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/scripterr"
	"pkt.systems/bruscript/internal/vars"
)

func install(t *testing.T, c *Context) sandbox.Backend {
	t.Helper()
	b, err := sandbox.New(sandbox.Config{Kind: sandbox.KindSafe, Builtins: Builtins()})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Dispose() })
	if c.Logger == nil {
		c.Logger = pslog.NewStructured(&bytes.Buffer{})
	}
	if err := Install(context.Background(), b, c); err != nil {
		t.Fatalf("install: %v", err)
	}
	return b
}

func run(t *testing.T, b sandbox.Backend, code string) (any, error) {
	t.Helper()
	p, err := b.Compile(sandbox.Source{Name: "script.js", Code: code})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return b.Run(context.Background(), p)
}

func mustRun(t *testing.T, b sandbox.Backend, code string) any {
	t.Helper()
	v, err := run(t, b, code)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return v
}

func TestVariableAccessors(t *testing.T) {
	set := vars.NewSet()
	set.Process = map[string]string{"API_TOKEN": "s3cr3t"}
	_ = set.Env.Set("host", "https://example.test")
	_ = set.Env.Set("auth", "Bearer {{process.env.API_TOKEN}}")
	_ = set.Collection.Set("team", "core")
	_ = set.Secret.Set("password", "hunter2")
	c := NewContext(PhasePostResponse, set)
	b := install(t, c)

	got := mustRun(t, b, `
bru.setVar("token", "abc");
bru.setVar("nested", { id: 1, tags: ["a"] });
bru.setEnvVar("saved", "yes", { persist: true });
bru.setGlobalEnvVar("g", 2);
return [bru.getEnvVar("auth"), bru.getCollectionVar("team"), bru.getSecretVar("password"), bru.hasVar("token"), bru.getVar("missing") === undefined, bru.getProcessEnv("API_TOKEN")];
`)
	want := []any{"Bearer s3cr3t", "core", "hunter2", true, true, "s3cr3t"}
	list, ok := got.([]any)
	if !ok || len(list) != len(want) {
		t.Fatalf("unexpected result %#v", got)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("result[%d] = %#v, want %#v", i, list[i], want[i])
		}
	}
	if v, _ := set.Runtime.Lookup("token"); v != "abc" {
		t.Fatalf("runtime token not visible to host: %#v", v)
	}
	nested, _ := set.Runtime.Lookup("nested")
	if m, ok := nested.(map[string]any); !ok || m["id"] != int64(1) {
		t.Fatalf("nested value not normalized: %#v", nested)
	}
	if v, _ := set.Global.Lookup("g"); v != int64(2) {
		t.Fatalf("global var = %#v", v)
	}
	if p := c.PersistentEnvVars(); p["saved"] != "yes" || len(p) != 1 {
		t.Fatalf("persistent env vars = %#v", p)
	}
}

func TestVariableNameValidationThrows(t *testing.T) {
	c := NewContext(PhasePreRequest, vars.NewSet())
	b := install(t, c)

	got := mustRun(t, b, `
try {
  bru.setVar("bad name!", 1);
  return "no error";
} catch (e) {
  return e.name + ": " + e.message;
}`)
	s, _ := got.(string)
	if !strings.HasPrefix(s, "ValidationError: ") || !strings.Contains(s, `"bad name!" contains invalid characters`) {
		t.Fatalf("unexpected validation error %q", s)
	}

	_, err := run(t, b, `bru.getVar("nope nope");`)
	var re *scripterr.RuntimeError
	if !errors.As(err, &re) || re.Name != "ValidationError" {
		t.Fatalf("expected ValidationError runtime error, got %v", err)
	}
}

func TestRequestAccessorTracksDeletedHeaders(t *testing.T) {
	r := &Request{URL: "http://x/a", Method: "GET", Headers: map[string]string{"X-Remove": "1", "Accept": "text/plain"}}
	c := NewContext(PhasePreRequest, vars.NewSet())
	c.Request = r
	b := install(t, c)

	mustRun(t, b, `
req.setUrl(req.getUrl() + "?q=1");
req.setMethod("post");
req.setHeader("accept", "application/json");
req.deleteHeader("x-remove");
req.setBody({ hello: "world" });
req.setTimeout(1500);
if (req.getHeader("ACCEPT") !== "application/json") throw new Error("header lookup");
if (typeof res !== "undefined") throw new Error("res must not exist before the response");
if (typeof expect !== "undefined") throw new Error("expect must not exist in pre-request");
`)
	if r.URL != "http://x/a?q=1" || r.Method != "POST" || r.Timeout != 1500 {
		t.Fatalf("request not mutated: %+v", r)
	}
	if r.Headers["Accept"] != "application/json" {
		t.Fatalf("expected header replaced case-insensitively, got %#v", r.Headers)
	}
	if got := r.DeletedHeaders(); len(got) != 1 || got[0] != "x-remove" {
		t.Fatalf("deleted headers = %#v", got)
	}
	h := http.Header{}
	h.Set("X-Remove", "still here")
	r.ApplyDeletions(h)
	if h.Get("X-Remove") != "" {
		t.Fatalf("deletion not applied")
	}
	if body, ok := r.Body.(map[string]any); !ok || body["hello"] != "world" {
		t.Fatalf("body = %#v", r.Body)
	}
}

func TestResponseAccessor(t *testing.T) {
	raw := []byte(`{"items":[{"name":"a"},{"name":"b","qty":3}]}`)
	resp := &http.Response{StatusCode: 200, Header: http.Header{"Content-Type": {"application/json"}}}
	c := NewContext(PhasePostResponse, vars.NewSet())
	c.Response = NewResponse(resp, raw, 12)
	b := install(t, c)

	got := mustRun(t, b, `
const before = [res.status, res.getStatusText(), res.getHeader("Content-Type"), res.query("items.1.name"), res.query("items.1.qty"), res.query("items.#.name").length, res.query("nope") === undefined, res.getSize().body];
res.setBody({ replaced: true });
return before.concat([res.getBody().replaced]);
`)
	want := []any{int64(200), "OK", "application/json", "b", int64(3), int64(2), true, int64(len(raw)), true}
	list, _ := got.([]any)
	if len(list) != len(want) {
		t.Fatalf("unexpected result %#v", got)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("result[%d] = %#v, want %#v", i, list[i], want[i])
		}
	}
	if m, ok := c.Response.Body.(map[string]any); !ok || m["replaced"] != true {
		t.Fatalf("body not replaced: %#v", c.Response.Body)
	}
}

func TestQueryOnTextBody(t *testing.T) {
	v, err := Query("pong", "")
	if err != nil || v != "pong" {
		t.Fatalf("Query whole body = %#v, %v", v, err)
	}
	v, err = Query("pong", "a.b")
	if err != nil || v == "pong" {
		t.Fatalf("Query on text body should be absent, got %#v, %v", v, err)
	}
}

func TestTestBlocksRecordResults(t *testing.T) {
	resp := &http.Response{StatusCode: 404, Header: http.Header{}}
	c := NewContext(PhaseTest, vars.NewSet())
	c.Response = NewResponse(resp, []byte(`{"ok":false}`), 1)
	b := install(t, c)

	mustRun(t, b, `
test("status is 200", () => {
  expect(res.getStatus()).to.equal(200);
});
test("body shape", function () {
  expect(res.getBody()).to.be.json;
  expect(res.getBody()).to.have.property("ok", false);
  expect(res.getBody()).to.deep.equal({ ok: false });
  expect([1, 2, 3]).to.have.lengthOf(3);
  expect("pong").to.not.have.lengthOf(5);
  expect(5).to.be.within(1, 10);
  expect("abc").to.match(/b/).and.startWith("a");
});
test("async", async () => {
  await bru.sleep(5);
  assert.equal(1, 1);
});
test("throws", () => { null.boom; });
`)
	results := c.Tests()
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d: %+v", len(results), results)
	}
	byName := map[string]assert.TestResult{}
	for _, r := range results {
		byName[r.Description] = r
	}
	if results[0].Description != "status is 200" || results[1].Description != "body shape" {
		t.Fatalf("synchronous tests must record in order: %+v", results)
	}
	if r := byName["status is 200"]; r.Status != assert.StatusFail || r.Error != "expected 404 to equal 200" || r.Actual != int64(404) || r.Expected != int64(200) {
		t.Fatalf("unexpected status result %+v", r)
	}
	if r := byName["body shape"]; r.Status != assert.StatusPass {
		t.Fatalf("unexpected body result %+v", r)
	}
	if r := byName["async"]; r.Status != assert.StatusPass {
		t.Fatalf("async test failed: %+v", r)
	}
	if r := byName["throws"]; r.Status != assert.StatusFail || r.Error == "" || r.Actual != nil {
		t.Fatalf("unexpected thrown result %+v", r)
	}
	for _, r := range results {
		if r.UID == "" {
			t.Fatalf("missing uid in %+v", r)
		}
	}
}

func TestFlowDirectives(t *testing.T) {
	c := NewContext(PhasePostResponse, vars.NewSet())
	c.IterationData = map[string]any{"user": "ada"}
	c.IterationIndex = 1
	c.TotalIterations = 3
	b := install(t, c)

	got := mustRun(t, b, `
bru.setNextRequest("login");
bru.runner.skipRequest();
bru.runner.stopExecution();
bru.visualize("table", { rows: 1 });
const d = bru.runner.iterationData;
d.set("extra", 1);
return [d.get("user"), d.has("extra"), bru.runner.iterationIndex, bru.runner.totalIterations];
`)
	list, _ := got.([]any)
	if len(list) != 4 || list[0] != "ada" || list[1] != true || list[2] != int64(1) || list[3] != int64(3) {
		t.Fatalf("unexpected iteration view %#v", got)
	}
	if _, has := c.IterationData["extra"]; has {
		t.Fatalf("iteration data must be a local copy")
	}
	if name, ok := c.NextRequest(); !ok || name != "login" {
		t.Fatalf("next request = %q, %v", name, ok)
	}
	if !c.SkipRequested() || !c.StopRequested() {
		t.Fatalf("flow flags not set")
	}
	if v, ok := c.Visualization().(map[string]any); !ok || v["type"] != "table" {
		t.Fatalf("visualize payload = %#v", c.Visualization())
	}

	mustRun(t, b, `bru.setNextRequest(null);`)
	if name, ok := c.NextRequest(); !ok || name != "" {
		t.Fatalf("null next request should stop, got %q, %v", name, ok)
	}
}

func TestHookRegistrationAndLateDispatch(t *testing.T) {
	var logs bytes.Buffer
	m := hooks.NewManager(pslog.NewStructured(&logs))
	c := NewContext(PhaseHooks, vars.NewSet())
	c.Hooks = m
	b := install(t, c)

	mustRun(t, b, `
function seen(ctx) {
  bru.setVar("seen", ctx.req.getUrl() + "|" + ctx.event);
}
bru.hooks.http.onBeforeRequest(seen);
try {
  bru.hooks.http.onBeforeRequest(seen);
  bru.setVar("dup", "allowed");
} catch (e) {
  bru.setVar("dup", e.name);
}
const off = bru.hooks.on(["after-response", "before-run"], async (ctx) => {
  await bru.sleep(1);
  bru.setVar("after", (bru.getVar("after") || 0) + 1);
});
off("before-run");
`)
	if v, _ := c.Vars.Runtime.Lookup("dup"); v != "ValidationError" {
		t.Fatalf("duplicate registration = %#v", v)
	}

	c.SetRequest(&Request{URL: "http://api/x"})
	res := m.Dispatch(context.Background(), []string{"before-request"}, map[string]any{"event": "before-request"}, hooks.DispatchOptions{CollectErrors: true})
	if !res.Success || res.HandlersExecuted != 1 {
		t.Fatalf("dispatch result %+v", res)
	}
	if v, _ := c.Vars.Runtime.Lookup("seen"); v != "http://api/x|before-request" {
		t.Fatalf("handler saw %#v", v)
	}
	m.Dispatch(context.Background(), []string{"after-response"}, nil, hooks.DispatchOptions{})
	m.Dispatch(context.Background(), []string{"before-run"}, nil, hooks.DispatchOptions{})
	if v, _ := c.Vars.Runtime.Lookup("after"); v != int64(1) {
		t.Fatalf("after counter = %#v", v)
	}
}

func TestHooksUnavailableOutsideHookPhase(t *testing.T) {
	c := NewContext(PhaseTest, vars.NewSet())
	b := install(t, c)
	got := mustRun(t, b, `return typeof bru.hooks;`)
	if got != "undefined" {
		t.Fatalf("bru.hooks = %#v", got)
	}
}

func TestConsoleForwarding(t *testing.T) {
	var logs bytes.Buffer
	lvl, _ := pslog.ParseLevel("debug")
	logger := pslog.NewStructured(&logs)
	logger.LogLevel(lvl)
	var lines []string
	c := NewContext(PhasePreRequest, vars.NewSet())
	c.Logger = logger
	c.OnConsole = func(level string, args []any) {
		lines = append(lines, level+":"+strings.Repeat("x", len(args)))
	}
	b := install(t, c)
	mustRun(t, b, `console.log("hello", { a: 1 }); console.error("boom");`)
	if len(lines) != 2 || lines[0] != "log:xx" || lines[1] != "error:x" {
		t.Fatalf("console callback got %#v", lines)
	}
	if !strings.Contains(logs.String(), `hello {\"a\":1}`) {
		t.Fatalf("expected console line in logs, got %q", logs.String())
	}
}

func TestUtilitiesAndBuiltins(t *testing.T) {
	c := NewContext(PhasePreRequest, vars.NewSet())
	b := install(t, c)

	got := mustRun(t, b, `
const crypto = require("bru/crypto");
const enc = require("bru/encoding");
const { v4, validate } = require("uuid");
let capped = false;
try { crypto.randomBytes(70000); } catch (e) { capped = e.name === "ValidationError"; }
return [
  crypto.sha256("abc"),
  bru.utils.md5(""),
  enc.base64Encode("hi"),
  atob(btoa("round trip")),
  enc.urlEncode("a b&c"),
  validate(v4()),
  crypto.randomBytes(8).length,
  capped,
  bru.utils.formatTime(0, "date"),
  crypto.hmac("sha256", "key", "msg").length,
];
`)
	want := []any{
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"d41d8cd98f00b204e9800998ecf8427e",
		"aGk=",
		"round trip",
		"a+b%26c",
		true,
		int64(16),
		true,
		"1970-01-01",
		int64(64),
	}
	list, _ := got.([]any)
	if len(list) != len(want) {
		t.Fatalf("unexpected result %#v", got)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("result[%d] = %#v, want %#v", i, list[i], want[i])
		}
	}
	require := mustRun(t, b, `try { require("fs"); return "loaded"; } catch (e) { return e.name; }`)
	if require == "loaded" {
		t.Fatalf("safe backend must not load fs")
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	c := NewContext(PhasePreRequest, vars.NewSet())
	b := install(t, c)
	p, err := b.Compile(sandbox.Source{Name: "sleep.js", Code: `await bru.sleep(5000);`})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := b.Run(ctx, p); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}

func TestRunRequestCallback(t *testing.T) {
	c := NewContext(PhasePostResponse, vars.NewSet())
	c.RunRequest = func(_ context.Context, path string) (any, error) {
		if path == "missing.bru" {
			return nil, errors.New("request not found")
		}
		return map[string]any{"status": 201, "data": map[string]any{"path": path}}, nil
	}
	b := install(t, c)
	got := mustRun(t, b, `
const ok = await bru.runRequest("users/create.bru");
const bad = await bru.runRequest("missing.bru");
return [ok.status, ok.data.path, bad.message];
`)
	list, _ := got.([]any)
	if len(list) != 3 || list[0] != int64(201) || list[1] != "users/create.bru" || list[2] != "request not found" {
		t.Fatalf("unexpected runRequest results %#v", got)
	}
}
