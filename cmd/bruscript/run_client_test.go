package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestBuildHTTPClientInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client, err := buildHTTPClient(true, "", false, "", false, false)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
}

func TestBuildHTTPClientProxy(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:9")
	for _, noProxy := range []bool{false, true} {
		client, err := buildHTTPClient(false, "", false, "", noProxy, false)
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		hasProxy := client.Transport.(*http.Transport).Proxy != nil
		if hasProxy == noProxy {
			t.Fatalf("noproxy=%v: proxy func set=%v", noProxy, hasProxy)
		}
	}
}

func TestBuildHTTPClientCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			_, _ = w.Write([]byte(c.Value))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
	}))
	defer srv.Close()

	for _, disabled := range []bool{false, true} {
		client, err := buildHTTPClient(false, "", false, "", false, disabled)
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		var body string
		for range 2 {
			resp, err := client.Get(srv.URL)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
		}
		if want := map[bool]string{false: "abc", true: ""}[disabled]; body != want {
			t.Fatalf("disable-cookies=%v: second response %q, want %q", disabled, body, want)
		}
	}
}

func TestParseClientCertConfig(t *testing.T) {
	cfgPath := filepath.Join("/etc", "bruscript", "certs.json")
	cases := map[string]struct {
		raw      string
		cert     string
		key      string
		wantFail bool
	}{
		"simple": {raw: `{"cert":"client.pem","key":"/abs/client.key"}`, cert: "/etc/bruscript/client.pem", key: "/abs/client.key"},
		"certs list": {
			raw:  `{"enabled":true,"certs":[{"type":"pfx","pfxFilePath":"x.pfx"},{"type":"cert","certFilePath":"c.pem","keyFilePath":"k.pem"}]}`,
			cert: "/etc/bruscript/c.pem",
			key:  "/etc/bruscript/k.pem",
		},
		"missing key": {raw: `{"cert":"client.pem"}`, wantFail: true},
	}
	for name, tc := range cases {
		cert, key, err := parseClientCertConfig(cfgPath, []byte(tc.raw))
		if tc.wantFail {
			if err == nil {
				t.Fatalf("%s: expected error", name)
			}
			continue
		}
		if err != nil || cert != tc.cert || key != tc.key {
			t.Fatalf("%s: got %q %q %v", name, cert, key, err)
		}
	}
}
