package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"pkt.systems/bruscript/internal/interpolate"
	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/parser"
	"pkt.systems/bruscript/internal/shims"
	"pkt.systems/bruscript/internal/vars"
)

// buildHTTPRequest turns the request as scripts left it into an
// *http.Request, interpolating every text field against set.
func buildHTTPRequest(ctx context.Context, p parser.ParsedFile, sreq *shims.Request, set *vars.Set) (*http.Request, error) {
	exp := func(s string) string { return interpolate.Interpolate(s, set) }
	snap := requestState(sreq)
	target := exp(snap.url)
	// substitute path params like :id
	for k, v := range snap.pathParams {
		target = strings.ReplaceAll(target, ":"+k, exp(v))
	}
	if parser.VarPattern.MatchString(target) {
		matches := parser.VarPattern.FindAllStringSubmatch(target, -1)
		var names []string
		for _, m := range matches {
			if len(m) > 1 {
				names = append(names, strings.TrimSpace(m[1]))
			}
		}
		return nil, fmt.Errorf("unresolved variable(s) in url: %s (provide --env/--var)", strings.Join(names, ", "))
	}
	headers := snap.headers

	var bodyReader io.Reader = http.NoBody
	if snap.body != nil {
		btype := p.Request.Body.Type
		if btype == "" {
			btype = "json"
			if _, ok := snap.body.(string); ok && !p.Request.Body.Present {
				btype = "text"
			}
		}
		switch btype {
		case "json":
			payload, err := jsonBody(snap.body, exp)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(payload)
			setDefaultHeader(headers, "Content-Type", "application/json")
		case "graphql":
			obj := map[string]any{"query": strings.TrimSpace(exp(marshal.Stringify(snap.body)))}
			if len(p.Request.GraphqlVars) > 0 {
				gv := map[string]any{}
				for k, v := range p.Request.GraphqlVars {
					gv[k] = exp(v)
				}
				obj["variables"] = gv
			}
			payload, err := json.Marshal(obj)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(payload)
			setDefaultHeader(headers, "Content-Type", "application/json")
		case "form-urlencoded":
			vals := url.Values{}
			for k, v := range formFields(snap.body, p) {
				vals.Set(k, exp(v))
			}
			bodyReader = strings.NewReader(vals.Encode())
			headers["Content-Type"] = "application/x-www-form-urlencoded"
		case "multipart-form":
			buf, contentType, err := multipartBody(formFields(snap.body, p), headers["Content-Type"], exp)
			if err != nil {
				return nil, err
			}
			bodyReader = buf
			headers["Content-Type"] = contentType
		case "xml":
			bodyReader = strings.NewReader(exp(marshal.Stringify(snap.body)))
			setDefaultHeader(headers, "Content-Type", "application/xml")
		case "text":
			bodyReader = strings.NewReader(exp(marshal.Stringify(snap.body)))
			setDefaultHeader(headers, "Content-Type", "text/plain")
		default:
			bodyReader = strings.NewReader(exp(marshal.Stringify(snap.body)))
		}
	}
	req, err := http.NewRequestWithContext(ctx, snap.method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, exp(v))
	}
	// query params
	if len(p.Request.Query) > 0 {
		q := req.URL.Query()
		for k, v := range p.Request.Query {
			q.Set(k, exp(v))
		}
		req.URL.RawQuery = q.Encode()
	}
	sreq.ApplyDeletions(req.Header)
	return req, nil
}

type requestSnapshot struct {
	url        string
	method     string
	headers    map[string]string
	body       any
	pathParams map[string]string
}

// requestState copies the fields the HTTP request is built from.
func requestState(r *shims.Request) requestSnapshot {
	snap := requestSnapshot{headers: map[string]string{}}
	r.Inspect(func(r *shims.Request) {
		snap.url = r.URL
		snap.method = strings.ToUpper(r.Method)
		maps.Copy(snap.headers, r.Headers)
		snap.body = r.Body
		snap.pathParams = r.PathParams
	})
	if snap.method == "" {
		snap.method = http.MethodGet
	}
	return snap
}

func setDefaultHeader(h map[string]string, name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			return
		}
	}
	h[name] = value
}

// jsonBody renders a script-visible body as JSON. Text bodies may carry
// Bruno's relaxed object syntax; decoded bodies are interpolated after
// encoding so placeholders inside string values resolve.
func jsonBody(body any, exp func(string) string) ([]byte, error) {
	if s, ok := body.(string); ok {
		return normalizeJSONBody(exp(s))
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return []byte(exp(string(b))), nil
}

func formFields(body any, p parser.ParsedFile) map[string]string {
	m, ok := body.(map[string]any)
	if !ok {
		return p.Request.Body.Fields
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = marshal.Stringify(v)
	}
	return out
}

func multipartBody(fields map[string]string, contentType string, exp func(string) string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	keys := slices.Sorted(maps.Keys(fields))
	for _, k := range keys {
		part := parseMultipartValue(fields[k])
		if !part.isFile && part.contentType == "" && part.contentID == "" {
			if err := w.WriteField(k, exp(part.value)); err != nil {
				return nil, "", err
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		if part.isFile {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, k, filepath.Base(part.value)))
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, k))
		}
		if part.contentType != "" {
			h.Set("Content-Type", part.contentType)
		}
		if part.contentID != "" {
			h.Set("Content-ID", part.contentID)
		}
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if !part.isFile {
			if _, err := io.WriteString(pw, exp(part.value)); err != nil {
				return nil, "", err
			}
			continue
		}
		f, err := os.Open(exp(part.value))
		if err != nil {
			return nil, "", err
		}
		_, err = io.Copy(pw, f)
		f.Close()
		if err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	if strings.Contains(strings.ToLower(contentType), "multipart/related") {
		if !strings.Contains(contentType, "boundary=") {
			contentType += "; boundary=" + w.Boundary()
		}
		return &buf, contentType, nil
	}
	return &buf, w.FormDataContentType(), nil
}

type multipartPart struct {
	isFile      bool
	value       string
	contentType string
	contentID   string
}

// parseMultipartValue supports syntaxes:
//   @/path/to/file;type=application/octet-stream;cid=<attach1>
//   raw text;type=application/xop+xml;cid=<rootpart>
func parseMultipartValue(raw string) multipartPart {
	p := multipartPart{value: raw}
	parts := strings.Split(raw, ";")
	if len(parts) == 0 {
		return p
	}
	first := parts[0]
	if strings.HasPrefix(first, "@") {
		p.isFile = true
		p.value = strings.TrimPrefix(first, "@")
	} else {
		p.value = first
	}
	for _, seg := range parts[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if k, v, ok := strings.Cut(seg, "="); ok {
			switch strings.ToLower(strings.TrimSpace(k)) {
			case "type", "content-type":
				p.contentType = strings.Trim(v, `"`)
			case "cid", "content-id":
				p.contentID = strings.TrimSpace(v)
			}
		}
	}
	return p
}

// normalizeJSONBody tries to coerce Bruno-style pseudo-JSON into valid JSON by
// evaluating it as a JS object literal and re-encoding.
func normalizeJSONBody(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	// If already valid JSON, use it directly.
	var direct any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return json.Marshal(direct)
	}

	vm := goja.New()
	raw = quoteBareValues(raw)
	script := raw
	if !strings.HasPrefix(strings.TrimSpace(raw), "(") {
		script = "(" + raw + ")"
	}
	if v, err := vm.RunString(script); err == nil {
		exported := v.Export()
		if b, err := json.Marshal(exported); err == nil {
			return b, nil
		}
	}
	// Sent as written.
	return []byte(trimmed), nil
}

var bareValueRe = regexp.MustCompile(`: ([A-Za-z0-9_.-]+)([\s,\n])`)

func quoteBareValues(raw string) string {
	return bareValueRe.ReplaceAllStringFunc(raw, func(s string) string {
		m := bareValueRe.FindStringSubmatch(s)
		if len(m) != 3 {
			return s
		}
		val := m[1]
		tail := m[2]
		if val == "true" || val == "false" {
			return s
		}
		// numeric?
		if _, err := strconv.ParseFloat(val, 64); err == nil {
			return s
		}
		return ": \"" + val + "\"" + tail
	})
}
