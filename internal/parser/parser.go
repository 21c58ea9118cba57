package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/bruscript/internal/assert"
)

var verbSet = map[string]struct{}{
	"get":     {},
	"post":    {},
	"put":     {},
	"patch":   {},
	"delete":  {},
	"head":    {},
	"options": {},
}

// Level files carry collection and folder wide scripts, headers and vars.
const (
	CollectionFile = "collection.bru"
	FolderFile     = "folder.bru"
)

// ParsedFile captures a parsed .bru file.
type ParsedFile struct {
	FilePath string
	Meta     MetaBlock
	Request  RequestBlock
	TestsRaw string
	Docs     string
	Assert   []assert.Rule
	Scripts  ScriptBlock
	VarsPre  map[string]string
	VarsPost map[string]string
	// Lines holds the first body line of each script block, 1-based.
	Lines ScriptLines
}

// ScriptLines locates script blocks inside the file.
type ScriptLines struct {
	PreRequest   int
	PostResponse int
	Tests        int
	Hooks        int
}

// MetaBlock stores top-level meta attributes of a case.
type MetaBlock struct {
	Name        string
	Type        string
	Seq         float64
	Tags        []string
	Description string
	Skip        bool
	DelayMS     int
	Repeat      int
	TimeoutMS   int
}

// RequestBlock models the HTTP request section of a .bru file.
type RequestBlock struct {
	Verb        string
	URL         string
	Headers     map[string]string
	Body        BodyBlock
	Query       map[string]string
	PathParams  map[string]string
	GraphqlVars map[string]string
}

// BodyBlock represents the body block (json/xml/text/form/etc.).
type BodyBlock struct {
	Raw     string
	Type    string // json, xml, text, graphql, form-urlencoded, multipart-form, raw
	Fields  map[string]string
	Present bool
}

// ScriptBlock contains the request scripts and lifecycle hooks.
type ScriptBlock struct {
	PreRequest   string
	PostResponse string
	Hooks        string
}

// IsLevelFile reports whether name is a collection.bru or folder.bru file.
func IsLevelFile(name string) bool {
	name = strings.ToLower(filepath.Base(name))
	return name == CollectionFile || name == FolderFile
}

// DiscoverBruFiles walks a folder and parses request .bru files, skipping
// environments and level files.
func DiscoverBruFiles(folder string, recursive bool) ([]ParsedFile, error) {
	var files []ParsedFile
	rootDepth := strings.Count(filepath.Clean(folder), string(os.PathSeparator))
	err := filepath.WalkDir(folder, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.EqualFold(d.Name(), "environments") {
				return filepath.SkipDir
			}
			if !recursive && strings.Count(filepath.Clean(path), string(os.PathSeparator)) > rootDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".bru") || IsLevelFile(d.Name()) {
			return nil
		}
		pf, err := ParseFile(context.Background(), path)
		if errors.Is(err, ErrMissingRequest) {
			return nil
		}
		if err != nil {
			return err
		}
		files = append(files, pf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ParseFile reads and parses a single .bru file.
func ParseFile(ctx context.Context, path string) (ParsedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParsedFile{}, err
	}
	defer f.Close()
	return parse(ctx, path, f, true)
}

// ParseLevelFile parses a collection.bru or folder.bru file. A missing file
// yields an empty result.
func ParseLevelFile(ctx context.Context, path string) (ParsedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ParsedFile{FilePath: path}, nil
		}
		return ParsedFile{}, err
	}
	defer f.Close()
	return parse(ctx, path, f, false)
}

// ErrMissingRequest is returned for .bru files without a request block.
var ErrMissingRequest = errors.New("missing request block")

// lineScanner counts the lines it has consumed.
type lineScanner struct {
	*bufio.Scanner
	line int
}

func (s *lineScanner) Scan() bool {
	if s.Scanner.Scan() {
		s.line++
		return true
	}
	return false
}

// blockHandler consumes one top-level block. header is the trimmed line
// that opened it; the scanner sits on that line.
type blockHandler func(pf *ParsedFile, header string, s *lineScanner) error

var blockHandlers = map[string]blockHandler{
	"meta":   handleMeta,
	"assert": handleAssert,
	"docs": rawBlock(func(pf *ParsedFile, raw string) {
		pf.Docs = raw
	}),
	"script:pre-request": scriptBlock(func(pf *ParsedFile, code string, line int) {
		pf.Scripts.PreRequest, pf.Lines.PreRequest = code, line
	}),
	"script:post-response": scriptBlock(func(pf *ParsedFile, code string, line int) {
		pf.Scripts.PostResponse, pf.Lines.PostResponse = code, line
	}),
	"script:hooks": scriptBlock(func(pf *ParsedFile, code string, line int) {
		pf.Scripts.Hooks, pf.Lines.Hooks = code, line
	}),
	"tests": scriptBlock(func(pf *ParsedFile, code string, line int) {
		pf.TestsRaw, pf.Lines.Tests = code, line
	}),
	"vars:pre-request": dictBlock(func(pf *ParsedFile, m map[string]string) {
		pf.VarsPre = m
	}),
	"vars:post-response": dictBlock(func(pf *ParsedFile, m map[string]string) {
		pf.VarsPost = m
	}),
	"headers": dictBlock(func(pf *ParsedFile, m map[string]string) {
		if pf.Request.Headers == nil {
			pf.Request.Headers = map[string]string{}
		}
		maps.Copy(pf.Request.Headers, m)
	}),
	"query": dictBlock(func(pf *ParsedFile, m map[string]string) {
		pf.Request.Query = m
	}),
	"params:query": dictBlock(func(pf *ParsedFile, m map[string]string) {
		pf.Request.Query = m
	}),
	"params:path": dictBlock(func(pf *ParsedFile, m map[string]string) {
		pf.Request.PathParams = m
	}),
	"body:graphql:vars": rawBlock(func(pf *ParsedFile, raw string) {
		if m, err := parseJSONMap(raw); err == nil {
			pf.Request.GraphqlVars = m
			return
		}
		pf.Request.GraphqlVars = parseDict(strings.Split(raw, "\n"))
	}),
}

// handlerFor resolves the block named by the first word of a header line.
// Verb blocks and body:<type> blocks share a handler per family.
func handlerFor(name string) (blockHandler, bool) {
	if h, ok := blockHandlers[name]; ok {
		return h, true
	}
	if _, ok := verbSet[name]; ok {
		return requestBlock(name), true
	}
	if name == "body" || strings.HasPrefix(name, "body:") {
		return handleBody, true
	}
	return nil, false
}

// blockName is the lower-cased block identifier of a header line, such as
// "script:pre-request" for "script:pre-request {".
func blockName(header string) string {
	if end := strings.IndexAny(header, " \t{"); end >= 0 {
		header = header[:end]
	}
	return strings.ToLower(header)
}

func parse(_ context.Context, path string, r io.Reader, requireRequest bool) (ParsedFile, error) {
	scanner := &lineScanner{Scanner: bufio.NewScanner(r)}
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	pf := ParsedFile{FilePath: path}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		name := blockName(line)
		handle, ok := handlerFor(name)
		if !ok {
			// auth, settings and other blocks scripts never see.
			if strings.Contains(line, "{") {
				if _, err := readBlock(scanner, line); err != nil {
					return ParsedFile{}, fmt.Errorf("%s: %w", name, err)
				}
			}
			continue
		}
		if err := handle(&pf, line, scanner); err != nil {
			return ParsedFile{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return ParsedFile{}, err
	}
	if requireRequest && pf.Request.Verb == "" {
		return ParsedFile{}, ErrMissingRequest
	}
	return pf, nil
}

func scriptBlock(set func(pf *ParsedFile, code string, line int)) blockHandler {
	return func(pf *ParsedFile, header string, s *lineScanner) error {
		code, line, err := readScriptBlock(header, s)
		if err != nil {
			return err
		}
		set(pf, code, line)
		return nil
	}
}

func dictBlock(set func(pf *ParsedFile, m map[string]string)) blockHandler {
	return func(pf *ParsedFile, header string, s *lineScanner) error {
		lines, err := readBlock(s, header)
		if err != nil {
			return err
		}
		set(pf, parseDict(lines))
		return nil
	}
}

func rawBlock(set func(pf *ParsedFile, raw string)) blockHandler {
	return func(pf *ParsedFile, header string, s *lineScanner) error {
		raw, err := readRawBlock(header, s)
		if err != nil {
			return err
		}
		set(pf, raw)
		return nil
	}
}

func handleMeta(pf *ParsedFile, header string, s *lineScanner) error {
	lines, err := readBlock(s, header)
	if err != nil {
		return err
	}
	pf.Meta, err = parseMeta(lines)
	return err
}

func handleAssert(pf *ParsedFile, header string, s *lineScanner) error {
	lines, err := readBlock(s, header)
	if err != nil {
		return err
	}
	pf.Assert = parseAssert(lines)
	return nil
}

func handleBody(pf *ParsedFile, header string, s *lineScanner) error {
	raw, err := readRawBlock(header, s)
	if err != nil {
		return err
	}
	body := &pf.Request.Body
	body.Present = true
	body.Type = "json"
	if _, t, ok := strings.Cut(blockName(header), ":"); ok && t != "" {
		body.Type = t
	}
	body.Raw = raw
	if body.Type == "form-urlencoded" || body.Type == "multipart-form" {
		body.Fields = parseDict(strings.Split(raw, "\n"))
	}
	return nil
}

func requestBlock(verb string) blockHandler {
	return func(pf *ParsedFile, header string, s *lineScanner) error {
		lines, err := readBlock(s, header)
		if err != nil {
			return err
		}
		pf.Request = parseRequest(verb, lines)
		return nil
	}
}

func parseMeta(lines []string) (MetaBlock, error) {
	m := MetaBlock{}
	for i := 0; i < len(lines); i++ {
		key, val, ok := strings.Cut(strings.TrimSpace(lines[i]), ":")
		if !ok || strings.HasPrefix(key, "//") {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSuffix(strings.TrimSpace(val), ",")
		switch key {
		case "name":
			m.Name = val
		case "type":
			m.Type = val
		case "seq":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return MetaBlock{}, fmt.Errorf("seq %q: %w", val, err)
			}
			m.Seq = f
		case "description":
			m.Description = strings.Trim(val, "\"")
		case "skip":
			m.Skip = strings.EqualFold(val, "true")
		case "enabled":
			m.Skip = strings.EqualFold(val, "false")
		case "delay":
			m.DelayMS, _ = strconv.Atoi(val)
		case "repeat":
			m.Repeat, _ = strconv.Atoi(val)
		case "timeout":
			m.TimeoutMS, _ = strconv.Atoi(val)
		case "tags":
			// Inline [a, b] or one tag per line until the closing bracket.
			items := val
			if val == "[" {
				var list []string
				for i++; i < len(lines) && strings.TrimSpace(lines[i]) != "]"; i++ {
					list = append(list, strings.TrimSpace(lines[i]))
				}
				items = strings.Join(list, ",")
			}
			for t := range strings.SplitSeq(strings.Trim(items, "[]"), ",") {
				if t = strings.Trim(strings.TrimSpace(t), "\""); t != "" {
					m.Tags = append(m.Tags, t)
				}
			}
		}
	}
	return m, nil
}

// nestedInline finds headers { ... } and body:<type> { ... } opened on a
// request line.
var nestedInline = regexp.MustCompile(`(?:^|\s)(headers|body(?::[\w-]+)*)\s*\{`)

// parseRequest reads a verb block. Besides url it accepts nested headers
// and body blocks, inline or spanning lines.
func parseRequest(verb string, lines []string) RequestBlock {
	req := RequestBlock{Verb: strings.ToUpper(verb), Headers: map[string]string{}}
	var (
		nested string
		body   []string
	)
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if nested != "" {
			switch {
			case trimmed == "}":
				nested = ""
			case nested == "headers":
				addEntry(req.Headers, trimmed)
			default:
				body = append(body, l)
			}
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "url:"); ok {
			req.URL, _, _ = strings.Cut(strings.TrimSpace(rest), " ")
		}
		inlineBody := false
		for _, m := range nestedInline.FindAllStringSubmatchIndex(trimmed, -1) {
			content, ok := balanced(trimmed, m[1]-1)
			if !ok {
				continue
			}
			if name := trimmed[m[2]:m[3]]; name == "headers" {
				maps.Copy(req.Headers, parseDict(strings.Split(content, "\n")))
			} else {
				req.Body.Present = true
				req.Body.Type = detectBodyType(name)
				req.Body.Raw = content
				inlineBody = true
			}
		}
		if inlineBody {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "headers") && strings.HasSuffix(trimmed, "{"):
			nested = "headers"
		case strings.HasPrefix(trimmed, "body") && strings.HasSuffix(trimmed, "{"):
			nested = "body"
			req.Body.Present = true
			req.Body.Type = detectBodyType(trimmed)
		case strings.HasPrefix(trimmed, "body:"):
			// "body: json" names the mode; the content lives in its own block.
			if mode := strings.TrimSpace(strings.TrimPrefix(trimmed, "body:")); mode != "none" {
				req.Body.Type = detectBodyType(mode)
			}
		}
	}
	if len(body) > 0 {
		req.Body.Raw = strings.Join(body, "\n")
	}
	return req
}

// parseDict reads "key: value" lines. Entries prefixed with ~ are disabled
// and skipped; quotes around keys are dropped.
func parseDict(lines []string) map[string]string {
	m := map[string]string{}
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "~") {
			continue
		}
		addEntry(m, trimmed)
	}
	return m
}

func addEntry(m map[string]string, line string) {
	k, v, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	m[strings.Trim(strings.TrimSpace(k), "\"")] = strings.TrimSuffix(strings.TrimSpace(v), ",")
}

func parseJSONMap(raw string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// detectBodyType maps a body block name or request body mode, such as
// "body:form-urlencoded" or "formUrlEncoded", to a body type.
func detectBodyType(mode string) string {
	norm := strings.ReplaceAll(strings.ToLower(mode), "-", "")
	for _, t := range []string{"form-urlencoded", "multipart-form", "graphql", "xml", "text"} {
		if strings.Contains(norm, strings.ReplaceAll(t, "-", "")) {
			return t
		}
	}
	return "json"
}

// parseAssert reads "expr: operator operand" lines. A leading ~ disables
// the rule; the operator text is kept verbatim for the assertion engine.
func parseAssert(lines []string) []assert.Rule {
	var rules []assert.Rule
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		enabled := true
		if rest, ok := strings.CutPrefix(trimmed, "~"); ok {
			enabled = false
			trimmed = strings.TrimSpace(rest)
		}
		left, right, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		left = strings.TrimSpace(left)
		right = strings.TrimSuffix(strings.TrimSpace(right), ",")
		if left == "" || right == "" {
			continue
		}
		rules = append(rules, assert.Rule{Expr: left, Value: right, Enabled: enabled})
	}
	return rules
}

// balanced returns the content between the brace at start and its match.
func balanced(s string, start int) (string, bool) {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start+1 : i], true
			}
		}
	}
	return "", false
}

// inlineContent returns what sits between the first brace of s and its
// match when both are on the same line.
func inlineContent(s string) (string, bool) {
	idx := strings.Index(s, "{")
	if idx < 0 {
		return "", false
	}
	return balanced(s, idx)
}

// readBlock returns the lines of a brace-delimited block. Nested braces are
// kept as content.
func readBlock(s *lineScanner, header string) ([]string, error) {
	if !strings.Contains(header, "{") {
		return nil, errors.New("missing opening brace")
	}
	if content, ok := inlineContent(header); ok {
		if content = strings.TrimSpace(content); content != "" {
			return []string{content}, nil
		}
		return nil, nil
	}
	depth := strings.Count(header, "{") - strings.Count(header, "}")
	var lines []string
	for s.Scan() {
		line := s.Text()
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth <= 0 {
			return lines, nil
		}
		lines = append(lines, line)
	}
	return nil, errors.New("unbalanced braces")
}

// readRawBlock is readBlock joined back into text with a trailing newline
// per line, as body and docs blocks are sent verbatim.
func readRawBlock(header string, s *lineScanner) (string, error) {
	if content, ok := inlineContent(header); ok {
		return strings.TrimSpace(content), nil
	}
	lines, err := readBlock(s, header)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// readScriptBlock reads a script block that ends at a line holding only a
// closing brace in the first column. Content lines keep their position so
// the returned start line maps errors back into the file; the two space
// block indentation is removed.
func readScriptBlock(header string, s *lineScanner) (string, int, error) {
	if content, ok := inlineContent(header); ok {
		return strings.TrimSpace(content), s.line, nil
	}
	start := s.line + 1
	var lines []string
	for s.Scan() {
		line := s.Text()
		if strings.TrimRight(line, " \t\r") == "}" {
			return strings.Join(lines, "\n"), start, nil
		}
		lines = append(lines, strings.TrimPrefix(line, "  "))
	}
	return "", 0, errors.New("unterminated script block")
}

// VarPattern matches {{var}} placeholders inside requests.
var VarPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)
