// Package errfmt maps sandbox error locations back to the lines users wrote
// and renders them with surrounding source context.
package errfmt

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/bruscript/internal/scripterr"
)

// DefaultContextLines is the number of lines shown around the failing line.
const DefaultContextLines = 5

// Segment locates one authoring level inside a combined script. Lines are
// relative to the user code (wrapper offset removed); StartLine is the line
// of the closure that opens the segment.
type Segment struct {
	Level          string
	File           string
	DisplayPath    string
	StartLine      int
	EndLine        int
	BlockStartLine int
}

// Metadata describes how a combined script maps onto its sources. Source
// is the name the combined script was compiled under; when empty the
// segments apply to any .bru or .yml frame.
type Metadata struct {
	Source           string
	RequestStartLine int
	RequestEndLine   int
	Segments         []Segment
}

type options struct {
	displayPath  string
	scriptType   ScriptType
	contextLines int
	metadata     *Metadata
}

// Option tunes Format.
type Option func(*options)

// WithDisplayPath shows path instead of the absolute file in the header.
func WithDisplayPath(path string) Option { return func(o *options) { o.displayPath = path } }

// WithScriptType selects which script block line numbers are relative to.
func WithScriptType(st ScriptType) Option { return func(o *options) { o.scriptType = st } }

// WithContextLines overrides DefaultContextLines.
func WithContextLines(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.contextLines = n
		}
	}
}

// WithMetadata supplies segment ranges for consolidated scripts.
func WithMetadata(m *Metadata) Option { return func(o *options) { o.metadata = m } }

type location struct {
	file   string
	line   int
	column int
}

// Format renders err with its source location. Errors without a resolvable
// location fall back to the message followed by the raw stack.
func Format(err error, opts ...Option) string {
	if err == nil {
		return ""
	}
	o := options{contextLines: DefaultContextLines}
	for _, opt := range opts {
		opt(&o)
	}
	name, message, stack, offset, sites := describe(err)
	fallback := message + "\n" + stack

	c := newFileCache()
	loc, ok := c.firstLocation(sites, offset, o)
	if !ok {
		return fallback
	}
	file, line, _ := c.resolve(loc.file, loc.line, offset, o)
	ctxLines, ok := c.context(file, line, o.contextLines)
	if !ok {
		return fallback
	}

	display := file
	switch {
	case file != loc.file:
		if seg := o.segmentFor(file); seg != nil && seg.DisplayPath != "" {
			display = seg.DisplayPath
		}
	case o.displayPath != "":
		display = o.displayPath
	}
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n\n", display)
	width := len(strconv.Itoa(ctxLines[len(ctxLines)-1].number))
	for _, l := range ctxLines {
		marker := " "
		if l.number == line {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %*d |  %s\n", marker, width, l.number, l.content)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s: %s", name, message)
	if frames := c.stackLines(sites, offset, o); frames != "" {
		b.WriteString("\n")
		b.WriteString(frames)
	}
	return b.String()
}

func describe(err error) (name, message, stack string, offset int, sites []scripterr.CallSite) {
	var (
		re *scripterr.RuntimeError
		ce *scripterr.CompileError
	)
	switch {
	case errors.As(err, &re):
		name = re.Name
		if name == "" {
			name = "Error"
		}
		sites = re.CallSites
		if len(sites) == 0 {
			sites = ParseStack(re.Stack)
		}
		return name, re.Message, re.Stack, re.Offset, sites
	case errors.As(err, &ce):
		if ce.Line > 0 {
			sites = []scripterr.CallSite{{File: ce.File, Line: ce.Line, Column: ce.Column}}
		}
		return "SyntaxError", ce.Message, "", ce.Offset, sites
	}
	return "Error", err.Error(), "", 0, nil
}

// firstLocation prefers the first site inside user code and falls back to
// the first site with a position at all.
func (c *fileCache) firstLocation(sites []scripterr.CallSite, offset int, o options) (location, bool) {
	var (
		first location
		found bool
	)
	for _, s := range sites {
		if s.File == "" || s.Line <= 0 || s.File == "<native>" {
			continue
		}
		loc := location{file: s.File, line: s.Line, column: s.Column}
		if _, _, ok := c.resolve(s.File, s.Line, offset, o); ok {
			return loc, true
		}
		if !found {
			first, found = loc, true
		}
	}
	return first, found
}

// AdjustLine maps a backend-reported line to the line in path.
func AdjustLine(path string, reported, offset int, opts ...Option) int {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	_, line, _ := newFileCache().resolve(path, reported, offset, o)
	return line
}

// resolve maps a reported line to its file and line and reports whether it
// falls inside user code. Wrapper lines report false.
func (c *fileCache) resolve(path string, reported, offset int, o options) (string, int, bool) {
	m := o.metadata
	combined := m != nil && m.Source != "" && path == m.Source
	if !combined && !isBru(path) && !isYml(path) {
		return path, reported, true
	}
	rel := reported - offset
	if rel < 1 {
		return path, reported, false
	}
	if m != nil && (m.Source == "" || combined) {
		inSegment := false
		for _, seg := range m.Segments {
			if rel <= seg.StartLine || rel > seg.EndLine {
				continue
			}
			if seg.File != "" && seg.BlockStartLine > 0 {
				return seg.File, seg.BlockStartLine + (rel - seg.StartLine) - 1, true
			}
			inSegment = true
		}
		if m.RequestStartLine > 0 && rel > m.RequestStartLine && rel <= m.RequestEndLine {
			if start := c.blockStart(path, o.scriptType); start > 0 {
				return path, start + (rel - m.RequestStartLine) - 1, true
			}
		}
		if m.RequestStartLine > 0 || len(m.Segments) > 0 {
			return path, rel, inSegment || len(m.Segments) == 0
		}
	}
	if o.scriptType != "" {
		if start := c.blockStart(path, o.scriptType); start > 0 {
			return path, start + rel - 1, true
		}
	}
	return path, rel, true
}

func (o options) segmentFor(file string) *Segment {
	if o.metadata == nil {
		return nil
	}
	for i := range o.metadata.Segments {
		if o.metadata.Segments[i].File == file {
			return &o.metadata.Segments[i]
		}
	}
	return nil
}

type sourceLine struct {
	number  int
	content string
}

func (c *fileCache) context(path string, line, n int) ([]sourceLine, bool) {
	content, ok := c.read(path)
	if !ok {
		return nil, false
	}
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return nil, false
	}
	start := max(1, line-n)
	end := min(len(lines), line+n)
	out := make([]sourceLine, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, sourceLine{number: i, content: lines[i-1]})
	}
	return out, true
}

func (c *fileCache) stackLines(sites []scripterr.CallSite, offset int, o options) string {
	var lines []string
	for _, s := range sites {
		if s.File == "" || s.Line == 0 {
			continue
		}
		file, line, ok := c.resolve(s.File, s.Line, offset, o)
		if !ok {
			continue
		}
		loc := fmt.Sprintf("%s:%d", file, line)
		if s.Column > 0 {
			loc += ":" + strconv.Itoa(s.Column)
		}
		if s.Function != "" {
			loc = s.Function + " (" + loc + ")"
		}
		lines = append(lines, "    at "+loc)
	}
	return strings.Join(lines, "\n")
}

var stackFrame = regexp.MustCompile(`at (?:(.+?) \()?((?:[A-Za-z]:)?[^:()]+):(\d+)(?::(\d+))?(?:\(\d+\))?\)?`)

// ParseStack extracts call sites from a stack string.
func ParseStack(stack string) []scripterr.CallSite {
	var out []scripterr.CallSite
	for _, line := range strings.Split(stack, "\n") {
		m := stackFrame.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ln, _ := strconv.Atoi(m[3])
		col, _ := strconv.Atoi(m[4])
		out = append(out, scripterr.CallSite{Function: m[1], File: strings.TrimSpace(m[2]), Line: ln, Column: col})
	}
	return out
}
