package hooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/bruscript/internal/errfmt"
)

// Authoring levels, outermost first.
const (
	LevelCollection = "collection"
	LevelFolder     = "folder"
	LevelRequest    = "request"
)

// LevelScript is the hook script of one authoring level.
type LevelScript struct {
	Script string
	// File is the source document the script was read from.
	File        string
	DisplayPath string
	// BlockStartLine is the first line of the script inside File.
	BlockStartLine int
}

// FolderScript is a folder-level hook script.
type FolderScript struct {
	LevelScript
	Pathname string
}

// Config lists the hook scripts of every level that applies to a request.
type Config struct {
	Collection LevelScript
	Folders    []FolderScript
	Request    LevelScript
	// KeepComments disables comment stripping before concatenation.
	KeepComments bool
	// StopOnLevelError rethrows a level failure, skipping later levels.
	StopOnLevelError bool
}

// Level describes one level included in a consolidated script.
type Level struct {
	Level      string
	Identifier string
	Script     string
}

// Consolidated is the single execution unit built from several levels.
type Consolidated struct {
	Script string
	Levels []Level
	// Segments locate each level in Script, relative to its first line.
	Segments []errfmt.Segment
	// RequestStartLine and RequestEndLine bound the request segment, zero
	// when the request has no hooks of its own.
	RequestStartLine int
	RequestEndLine   int
}

// HasHooks reports whether any level contributed code.
func (c Consolidated) HasHooks() bool { return len(c.Levels) > 0 }

// Metadata returns the line map the error formatter needs.
func (c Consolidated) Metadata() *errfmt.Metadata {
	if !c.HasHooks() {
		return nil
	}
	return &errfmt.Metadata{
		RequestStartLine: c.RequestStartLine,
		RequestEndLine:   c.RequestEndLine,
		Segments:         c.Segments,
	}
}

func levelID(level, identifier string) string {
	if level == LevelFolder && identifier != "" {
		return level + ":" + identifier
	}
	return level
}

// Consolidate wraps each level in its own async closure guarded by
// try/catch and concatenates them in collection, folder, request order.
func Consolidate(cfg Config) Consolidated {
	type part struct {
		level      string
		identifier string
		src        LevelScript
	}
	parts := []part{{LevelCollection, "root", cfg.Collection}}
	for _, f := range cfg.Folders {
		parts = append(parts, part{LevelFolder, f.Pathname, f.LevelScript})
	}
	parts = append(parts, part{LevelRequest, "current", cfg.Request})

	var out Consolidated
	lines := []string{"const __consolidatedErrors = [];"}
	for _, p := range parts {
		script := p.src.Script
		if !cfg.KeepComments {
			script = StripComments(script)
		}
		if strings.TrimSpace(script) == "" {
			continue
		}
		out.Levels = append(out.Levels, Level{Level: p.level, Identifier: p.identifier, Script: script})
		id := levelID(p.level, p.identifier)
		if p.level == LevelFolder {
			lines = append(lines, fmt.Sprintf("// === FOLDER HOOKS (%s) ===", p.identifier))
		} else {
			lines = append(lines, fmt.Sprintf("// === %s HOOKS ===", strings.ToUpper(p.level)))
		}
		lines = append(lines,
			"await (async () => {",
			"  const __hookLevel = "+jsString(id)+";",
			"  try {",
		)
		start := len(lines)
		body := strings.Split(script, "\n")
		lines = append(lines, body...)
		end := len(lines)
		lines = append(lines,
			"  } catch (__hookError) {",
			"    __consolidatedErrors.push({ level: __hookLevel, error: (__hookError && __hookError.message) || String(__hookError), stack: __hookError && __hookError.stack });",
			"    if (typeof __onHookError === 'function') {",
			"      __onHookError(__hookLevel, __hookError);",
			"    }",
		)
		if cfg.StopOnLevelError {
			lines = append(lines, "    throw __hookError;")
		}
		lines = append(lines, "  }", "})();")
		out.Segments = append(out.Segments, errfmt.Segment{
			Level:          id,
			File:           p.src.File,
			DisplayPath:    p.src.DisplayPath,
			StartLine:      start,
			EndLine:        end,
			BlockStartLine: p.src.BlockStartLine,
		})
		if p.level == LevelRequest {
			out.RequestStartLine, out.RequestEndLine = start, end
		}
	}
	if !out.HasHooks() {
		return Consolidated{}
	}
	lines = append(lines, "return { errors: __consolidatedErrors };")
	out.Script = strings.Join(lines, "\n")
	return out
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// LevelError is a level failure caught inside a consolidated script.
type LevelError struct {
	Level   string
	Message string
	Stack   string
}

// DecodeLevelErrors reads the errors a consolidated script returns.
func DecodeLevelErrors(result any) []LevelError {
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	list, _ := m["errors"].([]any)
	var out []LevelError
	for _, item := range list {
		e, ok := item.(map[string]any)
		if !ok {
			continue
		}
		le := LevelError{}
		le.Level, _ = e["level"].(string)
		le.Message, _ = e["error"].(string)
		le.Stack, _ = e["stack"].(string)
		out = append(out, le)
	}
	return out
}
