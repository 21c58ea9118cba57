package errfmt

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScriptType names the block a script was authored in.
type ScriptType string

const (
	ScriptPreRequest   ScriptType = "pre-request"
	ScriptPostResponse ScriptType = "post-response"
	ScriptTest         ScriptType = "test"
	ScriptHooks        ScriptType = "hooks"
)

var bruBlockPatterns = map[ScriptType]*regexp.Regexp{
	ScriptPreRequest:   regexp.MustCompile(`^script:pre-request\s*\{`),
	ScriptPostResponse: regexp.MustCompile(`^script:post-response\s*\{`),
	ScriptTest:         regexp.MustCompile(`^tests\s*\{`),
	ScriptHooks:        regexp.MustCompile(`^script:hooks\s*\{`),
}

var ymlScriptTypes = map[ScriptType]string{
	ScriptPreRequest:   "before-request",
	ScriptPostResponse: "after-response",
	ScriptTest:         "tests",
	ScriptHooks:        "hooks",
}

func isBru(path string) bool { return strings.HasSuffix(path, ".bru") }

func isYml(path string) bool {
	return strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")
}

// fileCache memoizes file contents and block start lines for one Format call.
type fileCache struct {
	files  map[string]*string
	blocks map[string]int
}

func newFileCache() *fileCache {
	return &fileCache{files: map[string]*string{}, blocks: map[string]int{}}
}

func (c *fileCache) read(path string) (string, bool) {
	if s, ok := c.files[path]; ok {
		if s == nil {
			return "", false
		}
		return *s, true
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		c.files[path] = nil
		return "", false
	}
	content := strings.ReplaceAll(string(raw), "\r\n", "\n")
	c.files[path] = &content
	return content, true
}

// BlockStartLine returns the 1-based line where the content of the script
// block of type st starts in path, or 0 when it cannot be found.
func BlockStartLine(path string, st ScriptType) int {
	return newFileCache().blockStart(path, st)
}

func (c *fileCache) blockStart(path string, st ScriptType) int {
	key := path + "\x00" + string(st)
	if n, ok := c.blocks[key]; ok {
		return n
	}
	n := 0
	switch {
	case isBru(path):
		n = c.bruBlockStart(path, st)
	case isYml(path):
		n = c.ymlBlockStart(path, st)
	}
	c.blocks[key] = n
	return n
}

func (c *fileCache) bruBlockStart(path string, st ScriptType) int {
	pattern, ok := bruBlockPatterns[st]
	if !ok {
		return 0
	}
	content, ok := c.read(path)
	if !ok {
		return 0
	}
	for i, line := range strings.Split(content, "\n") {
		if pattern.MatchString(line) {
			// 1-indexed, plus the line holding the opening brace.
			return i + 2
		}
	}
	return 0
}

func (c *fileCache) ymlBlockStart(path string, st ScriptType) int {
	want, ok := ymlScriptTypes[st]
	if !ok {
		return 0
	}
	content, ok := c.read(path)
	if !ok {
		return 0
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil || len(doc.Content) == 0 {
		return 0
	}
	scripts := lookup(lookup(doc.Content[0], "runtime"), "scripts")
	if scripts == nil || scripts.Kind != yaml.SequenceNode {
		return 0
	}
	for _, item := range scripts.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		if t := lookup(item, "type"); t == nil || t.Value != want {
			continue
		}
		if code := lookup(item, "code"); code != nil {
			return code.Line + 1
		}
	}
	return 0
}

func lookup(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
