package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/bruscript/internal/hooks"
	"pkt.systems/bruscript/internal/parser"
	"pkt.systems/bruscript/internal/vars"
)

// collection is the directory tree a run belongs to, with the scopes that
// outlive a single request.
type collection struct {
	root    string
	name    string
	level   parser.ParsedFile
	envName string
	global  *vars.Scope
	env     *vars.Scope
	secret  *vars.Scope
	process map[string]string

	mu      sync.Mutex
	folders map[string]parser.ParsedFile
}

func openCollection(ctx context.Context, root string, opts RunOptions) (*collection, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	level, err := parser.ParseLevelFile(ctx, filepath.Join(root, parser.CollectionFile))
	if err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	env, err := loadEnv(ctx, opts.EnvPath)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	values := map[string]string{}
	maps.Copy(values, env.vars)
	maps.Copy(values, opts.Vars)
	secrets := map[string]string{}
	for _, name := range env.secrets {
		if v, ok := opts.Vars[name]; ok {
			secrets[name] = v
		}
	}
	return &collection{
		root:    root,
		name:    collectionName(root),
		level:   level,
		envName: env.name,
		global:  vars.FromStrings(opts.GlobalVars),
		env:     vars.FromStrings(values),
		secret:  vars.FromStrings(secrets),
		process: vars.ProcessEnviron(),
		folders: map[string]parser.ParsedFile{},
	}, nil
}

// findCollectionRoot walks up from dir to the nearest directory holding
// bruno.json or collection.bru, falling back to dir.
func findCollectionRoot(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	for cur := abs; ; {
		for _, marker := range []string{"bruno.json", parser.CollectionFile} {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		cur = parent
	}
}

func collectionName(root string) string {
	if b, err := os.ReadFile(filepath.Join(root, "bruno.json")); err == nil {
		var meta struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(b, &meta) == nil && meta.Name != "" {
			return meta.Name
		}
	}
	return filepath.Base(root)
}

func (c *collection) rel(path string) string {
	if r, err := filepath.Rel(c.root, path); err == nil && !strings.HasPrefix(r, "..") {
		return filepath.ToSlash(r)
	}
	return path
}

// folderFile returns the parsed folder.bru of dir, cached per run.
func (c *collection) folderFile(ctx context.Context, dir string) (parser.ParsedFile, error) {
	c.mu.Lock()
	pf, ok := c.folders[dir]
	c.mu.Unlock()
	if ok {
		return pf, nil
	}
	pf, err := parser.ParseLevelFile(ctx, filepath.Join(dir, parser.FolderFile))
	if err != nil {
		return parser.ParsedFile{}, fmt.Errorf("folder %s: %w", c.rel(dir), err)
	}
	c.mu.Lock()
	c.folders[dir] = pf
	c.mu.Unlock()
	return pf, nil
}

type levelKind int

const (
	levelCollection levelKind = iota
	levelFolder
	levelRequest
)

// scriptLevel is one authoring level whose scripts apply to a request.
type scriptLevel struct {
	kind    levelKind
	file    string
	display string
	pf      parser.ParsedFile
}

// levels returns the collection, every folder between the root and the
// request, and the request itself, outermost first.
func (c *collection) levels(ctx context.Context, pf parser.ParsedFile) ([]scriptLevel, error) {
	out := []scriptLevel{{kind: levelCollection, file: c.level.FilePath, display: c.rel(c.level.FilePath), pf: c.level}}
	abs, err := filepath.Abs(pf.FilePath)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for dir := filepath.Dir(abs); dir != c.root && strings.HasPrefix(dir, c.root+string(os.PathSeparator)); dir = filepath.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	for _, dir := range dirs {
		folder, err := c.folderFile(ctx, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, scriptLevel{kind: levelFolder, file: folder.FilePath, display: c.rel(folder.FilePath), pf: folder})
	}
	out = append(out, scriptLevel{kind: levelRequest, file: pf.FilePath, display: c.rel(abs), pf: pf})
	return out, nil
}

// hookConfig collects the hook scripts of levels.
func hookConfig(levels []scriptLevel) hooks.Config {
	var cfg hooks.Config
	for _, l := range levels {
		ls := hooks.LevelScript{
			Script:         l.pf.Scripts.Hooks,
			File:           l.file,
			DisplayPath:    l.display,
			BlockStartLine: l.pf.Lines.Hooks,
		}
		switch l.kind {
		case levelCollection:
			cfg.Collection = ls
		case levelFolder:
			cfg.Folders = append(cfg.Folders, hooks.FolderScript{LevelScript: ls, Pathname: filepath.ToSlash(filepath.Dir(l.display))})
		case levelRequest:
			cfg.Request = ls
		}
	}
	return cfg
}

// varSet assembles the scopes one request sees.
func (c *collection) varSet(levels []scriptLevel, runtime *vars.Scope) *vars.Set {
	folder := map[string]string{}
	var request map[string]string
	for _, l := range levels {
		switch l.kind {
		case levelFolder:
			maps.Copy(folder, l.pf.VarsPre)
		case levelRequest:
			request = l.pf.VarsPre
		}
	}
	return &vars.Set{
		Global:     c.global,
		Collection: vars.FromStrings(c.level.VarsPre),
		Env:        c.env,
		Folder:     vars.FromStrings(folder),
		Request:    vars.FromStrings(request),
		Runtime:    runtime,
		Secret:     c.secret,
		Process:    c.process,
	}
}
