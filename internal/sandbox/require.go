package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"

	"pkt.systems/bruscript/internal/scripterr"
)

// moduleLoader implements require. Builtin modules are always available;
// filesystem modules only on the developer backend and only inside the
// allowed roots.
type moduleLoader struct {
	b        *gojaBackend
	roots    []string
	builtins map[string]goja.Value
	cache    map[string]*goja.Object
}

func newModuleLoader(b *gojaBackend) *moduleLoader {
	m := &moduleLoader{
		b:        b,
		builtins: map[string]goja.Value{},
		cache:    map[string]*goja.Object{},
	}
	for _, r := range append([]string{b.cfg.CollectionPath}, b.cfg.ContextRoots...) {
		if r == "" {
			continue
		}
		if abs, err := filepath.Abs(r); err == nil {
			m.roots = append(m.roots, realPath(abs))
		}
	}
	return m
}

func (m *moduleLoader) install() error {
	base := ""
	if len(m.roots) > 0 {
		base = m.roots[0]
	}
	return m.b.vm.Set("require", m.requireFrom(base))
}

func (m *moduleLoader) reset() {
	clear(m.builtins)
	clear(m.cache)
}

func (m *moduleLoader) requireFrom(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		v, err := m.require(id, dir)
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				panic(ex)
			}
			panic(m.b.jsError(err))
		}
		return v
	}
}

func (m *moduleLoader) require(id, dir string) (goja.Value, error) {
	if id == "" {
		return nil, scripterr.Validationf("require", "module id must not be empty")
	}
	if v, ok := m.builtin(id); ok {
		return v, nil
	}
	if m.b.cfg.Kind != KindDeveloper {
		return nil, &scripterr.AccessDeniedError{Path: id}
	}
	if isLocal(id) {
		target := id
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, id)
		}
		return m.loadPath(id, filepath.Clean(target))
	}
	if !m.whitelisted(id) {
		return nil, &scripterr.AccessDeniedError{Path: id, Roots: m.b.cfg.ModuleWhitelist}
	}
	for _, root := range m.roots {
		candidate := filepath.Join(root, "node_modules", filepath.FromSlash(id))
		if resolved, ok := resolveFile(candidate); ok {
			return m.loadPath(id, resolved)
		}
	}
	return nil, fmt.Errorf("cannot find module %q", id)
}

func (m *moduleLoader) builtin(id string) (goja.Value, bool) {
	id = strings.TrimPrefix(id, "node:")
	if v, ok := m.builtins[id]; ok {
		return v, true
	}
	obj, ok := m.b.cfg.Builtins[id]
	if !ok {
		return nil, false
	}
	v := m.b.toValue(obj)
	m.builtins[id] = v
	return v, true
}

func (m *moduleLoader) whitelisted(id string) bool {
	if len(m.b.cfg.ModuleWhitelist) == 0 {
		return true
	}
	for _, pattern := range m.b.cfg.ModuleWhitelist {
		if ok, err := doublestar.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

func isLocal(id string) bool {
	return strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") || filepath.IsAbs(id)
}

func (m *moduleLoader) allowed(path string) bool {
	for _, root := range m.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func (m *moduleLoader) loadPath(id, target string) (goja.Value, error) {
	if !m.allowed(target) {
		return nil, &scripterr.AccessDeniedError{Path: target, Roots: m.roots}
	}
	resolved, ok := resolveFile(target)
	if !ok {
		return nil, fmt.Errorf("cannot find module %q", id)
	}
	resolved = realPath(resolved)
	if !m.allowed(resolved) {
		return nil, &scripterr.AccessDeniedError{Path: resolved, Roots: m.roots}
	}
	if mod, ok := m.cache[resolved]; ok {
		return mod.Get("exports"), nil
	}
	src, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read module %q: %w", id, err)
	}
	vm := m.b.vm
	if strings.EqualFold(filepath.Ext(resolved), ".json") {
		var data any
		if err := json.Unmarshal(src, &data); err != nil {
			return nil, fmt.Errorf("parse module %q: %w", id, err)
		}
		mod := vm.NewObject()
		_ = mod.Set("exports", m.b.toValue(data))
		m.cache[resolved] = mod
		return mod.Get("exports"), nil
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	prog, err := goja.Compile(resolved, wrapped, false)
	if err != nil {
		return nil, compileError(err, resolved, 0, m.b.cfg.Kind)
	}
	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("module %q did not compile to a function", id)
	}
	mod := vm.NewObject()
	exports := vm.NewObject()
	_ = mod.Set("exports", exports)
	_ = mod.Set("id", resolved)
	m.cache[resolved] = mod
	dir := filepath.Dir(resolved)
	if _, err := fn(goja.Undefined(), exports, vm.ToValue(m.requireFrom(dir)), mod, vm.ToValue(resolved), vm.ToValue(dir)); err != nil {
		delete(m.cache, resolved)
		return nil, err
	}
	return mod.Get("exports"), nil
}

// resolveFile applies CommonJS file resolution: exact file, .js, .json,
// package.json main, then index.js.
func resolveFile(target string) (string, bool) {
	if isFile(target) {
		return target, true
	}
	for _, ext := range []string{".js", ".json"} {
		if isFile(target + ext) {
			return target + ext, true
		}
	}
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		if raw, err := os.ReadFile(filepath.Join(target, "package.json")); err == nil {
			var pkg struct {
				Main string `json:"main"`
			}
			if json.Unmarshal(raw, &pkg) == nil && pkg.Main != "" {
				if p, ok := resolveFile(filepath.Join(target, pkg.Main)); ok {
					return p, true
				}
			}
		}
		if idx := filepath.Join(target, "index.js"); isFile(idx) {
			return idx, true
		}
	}
	return "", false
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}
