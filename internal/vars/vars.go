// Package vars holds the layered variable scopes handed to a script phase.
package vars

import (
	"maps"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/scripterr"
)

var namePattern = regexp.MustCompile(`^[\w.-]+$`)

// ValidateName checks name against the variable identifier grammar.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return scripterr.Validationf("variable name",
			"%q contains invalid characters; names must only contain alpha-numeric characters, \"-\", \"_\", \".\"", name)
	}
	return nil
}

// Scope is one key/value layer. It is safe for concurrent use.
type Scope struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewScope returns a scope seeded with a normalized copy of init.
func NewScope(init map[string]any) *Scope {
	s := &Scope{values: make(map[string]any, len(init))}
	for k, v := range init {
		s.values[k] = marshal.Normalize(v)
	}
	return s
}

// FromStrings seeds a scope from a string map.
func FromStrings(init map[string]string) *Scope {
	s := &Scope{values: make(map[string]any, len(init))}
	for k, v := range init {
		s.values[k] = v
	}
	return s
}

// Get returns the value bound to name, marshal.Absent when unset.
func (s *Scope) Get(name string) (any, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	v, ok := s.Lookup(name)
	if !ok {
		return marshal.Absent, nil
	}
	return v, nil
}

// Lookup returns the value bound to name without validating it.
func (s *Scope) Lookup(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether name is bound.
func (s *Scope) Has(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	_, ok := s.Lookup(name)
	return ok, nil
}

// Set binds name to a normalized copy of v. Setting Absent removes the key.
func (s *Scope) Set(name string, v any) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	v = marshal.Normalize(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if marshal.IsAbsent(v) {
		delete(s.values, name)
		return nil
	}
	s.values[name] = v
	return nil
}

// Delete removes name.
func (s *Scope) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	return nil
}

// Clear removes every binding.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
}

// Snapshot returns a copy of the bindings.
func (s *Scope) Snapshot() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Keys returns the bound names in sorted order.
func (s *Scope) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Strings renders the bindings as strings, JSON for composite values.
func (s *Scope) Strings() map[string]string {
	snap := s.Snapshot()
	out := make(map[string]string, len(snap))
	for k, v := range snap {
		out[k] = marshal.Stringify(v)
	}
	return out
}

// Layer names a scope in a Set.
type Layer string

const (
	LayerGlobal     Layer = "global"
	LayerCollection Layer = "collection"
	LayerEnv        Layer = "environment"
	LayerFolder     Layer = "folder"
	LayerRequest    Layer = "request"
	LayerOAuth2     Layer = "oauth2"
	LayerRuntime    Layer = "runtime"
	LayerSecret     Layer = "secret"
)

// Precedence lists the interpolation layers from lowest to highest.
var Precedence = []Layer{LayerGlobal, LayerCollection, LayerEnv, LayerFolder, LayerRequest, LayerOAuth2, LayerRuntime}

// Set bundles every layer visible to one phase.
type Set struct {
	Global     *Scope
	Collection *Scope
	Env        *Scope
	Folder     *Scope
	Request    *Scope
	OAuth2     *Scope
	Runtime    *Scope
	Secret     *Scope
	// Process is the process environment exposed as process.env.
	Process map[string]string
}

// NewSet returns a Set with empty layers and the current process environment.
func NewSet() *Set {
	s := &Set{Process: ProcessEnviron()}
	s.fill()
	return s
}

func (s *Set) fill() {
	for _, p := range []**Scope{&s.Global, &s.Collection, &s.Env, &s.Folder, &s.Request, &s.OAuth2, &s.Runtime, &s.Secret} {
		if *p == nil {
			*p = NewScope(nil)
		}
	}
	if s.Process == nil {
		s.Process = map[string]string{}
	}
}

// Ensure fills nil layers so callers may build a Set literal partially.
func (s *Set) Ensure() *Set {
	if s == nil {
		return NewSet()
	}
	s.fill()
	return s
}

// Scope returns the named layer.
func (s *Set) Scope(l Layer) *Scope {
	switch l {
	case LayerGlobal:
		return s.Global
	case LayerCollection:
		return s.Collection
	case LayerEnv:
		return s.Env
	case LayerFolder:
		return s.Folder
	case LayerRequest:
		return s.Request
	case LayerOAuth2:
		return s.OAuth2
	case LayerRuntime:
		return s.Runtime
	case LayerSecret:
		return s.Secret
	}
	return nil
}

// Lookup resolves name from the highest precedence layer that binds it.
func (s *Set) Lookup(name string) (any, bool) {
	for i := len(Precedence) - 1; i >= 0; i-- {
		if v, ok := s.Scope(Precedence[i]).Lookup(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Merged flattens the interpolation layers, higher layers winning.
func (s *Set) Merged() map[string]any {
	out := map[string]any{}
	for _, l := range Precedence {
		maps.Copy(out, s.Scope(l).Snapshot())
	}
	return out
}

// ProcessEnviron returns os.Environ as a map.
func ProcessEnviron() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
