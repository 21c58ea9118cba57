// Package sandbox runs user scripts inside isolated goja runtimes.
//
// Two strategies share one Backend interface. KindSafe is a locked-down
// runtime: strict mode, no eval, builtin modules only. KindDeveloper adds
// CommonJS loading of local modules confined to allow-listed roots. Both wrap
// scripts in an async function and pump their own job queue until the script
// settles, so a Run call returns only once timers and async host calls drained.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// Kind selects a backend strategy.
type Kind string

const (
	KindSafe      Kind = "safe"
	KindDeveloper Kind = "developer"
)

// ParseKind maps a configured runtime name to a Kind. The empty string
// selects KindSafe; "quickjs" and "nodevm" are accepted as aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "safe", "quickjs", "sandbox":
		return KindSafe, nil
	case "developer", "dev", "nodevm", "node":
		return KindDeveloper, nil
	}
	return "", fmt.Errorf("unknown runtime %q (want safe or developer)", s)
}

// Mode controls how source is wrapped before compilation.
type Mode int

const (
	// ModeScript wraps the source in an async function body.
	ModeScript Mode = iota
	// ModeExpression evaluates the source as a single expression.
	ModeExpression
)

// Source is a script handed to Compile.
type Source struct {
	Name string
	Code string
	Mode Mode
}

// HostFunc is a synchronous host capability. Arguments arrive marshalled
// into canonical Go values; sandbox functions arrive as Callable.
type HostFunc func(ctx context.Context, args []any) (any, error)

// AsyncFunc is a host capability that runs off the event loop. The sandbox
// receives a promise settled with its result.
type AsyncFunc func(ctx context.Context, args []any) (any, error)

// Object is a binding namespace. Values may be HostFunc, AsyncFunc, nested
// Object or plain data.
type Object map[string]any

// Callable is a sandbox function held by the host. Calls take the backend
// lock and settle any promise the function returns.
type Callable interface {
	Call(ctx context.Context, args ...any) (any, error)
	Name() string
}

// Backend compiles and runs scripts in one isolated global scope.
type Backend interface {
	Kind() Kind
	Compile(src Source) (*Program, error)
	Run(ctx context.Context, p *Program) (any, error)
	InstallBinding(name string, value any) error
	Dispose() error
}

// ProgramCache stores compiled programs. *lru.Cache[string, *Program] from
// hashicorp/golang-lru/v2 satisfies it.
type ProgramCache interface {
	Get(key string) (*Program, bool)
	Add(key string, p *Program) bool
}

// Config configures a backend.
type Config struct {
	Kind Kind
	// CollectionPath is the base directory for require and the first allowed root.
	CollectionPath string
	// ContextRoots are additional directories local modules may resolve into.
	ContextRoots []string
	// ModuleWhitelist restricts bare module names (doublestar patterns).
	ModuleWhitelist []string
	// Builtins are modules require resolves without touching the filesystem.
	Builtins         map[string]Object
	MaxCallStackSize int
	Cache            ProgramCache
	Logger           pslog.Base
}

// DefaultMaxCallStackSize bounds recursion depth inside a backend.
const DefaultMaxCallStackSize = 1024

// New returns a backend for cfg.Kind.
func New(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case "", KindSafe:
		cfg.Kind = KindSafe
	case KindDeveloper:
	default:
		return nil, fmt.Errorf("sandbox: unknown backend kind %q", cfg.Kind)
	}
	return newGojaBackend(cfg)
}

// WrapperOffset is the number of lines a backend prepends in front of user
// code. Both modes open with a single line; the safe backend adds the strict
// mode directive above it.
func WrapperOffset(kind Kind) int {
	if kind == KindDeveloper {
		return 1
	}
	return 2
}

func wrap(kind Kind, src Source) string {
	var b strings.Builder
	if kind != KindDeveloper {
		b.WriteString("'use strict';\n")
	}
	switch src.Mode {
	case ModeExpression:
		b.WriteString("(function () { return (\n")
		b.WriteString(src.Code)
		b.WriteString("\n); })()")
	default:
		b.WriteString("(async () => {\n")
		b.WriteString(src.Code)
		b.WriteString("\n})()")
	}
	return b.String()
}
