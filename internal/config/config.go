// Package config loads scripting defaults from BRUSCRIPT_* environment
// variables. Command line flags override what it returns.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"pkt.systems/bruscript/internal/errfmt"
	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/scripting"
)

// Prefix is prepended to every variable name.
const Prefix = "BRUSCRIPT"

// Config holds scripting configuration.
type Config struct {
	Runtime          string        `envconfig:"RUNTIME" default:"safe"`
	ContextRoots     []string      `envconfig:"CONTEXT_ROOTS"`
	ModuleWhitelist  []string      `envconfig:"MODULE_WHITELIST"`
	ExprCacheSize    int           `envconfig:"EXPR_CACHE_SIZE" default:"256"`
	ContextLines     int           `envconfig:"CONTEXT_LINES" default:"5"`
	ConsolidateHooks bool          `envconfig:"CONSOLIDATE_HOOKS" default:"true"`
	MaxCallStack     int           `envconfig:"MAX_CALL_STACK" default:"1024"`
	PhaseTimeout     time.Duration `envconfig:"PHASE_TIMEOUT" default:"30s"`
}

// DefaultPhaseTimeout bounds a single script when nothing overrides it.
const DefaultPhaseTimeout = 30 * time.Second

// Load reads the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := sandbox.ParseKind(cfg.Runtime); err != nil {
		return nil, fmt.Errorf("failed to load config: %s_RUNTIME: %w", Prefix, err)
	}
	return &cfg, nil
}

// LoadOrDefault returns Load's result, or Default when the environment is
// invalid.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Runtime:          string(sandbox.KindSafe),
		ExprCacheSize:    scripting.DefaultCacheSize,
		ContextLines:     errfmt.DefaultContextLines,
		ConsolidateHooks: true,
		MaxCallStack:     sandbox.DefaultMaxCallStackSize,
		PhaseTimeout:     DefaultPhaseTimeout,
	}
}

// Kind is the configured backend strategy.
func (c *Config) Kind() sandbox.Kind {
	k, err := sandbox.ParseKind(c.Runtime)
	if err != nil {
		return sandbox.KindSafe
	}
	return k
}

// ScriptingOptions turns the configuration into runtime options.
func (c *Config) ScriptingOptions() []scripting.Option {
	return []scripting.Option{
		scripting.WithKind(c.Kind()),
		scripting.WithContextRoots(c.ContextRoots...),
		scripting.WithModuleWhitelist(c.ModuleWhitelist...),
		scripting.WithCacheSize(c.ExprCacheSize),
		scripting.WithContextLines(c.ContextLines),
		scripting.WithMaxCallStackSize(c.MaxCallStack),
		scripting.WithPhaseTimeout(c.PhaseTimeout),
	}
}
