package config

import (
	"testing"
	"time"

	"pkt.systems/bruscript/internal/sandbox"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Runtime != def.Runtime || cfg.ExprCacheSize != def.ExprCacheSize || cfg.ContextLines != def.ContextLines || !cfg.ConsolidateHooks || cfg.MaxCallStack != def.MaxCallStack || cfg.PhaseTimeout != def.PhaseTimeout {
		t.Fatalf("defaults differ: %+v vs %+v", cfg, def)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BRUSCRIPT_RUNTIME", "nodevm")
	t.Setenv("BRUSCRIPT_CONTEXT_ROOTS", "/srv/a,/srv/b")
	t.Setenv("BRUSCRIPT_MODULE_WHITELIST", "lodash,@acme/*")
	t.Setenv("BRUSCRIPT_EXPR_CACHE_SIZE", "8")
	t.Setenv("BRUSCRIPT_CONSOLIDATE_HOOKS", "false")
	t.Setenv("BRUSCRIPT_PHASE_TIMEOUT", "1500ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Kind() != sandbox.KindDeveloper {
		t.Fatalf("kind = %s", cfg.Kind())
	}
	if len(cfg.ContextRoots) != 2 || cfg.ContextRoots[1] != "/srv/b" {
		t.Fatalf("roots = %#v", cfg.ContextRoots)
	}
	if len(cfg.ModuleWhitelist) != 2 || cfg.ModuleWhitelist[1] != "@acme/*" {
		t.Fatalf("whitelist = %#v", cfg.ModuleWhitelist)
	}
	if cfg.ExprCacheSize != 8 || cfg.ConsolidateHooks || cfg.PhaseTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if n := len(cfg.ScriptingOptions()); n != 7 {
		t.Fatalf("options = %d", n)
	}
}

func TestLoadRejectsUnknownRuntime(t *testing.T) {
	t.Setenv("BRUSCRIPT_RUNTIME", "v8")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
	if cfg := LoadOrDefault(); cfg.Kind() != sandbox.KindSafe {
		t.Fatalf("fallback kind = %s", cfg.Kind())
	}
}
