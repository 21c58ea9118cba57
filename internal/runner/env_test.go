package runner

import (
	"context"
	"slices"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "environments/staging.bru", `vars {
  baseUrl: https://staging.example.test
  ~disabled: nope
  retries: 3,
}

vars:secret [
  apiKey,
  token
]
`)
	env, err := loadEnv(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if env.name != "staging" {
		t.Fatalf("name = %q", env.name)
	}
	if env.vars["baseUrl"] != "https://staging.example.test" || env.vars["retries"] != "3" {
		t.Fatalf("vars = %v", env.vars)
	}
	if _, ok := env.vars["~disabled"]; ok {
		t.Fatalf("disabled var kept: %v", env.vars)
	}
	if !slices.Equal(env.secrets, []string{"apiKey", "token"}) {
		t.Fatalf("secrets = %v", env.secrets)
	}
}

func TestLoadEnvInlineSecrets(t *testing.T) {
	path := writeFile(t, t.TempDir(), "local.bru", "vars:secret [ a, b ]\n")
	env, err := loadEnv(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(env.secrets, []string{"a", "b"}) {
		t.Fatalf("secrets = %v", env.secrets)
	}
}

func TestOpenCollectionSecretsComeFromVars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bruno.json", `{"name": "Shop API"}`)
	envPath := writeFile(t, dir, "environments/dev.bru", "vars {\n  host: localhost\n}\n\nvars:secret [ apiKey ]\n")
	col, err := openCollection(context.Background(), dir, RunOptions{EnvPath: envPath, Vars: map[string]string{"apiKey": "s3cr3t"}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if col.name != "Shop API" || col.envName != "dev" {
		t.Fatalf("collection = %q env = %q", col.name, col.envName)
	}
	if v, _ := col.secret.Lookup("apiKey"); v != "s3cr3t" {
		t.Fatalf("secret = %v", v)
	}
	if v, _ := col.env.Lookup("host"); v != "localhost" {
		t.Fatalf("host = %v", v)
	}
}
