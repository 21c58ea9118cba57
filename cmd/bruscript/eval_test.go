package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func execEval(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newEvalCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestEvalExpressionSeesVars(t *testing.T) {
	out, err := execEval(t, "--var", "count=41", "Number(count) + 1")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if out != "42" {
		t.Fatalf("out = %q", out)
	}
}

func TestEvalTemplate(t *testing.T) {
	out, err := execEval(t, "--template", "--var", "name=ada", "hello ${name}")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if out != "hello ada" {
		t.Fatalf("out = %q", out)
	}
}

func TestEvalFileReportsLocation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "boom.js", "const a = 1;\nthrow new Error(\"kaput\");\n")
	_, err := execEval(t, "--file", path)
	if err == nil {
		t.Fatalf("expected script error")
	}
	if msg := err.Error(); !strings.Contains(msg, "kaput") {
		t.Fatalf("error lost the message: %q", msg)
	}
}

func TestEvalRequiresExactlyOneSource(t *testing.T) {
	if _, err := execEval(t); err == nil {
		t.Fatalf("expected error without input")
	}
	if _, err := execEval(t, "--file", filepath.Join(t.TempDir(), "x.js"), "1+1"); err == nil {
		t.Fatalf("expected error with both inputs")
	}
}
