package runner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
)

// environment is a parsed environments/<name>.bru file.
type environment struct {
	name string
	vars map[string]string
	// secrets lists names declared in vars:secret; their values are never
	// stored in the file.
	secrets []string
}

// loadEnv parses an env .bru file containing vars { key: value } and an
// optional vars:secret [ a, b ] list.
func loadEnv(ctx context.Context, path string) (environment, error) {
	env := environment{vars: map[string]string{}}
	if path == "" {
		return env, nil
	}
	env.name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	f, err := os.Open(path)
	if err != nil {
		return environment{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	const (
		outside = iota
		inVars
		inSecrets
	)
	state := outside
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return environment{}, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		switch state {
		case outside:
			switch {
			case strings.HasPrefix(line, "vars:secret"):
				rest := strings.TrimSpace(strings.TrimPrefix(line, "vars:secret"))
				rest = strings.TrimPrefix(rest, "[")
				if before, ok := strings.CutSuffix(rest, "]"); ok {
					env.secrets = append(env.secrets, secretNames(before)...)
					continue
				}
				env.secrets = append(env.secrets, secretNames(rest)...)
				state = inSecrets
			case strings.HasPrefix(line, "vars"):
				state = inVars
			}
		case inVars:
			if line == "}" {
				state = outside
				continue
			}
			key, val, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			if strings.HasPrefix(key, "~") {
				continue
			}
			env.vars[key] = strings.TrimSuffix(strings.TrimSpace(val), ",")
		case inSecrets:
			before, done := strings.CutSuffix(line, "]")
			env.secrets = append(env.secrets, secretNames(before)...)
			if done {
				state = outside
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return environment{}, err
	}
	return env, nil
}

func secretNames(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" && !strings.HasPrefix(n, "~") {
			out = append(out, n)
		}
	}
	return out
}
