package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/bruscript"
	"pkt.systems/bruscript/internal/config"
	"pkt.systems/bruscript/internal/sandbox"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [folder|file]",
		Short: "Execute .bru files",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runE,
	}

	addLoggingFlags(runCmd.Flags())
	addScriptingFlags(runCmd.Flags())
	runCmd.Flags().String("env", "", "Path to environment .bru file")
	runCmd.Flags().StringArray("var", nil, "Override variable (key=value)")
	runCmd.Flags().StringArray("env-var", nil, "Override environment variable (alias for --var)")
	runCmd.Flags().StringArray("global-var", nil, "Seed a global environment variable (key=value)")
	runCmd.Flags().StringSlice("tags", nil, "Only run cases with these tags")
	runCmd.Flags().StringSlice("exclude-tags", nil, "Skip cases with these tags")
	runCmd.Flags().StringSlice("include", nil, "Only run files matching these glob patterns (relative to the collection root)")
	runCmd.Flags().Bool("tests-only", false, "Only run cases that define tests or asserts")
	runCmd.Flags().Int("delay", 0, "Delay between requests (ms)")
	runCmd.Flags().Bool("bail", false, "Stop after first failure")
	runCmd.Flags().BoolP("recursive", "r", false, "Recurse into subfolders (Bru default: false)")
	runCmd.Flags().Int("timeout", 15, "Per-request timeout seconds")
	runCmd.Flags().Bool("consolidate-hooks", true, "Run the hook scripts of all levels in one sandbox")
	runCmd.Flags().StringP("output", "o", "", "Write summary to file (see --format)")
	runCmd.Flags().StringP("format", "f", "json", "Output format: json|junit|html")
	runCmd.Flags().String("reporter-json", "", "Write JSON report to path")
	runCmd.Flags().String("reporter-junit", "", "Write JUnit XML report to path")
	runCmd.Flags().String("reporter-html", "", "Write HTML report to path")
	runCmd.Flags().String("csv-file-path", "", "Path to CSV dataset for data-driven iterations")
	runCmd.Flags().String("json-file-path", "", "Path to JSON dataset for data-driven iterations")
	runCmd.Flags().Int("iteration-count", 0, "Execute collection this many times (default 1)")
	runCmd.Flags().Bool("parallel", false, "Run requests in parallel")
	runCmd.Flags().Bool("reporter-skip-all-headers", false, "Omit headers from reporter outputs")
	runCmd.Flags().StringSlice("reporter-skip-headers", nil, "Skip specific headers (case-insensitive) from reporter outputs")
	runCmd.Flags().Bool("insecure", false, "Skip TLS verification")
	runCmd.Flags().String("cacert", "", "Path to custom CA certificate (PEM)")
	runCmd.Flags().Bool("ignore-truststore", false, "Use only the provided CA certificate")
	runCmd.Flags().String("client-cert-config", "", "Path to client certificate config JSON {\"cert\":\"\",\"key\":\"\"}")
	runCmd.Flags().Bool("noproxy", false, "Disable proxy (ignore environment)")
	runCmd.Flags().Bool("disable-cookies", false, "Do not store/send cookies between requests")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")

	return runCmd
}

func newLogger(structured bool, level string, flagSet bool, caller bool, w io.Writer) (pslog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	opts := pslog.Options{CallerKeyval: caller}
	if structured {
		opts.Mode = pslog.ModeStructured
	}
	logger := pslog.NewWithOptions(w, opts).LogLevel(pslog.InfoLevel)

	if flagSet {
		if lvl, ok := pslog.ParseLevel(level); ok {
			return logger.LogLevel(lvl), nil
		}
		return nil, fmt.Errorf("unknown level %q", level)
	}

	if lvl, ok := pslog.LevelFromEnv("LOG_LEVEL"); ok {
		return logger.LogLevel(lvl), nil
	}
	if lvl, ok := pslog.ParseLevel(level); ok {
		return logger.LogLevel(lvl), nil
	}
	return logger, nil
}

// scriptingConfig layers the scripting flags over the environment
// configuration.
func scriptingConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if f := flags.Lookup("runtime"); f != nil && f.Changed {
		if _, err := sandbox.ParseKind(f.Value.String()); err != nil {
			return nil, err
		}
		cfg.Runtime = f.Value.String()
	}
	if f := flags.Lookup("context-root"); f != nil && f.Changed {
		roots, _ := flags.GetStringSlice("context-root")
		cfg.ContextRoots = roots
	}
	if f := flags.Lookup("module-whitelist"); f != nil && f.Changed {
		patterns, _ := flags.GetStringSlice("module-whitelist")
		cfg.ModuleWhitelist = patterns
	}
	if f := flags.Lookup("phase-timeout"); f != nil && f.Changed {
		cfg.PhaseTimeout, _ = flags.GetDuration("phase-timeout")
	}
	if f := flags.Lookup("consolidate-hooks"); f != nil && f.Changed {
		cfg.ConsolidateHooks, _ = flags.GetBool("consolidate-hooks")
	}
	return cfg, nil
}

func parseKeyValues(flag string, list []string) (map[string]string, error) {
	out := map[string]string{}
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q (want key=value)", flag, kv)
		}
		out[k] = v
	}
	return out, nil
}

func runE(cmd *cobra.Command, args []string) error {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	envPath, _ := cmd.Flags().GetString("env")
	varsList, _ := cmd.Flags().GetStringArray("var")
	envVarList, _ := cmd.Flags().GetStringArray("env-var")
	globalList, _ := cmd.Flags().GetStringArray("global-var")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	exclude, _ := cmd.Flags().GetStringSlice("exclude-tags")
	include, _ := cmd.Flags().GetStringSlice("include")
	testsOnly, _ := cmd.Flags().GetBool("tests-only")
	delayMS, _ := cmd.Flags().GetInt("delay")
	bail, _ := cmd.Flags().GetBool("bail")
	recursive, _ := cmd.Flags().GetBool("recursive")
	csvPath, _ := cmd.Flags().GetString("csv-file-path")
	jsonPath, _ := cmd.Flags().GetString("json-file-path")
	iterCount, _ := cmd.Flags().GetInt("iteration-count")
	parallel, _ := cmd.Flags().GetBool("parallel")
	output, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")
	reportJSON, _ := cmd.Flags().GetString("reporter-json")
	reportJUnit, _ := cmd.Flags().GetString("reporter-junit")
	reportHTML, _ := cmd.Flags().GetString("reporter-html")
	reportSkipAll, _ := cmd.Flags().GetBool("reporter-skip-all-headers")
	reportSkip, _ := cmd.Flags().GetStringSlice("reporter-skip-headers")
	timeoutSec, _ := cmd.Flags().GetInt("timeout")
	insecure, _ := cmd.Flags().GetBool("insecure")
	cacert, _ := cmd.Flags().GetString("cacert")
	ignoreTS, _ := cmd.Flags().GetBool("ignore-truststore")
	clientCertPath, _ := cmd.Flags().GetString("client-cert-config")
	noProxy, _ := cmd.Flags().GetBool("noproxy")
	disableCookies, _ := cmd.Flags().GetBool("disable-cookies")
	noColor, _ := cmd.Flags().GetBool("no-color")

	logger := loggerFromCmd(cmd)

	if csvPath != "" && jsonPath != "" {
		return fmt.Errorf("choose either --csv-file-path or --json-file-path")
	}
	if iterCount < 0 {
		return fmt.Errorf("iteration-count must be >= 0, got %d", iterCount)
	}

	// --env local resolves to environments/local.bru
	if envPath != "" {
		if !strings.Contains(envPath, string(os.PathSeparator)) && !strings.HasSuffix(envPath, ".bru") {
			envPath = filepath.Join("environments", envPath+".bru")
		}
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("env file not found: %w", err)
		}
	}

	vars, err := parseKeyValues("var", append(varsList, envVarList...))
	if err != nil {
		return err
	}
	globals, err := parseKeyValues("global-var", globalList)
	if err != nil {
		return err
	}

	cfg, err := scriptingConfig(cmd)
	if err != nil {
		return err
	}

	httpClient, err := buildHTTPClient(insecure, cacert, ignoreTS, clientCertPath, noProxy, disableCookies)
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := bruscript.New(ctx,
		bruscript.WithLogger(logger),
		bruscript.WithHTTPClient(httpClient),
		bruscript.WithTimeout(time.Duration(timeoutSec)*time.Second),
		bruscript.WithConfig(cfg),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	opts := bruscript.RunOptions{
		EnvPath:                envPath,
		Vars:                   vars,
		GlobalVars:             globals,
		Tags:                   tags,
		ExcludeTags:            exclude,
		Include:                include,
		TestsOnly:              testsOnly,
		Bail:                   bail,
		CSVFilePath:            csvPath,
		JSONFilePath:           jsonPath,
		IterationCount:         iterCount,
		Parallel:               parallel,
		Delay:                  time.Duration(delayMS) * time.Millisecond,
		OutputPath:             output,
		OutputFormat:           format,
		ReporterJSON:           reportJSON,
		ReporterJUnit:          reportJUnit,
		ReporterHTML:           reportHTML,
		ReporterSkipAllHeaders: reportSkipAll,
		ReporterSkipHeaders:    reportSkip,
		Recursive:              recursive,
		RecursiveSet:           true,
	}
	if timeoutSec > 0 {
		opts.Timeout = time.Duration(timeoutSec) * time.Second
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat %s: %w", target, err)
	}
	var summary bruscript.RunSummary
	if info.IsDir() || csvPath != "" || jsonPath != "" || iterCount > 1 || parallel {
		summary, err = r.RunFolder(ctx, target, opts)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
	} else {
		res, err := r.RunFile(ctx, target, opts)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		summary = bruscript.RunSummary{
			Cases:        []bruscript.CaseResult{res},
			Total:        1,
			Passed:       boolToInt(res.Passed && !res.Skipped),
			Failed:       boolToInt(!res.Passed && !res.Skipped),
			Skipped:      boolToInt(res.Skipped),
			TotalElapsed: res.Duration,
		}
	}
	if err := writeOutputs(opts, summary); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	newSummaryPrinter(cmd.OutOrStdout(), noColor).print(summary)
	logCases(summary, logger)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d case(s) failed", summary.Failed, summary.Total)
	}
	return nil
}

func buildHTTPClient(insecure bool, cacert string, ignoreTS bool, clientCertPath string, noProxy bool, disableCookies bool) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure} //nolint:gosec // user opted in

	if cacert != "" {
		pemData, err := os.ReadFile(cacert)
		if err != nil {
			return nil, fmt.Errorf("read cacert: %w", err)
		}
		var pool *x509.CertPool
		if ignoreTS {
			pool = x509.NewCertPool()
		} else {
			pool, err = x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
		}
		if ok := pool.AppendCertsFromPEM(pemData); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		tlsConfig.RootCAs = pool
	}

	if clientCertPath != "" {
		cfgBytes, err := os.ReadFile(clientCertPath)
		if err != nil {
			return nil, fmt.Errorf("read client-cert-config: %w", err)
		}
		certPath, keyPath, err := parseClientCertConfig(clientCertPath, cfgBytes)
		if err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	tr := &http.Transport{TLSClientConfig: tlsConfig}
	if !noProxy {
		tr.Proxy = http.ProxyFromEnvironment
	}

	client := &http.Client{Transport: tr}
	if !disableCookies {
		if jar, err := cookiejar.New(nil); err == nil {
			client.Jar = jar
		}
	}
	return client, nil
}

func parseClientCertConfig(configPath string, raw []byte) (certPath, keyPath string, err error) {
	var simple struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(raw, &simple); err == nil && simple.Cert != "" && simple.Key != "" {
		return resolveRelative(configPath, simple.Cert), resolveRelative(configPath, simple.Key), nil
	}
	// {enabled, certs:[{domain,type,certFilePath,keyFilePath}]}
	var bru struct {
		Certs []struct {
			Type         string `json:"type"`
			CertFilePath string `json:"certFilePath"`
			KeyFilePath  string `json:"keyFilePath"`
		} `json:"certs"`
	}
	if err := json.Unmarshal(raw, &bru); err == nil {
		for _, c := range bru.Certs {
			ctype := strings.ToLower(c.Type)
			if (ctype == "" || ctype == "cert") && c.CertFilePath != "" && c.KeyFilePath != "" {
				return resolveRelative(configPath, c.CertFilePath), resolveRelative(configPath, c.KeyFilePath), nil
			}
		}
	}
	return "", "", fmt.Errorf("client-cert-config requires cert/key")
}

func resolveRelative(cfgPath, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(cfgPath), target)
}

// logCases writes diagnostics that the summary leaves out.
func logCases(sum bruscript.RunSummary, logger pslog.Base) {
	for _, c := range sum.Cases {
		for _, line := range c.Console {
			logger.Debug("console", "file", c.FilePath, "msg", line)
		}
		for _, h := range c.HookErrors {
			logger.Warn("hook failed", "file", c.FilePath, "err", h)
		}
	}
	for _, h := range sum.HookErrors {
		logger.Warn("run hook failed", "err", h)
	}
	if sum.Stopped {
		logger.Info("execution stopped by script")
	}
	logger.Info("summary", "total", sum.Total, "passed", sum.Passed, "failed", sum.Failed, "skipped", sum.Skipped, "elapsed", sum.TotalElapsed.String())
}

func writeOutputs(opts bruscript.RunOptions, sum bruscript.RunSummary) error {
	sum = bruscript.FilterReportHeaders(sum, opts)
	if opts.OutputPath != "" {
		if err := bruscript.WriteReport(opts.OutputFormat, opts.OutputPath, sum); err != nil {
			return err
		}
	}
	if opts.ReporterJSON != "" {
		if err := bruscript.WriteReportJSON(opts.ReporterJSON, sum); err != nil {
			return err
		}
	}
	if opts.ReporterJUnit != "" {
		if err := bruscript.WriteReportJUnit(opts.ReporterJUnit, sum); err != nil {
			return err
		}
	}
	if opts.ReporterHTML != "" {
		if err := bruscript.WriteReportHTML(opts.ReporterHTML, sum); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
