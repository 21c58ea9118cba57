package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"pkt.systems/pslog"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bruscript",
		Short:         "Run Bruno .bru requests with their scripts and hooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromFlags(cmd.Flags(), os.Stdout)
			if err != nil {
				return err
			}
			cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
			return nil
		},
	}

	addLoggingFlags(root.PersistentFlags())
	root.AddCommand(newRunCmd())
	root.AddCommand(newEvalCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loggerFromCmd(cmd *cobra.Command) pslog.Logger {
	if cmd == nil {
		return pslog.NewWithOptions(os.Stdout, pslog.Options{MinLevel: pslog.InfoLevel})
	}
	if logger := pslog.LoggerFromContext(cmd.Context()); logger != nil {
		return logger
	}
	// Subcommands executed directly (tests) never ran the root pre-run.
	logger, err := loggerFromFlags(cmd.Flags(), os.Stdout)
	if err != nil {
		return pslog.NewWithOptions(os.Stdout, pslog.Options{MinLevel: pslog.InfoLevel})
	}
	return logger
}

func loggerFromFlags(flags *pflag.FlagSet, w io.Writer) (pslog.Logger, error) {
	structured, _ := flags.GetBool("structured")
	levelStr, _ := flags.GetString("log-level")
	caller, _ := flags.GetBool("log-caller")
	levelFlagSet := flags.Lookup("log-level") != nil && flags.Lookup("log-level").Changed
	return newLogger(structured, levelStr, levelFlagSet, caller, w)
}

func addLoggingFlags(flags *pflag.FlagSet) {
	if flags.Lookup("log-level") == nil {
		flags.String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	}
	if flags.Lookup("structured") == nil {
		flags.Bool("structured", false, "Emit structured JSON logs")
	}
	if flags.Lookup("log-caller") == nil {
		flags.Bool("log-caller", false, "Include caller function name on each log line")
	}
}

// addScriptingFlags registers the script runtime flags. Unset flags keep
// the BRUSCRIPT_* environment defaults.
func addScriptingFlags(flags *pflag.FlagSet) {
	flags.String("runtime", "", "Script runtime: safe|developer (default from BRUSCRIPT_RUNTIME)")
	flags.StringSlice("context-root", nil, "Directory scripts may require local modules from (developer runtime)")
	flags.StringSlice("module-whitelist", nil, "Glob patterns of additional modules scripts may require")
	flags.Duration("phase-timeout", 0, "Longest a single script may run, 0 for no limit (default from BRUSCRIPT_PHASE_TIMEOUT)")
}
