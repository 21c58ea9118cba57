package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/scripting"
	"pkt.systems/bruscript/internal/shims"
	"pkt.systems/bruscript/internal/vars"
)

func newEvalCmd() *cobra.Command {
	evalCmd := &cobra.Command{
		Use:   "eval [expression]",
		Short: "Evaluate an expression, template or script file in the sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  evalE,
	}
	addLoggingFlags(evalCmd.Flags())
	addScriptingFlags(evalCmd.Flags())
	evalCmd.Flags().Bool("template", false, "Treat the argument as a template literal body")
	evalCmd.Flags().String("file", "", "Run a script file as a pre-request script")
	evalCmd.Flags().StringArray("var", nil, "Bind a runtime variable (key=value)")
	return evalCmd
}

func evalE(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	template, _ := cmd.Flags().GetBool("template")
	varList, _ := cmd.Flags().GetStringArray("var")
	if (file == "") == (len(args) == 0) {
		return errors.New("pass either an expression or --file")
	}

	cfg, err := scriptingConfig(cmd)
	if err != nil {
		return err
	}
	values, err := parseKeyValues("var", varList)
	if err != nil {
		return err
	}
	logger := loggerFromCmd(cmd)
	out := cmd.OutOrStdout()
	rt, err := scripting.New(append(cfg.ScriptingOptions(),
		scripting.WithLogger(logger),
		scripting.WithOnConsoleLog(func(level string, args []any) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = marshal.Stringify(a)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), strings.Join(parts, " "))
		}),
	)...)
	if err != nil {
		return err
	}

	in := scripting.RunInput{
		Vars: &vars.Set{Runtime: vars.FromStrings(values)},
	}
	ctx := cmd.Context()

	if file != "" {
		src, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		abs, _ := filepath.Abs(file)
		in.Phase = shims.PhasePreRequest
		in.Script = string(src)
		in.File = abs
		in.DisplayPath = filepath.Base(file)
		in.CollectionPath = filepath.Dir(abs)
		in.Request = &shims.Request{Method: "GET", Headers: map[string]string{}}
		res, err := rt.Run(ctx, in)
		if err != nil {
			return err
		}
		if res.Err != nil {
			// The error text is the located report.
			return res.Err
		}
		for _, t := range res.Tests {
			fmt.Fprintf(out, "%s %s\n", t.Status, t.Description)
		}
		if res.Value != nil {
			fmt.Fprintln(out, marshal.Stringify(res.Value))
		}
		return nil
	}

	ev, err := rt.NewEvaluator(ctx, in)
	if err != nil {
		return err
	}
	defer ev.Close()
	var v any
	if template {
		v, err = ev.EvalTemplate(ctx, args[0])
	} else {
		v, err = ev.EvalExpression(ctx, args[0])
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, marshal.Stringify(v))
	return err
}
