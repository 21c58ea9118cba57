package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"pkt.systems/bruscript"
	"pkt.systems/bruscript/internal/assert"
)

type colorFn func(format string, a ...any) string

type summaryPrinter struct {
	w     io.Writer
	green colorFn
	red   colorFn
	dim   colorFn
	bold  colorFn
}

func newSummaryPrinter(w io.Writer, noColor bool) *summaryPrinter {
	mk := func(attrs ...color.Attribute) colorFn {
		c := color.New(attrs...)
		if noColor {
			c.DisableColor()
		}
		return c.SprintfFunc()
	}
	return &summaryPrinter{
		w:     w,
		green: mk(color.FgGreen),
		red:   mk(color.FgRed, color.Bold),
		dim:   mk(color.Faint),
		bold:  mk(color.Bold),
	}
}

func (p *summaryPrinter) print(sum bruscript.RunSummary) {
	for _, c := range sum.Cases {
		p.printCase(c)
	}
	fmt.Fprintln(p.w)
	status := p.green("%d passed", sum.Passed)
	if sum.Failed > 0 {
		status = p.red("%d failed", sum.Failed) + ", " + status
	}
	if sum.Skipped > 0 {
		status += ", " + p.dim("%d skipped", sum.Skipped)
	}
	fmt.Fprintf(p.w, "%s %s (%d total, %s)\n", p.bold("Requests:"), status, sum.Total, sum.TotalElapsed.Round(time.Millisecond))
	if sum.Stopped {
		fmt.Fprintln(p.w, p.dim("execution stopped by script"))
	}
}

func (p *summaryPrinter) printCase(c bruscript.CaseResult) {
	switch {
	case c.Skipped:
		fmt.Fprintf(p.w, "%s %s %s\n", p.dim("-"), c.Name, p.dim("(skipped)"))
		return
	case c.Passed:
		fmt.Fprintf(p.w, "%s %s %s\n", p.green("✓"), c.Name, p.dim("(%d %s)", c.Status, c.Duration.Round(time.Millisecond)))
	default:
		fmt.Fprintf(p.w, "%s %s %s\n", p.red("✗"), c.Name, p.dim("(%s)", c.FilePath))
	}
	for _, a := range c.Assertions {
		mark := p.green("✓")
		if a.Status != assert.StatusPass {
			mark = p.red("✗")
		}
		fmt.Fprintf(p.w, "    %s assert: %s %s\n", mark, a.LHSExpr, a.RHSExpr)
		if a.Error != "" {
			fmt.Fprintf(p.w, "      %s\n", p.red("%s", a.Error))
		}
	}
	for _, t := range c.Tests {
		mark := p.green("✓")
		if t.Status != assert.StatusPass {
			mark = p.red("✗")
		}
		fmt.Fprintf(p.w, "    %s %s\n", mark, t.Description)
		if t.Error != "" {
			fmt.Fprintf(p.w, "      %s\n", p.red("%s", t.Error))
		}
	}
	if c.ErrorText != "" {
		for _, line := range strings.Split(c.ErrorText, "\n") {
			fmt.Fprintf(p.w, "    %s\n", p.red("%s", line))
		}
	}
}
