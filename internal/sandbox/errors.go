package sandbox

import (
	"errors"
	"regexp"
	"strconv"

	"github.com/dop251/goja"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/scripterr"
)

var syntaxPosPattern = regexp.MustCompile(`Line (\d+):(\d+) (.*)`)

func compileError(err error, name string, offset int, kind Kind) error {
	ce := &scripterr.CompileError{File: name, Message: err.Error(), Offset: offset, Backend: string(kind)}
	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		ce.Message = se.Message
		if se.File != nil {
			pos := se.File.Position(se.Offset)
			ce.Line, ce.Column = pos.Line, pos.Column
			return ce
		}
	}
	if m := syntaxPosPattern.FindStringSubmatch(ce.Message); m != nil {
		ce.Line, _ = strconv.Atoi(m[1])
		ce.Column, _ = strconv.Atoi(m[2])
		ce.Message = m[3]
	}
	return ce
}

// runtimeError converts an error returned by goja into a RuntimeError.
func (b *gojaBackend) runtimeError(err error, offset int) error {
	re := &scripterr.RuntimeError{Offset: offset, Backend: string(b.cfg.Kind)}
	var (
		ex *goja.Exception
		so *goja.StackOverflowError
		ie *goja.InterruptedError
	)
	switch {
	case errors.As(err, &so):
		re.Name = "RangeError"
		re.Message = "Maximum call stack size exceeded"
		re.Stack = so.String()
		re.CallSites = callSites(so.Stack())
	case errors.As(err, &ie):
		re.Name = "InterruptedError"
		re.Message = ie.Error()
		re.Stack = ie.String()
		re.CallSites = callSites(ie.Stack())
	case errors.As(err, &ex):
		b.describe(re, ex.Value())
		if re.Stack == "" {
			re.Stack = ex.String()
		}
		re.CallSites = callSites(ex.Stack())
		re.Cause = ex.Unwrap()
	default:
		re.Name = "Error"
		re.Message = err.Error()
		re.Cause = err
	}
	return re
}

// rejection converts the reason of a rejected wrapper promise.
func (b *gojaBackend) rejection(reason goja.Value, offset int) error {
	re := &scripterr.RuntimeError{Offset: offset, Backend: string(b.cfg.Kind)}
	b.describe(re, reason)
	if obj, ok := reason.(*goja.Object); ok {
		re.CallSites = parseStack(re.Stack)
		if v := obj.Get("value"); v != nil {
			if cause, ok := v.Export().(error); ok {
				re.Cause = cause
			}
		}
	}
	return re
}

func (b *gojaBackend) describe(re *scripterr.RuntimeError, val goja.Value) {
	obj, ok := val.(*goja.Object)
	if !ok || val == nil {
		re.Name = "Error"
		if val != nil && !goja.IsUndefined(val) {
			re.Message = val.String()
		}
		return
	}
	re.Name = stringProp(obj, "name")
	if re.Name == "" {
		re.Name = "Error"
	}
	re.Message = stringProp(obj, "message")
	if obj.ClassName() != "Error" && re.Message == "" {
		re.Message = marshal.Stringify(b.fromSandbox(obj))
	}
	re.Stack = stringProp(obj, "stack")
	if v := obj.Get("actual"); v != nil && !goja.IsUndefined(v) {
		re.Actual = b.fromSandbox(v)
	}
	if v := obj.Get("expected"); v != nil && !goja.IsUndefined(v) {
		re.Expected = b.fromSandbox(v)
	}
}

func stringProp(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func callSites(frames []goja.StackFrame) []scripterr.CallSite {
	out := make([]scripterr.CallSite, 0, len(frames))
	for i := range frames {
		pos := frames[i].Position()
		out = append(out, scripterr.CallSite{
			Function: frames[i].FuncName(),
			File:     frames[i].SrcName(),
			Line:     pos.Line,
			Column:   pos.Column,
		})
	}
	return out
}

var stackLinePattern = regexp.MustCompile(`at (?:(.+?) \()?((?:[A-Za-z]:)?[^:()\s]+):(\d+):(\d+)(?:\(\d+\))?\)?`)

// parseStack extracts call sites from a goja stack string.
func parseStack(stack string) []scripterr.CallSite {
	var out []scripterr.CallSite
	for _, m := range stackLinePattern.FindAllStringSubmatch(stack, -1) {
		line, _ := strconv.Atoi(m[3])
		col, _ := strconv.Atoi(m[4])
		out = append(out, scripterr.CallSite{Function: m[1], File: m[2], Line: line, Column: col})
	}
	return out
}
