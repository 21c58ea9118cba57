package assert

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"pkt.systems/bruscript/internal/marshal"
)

// inspect renders v the way chai prints values in failure messages.
func inspect(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + t + "'"
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return formatFloat(t)
	case []any:
		if len(t) == 0 {
			return "[]"
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = inspect(e)
		}
		return "[ " + strings.Join(parts, ", ") + " ]"
	case map[string]any:
		if len(t) == 0 {
			return "{}"
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + inspect(t[k])
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	}
	if marshal.IsAbsent(v) {
		return "undefined"
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// number returns v as float64 when it is a sandbox number.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

// strictEqual mirrors ===: numbers compare by value, composites never match.
func strictEqual(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch a.(type) {
	case []any, map[string]any:
		return false
	}
	if marshal.IsAbsent(a) || marshal.IsAbsent(b) {
		return marshal.IsAbsent(a) && marshal.IsAbsent(b)
	}
	return a == b
}

// jsLength counts UTF-16 code units like String.prototype.length.
func jsLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// jsString converts v the way String(v) would.
func jsString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case float64:
		return formatFloat(t)
	}
	if marshal.IsAbsent(v) {
		return "undefined"
	}
	return marshal.Stringify(v)
}
