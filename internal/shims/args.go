package shims

import (
	"math"

	"pkt.systems/bruscript/internal/marshal"
)

func arg(args []any, i int) any {
	if i >= len(args) {
		return marshal.Absent
	}
	return args[i]
}

func argString(args []any, i int) string {
	v := arg(args, i)
	if v == nil || marshal.IsAbsent(v) {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return marshal.Stringify(v)
}

func argInt(args []any, i int, def int64) int64 {
	switch t := arg(args, i).(type) {
	case int64:
		return t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return def
		}
		return int64(t)
	}
	return def
}

func argBool(args []any, i int) bool {
	switch t := arg(args, i).(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	}
	return !marshal.IsAbsent(arg(args, i))
}

func argMap(args []any, i int) map[string]any {
	m, _ := arg(args, i).(map[string]any)
	return m
}
