package hooks

import "strings"

// StripComments removes // and /* */ comments from JavaScript source while
// keeping every newline, so line numbers stay stable. String, template and
// regular expression literals are left untouched.
func StripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	var (
		templateDepth []int // brace depth at each open ${ inside templates
		braceDepth    int
		prev          byte // last significant (non-space) byte emitted
	)
	n := len(src)
	for i := 0; i < n; i++ {
		c := src[i]
		switch {
		case c == '/' && i+1 < n && src[i+1] == '/':
			for i < n && src[i] != '\n' {
				i++
			}
			if i < n {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			i += 2
			for i < n && !(src[i] == '*' && i+1 < n && src[i+1] == '/') {
				if src[i] == '\n' {
					b.WriteByte('\n')
				}
				i++
			}
			i++
		case c == '\'' || c == '"':
			end := skipString(src, i, c)
			b.WriteString(src[i:end])
			i = end - 1
			prev = c
		case c == '`':
			i = copyTemplate(&b, src, i, &templateDepth, braceDepth)
			prev = '`'
		case c == '/' && regexAllowed(prev):
			end := skipRegex(src, i)
			b.WriteString(src[i:end])
			i = end - 1
			prev = '/'
		case c == '}' && len(templateDepth) > 0 && templateDepth[len(templateDepth)-1] == braceDepth:
			// Closes a ${ } substitution: resume the template literal.
			templateDepth = templateDepth[:len(templateDepth)-1]
			b.WriteByte('}')
			i = copyTemplateTail(&b, src, i+1, &templateDepth, braceDepth)
			prev = '`'
		default:
			switch c {
			case '{':
				braceDepth++
			case '}':
				braceDepth--
			}
			b.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				prev = c
			}
		}
	}
	return b.String()
}

func skipString(src string, i int, quote byte) int {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote, '\n':
			return j + 1
		}
	}
	return len(src)
}

// copyTemplate copies a template literal starting at the opening backtick.
// It returns the index of the last byte consumed.
func copyTemplate(b *strings.Builder, src string, i int, depth *[]int, braces int) int {
	b.WriteByte('`')
	return copyTemplateTail(b, src, i+1, depth, braces)
}

func copyTemplateTail(b *strings.Builder, src string, j int, depth *[]int, braces int) int {
	for ; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '\\' && j+1 < len(src):
			b.WriteByte(c)
			b.WriteByte(src[j+1])
			j++
		case c == '`':
			b.WriteByte(c)
			return j
		case c == '$' && j+1 < len(src) && src[j+1] == '{':
			b.WriteString("${")
			*depth = append(*depth, braces)
			return j + 1
		default:
			b.WriteByte(c)
		}
	}
	return len(src) - 1
}

func regexAllowed(prev byte) bool {
	if prev == 0 {
		return true
	}
	return strings.IndexByte("(,=:[!&|?{};+-*%<>~^", prev) >= 0
}

func skipRegex(src string, i int) int {
	inClass := false
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '\n':
			return j
		case '/':
			if !inClass {
				j++
				for j < len(src) && isIdentByte(src[j]) {
					j++
				}
				return j
			}
		}
	}
	return len(src)
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
