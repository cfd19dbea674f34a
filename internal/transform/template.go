package transform

import (
	"strconv"
	"strings"

	"github.com/rendis/relay/pkg/schema"
)

// rewriteTemplateLiterals converts backtick template literals into plain
// string concatenation before compilation, e.g.
//
//	`total: ${Math.round(input)}`  ->  ("total: " + string(Math.round(input)))
//
// Backticks inside single- or double-quoted strings are left untouched.
// Nested template literals are rejected.
func rewriteTemplateLiterals(src string) (string, error) {
	if !strings.ContainsRune(src, '`') {
		return src, nil
	}

	var out strings.Builder
	out.Grow(len(src))

	i := 0
	for i < len(src) {
		c := src[i]

		switch c {
		case '\'', '"':
			// Copy quoted strings verbatim, honoring backslash escapes.
			end, err := skipQuoted(src, i)
			if err != nil {
				return "", err
			}
			out.WriteString(src[i:end])
			i = end

		case '`':
			rewritten, end, err := rewriteLiteral(src, i)
			if err != nil {
				return "", err
			}
			out.WriteString(rewritten)
			i = end

		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String(), nil
}

// rewriteLiteral rewrites one backtick literal starting at src[start] == '`'.
// Returns the replacement expression and the index just past the closing backtick.
func rewriteLiteral(src string, start int) (string, int, error) {
	var parts []string
	var text strings.Builder

	flushText := func() {
		if text.Len() > 0 {
			parts = append(parts, strconv.Quote(text.String()))
			text.Reset()
		}
	}

	i := start + 1
	for i < len(src) {
		switch {
		case src[i] == '`':
			flushText()
			if len(parts) == 0 {
				return `""`, i + 1, nil
			}
			return "(" + strings.Join(parts, " + ") + ")", i + 1, nil

		case src[i] == '\\' && i+1 < len(src):
			text.WriteByte(src[i+1])
			i += 2

		case src[i] == '$' && i+1 < len(src) && src[i+1] == '{':
			inner, end, err := extractPlaceholder(src, i+2)
			if err != nil {
				return "", 0, err
			}
			if strings.ContainsRune(inner, '`') {
				return "", 0, schema.NewError(schema.ErrCodeTransform,
					"nested template literals are not supported")
			}
			flushText()
			parts = append(parts, "string("+inner+")")
			i = end

		default:
			text.WriteByte(src[i])
			i++
		}
	}

	return "", 0, schema.NewError(schema.ErrCodeTransform, "unterminated template literal")
}

// extractPlaceholder returns the expression inside ${...} starting just past
// the opening brace, and the index just past the closing brace. Braces nest
// (JSON.stringify({...}) is legal inside a placeholder).
func extractPlaceholder(src string, start int) (string, int, error) {
	depth := 1
	for i := start; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				inner := strings.TrimSpace(src[start:i])
				if inner == "" {
					return "", 0, schema.NewError(schema.ErrCodeTransform,
						"empty ${} placeholder in template literal")
				}
				return inner, i + 1, nil
			}
		}
	}
	return "", 0, schema.NewError(schema.ErrCodeTransform, "unclosed ${ in template literal")
}

// skipQuoted returns the index just past a quoted string starting at src[start].
func skipQuoted(src string, start int) (int, error) {
	quote := src[start]
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case quote:
			return i + 1, nil
		}
	}
	return 0, schema.NewErrorf(schema.ErrCodeTransform, "unterminated %c-quoted string", quote)
}
