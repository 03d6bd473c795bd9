package flow

import (
	"log/slog"
	"strings"
)

// Render substitutes {key} placeholders in template with values from vars in a single pass.
// "{{" and "}}" produce literal braces. Substituted values are not expanded again.
//
// If the template references a key missing from vars, or its braces do not balance, the raw
// template is returned unchanged.
func Render(template string, vars map[string]string) string {
	out, ok := render(template, vars)
	if !ok {
		return template
	}
	return out
}

func render(template string, vars map[string]string) (string, bool) {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				slog.Debug("flow.Render: unbalanced brace", "offset", i)
				return "", false
			}
			key := template[i+1 : i+1+end]
			if !isIdentifier(key) {
				slog.Debug("flow.Render: malformed placeholder", "placeholder", key)
				return "", false
			}
			val, ok := vars[key]
			if !ok {
				slog.Debug("flow.Render: missing context key", "key", key)
				return "", false
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			slog.Debug("flow.Render: single closing brace", "offset", i)
			return "", false
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
