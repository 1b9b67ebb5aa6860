// Package command expands a manifest's command template into a concrete argv.
//
// The output is always a slice of discrete arguments handed to exec without a
// shell, which is what makes it an injection boundary. No escaping happens here.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	residualRe    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

// Render replaces every {{name}} in each template token with the stringified
// value of args[name]. Missing or nil values render as the empty string, and
// tokens that end up empty are dropped so optional flags vanish cleanly.
func Render(template []string, args map[string]any) []string {
	argv := make([]string, 0, len(template))
	for _, tok := range template {
		out := placeholderRe.ReplaceAllStringFunc(tok, func(m string) string {
			name := placeholderRe.FindStringSubmatch(m)[1]
			return Stringify(args[name])
		})
		out = residualRe.ReplaceAllString(out, "")
		if out == "" {
			continue
		}
		argv = append(argv, out)
	}
	return argv
}

// Stringify converts a scalar argument value to its argv form.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		return strings.Join(x, ",")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Placeholders returns the argument names referenced by a template token.
func Placeholders(tok string) []string {
	matches := placeholderRe.FindAllStringSubmatch(tok, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// HasStrayBraces reports whether tok contains "{{" or "}}" outside a
// well-formed placeholder.
func HasStrayBraces(tok string) bool {
	rest := placeholderRe.ReplaceAllString(tok, "")
	return strings.Contains(rest, "{{") || strings.Contains(rest, "}}")
}
