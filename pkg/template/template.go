// Package template renders personalized outbound message content.
package template

import (
	"fmt"
	"strings"
	"text/template"
)

const marker = "{{"

// NeedsTemplating reports whether s contains template actions.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, marker)
}

// Render executes templateStr against data. Missing keys render as empty
// strings. There are no clock or random functions, so output only depends on
// its inputs.
func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("message").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"title": title,
			"default": func(fallback string, value any) string {
				s := fmt.Sprint(value)
				if value == nil || s == "" || s == "<no value>" {
					return fallback
				}

				return s
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// RenderContent returns a copy of content with every templated string value
// rendered against data. Values that fail to render are kept as authored.
func RenderContent(content map[string]any, data any) map[string]any {
	if content == nil {
		return nil
	}

	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = renderValue(v, data)
	}

	return out
}

func renderValue(value any, data any) any {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v
		}

		rendered, err := Render(v, data)
		if err != nil {
			return v
		}

		return rendered
	case map[string]any:
		return RenderContent(v, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = renderValue(item, data)
		}

		return out
	default:
		return v
	}
}

func title(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}

	return strings.Join(words, " ")
}
