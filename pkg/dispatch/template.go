package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// templateFuncMap provides functions available in action parameter
// templates, supplementing the built-in Go template functions.
var templateFuncMap = template.FuncMap{
	"hasPrefix":  strings.HasPrefix,
	"hasSuffix":  strings.HasSuffix,
	"contains":   strings.Contains,
	"lower":      strings.ToLower,
	"upper":      strings.ToUpper,
	"trimPrefix": strings.TrimPrefix,
	"trimSuffix": strings.TrimSuffix,
	"replace":    strings.ReplaceAll,
}

// resolveString resolves Go template expressions against the session
// environment. Placeholders that resolve to nothing are an error: an action
// must be fully parameterized before dispatch.
func resolveString(tmplStr string, env map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}
	tmpl, err := template.New("param").Funcs(templateFuncMap).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", tmplStr, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return "", fmt.Errorf("resolve template %q: %w", tmplStr, err)
	}
	resolved := buf.String()
	if strings.Contains(resolved, "<no value>") {
		return "", fmt.Errorf("template %q has unbound placeholders", tmplStr)
	}
	return resolved, nil
}

// resolveValue walks a decoded YAML value, resolving template placeholders
// in every string it contains.
func resolveValue(v any, env map[string]any) (any, error) {
	switch value := v.(type) {
	case string:
		return resolveString(value, env)
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, inner := range value {
			resolved, err := resolveValue(inner, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, inner := range value {
			resolved, err := resolveValue(inner, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}
