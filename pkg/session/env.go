package session

import (
	"strings"
	"time"
)

// TemplateEnv builds the environment visible to templates and expressions:
// session vars, prior step captures (nested under steps.<id>.<name>), and
// basic session facts. Cross-step references go through captures, never
// live evidence objects, so retries cannot alias stale state.
func (s *Session) TemplateEnv() map[string]any {
	steps := make(map[string]any)
	for key, value := range s.Captures {
		stepID, name, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		m, _ := steps[stepID].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			steps[stepID] = m
		}
		m[name] = value
	}

	vars := make(map[string]any, len(s.Vars))
	for k, v := range s.Vars {
		vars[k] = v
	}

	return map[string]any{
		"vars":  vars,
		"steps": steps,
		"session": map[string]any{
			"id":     s.ID,
			"target": s.Target,
		},
		"now": func() time.Time { return time.Now().UTC() },
	}
}

// Capture stores a value extracted from a step's response payload under
// steps.<stepID>.<name>.
func (s *Session) Capture(stepID, name string, value any) {
	s.Captures[stepID+"."+name] = value
}
