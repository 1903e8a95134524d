// Package procedure defines the Go struct types for test procedure YAML
// documents and provides strict parsing plus validation.
package procedure

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Procedure is the top-level document defining a conformance test procedure.
// Immutable once loaded; the engine treats it as read-only input.
type Procedure struct {
	APIVersion    string         `yaml:"apiVersion"              json:"apiVersion" jsonschema:"required,enum=procedure/v1"`
	Meta          Meta           `yaml:"meta"                    json:"meta"       jsonschema:"required"`
	Preconditions []Precondition `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Steps         []Step         `yaml:"steps"                   json:"steps"      jsonschema:"required"`
}

// Meta contains procedure metadata and run-wide defaults.
type Meta struct {
	ID          string    `yaml:"id"                    json:"id" jsonschema:"required"`
	Version     string    `yaml:"version,omitempty"     json:"version,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Timeout     string    `yaml:"timeout,omitempty"     json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Defaults    *Defaults `yaml:"defaults,omitempty"    json:"defaults,omitempty"`
}

// Defaults specifies default execution settings applied to all steps.
type Defaults struct {
	Timeout string       `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Retry   *RetryPolicy `yaml:"retry,omitempty"   json:"retry,omitempty"`
	Poll    string       `yaml:"poll,omitempty"    json:"poll,omitempty"    jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
}

// RetryPolicy bounds re-attempts of a failed step action.
// Backoff is exponential: initial backoff doubles per attempt up to the
// ceiling. The step deadline is NOT restarted on retry unless
// restart_deadline is set.
type RetryPolicy struct {
	MaxAttempts        int    `yaml:"max_attempts,omitempty"         json:"max_attempts,omitempty"`
	Backoff            string `yaml:"backoff,omitempty"              json:"backoff,omitempty"         jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	BackoffCeiling     string `yaml:"backoff_ceiling,omitempty"      json:"backoff_ceiling,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	RestartDeadline    bool   `yaml:"restart_deadline,omitempty"     json:"restart_deadline,omitempty"`
	AllowNonIdempotent bool   `yaml:"allow_non_idempotent,omitempty" json:"allow_non_idempotent,omitempty"`
}

// Precondition is a read-only probe evaluated before the first step is
// dispatched. A failing precondition aborts the run before any step action
// is issued.
type Precondition struct {
	ID         string          `yaml:"id"               json:"id" jsonschema:"required"`
	Request    *RequestSpec    `yaml:"request"          json:"request" jsonschema:"required"`
	Assertions []AssertionSpec `yaml:"assert,omitempty" json:"assert,omitempty"`
}

// Step is a single unit of a test procedure: one action, zero or more
// assertions, a wait policy and a retry policy.
type Step struct {
	ID            string          `yaml:"id"                      json:"id" jsonschema:"required"`
	Title         string          `yaml:"title,omitempty"         json:"title,omitempty"`
	When          string          `yaml:"when,omitempty"          json:"when,omitempty"`
	Informational bool            `yaml:"informational,omitempty" json:"informational,omitempty"`
	Action        *ActionSpec     `yaml:"action,omitempty"        json:"action,omitempty"`
	Assertions    []AssertionSpec `yaml:"assert,omitempty"        json:"assert,omitempty"`
	Wait          *WaitPolicy     `yaml:"wait,omitempty"          json:"wait,omitempty"`
	Retry         *RetryPolicy    `yaml:"retry,omitempty"         json:"retry,omitempty"`
	Timeout       string          `yaml:"timeout,omitempty"       json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Capture       map[string]string `yaml:"capture,omitempty"     json:"capture,omitempty"`
	Activates     []string        `yaml:"activates,omitempty"     json:"activates,omitempty"`
	Deactivates   []string        `yaml:"deactivates,omitempty"   json:"deactivates,omitempty"`
}

// ActionSpec describes the stimulus a step sends to the system under test.
// Exactly one of Request or Emit must be set.
type ActionSpec struct {
	Request *RequestSpec `yaml:"request,omitempty" json:"request,omitempty"`
	Emit    *EmitSpec    `yaml:"emit,omitempty"    json:"emit,omitempty"`
}

// RequestSpec is a fully-parameterized HTTP exchange with the system under
// test. Path, header and body values may contain template placeholders
// resolved from session vars and prior captures.
type RequestSpec struct {
	Method     string            `yaml:"method"               json:"method" jsonschema:"required"`
	Path       string            `yaml:"path"                 json:"path"   jsonschema:"required"`
	Headers    map[string]string `yaml:"headers,omitempty"    json:"headers,omitempty"`
	Body       map[string]any    `yaml:"body,omitempty"       json:"body,omitempty"`
	Idempotent *bool             `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
}

// IsIdempotent reports whether the request may be silently re-issued by the
// scheduler's retry logic. The explicit flag wins; otherwise it is inferred
// from the method per RFC 9110 §9.2.2.
func (r *RequestSpec) IsIdempotent() bool {
	if r.Idempotent != nil {
		return *r.Idempotent
	}
	switch r.Method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	}
	return false
}

// EmitSpec injects a simulated device event (e.g. a registration lifecycle
// event) into the session's notification inbox instead of calling the
// system under test.
type EmitSpec struct {
	Event   string         `yaml:"event"             json:"event" jsonschema:"required"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// AssertionSpec is a closed union of assertion kinds. Exactly one kind field
// must be set.
type AssertionSpec struct {
	Status  *int        `yaml:"status,omitempty"  json:"status,omitempty"`
	Equals  *EqualsSpec `yaml:"equals,omitempty"  json:"equals,omitempty"`
	Present string      `yaml:"present,omitempty" json:"present,omitempty"`
	Range   *RangeSpec  `yaml:"range,omitempty"   json:"range,omitempty"`
	OneOf   *OneOfSpec  `yaml:"one_of,omitempty"  json:"one_of,omitempty"`
	Within  *WithinSpec `yaml:"within,omitempty"  json:"within,omitempty"`
	Expr    string      `yaml:"expr,omitempty"    json:"expr,omitempty"`
}

// Kind returns the name of the assertion kind that is set, or "unknown".
func (a *AssertionSpec) Kind() string {
	switch {
	case a.Status != nil:
		return "status"
	case a.Equals != nil:
		return "equals"
	case a.Present != "":
		return "present"
	case a.Range != nil:
		return "range"
	case a.OneOf != nil:
		return "one_of"
	case a.Within != nil:
		return "within"
	case a.Expr != "":
		return "expr"
	}
	return "unknown"
}

// EqualsSpec asserts exact equality of the payload value at Path.
type EqualsSpec struct {
	Path  string `yaml:"path"  json:"path" jsonschema:"required"`
	Value any    `yaml:"value" json:"value"`
}

// RangeSpec asserts the numeric payload value at Path lies within the
// inclusive bounds. A nil bound is unbounded on that side.
type RangeSpec struct {
	Path string   `yaml:"path"          json:"path" jsonschema:"required"`
	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// OneOfSpec asserts set membership of the payload value at Path.
type OneOfSpec struct {
	Path   string `yaml:"path"   json:"path"   jsonschema:"required"`
	Values []any  `yaml:"values" json:"values" jsonschema:"required"`
}

// WithinSpec asserts relative timing: an Event notification observed within
// Duration after an After notification. Receipt timestamps are compared
// unless use_payload_time names a payload field carrying an RFC 3339 time.
type WithinSpec struct {
	Event          string `yaml:"event"                      json:"event"    jsonschema:"required"`
	After          string `yaml:"after"                      json:"after"    jsonschema:"required"`
	Duration       string `yaml:"duration"                   json:"duration" jsonschema:"required,pattern=^[0-9]+(ms|s|m|h)$"`
	UsePayloadTime string `yaml:"use_payload_time,omitempty" json:"use_payload_time,omitempty"`
}

// WaitPolicy controls how a step waits for asynchronous evidence after its
// action is dispatched. Event waits for one notification of that type;
// Until waits for an expr condition over the session environment. For is the
// wall-clock wait budget, computed at step entry.
type WaitPolicy struct {
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
	Until string `yaml:"until,omitempty" json:"until,omitempty"`
	For   string `yaml:"for"             json:"for" jsonschema:"required,pattern=^[0-9]+(ms|s|m|h)$"`
	Poll  string `yaml:"poll,omitempty"  json:"poll,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
}

// StepByID returns the step with the given id, or nil.
func (p *Procedure) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// OverallTimeout returns the procedure's overall run timeout, or the given
// fallback when unset.
func (p *Procedure) OverallTimeout(fallback time.Duration) time.Duration {
	if p.Meta.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(p.Meta.Timeout)
	if err != nil {
		return fallback
	}
	return d
}

// Load parses a procedure document from a reader with strict field checking.
// Unknown fields are an error, mirroring the schema contract.
func Load(r io.Reader) (*Procedure, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Procedure
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse procedure: %w", err)
	}
	return &p, nil
}

// LoadFile reads and parses a procedure document from a file path.
func LoadFile(path string) (*Procedure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open procedure: %w", err)
	}
	defer f.Close()
	return Load(f)
}
