package procedure

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].action")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a procedure file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Procedure, []*ValidationError) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return p, Validate(p)
}

// Validate runs the semantic and domain phases on an already-parsed procedure.
func Validate(p *Procedure) []*ValidationError {
	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(p)...)
	allErrors = append(allErrors, ValidateDomain(p)...)
	return allErrors
}

// validateSemantic validates the procedure against the generated JSON Schema.
func validateSemantic(p *Procedure) []*ValidationError {
	semErr := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return semErr(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semErr(fmt.Sprintf("generate schema: %v", err))
	}
	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semErr(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("procedure-v1.json", schemaDoc); err != nil {
		return semErr(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("procedure-v1.json")
	if err != nil {
		return semErr(fmt.Sprintf("compile schema: %v", err))
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return semErr(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(p *Procedure) []*ValidationError {
	var errs []*ValidationError
	domainErr := func(path, msg string) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: "error"})
	}

	if p.APIVersion != "procedure/v1" {
		domainErr("apiVersion", fmt.Sprintf("unrecognized apiVersion %q, expected %q", p.APIVersion, "procedure/v1"))
	}
	if p.Meta.ID == "" {
		domainErr("meta.id", "procedure id is required")
	}
	if len(p.Steps) == 0 {
		domainErr("steps", "procedure has no steps")
	}

	checkDuration := func(path, v string) {
		if v == "" {
			return
		}
		if _, err := time.ParseDuration(v); err != nil {
			domainErr(path, fmt.Sprintf("invalid duration %q", v))
		}
	}
	checkRetry := func(path string, r *RetryPolicy) {
		if r == nil {
			return
		}
		if r.MaxAttempts < 0 {
			domainErr(path+".max_attempts", "max_attempts must not be negative")
		}
		checkDuration(path+".backoff", r.Backoff)
		checkDuration(path+".backoff_ceiling", r.BackoffCeiling)
	}

	checkDuration("meta.timeout", p.Meta.Timeout)
	if p.Meta.Defaults != nil {
		checkDuration("meta.defaults.timeout", p.Meta.Defaults.Timeout)
		checkDuration("meta.defaults.poll", p.Meta.Defaults.Poll)
		checkRetry("meta.defaults.retry", p.Meta.Defaults.Retry)
	}

	for i, pre := range p.Preconditions {
		path := fmt.Sprintf("preconditions[%d]", i)
		if pre.ID == "" {
			domainErr(path+".id", "precondition id is required")
		}
		if pre.Request == nil {
			domainErr(path+".request", "precondition has no request")
		} else if !pre.Request.IsIdempotent() {
			domainErr(path+".request", "precondition requests must be idempotent probes")
		}
		for j := range pre.Assertions {
			errs = append(errs, validateAssertion(fmt.Sprintf("%s.assert[%d]", path, j), &pre.Assertions[j])...)
		}
	}

	seen := make(map[string]bool)
	stepIDs := make(map[string]bool)
	for i := range p.Steps {
		stepIDs[p.Steps[i].ID] = true
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			domainErr(path+".id", "step id is required")
		} else if seen[step.ID] {
			domainErr(path+".id", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if step.Action != nil {
			kinds := 0
			if step.Action.Request != nil {
				kinds++
				if step.Action.Request.Method == "" {
					domainErr(path+".action.request.method", "request method is required")
				}
				if step.Action.Request.Path == "" {
					domainErr(path+".action.request.path", "request path is required")
				}
			}
			if step.Action.Emit != nil {
				kinds++
				if step.Action.Emit.Event == "" {
					domainErr(path+".action.emit.event", "emit event type is required")
				}
			}
			if kinds != 1 {
				domainErr(path+".action", "action must set exactly one of request or emit")
			}
		}
		if step.Action == nil && step.Wait == nil {
			domainErr(path, "step has neither an action nor a wait policy")
		}

		if step.Wait != nil {
			if step.Wait.For == "" {
				domainErr(path+".wait.for", "wait budget is required")
			}
			checkDuration(path+".wait.for", step.Wait.For)
			checkDuration(path+".wait.poll", step.Wait.Poll)
			if step.Wait.Event == "" && step.Wait.Until == "" {
				domainErr(path+".wait", "wait must set event or until")
			}
		}

		checkDuration(path+".timeout", step.Timeout)
		checkRetry(path+".retry", step.Retry)

		for j := range step.Assertions {
			errs = append(errs, validateAssertion(fmt.Sprintf("%s.assert[%d]", path, j), &step.Assertions[j])...)
		}

		for _, ref := range step.Activates {
			if !stepIDs[ref] {
				domainErr(path+".activates", fmt.Sprintf("unknown step id %q", ref))
			}
		}
		for _, ref := range step.Deactivates {
			if !stepIDs[ref] {
				domainErr(path+".deactivates", fmt.Sprintf("unknown step id %q", ref))
			}
		}
	}

	return errs
}

// validateAssertion checks the exactly-one-kind rule and kind-specific fields.
func validateAssertion(path string, a *AssertionSpec) []*ValidationError {
	var errs []*ValidationError
	domainErr := func(p, msg string) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: p, Message: msg, Severity: "error"})
	}

	kinds := 0
	if a.Status != nil {
		kinds++
	}
	if a.Equals != nil {
		kinds++
		if a.Equals.Path == "" {
			domainErr(path+".equals.path", "equals path is required")
		}
	}
	if a.Present != "" {
		kinds++
	}
	if a.Range != nil {
		kinds++
		if a.Range.Path == "" {
			domainErr(path+".range.path", "range path is required")
		}
		if a.Range.Min == nil && a.Range.Max == nil {
			domainErr(path+".range", "range needs at least one bound")
		}
		if a.Range.Min != nil && a.Range.Max != nil && *a.Range.Min > *a.Range.Max {
			domainErr(path+".range", "range min exceeds max")
		}
	}
	if a.OneOf != nil {
		kinds++
		if a.OneOf.Path == "" {
			domainErr(path+".one_of.path", "one_of path is required")
		}
		if len(a.OneOf.Values) == 0 {
			domainErr(path+".one_of.values", "one_of needs at least one value")
		}
	}
	if a.Within != nil {
		kinds++
		if a.Within.Event == "" || a.Within.After == "" {
			domainErr(path+".within", "within needs both event and after")
		}
		if a.Within.Duration == "" {
			domainErr(path+".within.duration", "within duration is required")
		} else if _, err := time.ParseDuration(a.Within.Duration); err != nil {
			domainErr(path+".within.duration", fmt.Sprintf("invalid duration %q", a.Within.Duration))
		}
	}
	if a.Expr != "" {
		kinds++
	}
	if kinds != 1 {
		domainErr(path, fmt.Sprintf("assertion must set exactly one kind, found %d", kinds))
	}
	return errs
}
