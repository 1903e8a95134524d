package procedure

import (
	"strings"
	"testing"
)

func loadForTest(t *testing.T, doc string) *Procedure {
	t.Helper()
	p, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return p
}

func expectDomainError(t *testing.T, errs []*ValidationError, substring string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Message, substring) {
			return
		}
	}
	var got []string
	for _, e := range errs {
		got = append(got, e.Message)
	}
	t.Errorf("no error containing %q, got %v", substring, got)
}

func TestValidateFileValid(t *testing.T) {
	_, errs := ValidateFile("testdata/der-registration.yaml")
	if len(errs) > 0 {
		for _, e := range errs {
			t.Errorf("unexpected: %v", e)
		}
	}
}

func TestValidateDuplicateStepIDs(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
  - id: s1
    action: {request: {method: GET, path: /b}}
`)
	expectDomainError(t, ValidateDomain(p), `duplicate step id "s1"`)
}

func TestValidateActionExactlyOneKind(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    action:
      request: {method: GET, path: /a}
      emit: {event: tick}
`)
	expectDomainError(t, ValidateDomain(p), "exactly one of request or emit")
}

func TestValidateStepNeedsActionOrWait(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    assert:
      - status: 200
`)
	expectDomainError(t, ValidateDomain(p), "neither an action nor a wait policy")
}

func TestValidateWaitRequiresBudgetAndCondition(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    wait:
      for: ""
`)
	errs := ValidateDomain(p)
	expectDomainError(t, errs, "wait budget is required")
	expectDomainError(t, errs, "wait must set event or until")
}

func TestValidateBadDurations(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
  timeout: soon
steps:
  - id: s1
    timeout: 5 parsecs
    action: {request: {method: GET, path: /a}}
`)
	errs := ValidateDomain(p)
	expectDomainError(t, errs, `invalid duration "soon"`)
	expectDomainError(t, errs, `invalid duration "5 parsecs"`)
}

func TestValidateActivatesUnknownStep(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
    activates: [no-such-step]
`)
	expectDomainError(t, ValidateDomain(p), `unknown step id "no-such-step"`)
}

func TestValidatePreconditionMustBeIdempotent(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
preconditions:
  - id: probe
    request: {method: POST, path: /edev}
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
`)
	expectDomainError(t, ValidateDomain(p), "must be idempotent")
}

func TestValidateAssertionExactlyOneKind(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
    assert:
      - status: 200
        present: href
`)
	expectDomainError(t, ValidateDomain(p), "exactly one kind, found 2")
}

func TestValidateAssertionNoKind(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
    assert:
      - {}
`)
	expectDomainError(t, ValidateDomain(p), "exactly one kind, found 0")
}

func TestValidateRangeBounds(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
    assert:
      - range: {path: v}
      - range: {path: v, min: 10, max: 1}
`)
	errs := ValidateDomain(p)
	expectDomainError(t, errs, "range needs at least one bound")
	expectDomainError(t, errs, "range min exceeds max")
}

func TestValidateUnrecognizedAPIVersion(t *testing.T) {
	p := loadForTest(t, `
apiVersion: procedure/v2
meta:
  id: t
steps:
  - id: s1
    action: {request: {method: GET, path: /a}}
`)
	expectDomainError(t, ValidateDomain(p), "unrecognized apiVersion")
}

func TestValidateFileStructuralError(t *testing.T) {
	_, errs := ValidateFile("testdata/does-not-exist.yaml")
	if len(errs) != 1 || errs[0].Phase != "structural" {
		t.Fatalf("expected one structural error, got %v", errs)
	}
}
