package procedure

import (
	"strings"
	"testing"
	"time"
)

func TestLoadValidProcedure(t *testing.T) {
	p, err := LoadFile("testdata/der-registration.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.APIVersion != "procedure/v1" {
		t.Errorf("apiVersion = %q", p.APIVersion)
	}
	if p.Meta.ID != "der-registration" {
		t.Errorf("meta.id = %q", p.Meta.ID)
	}
	if len(p.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(p.Steps))
	}
	if len(p.Preconditions) != 1 {
		t.Fatalf("expected 1 precondition, got %d", len(p.Preconditions))
	}

	register := p.StepByID("register")
	if register == nil {
		t.Fatal("step register not found")
	}
	if register.Action == nil || register.Action.Request == nil {
		t.Fatal("register has no request action")
	}
	if got := register.Action.Request.Method; got != "POST" {
		t.Errorf("register method = %q", got)
	}
	if register.Capture["edev_href"] != "href" {
		t.Errorf("capture = %v", register.Capture)
	}
	if len(register.Activates) != 1 || register.Activates[0] != "await-connect" {
		t.Errorf("activates = %v", register.Activates)
	}

	wait := p.StepByID("await-connect").Wait
	if wait == nil || wait.Event != "edev-connected" || wait.For != "30s" {
		t.Errorf("wait = %+v", wait)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	doc := `
apiVersion: procedure/v1
meta:
  id: t
steps:
  - id: s1
    bogus_field: true
    action:
      request:
        method: GET
        path: /dcap
`
	if _, err := Load(strings.NewReader(doc)); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadRejectsInvalidTypes(t *testing.T) {
	doc := `
apiVersion: procedure/v1
meta:
  id: t
steps: "not a list"
`
	if _, err := Load(strings.NewReader(doc)); err == nil {
		t.Fatal("expected type error")
	}
}

func TestIsIdempotent(t *testing.T) {
	truth := true
	falsy := false
	cases := []struct {
		name string
		spec RequestSpec
		want bool
	}{
		{"get", RequestSpec{Method: "GET"}, true},
		{"head", RequestSpec{Method: "HEAD"}, true},
		{"put", RequestSpec{Method: "PUT"}, true},
		{"delete", RequestSpec{Method: "DELETE"}, true},
		{"post", RequestSpec{Method: "POST"}, false},
		{"patch", RequestSpec{Method: "PATCH"}, false},
		{"post flagged safe", RequestSpec{Method: "POST", Idempotent: &truth}, true},
		{"put flagged unsafe", RequestSpec{Method: "PUT", Idempotent: &falsy}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.spec.IsIdempotent(); got != tc.want {
				t.Errorf("IsIdempotent() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAssertionKind(t *testing.T) {
	status := 200
	cases := []struct {
		spec AssertionSpec
		want string
	}{
		{AssertionSpec{Status: &status}, "status"},
		{AssertionSpec{Equals: &EqualsSpec{Path: "x"}}, "equals"},
		{AssertionSpec{Present: "x"}, "present"},
		{AssertionSpec{Range: &RangeSpec{Path: "x"}}, "range"},
		{AssertionSpec{OneOf: &OneOfSpec{Path: "x"}}, "one_of"},
		{AssertionSpec{Within: &WithinSpec{Event: "a", After: "b"}}, "within"},
		{AssertionSpec{Expr: "true"}, "expr"},
		{AssertionSpec{}, "unknown"},
	}
	for _, tc := range cases {
		if got := tc.spec.Kind(); got != tc.want {
			t.Errorf("Kind() = %q, want %q", got, tc.want)
		}
	}
}

func TestOverallTimeout(t *testing.T) {
	p := &Procedure{}
	if got := p.OverallTimeout(time.Hour); got != time.Hour {
		t.Errorf("fallback not applied: %v", got)
	}
	p.Meta.Timeout = "10m"
	if got := p.OverallTimeout(time.Hour); got != 10*time.Minute {
		t.Errorf("meta timeout not used: %v", got)
	}
}
