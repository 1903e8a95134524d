// Package assertions implements the assertion kinds evaluated against
// captured evidence: status, equals, present, range, one_of, within and
// expr.
package assertions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/procedure"
)

// Input is the evidence available to one evaluation.
//
// Response is the latest response evidence for the step (nil when the
// action produced none yet). Events holds the notification evidence the
// scheduler has matched for the step. Env is the expression environment
// (vars, captures, response) for expr assertions.
type Input struct {
	Response *evidence.Evidence
	Events   []evidence.Evidence
	Env      map[string]any
}

// Evaluate runs a single assertion against the available evidence and
// yields a verdict. Missing evidence yields inconclusive, not fail: the
// scheduler uses the distinction to tell "still waiting" from "definitively
// wrong".
func Evaluate(a *procedure.AssertionSpec, in *Input) *evidence.Verdict {
	var v *evidence.Verdict
	switch {
	case a.Status != nil:
		v = EvalStatus(*a.Status, in)
	case a.Equals != nil:
		v = EvalEquals(a.Equals, in)
	case a.Present != "":
		v = EvalPresent(a.Present, in)
	case a.Range != nil:
		v = EvalRange(a.Range, in)
	case a.OneOf != nil:
		v = EvalOneOf(a.OneOf, in)
	case a.Within != nil:
		v = EvalWithin(a.Within, in)
	case a.Expr != "":
		v = EvalExpr(a.Expr, in)
	default:
		v = &evidence.Verdict{
			Assertion: "unknown",
			Outcome:   evidence.Fail,
			Message:   "no assertion kind set",
		}
	}
	v.EvaluatedAt = time.Now().UTC()
	return v
}

// EvalStatus checks the response status code.
func EvalStatus(want int, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("status == %d", want)
	if in.Response == nil {
		return inconclusive(desc, "no response received yet")
	}
	if in.Response.Status != want {
		return failWith(desc, fmt.Sprintf("status %d != %d", in.Response.Status, want), in.Response.Seq)
	}
	return passWith(desc, fmt.Sprintf("status %d", want), in.Response.Seq)
}

// EvalEquals checks exact equality of the payload value at a path.
func EvalEquals(spec *procedure.EqualsSpec, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("equals %s", spec.Path)
	value, verdict := payloadValue(desc, spec.Path, in)
	if verdict != nil {
		return verdict
	}
	if !looselyEqual(value, spec.Value) {
		return failWith(desc, fmt.Sprintf("%s = %v, want %v", spec.Path, value, spec.Value), in.Response.Seq)
	}
	return passWith(desc, fmt.Sprintf("%s = %v", spec.Path, value), in.Response.Seq)
}

// EvalPresent checks that a payload value exists at a path.
func EvalPresent(path string, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("present %s", path)
	if in.Response == nil {
		return inconclusive(desc, "no response received yet")
	}
	data, err := decodePayload(in.Response.Payload)
	if err != nil {
		return failWith(desc, fmt.Sprintf("malformed payload: %v", err), in.Response.Seq)
	}
	if _, err := navigatePath(data, path); err != nil {
		return failWith(desc, fmt.Sprintf("%s: %v", path, err), in.Response.Seq)
	}
	return passWith(desc, fmt.Sprintf("%s is present", path), in.Response.Seq)
}

// EvalRange checks the numeric payload value at a path against inclusive
// bounds, compared at the value's native precision.
func EvalRange(spec *procedure.RangeSpec, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("range %s in [%s, %s]", spec.Path, boundStr(spec.Min), boundStr(spec.Max))
	value, verdict := payloadValue(desc, spec.Path, in)
	if verdict != nil {
		return verdict
	}
	n, ok := toFloat(value)
	if !ok {
		return failWith(desc, fmt.Sprintf("%s = %v is not numeric", spec.Path, value), in.Response.Seq)
	}
	if spec.Min != nil && n < *spec.Min {
		return failWith(desc, fmt.Sprintf("%s = %v below minimum %v", spec.Path, n, *spec.Min), in.Response.Seq)
	}
	if spec.Max != nil && n > *spec.Max {
		return failWith(desc, fmt.Sprintf("%s = %v above maximum %v", spec.Path, n, *spec.Max), in.Response.Seq)
	}
	return passWith(desc, fmt.Sprintf("%s = %v within bounds", spec.Path, n), in.Response.Seq)
}

// EvalOneOf checks set membership of the payload value at a path.
func EvalOneOf(spec *procedure.OneOfSpec, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("one_of %s", spec.Path)
	value, verdict := payloadValue(desc, spec.Path, in)
	if verdict != nil {
		return verdict
	}
	for _, candidate := range spec.Values {
		if looselyEqual(value, candidate) {
			return passWith(desc, fmt.Sprintf("%s = %v matched", spec.Path, value), in.Response.Seq)
		}
	}
	return failWith(desc, fmt.Sprintf("%s = %v not in %v", spec.Path, value, spec.Values), in.Response.Seq)
}

// EvalWithin checks relative timing: the first Event notification observed
// within the duration after the first After notification. Receipt
// timestamps are compared unless the assertion names a payload time field.
func EvalWithin(spec *procedure.WithinSpec, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("within %s: %s after %s", spec.Duration, spec.Event, spec.After)
	limit, err := time.ParseDuration(spec.Duration)
	if err != nil {
		return &evidence.Verdict{
			Assertion: desc,
			Outcome:   evidence.Fail,
			Message:   fmt.Sprintf("invalid duration %q", spec.Duration),
		}
	}

	anchor := firstEvent(in.Events, spec.After)
	if anchor == nil {
		return inconclusive(desc, fmt.Sprintf("no %q notification observed yet", spec.After))
	}
	follower := firstEventAfter(in.Events, spec.Event, anchor.ReceivedAt)
	if follower == nil {
		return inconclusive(desc, fmt.Sprintf("no %q notification observed after %q", spec.Event, spec.After))
	}

	anchorAt, followerAt := anchor.ReceivedAt, follower.ReceivedAt
	if spec.UsePayloadTime != "" {
		anchorAt, err = payloadTime(anchor, spec.UsePayloadTime)
		if err == nil {
			followerAt, err = payloadTime(follower, spec.UsePayloadTime)
		}
		if err != nil {
			return failWith(desc, fmt.Sprintf("payload time %s: %v", spec.UsePayloadTime, err),
				anchor.Seq, follower.Seq)
		}
	}

	elapsed := followerAt.Sub(anchorAt)
	if elapsed > limit {
		return failWith(desc, fmt.Sprintf("%s observed %s after %s, limit %s",
			spec.Event, elapsed.Round(time.Millisecond), spec.After, limit),
			anchor.Seq, follower.Seq)
	}
	return passWith(desc, fmt.Sprintf("%s observed %s after %s",
		spec.Event, elapsed.Round(time.Millisecond), spec.After),
		anchor.Seq, follower.Seq)
}

// EvalExpr evaluates an expr-lang boolean expression over the session
// environment (vars, captures, response, events).
func EvalExpr(exprStr string, in *Input) *evidence.Verdict {
	desc := fmt.Sprintf("expr %s", exprStr)
	env := in.Env
	if env == nil {
		env = map[string]any{}
	}

	program, err := expr.Compile(exprStr, expr.Env(env), expr.AsBool())
	if err != nil {
		return &evidence.Verdict{
			Assertion: desc,
			Outcome:   evidence.Fail,
			Message:   fmt.Sprintf("compile expression: %v", err),
		}
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return &evidence.Verdict{
			Assertion: desc,
			Outcome:   evidence.Fail,
			Message:   fmt.Sprintf("eval expression: %v", err),
		}
	}
	passed, ok := output.(bool)
	if !ok {
		return &evidence.Verdict{
			Assertion: desc,
			Outcome:   evidence.Fail,
			Message:   fmt.Sprintf("expression did not return bool (got %T)", output),
		}
	}
	v := &evidence.Verdict{Assertion: desc}
	if passed {
		v.Outcome = evidence.Pass
		v.Message = "expression true"
	} else {
		v.Outcome = evidence.Fail
		v.Message = "expression false"
	}
	if in.Response != nil {
		v.Evidence = append(v.Evidence, in.Response.Seq)
	}
	return v
}

// Lookup extracts the value at a dot-notation path from a raw JSON payload.
// Used by the scheduler to capture values from responses for later steps.
func Lookup(raw json.RawMessage, path string) (any, error) {
	data, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	return navigatePath(data, path)
}

// payloadValue navigates to a path in the response payload, producing the
// verdict directly when evidence is missing or the payload malformed.
func payloadValue(desc, path string, in *Input) (any, *evidence.Verdict) {
	if in.Response == nil {
		return nil, inconclusive(desc, "no response received yet")
	}
	data, err := decodePayload(in.Response.Payload)
	if err != nil {
		return nil, failWith(desc, fmt.Sprintf("malformed payload: %v", err), in.Response.Seq)
	}
	value, err := navigatePath(data, path)
	if err != nil {
		return nil, failWith(desc, fmt.Sprintf("%s: %v", path, err), in.Response.Seq)
	}
	return value, nil
}

func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// navigatePath navigates a dot-notation path ($.key1.key2 or key1.key2),
// with [n] indexing into arrays.
func navigatePath(data any, path string) (any, error) {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return data, nil
	}

	current := data
	for _, part := range strings.Split(path, ".") {
		// Peel off any [n] index suffixes.
		key := part
		var indexes []int
		for strings.HasSuffix(key, "]") {
			open := strings.LastIndex(key, "[")
			if open < 0 {
				break
			}
			idx, err := strconv.Atoi(key[open+1 : len(key)-1])
			if err != nil {
				return nil, fmt.Errorf("bad index in %q", part)
			}
			indexes = append([]int{idx}, indexes...)
			key = key[:open]
		}

		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object at %q, got %T", key, current)
			}
			val, exists := m[key]
			if !exists {
				return nil, fmt.Errorf("key %q not found", key)
			}
			current = val
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("expected array at %q, got %T", part, current)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("index %d out of range at %q", idx, part)
			}
			current = arr[idx]
		}
	}
	return current, nil
}

// looselyEqual compares across the YAML/JSON type seam: procedure documents
// decode numbers as int, payloads as float64.
func looselyEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func boundStr(b *float64) string {
	if b == nil {
		return "-"
	}
	return strconv.FormatFloat(*b, 'g', -1, 64)
}

func firstEvent(events []evidence.Evidence, eventType string) *evidence.Evidence {
	for i := range events {
		if events[i].EventType == eventType {
			return &events[i]
		}
	}
	return nil
}

func firstEventAfter(events []evidence.Evidence, eventType string, t time.Time) *evidence.Evidence {
	for i := range events {
		if events[i].EventType == eventType && !events[i].ReceivedAt.Before(t) {
			return &events[i]
		}
	}
	return nil
}

func payloadTime(ev *evidence.Evidence, field string) (time.Time, error) {
	data, err := decodePayload(ev.Payload)
	if err != nil {
		return time.Time{}, err
	}
	value, err := navigatePath(data, field)
	if err != nil {
		return time.Time{}, err
	}
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("field %q is not a timestamp string", field)
	}
	return time.Parse(time.RFC3339, s)
}

func passWith(desc, msg string, seqs ...int64) *evidence.Verdict {
	return &evidence.Verdict{Assertion: desc, Outcome: evidence.Pass, Message: msg, Evidence: seqs}
}

func failWith(desc, msg string, seqs ...int64) *evidence.Verdict {
	return &evidence.Verdict{Assertion: desc, Outcome: evidence.Fail, Message: msg, Evidence: seqs}
}

func inconclusive(desc, msg string) *evidence.Verdict {
	return &evidence.Verdict{Assertion: desc, Outcome: evidence.Inconclusive, Message: msg}
}
