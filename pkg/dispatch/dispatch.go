// Package dispatch translates abstract test step actions into concrete
// outbound calls against the system under test and captures the outcome as
// evidence.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/session"
)

// maxResponseBytes caps captured response payloads. Conformance payloads
// are small; anything larger is recorded truncated.
const maxResponseBytes = 4 << 20

// Dispatcher performs exactly one outbound call (or simulated event) per
// Execute invocation. Transport failures come back as error-tagged
// evidence, never as a raised error, so the scheduler's retry logic stays
// uniform.
type Dispatcher struct {
	client *http.Client
	rec    evidence.Recorder
	events *notify.Listener
	logger *log.Logger
}

// New creates a dispatcher. A nil client gets a 30s-timeout default.
func New(client *http.Client, rec evidence.Recorder, events *notify.Listener, logger *log.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Dispatcher{
		client: client,
		rec:    rec,
		events: events,
		logger: logger.With("component", "dispatch"),
	}
}

// Execute runs one action for the given step attempt and returns the
// resulting evidence: a response record, a notification record (for emit
// actions), or an error-tagged record on transport failure. The returned
// error is reserved for internal faults (evidence log unavailable).
func (d *Dispatcher) Execute(ctx context.Context, sess *session.Session, stepID string, attempt int, action *procedure.ActionSpec) (*evidence.Evidence, error) {
	switch {
	case action.Request != nil:
		return d.executeRequest(ctx, sess, stepID, attempt, action.Request)
	case action.Emit != nil:
		return d.executeEmit(ctx, sess, stepID, attempt, action.Emit)
	}
	return d.recordError(ctx, sess.ID, stepID, attempt, "action has no request or emit")
}

func (d *Dispatcher) executeRequest(ctx context.Context, sess *session.Session, stepID string, attempt int, spec *procedure.RequestSpec) (*evidence.Evidence, error) {
	env := sess.TemplateEnv()

	path, err := resolveString(spec.Path, env)
	if err != nil {
		return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("resolve path: %v", err))
	}
	target, err := url.JoinPath(sess.Target, path)
	if err != nil {
		return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("build target url: %v", err))
	}
	// JoinPath escapes nothing we care about, but keep query strings intact.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		base, _ := url.JoinPath(sess.Target, path[:i])
		target = base + path[i:]
	}

	var body []byte
	if spec.Body != nil {
		resolved, err := resolveValue(map[string]any(spec.Body), env)
		if err != nil {
			return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("resolve body: %v", err))
		}
		body, err = json.Marshal(resolved)
		if err != nil {
			return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("encode body: %v", err))
		}
	}

	// The request itself is evidence, recorded before the call so a crash
	// between send and response still leaves the attempt on the record.
	reqEv := &evidence.Evidence{
		SessionID:     sess.ID,
		StepID:        stepID,
		Attempt:       attempt,
		Kind:          evidence.KindRequest,
		Method:        spec.Method,
		Target:        target,
		PayloadDigest: evidence.Digest(body),
	}
	if _, err := d.rec.Append(ctx, reqEv); err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, target, bytes.NewReader(body))
	if err != nil {
		return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("build request: %v", err))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		resolved, err := resolveString(v, env)
		if err != nil {
			return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("resolve header %s: %v", k, err))
		}
		req.Header.Set(k, resolved)
	}

	d.logger.Debug("dispatching", "session", sess.ID, "step", stepID,
		"attempt", attempt, "method", spec.Method, "target", target)

	resp, err := d.client.Do(req)
	if err != nil {
		// Transport failure: error-tagged evidence, evaluated as fail
		// unless the retry policy has attempts remaining.
		return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("transport: %v", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("read response: %v", err))
	}

	respEv := &evidence.Evidence{
		SessionID: sess.ID,
		StepID:    stepID,
		Attempt:   attempt,
		Kind:      evidence.KindResponse,
		Status:    resp.StatusCode,
		Payload:   payload,
	}
	if _, err := d.rec.Append(ctx, respEv); err != nil {
		return nil, fmt.Errorf("record response: %w", err)
	}
	d.logger.Debug("response captured", "session", sess.ID, "step", stepID,
		"status", resp.StatusCode, "seq", respEv.Seq)
	return respEv, nil
}

// executeEmit injects a simulated device event into the session's own
// notification path, exercising the same routing and dedupe as a real push.
func (d *Dispatcher) executeEmit(ctx context.Context, sess *session.Session, stepID string, attempt int, spec *procedure.EmitSpec) (*evidence.Evidence, error) {
	env := sess.TemplateEnv()

	var payload json.RawMessage
	if spec.Payload != nil {
		resolved, err := resolveValue(map[string]any(spec.Payload), env)
		if err != nil {
			return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("resolve emit payload: %v", err))
		}
		payload, err = json.Marshal(resolved)
		if err != nil {
			return d.recordError(ctx, sess.ID, stepID, attempt, fmt.Sprintf("encode emit payload: %v", err))
		}
	}

	ev, err := d.events.Deliver(ctx, sess.ID, notify.Notification{
		MessageID: "emit-" + uuid.NewString(),
		Event:     spec.Event,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("emit event: %w", err)
	}
	if ev == nil {
		return d.recordError(ctx, sess.ID, stepID, attempt, "emit dropped: session not receiving")
	}
	return ev, nil
}

// recordError writes an error-tagged evidence record and returns it.
func (d *Dispatcher) recordError(ctx context.Context, sessionID, stepID string, attempt int, msg string) (*evidence.Evidence, error) {
	ev := &evidence.Evidence{
		SessionID: sessionID,
		StepID:    stepID,
		Attempt:   attempt,
		Kind:      evidence.KindError,
		Error:     msg,
	}
	if _, err := d.rec.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("record dispatch error: %w", err)
	}
	d.logger.Warn("dispatch error", "session", sessionID, "step", stepID, "err", msg)
	return ev, nil
}
