// Package session defines the mutable run-time state of one test procedure
// execution and the durable Store contract that persists it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ormasoftchile/certo/pkg/evidence"
)

// Status is the scheduler-visible state of a session.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// legalTransitions encodes the scheduler state machine:
// pending -> running -> waiting -> {running, passed, failed, aborted}.
// Any non-terminal state may abort.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusAborted},
	StatusRunning: {StatusRunning, StatusWaiting, StatusPassed, StatusFailed, StatusAborted},
	StatusWaiting: {StatusRunning, StatusWaiting, StatusPassed, StatusFailed, StatusAborted},
}

// ErrNotFound is returned by Store.Load for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// Session is one execution instance of a procedure against one target.
// Mutated exclusively by the step scheduler; everyone else sees snapshots.
type Session struct {
	ID          string `json:"id"`
	ProcedureID string `json:"procedure_id"`
	Target      string `json:"target"` // base URL of the system under test

	Status      Status    `json:"status"`
	CurrentStep int       `json:"current_step"` // index into the procedure's step list
	Attempt     int       `json:"attempt"`      // 1-based attempt of the current step
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`

	// StepDeadline is the wall-clock expiry of the current step's wait
	// budget, computed at step entry. Zero when no wait is active.
	StepDeadline time.Time `json:"step_deadline,omitzero"`

	// Vars are the target-binding parameters supplied at start.
	Vars map[string]string `json:"vars,omitempty"`
	// Captures are values extracted from response payloads by earlier
	// steps, addressed as steps.<id>.<name> in templates and expressions.
	Captures map[string]any `json:"captures,omitempty"`

	// ActiveListeners holds step ids whose notification listeners are
	// currently enabled, with the time each was enabled.
	ActiveListeners map[string]time.Time `json:"active_listeners,omitempty"`

	Verdicts []evidence.Verdict `json:"verdicts,omitempty"`

	// LastSeq is the highest evidence sequence number the scheduler has
	// consumed, used to reconstruct state on resume.
	LastSeq int64 `json:"last_seq"`

	// Explanation records why the session reached a terminal status.
	Explanation string `json:"explanation,omitempty"`
}

// New creates a pending session for the given procedure and target.
func New(id, procedureID, target string, vars map[string]string) *Session {
	if vars == nil {
		vars = make(map[string]string)
	}
	return &Session{
		ID:              id,
		ProcedureID:     procedureID,
		Target:          target,
		Status:          StatusPending,
		Attempt:         1,
		Vars:            vars,
		Captures:        make(map[string]any),
		ActiveListeners: make(map[string]time.Time),
	}
}

// Transition moves the session to a new status, rejecting moves the state
// machine does not admit. A broken transition is a scheduling invariant
// violation and fatal to the session.
func (s *Session) Transition(to Status) error {
	if s.Status == to {
		return nil
	}
	for _, allowed := range legalTransitions[s.Status] {
		if allowed == to {
			s.Status = to
			if to.Terminal() {
				s.EndedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal status transition %s -> %s", s.Status, to)
}

// Record appends a verdict to the session's accumulated list.
func (s *Session) Record(v evidence.Verdict) {
	s.Verdicts = append(s.Verdicts, v)
}

// StepVerdicts returns the verdicts recorded for one step id.
func (s *Session) StepVerdicts(stepID string) []evidence.Verdict {
	var out []evidence.Verdict
	for _, v := range s.Verdicts {
		if v.StepID == stepID {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot returns a deep copy safe to hand to readers outside the
// scheduler loop.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Vars = make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		cp.Vars[k] = v
	}
	cp.Captures = make(map[string]any, len(s.Captures))
	for k, v := range s.Captures {
		cp.Captures[k] = v
	}
	cp.ActiveListeners = make(map[string]time.Time, len(s.ActiveListeners))
	for k, v := range s.ActiveListeners {
		cp.ActiveListeners[k] = v
	}
	cp.Verdicts = append([]evidence.Verdict(nil), s.Verdicts...)
	return &cp
}

// Store persists sessions. Persist is called after every state-relevant
// mutation so a crash mid-run loses at most the in-flight step; Load must
// return enough state to reconstruct the scheduler without replaying
// side-effecting actions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Persist(ctx context.Context, s *Session) error
	Archive(ctx context.Context, s *Session) error
	// Active returns ids of sessions in a non-terminal status, for resume.
	Active(ctx context.Context) ([]string, error)
}
