// Package evidence defines the immutable evidence and verdict records that
// back every judgment the engine makes, plus the append-only Recorder
// contract.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the fact an Evidence record captures.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
)

// Outcome is the result of evaluating one assertion.
type Outcome string

const (
	Pass Outcome = "pass"
	Fail Outcome = "fail"
	// Inconclusive means the required evidence has not arrived within the
	// wait budget. It is a verdict state, not an error.
	Inconclusive Outcome = "inconclusive"
)

// ErrDuplicate is returned by Recorder.Append when a notification with the
// same idempotency key has already been recorded for the session.
var ErrDuplicate = errors.New("evidence: duplicate notification")

// Evidence is one observed fact: an outbound request, an inbound response,
// an inbound notification, or a dispatch error. Records are never mutated;
// corrections are new records referencing the superseded one.
type Evidence struct {
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"session_id"`
	StepID     string    `json:"step_id"`
	Attempt    int       `json:"attempt"`
	Kind       Kind      `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`

	// request fields
	Method        string `json:"method,omitempty"`
	Target        string `json:"target,omitempty"`
	PayloadDigest string `json:"payload_digest,omitempty"`

	// response fields
	Status  int             `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// notification fields
	EventType  string    `json:"event_type,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitzero"`

	// error fields
	Error string `json:"error,omitempty"`

	// Supersedes references the seq of a corrected record; 0 means none.
	Supersedes int64 `json:"supersedes,omitempty"`
}

// Verdict is the outcome of evaluating one assertion against one or more
// Evidence records.
type Verdict struct {
	StepID      string    `json:"step_id"`
	Attempt     int       `json:"attempt"`
	Assertion   string    `json:"assertion"` // assertion kind and target, human readable
	Outcome     Outcome   `json:"outcome"`
	Message     string    `json:"message"`
	Evidence    []int64   `json:"evidence,omitempty"` // seqs of the records judged
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Recorder is the append-only evidence log for a session. Append assigns the
// next sequence number; numbers are unique, strictly increasing and gap-free
// per session. No update or delete is exposed.
//
// Append must be safe under concurrent writers (dispatcher and notification
// listener share one recorder). Notification records carrying a MessageID
// already seen for the session return ErrDuplicate without consuming a
// sequence number.
type Recorder interface {
	Append(ctx context.Context, ev *Evidence) (int64, error)
	List(ctx context.Context, sessionID string) ([]Evidence, error)
}

// Digest returns the hex SHA256 of an outbound payload, or "" for empty
// payloads. Request evidence stores the digest rather than the body so the
// log stays compact while remaining verifiable against captured traffic.
func Digest(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(payload))
}
