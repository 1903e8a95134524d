package engine

import "errors"

// Error taxonomy for the harness control plane. Transport failures and
// bounded inconclusive waits never surface here: they are recorded as
// error evidence and folded into verdicts inside the scheduler, so the
// control plane only ever reports the errors below.
var (
	// ErrPolicyViolation means the requested operation is illegal for
	// the session's current state, such as aborting a finished session.
	ErrPolicyViolation = errors.New("engine: policy violation")

	// ErrInternal means a persistence or scheduling invariant broke.
	// Fatal to the session: it is marked aborted and surfaced.
	ErrInternal = errors.New("engine: internal error")

	// ErrUnknownProcedure is returned by StartSession for unregistered
	// procedure ids.
	ErrUnknownProcedure = errors.New("engine: unknown procedure")
)
