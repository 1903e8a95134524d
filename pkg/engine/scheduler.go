package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/certo/pkg/assertions"
	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/session"
)

// stepOutcome is the scheduler-internal result of running one step or one
// attempt of a step.
type stepOutcome int

const (
	// outcomePending means evidence is still outstanding and the wait
	// budget has not expired.
	outcomePending stepOutcome = iota
	outcomePass
	outcomeFail
	outcomeInconclusive
	outcomeAbort
	outcomeInternal
)

// runner executes one session's procedure start to finish. It is the only
// writer of the session struct; concurrent readers go through snapshot.
type runner struct {
	h     *Harness
	proc  *procedure.Procedure
	inbox *notify.Inbox

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	resumed bool
	logger  *log.Logger

	mu       sync.Mutex
	sess     *session.Session
	aborting bool

	// Resume carry-over for the in-flight attempt. skipDispatch prevents
	// re-issuing an action whose request evidence already exists;
	// restoreDeadline keeps the persisted wait budget instead of granting
	// a fresh one at re-entry.
	skipDispatch    bool
	restoreDeadline bool
	recovered       *evidence.Evidence
	preloaded       []evidence.Evidence
}

func (r *runner) run() {
	defer close(r.done)
	defer r.h.dropRunner(r.sess.ID)
	defer r.cancel()

	if r.resumed {
		if err := r.recover(); err != nil {
			r.finalize(session.StatusFailed, fmt.Sprintf("resume: %v", err))
			return
		}
	}

	if r.status() == session.StatusPending {
		r.transition(session.StatusRunning, "")
		r.persist()
		if !r.runPreconditions() {
			r.finalize(session.StatusFailed, "precondition not met")
			return
		}
	}

	firstStep := true
	for i := r.sess.CurrentStep; i < len(r.proc.Steps); i++ {
		step := &r.proc.Steps[i]

		r.mu.Lock()
		r.sess.CurrentStep = i
		if !(firstStep && r.resumed) {
			r.sess.Attempt = 1
		}
		r.mu.Unlock()
		if !(firstStep && r.resumed) {
			// Recovered and stashed state belongs to the step that made
			// it; a fresh step starts clean.
			r.recovered = nil
			r.preloaded = nil
			r.skipDispatch = false
			r.restoreDeadline = false
		}
		firstStep = false

		out := r.runStep(step)
		switch out {
		case outcomePass:
			continue
		case outcomeAbort:
			r.finalize(session.StatusAborted, "aborted")
			return
		case outcomeInternal:
			r.finalize(session.StatusFailed, fmt.Sprintf("internal fault at step %s", step.ID))
			return
		case outcomeFail, outcomeInconclusive:
			if step.Informational {
				r.logger.Warn("informational step did not pass",
					"step", step.ID, "outcome", outcomeLabel(out))
				continue
			}
			if r.ctx.Err() == context.DeadlineExceeded {
				r.finalize(session.StatusFailed, "overall timeout exceeded")
				return
			}
			word := "failed"
			if out == outcomeInconclusive {
				word = "inconclusive"
			}
			r.finalize(session.StatusFailed, fmt.Sprintf("step %s %s", step.ID, word))
			return
		}
	}

	r.finalize(session.StatusPassed, "all steps passed")
}

// runStep drives one step through its attempts, honoring the retry policy
// and the wall-clock wait budget computed at step entry.
func (r *runner) runStep(step *procedure.Step) stepOutcome {
	entry := time.Now().UTC()

	r.mu.Lock()
	for _, id := range step.Activates {
		r.sess.ActiveListeners[id] = entry
	}
	r.mu.Unlock()

	if step.When != "" {
		ok, err := r.evalCondition(step.When)
		if err != nil {
			r.record(evidence.Verdict{
				StepID:      step.ID,
				Attempt:     r.attempt(),
				Assertion:   "when " + step.When,
				Outcome:     evidence.Fail,
				Message:     fmt.Sprintf("evaluate guard: %v", err),
				EvaluatedAt: time.Now().UTC(),
			})
			return outcomeFail
		}
		if !ok {
			r.record(evidence.Verdict{
				StepID:      step.ID,
				Attempt:     r.attempt(),
				Assertion:   "when " + step.When,
				Outcome:     evidence.Pass,
				Message:     "skipped: guard condition false",
				EvaluatedAt: time.Now().UTC(),
			})
			r.logger.Info("step skipped", "step", step.ID)
			return outcomePass
		}
	}

	pol := r.retryPolicy(step)
	budget := r.stepBudget(step)
	var deadline time.Time
	switch {
	case r.restoreDeadline:
		// Resuming mid-step keeps the wait budget the crashed run was
		// already spending, it does not grant a fresh one.
		r.restoreDeadline = false
		r.mu.Lock()
		deadline = r.sess.StepDeadline
		r.mu.Unlock()
	case budget > 0:
		deadline = entry.Add(budget)
		r.setDeadline(deadline)
	}

	backoff := parseDur(pol.Backoff, defaultBackoff)
	ceiling := parseDur(pol.BackoffCeiling, defaultBackoffCeiling)
	maxAttempts := pol.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := r.attempt()
	if start < 1 {
		start = 1
	}
	delay := backoff
	for attempt := start; ; attempt++ {
		r.mu.Lock()
		r.sess.Attempt = attempt
		r.mu.Unlock()

		verdicts, out := r.runAttempt(step, attempt, entry, deadline)

		retryable := out == outcomeFail && attempt < maxAttempts
		if retryable && step.Action != nil && step.Action.Request != nil &&
			!step.Action.Request.IsIdempotent() && !pol.AllowNonIdempotent {
			r.logger.Warn("not retrying non-idempotent action",
				"step", step.ID, "attempt", attempt)
			retryable = false
		}

		if !retryable {
			// Only the final attempt's verdicts count toward the session.
			for _, v := range verdicts {
				r.record(v)
			}
			if out == outcomePass {
				r.finishStep(step)
			}
			return out
		}

		r.logger.Info("retrying step", "step", step.ID,
			"attempt", attempt+1, "backoff", delay)
		select {
		case <-r.ctx.Done():
			return r.ctxOutcome()
		case <-time.After(delay):
		}
		delay = min(delay*2, ceiling)

		if pol.RestartDeadline && budget > 0 {
			deadline = time.Now().UTC().Add(budget)
			r.setDeadline(deadline)
		}
	}
}

// runAttempt dispatches the step's action once and then evaluates the
// step's assertions and wait policy until they resolve or the deadline
// expires.
func (r *runner) runAttempt(step *procedure.Step, attempt int, entry, deadline time.Time) (verdicts []evidence.Verdict, out stepOutcome) {
	respEv := r.recovered
	r.recovered = nil
	events := r.preloaded
	r.preloaded = nil
	for i := range events {
		r.noteSeq(events[i].Seq)
	}

	// Notifications drained by a failing attempt stay available to the
	// retry, mirroring how undelivered events survive a crash-resume.
	defer func() {
		if out != outcomePass {
			r.preloaded = events
		}
	}()

	var dispatchErr *evidence.Evidence

	if step.Action != nil {
		if r.skipDispatch {
			r.skipDispatch = false
			r.logger.Info("action already issued before restart, not re-issuing",
				"step", step.ID, "attempt", attempt)
		} else {
			ev, err := r.h.dispatcher.Execute(r.ctx, r.snapshot(), step.ID, attempt, step.Action)
			if err != nil {
				r.logger.Error("dispatch internal failure", "step", step.ID, "err", err)
				return nil, outcomeInternal
			}
			r.noteSeq(ev.Seq)
			switch ev.Kind {
			case evidence.KindError:
				dispatchErr = ev
			case evidence.KindResponse:
				respEv = ev
			}
		}
	}

	if dispatchErr != nil {
		v := evidence.Verdict{
			StepID:      step.ID,
			Attempt:     attempt,
			Assertion:   "dispatch",
			Outcome:     evidence.Fail,
			Message:     dispatchErr.Error,
			Evidence:    []int64{dispatchErr.Seq},
			EvaluatedAt: time.Now().UTC(),
		}
		return []evidence.Verdict{v}, outcomeFail
	}

	if respEv != nil && len(step.Capture) > 0 {
		if v := r.captureFrom(step, attempt, respEv); v != nil {
			return []evidence.Verdict{*v}, outcomeFail
		}
	}

	since := entry
	r.mu.Lock()
	if t, ok := r.sess.ActiveListeners[step.ID]; ok {
		since = t
	}
	r.mu.Unlock()

	poll := r.pollInterval(step)
	waiting := false

	for {
		events = append(events, r.drainEvents(step, since)...)

		verdicts := r.evaluate(step, attempt, respEv, events)
		out := r.classify(step, verdicts, events, since)
		if out != outcomePending {
			if out == outcomePass && step.Wait != nil {
				matched, _, _ := r.waitSatisfied(step.Wait, events, since)
				msg := "wait satisfied"
				if matched != nil {
					msg = step.Wait.Event + " notification received"
				}
				verdicts = append(verdicts, r.waitVerdict(step, attempt,
					evidence.Pass, msg, matched))
			}
			return verdicts, out
		}

		if deadline.IsZero() || !time.Now().Before(deadline) {
			// Budget exhausted: outstanding evidence stays missing, the
			// step resolves inconclusive rather than failed.
			if step.Wait != nil {
				if _, ok, _ := r.waitSatisfied(step.Wait, events, since); !ok {
					verdicts = append(verdicts, r.waitVerdict(step, attempt,
						evidence.Inconclusive, "no evidence received", nil))
				}
			}
			return verdicts, outcomeInconclusive
		}

		if !waiting {
			waiting = true
			r.inbox.Expect(step.ID)
			r.transition(session.StatusWaiting, "")
			r.persist()
		}

		remaining := time.Until(deadline)
		sleep := min(poll, remaining)
		select {
		case <-r.ctx.Done():
			return verdicts, r.ctxOutcome()
		case <-r.inbox.Signal():
		case <-time.After(sleep):
		}
	}
}

// drainEvents pulls every inbox notification the step can use: its wait
// event plus any event types referenced by within assertions.
func (r *runner) drainEvents(step *procedure.Step, since time.Time) []evidence.Evidence {
	types := make(map[string]struct{})
	if step.Wait != nil && step.Wait.Event != "" {
		types[step.Wait.Event] = struct{}{}
	}
	for i := range step.Assertions {
		if w := step.Assertions[i].Within; w != nil {
			types[w.Event] = struct{}{}
			types[w.After] = struct{}{}
		}
	}

	var out []evidence.Evidence
	for typ := range types {
		for {
			ev := r.inbox.TakeEvent(typ, since)
			if ev == nil {
				break
			}
			r.noteSeq(ev.Seq)
			out = append(out, *ev)
		}
	}
	return out
}

// evaluate runs the step's assertions against the collected evidence. A
// step with an action and no assertions gets an implicit dispatch verdict.
func (r *runner) evaluate(step *procedure.Step, attempt int, respEv *evidence.Evidence, events []evidence.Evidence) []evidence.Verdict {
	in := &assertions.Input{
		Response: respEv,
		Events:   events,
		Env:      r.exprEnv(respEv, events),
	}

	if len(step.Assertions) == 0 {
		if step.Action == nil {
			return nil
		}
		v := evidence.Verdict{
			StepID:      step.ID,
			Attempt:     attempt,
			Assertion:   "dispatch",
			Outcome:     evidence.Pass,
			Message:     "action dispatched",
			EvaluatedAt: time.Now().UTC(),
		}
		if respEv != nil {
			v.Evidence = []int64{respEv.Seq}
		}
		return []evidence.Verdict{v}
	}

	out := make([]evidence.Verdict, 0, len(step.Assertions))
	for i := range step.Assertions {
		v := assertions.Evaluate(&step.Assertions[i], in)
		v.StepID = step.ID
		v.Attempt = attempt
		out = append(out, *v)
	}
	return out
}

// classify folds attempt-level verdicts and wait satisfaction into one
// outcome. Any failed verdict fails the attempt immediately; otherwise the
// attempt passes only once every verdict passes and the wait policy is
// satisfied, and stays pending until then.
func (r *runner) classify(step *procedure.Step, verdicts []evidence.Verdict, events []evidence.Evidence, since time.Time) stepOutcome {
	pending := false
	for _, v := range verdicts {
		switch v.Outcome {
		case evidence.Fail:
			return outcomeFail
		case evidence.Inconclusive:
			pending = true
		}
	}

	if step.Wait != nil {
		_, ok, out := r.waitSatisfied(step.Wait, events, since)
		if out != outcomePending {
			return out
		}
		if !ok {
			pending = true
		}
	}

	if pending {
		return outcomePending
	}
	return outcomePass
}

func (r *runner) waitSatisfied(wait *procedure.WaitPolicy, events []evidence.Evidence, since time.Time) (*evidence.Evidence, bool, stepOutcome) {
	if wait.Event != "" {
		for i := range events {
			if events[i].EventType == wait.Event && !events[i].ReceivedAt.Before(since) {
				return &events[i], true, outcomePending
			}
		}
		return nil, false, outcomePending
	}
	if wait.Until != "" {
		ok, err := r.evalCondition(wait.Until)
		if err != nil {
			r.logger.Error("wait condition", "expr", wait.Until, "err", err)
			return nil, false, outcomeFail
		}
		return nil, ok, outcomePending
	}
	return nil, true, outcomePending
}

func waitDesc(wait *procedure.WaitPolicy) string {
	if wait.Event != "" {
		return "wait " + wait.Event
	}
	return "wait until " + wait.Until
}

// waitVerdict records the wait policy's own judgment: even an assertion-less
// wait step leaves a verdict behind, referencing the matched notification
// when there is one.
func (r *runner) waitVerdict(step *procedure.Step, attempt int, outcome evidence.Outcome, msg string, matched *evidence.Evidence) evidence.Verdict {
	v := evidence.Verdict{
		StepID:      step.ID,
		Attempt:     attempt,
		Assertion:   waitDesc(step.Wait),
		Outcome:     outcome,
		Message:     msg,
		EvaluatedAt: time.Now().UTC(),
	}
	if matched != nil {
		v.Evidence = []int64{matched.Seq}
	}
	return v
}

// captureFrom extracts the step's declared captures from the response
// payload. A missing path is a step failure, not an inconclusive: the
// response arrived and does not carry what later steps need.
func (r *runner) captureFrom(step *procedure.Step, attempt int, respEv *evidence.Evidence) *evidence.Verdict {
	for name, path := range step.Capture {
		value, err := assertions.Lookup(respEv.Payload, path)
		if err != nil {
			return &evidence.Verdict{
				StepID:      step.ID,
				Attempt:     attempt,
				Assertion:   fmt.Sprintf("capture %s = %s", name, path),
				Outcome:     evidence.Fail,
				Message:     err.Error(),
				Evidence:    []int64{respEv.Seq},
				EvaluatedAt: time.Now().UTC(),
			}
		}
		r.mu.Lock()
		r.sess.Capture(step.ID, name, value)
		r.mu.Unlock()
	}
	return nil
}

// finishStep applies the step's listener deactivations and moves the
// session back to running before the next step.
func (r *runner) finishStep(step *procedure.Step) {
	r.mu.Lock()
	for _, id := range step.Deactivates {
		delete(r.sess.ActiveListeners, id)
	}
	r.sess.StepDeadline = time.Time{}
	r.mu.Unlock()
	r.inbox.Expect("")
	r.transition(session.StatusRunning, "")
	r.persist()
}

// runPreconditions probes the target before any step action is issued.
// Preconditions are read-only and evaluated once; inconclusive counts as
// not met.
func (r *runner) runPreconditions() bool {
	met := true
	for i := range r.proc.Preconditions {
		pre := &r.proc.Preconditions[i]
		action := &procedure.ActionSpec{Request: pre.Request}
		ev, err := r.h.dispatcher.Execute(r.ctx, r.snapshot(), pre.ID, 1, action)
		if err != nil {
			r.logger.Error("precondition dispatch", "id", pre.ID, "err", err)
			return false
		}
		r.noteSeq(ev.Seq)
		if ev.Kind == evidence.KindError {
			r.record(evidence.Verdict{
				StepID:      pre.ID,
				Attempt:     1,
				Assertion:   "dispatch",
				Outcome:     evidence.Fail,
				Message:     ev.Error,
				Evidence:    []int64{ev.Seq},
				EvaluatedAt: time.Now().UTC(),
			})
			met = false
			continue
		}
		in := &assertions.Input{Response: ev, Env: r.exprEnv(ev, nil)}
		for j := range pre.Assertions {
			v := assertions.Evaluate(&pre.Assertions[j], in)
			v.StepID = pre.ID
			v.Attempt = 1
			r.record(*v)
			if v.Outcome != evidence.Pass {
				met = false
			}
		}
	}
	return met
}

// recover reconstructs attempt-local state from the evidence log after a
// restart: whether the in-flight action was already issued, its response if
// one was captured, and notifications persisted while the process was down.
func (r *runner) recover() error {
	evs, err := r.h.rec.List(context.Background(), r.sess.ID)
	if err != nil {
		return fmt.Errorf("list evidence: %w", err)
	}
	if r.sess.CurrentStep >= len(r.proc.Steps) {
		return fmt.Errorf("snapshot step index %d out of range", r.sess.CurrentStep)
	}
	step := &r.proc.Steps[r.sess.CurrentStep]

	for i := range evs {
		ev := &evs[i]
		if ev.StepID == step.ID && ev.Attempt == r.sess.Attempt {
			switch ev.Kind {
			case evidence.KindRequest:
				// Evidence of the request exists, so the action reached the
				// wire (or may have). Never re-issue it on resume.
				r.skipDispatch = true
			case evidence.KindResponse:
				r.recovered = ev
			}
		}
		if ev.Kind == evidence.KindNotification && ev.Seq > r.sess.LastSeq {
			r.preloaded = append(r.preloaded, *ev)
		}
	}
	if !r.sess.StepDeadline.IsZero() {
		r.restoreDeadline = true
	}
	return nil
}

// --- small helpers -------------------------------------------------------

func (r *runner) abort() {
	r.mu.Lock()
	r.aborting = true
	r.mu.Unlock()
	r.cancel()
}

func (r *runner) snapshot() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Snapshot()
}

func (r *runner) status() session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Status
}

func (r *runner) attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Attempt
}

func (r *runner) record(v evidence.Verdict) {
	r.mu.Lock()
	r.sess.Record(v)
	r.mu.Unlock()
	if r.h.trace != nil {
		if err := r.h.trace.WriteVerdict(r.sess.ID, &v); err != nil {
			r.logger.Warn("trace verdict", "err", err)
		}
	}
}

func (r *runner) noteSeq(seq int64) {
	r.mu.Lock()
	if seq > r.sess.LastSeq {
		r.sess.LastSeq = seq
	}
	r.mu.Unlock()
}

func (r *runner) setDeadline(t time.Time) {
	r.mu.Lock()
	r.sess.StepDeadline = t
	r.mu.Unlock()
}

func (r *runner) transition(to session.Status, explanation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sess.Transition(to); err != nil {
		r.logger.Error("state machine violation", "err", err)
		return
	}
	if explanation != "" {
		r.sess.Explanation = explanation
	}
}

// persist writes the current snapshot with a short independent timeout so a
// cancelled run context cannot block the final save.
func (r *runner) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.h.store.Persist(ctx, r.snapshot()); err != nil {
		r.logger.Error("persist session", "err", err)
	}
}

func (r *runner) finalize(status session.Status, explanation string) {
	r.mu.Lock()
	if r.aborting && status != session.StatusAborted {
		status = session.StatusAborted
		explanation = "aborted by operator"
	}
	r.mu.Unlock()

	r.transition(status, explanation)
	r.persist()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.h.store.Archive(ctx, r.snapshot()); err != nil {
		r.logger.Error("archive session", "err", err)
	}
	r.logger.Info("session finished",
		"status", status, "explanation", explanation)
}

// ctxOutcome maps context cancellation onto a scheduler outcome: operator
// abort or overall timeout.
func (r *runner) ctxOutcome() stepOutcome {
	r.mu.Lock()
	aborting := r.aborting
	r.mu.Unlock()
	if aborting {
		return outcomeAbort
	}
	return outcomeInconclusive
}

func (r *runner) evalCondition(src string) (bool, error) {
	env := r.snapshot().TemplateEnv()
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile %q: %w", src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool", src)
	}
	return b, nil
}

// exprEnv extends the template environment with the latest response and
// the matched notifications for expr assertions.
func (r *runner) exprEnv(respEv *evidence.Evidence, events []evidence.Evidence) map[string]any {
	env := r.snapshot().TemplateEnv()

	if respEv != nil {
		resp := map[string]any{"status": respEv.Status}
		if len(respEv.Payload) > 0 {
			var body any
			if err := json.Unmarshal(respEv.Payload, &body); err == nil {
				resp["body"] = body
			}
		}
		env["response"] = resp
	}

	evts := make([]map[string]any, 0, len(events))
	for i := range events {
		e := map[string]any{
			"event":       events[i].EventType,
			"received_at": events[i].ReceivedAt,
		}
		if len(events[i].Payload) > 0 {
			var body any
			if err := json.Unmarshal(events[i].Payload, &body); err == nil {
				e["payload"] = body
			}
		}
		evts = append(evts, e)
	}
	env["events"] = evts
	return env
}

func (r *runner) retryPolicy(step *procedure.Step) procedure.RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}
	if d := r.proc.Meta.Defaults; d != nil && d.Retry != nil {
		return *d.Retry
	}
	if r.h.opts.Retry.MaxAttempts > 0 {
		return r.h.opts.Retry
	}
	return procedure.RetryPolicy{MaxAttempts: defaultMaxAttempts}
}

// stepBudget returns the step's wall-clock budget: its own timeout, the
// wait budget, or the procedure default. Zero means evaluate once with no
// waiting.
func (r *runner) stepBudget(step *procedure.Step) time.Duration {
	if step.Timeout != "" {
		return parseDur(step.Timeout, 0)
	}
	if step.Wait != nil && step.Wait.For != "" {
		return parseDur(step.Wait.For, 0)
	}
	if d := r.proc.Meta.Defaults; d != nil && d.Timeout != "" {
		return parseDur(d.Timeout, 0)
	}
	return 0
}

func (r *runner) pollInterval(step *procedure.Step) time.Duration {
	if step.Wait != nil && step.Wait.Poll != "" {
		return parseDur(step.Wait.Poll, r.h.opts.Poll)
	}
	if d := r.proc.Meta.Defaults; d != nil && d.Poll != "" {
		return parseDur(d.Poll, r.h.opts.Poll)
	}
	return r.h.opts.Poll
}

func parseDur(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func outcomeLabel(o stepOutcome) string {
	switch o {
	case outcomePass:
		return "pass"
	case outcomeFail:
		return "fail"
	case outcomeInconclusive:
		return "inconclusive"
	case outcomeAbort:
		return "abort"
	}
	return "internal"
}
