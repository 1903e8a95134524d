// Package engine implements the test procedure execution engine: the step
// scheduler and its control plane. One scheduler loop runs per active
// session; sessions are isolated by id and share only the notification
// listener.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ormasoftchile/certo/pkg/dispatch"
	"github.com/ormasoftchile/certo/pkg/evidence"
	"github.com/ormasoftchile/certo/pkg/notify"
	"github.com/ormasoftchile/certo/pkg/procedure"
	"github.com/ormasoftchile/certo/pkg/session"
)

// Options tune engine-wide defaults. Zero values select the defaults below.
type Options struct {
	HTTPClient *http.Client
	Logger     *log.Logger

	// Trace, when set, receives a JSONL record per verdict as it is
	// reached. Evidence tracing is wired at the recorder, not here.
	Trace *evidence.TraceWriter

	// OverallTimeout bounds a session when the procedure sets none.
	OverallTimeout time.Duration
	// Poll is the fallback polling interval for waiting steps.
	Poll time.Duration
	// Retry is the fallback retry policy for steps that set none.
	Retry procedure.RetryPolicy
}

const (
	defaultOverallTimeout = time.Hour
	defaultPoll           = 250 * time.Millisecond
	defaultBackoff        = 500 * time.Millisecond
	defaultBackoffCeiling = 30 * time.Second
	defaultMaxAttempts    = 3
)

// Harness owns the registered procedures and the active scheduler loops,
// and exposes the control plane: StartSession, SessionStatus, AbortSession.
type Harness struct {
	mu      sync.Mutex
	procs   map[string]*procedure.Procedure
	runners map[string]*runner

	store      session.Store
	rec        evidence.Recorder
	listener   *notify.Listener
	dispatcher *dispatch.Dispatcher
	trace      *evidence.TraceWriter
	opts       Options
	logger     *log.Logger
}

// New creates a harness over the given store, evidence recorder and
// notification listener.
func New(store session.Store, rec evidence.Recorder, listener *notify.Listener, opts Options) *Harness {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = defaultOverallTimeout
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	logger := opts.Logger.With("component", "engine")
	return &Harness{
		procs:      make(map[string]*procedure.Procedure),
		runners:    make(map[string]*runner),
		store:      store,
		rec:        rec,
		listener:   listener,
		dispatcher: dispatch.New(opts.HTTPClient, rec, listener, opts.Logger),
		trace:      opts.Trace,
		opts:       opts,
		logger:     logger,
	}
}

// Register makes a validated procedure available to StartSession. The
// engine treats the definition as read-only.
func (h *Harness) Register(p *procedure.Procedure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procs[p.Meta.ID] = p
}

// Procedure returns a registered procedure definition, or nil.
func (h *Harness) Procedure(id string) *procedure.Procedure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[id]
}

// Procedures lists the registered procedure ids.
func (h *Harness) Procedures() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.procs))
	for id := range h.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartSession creates a session for the procedure against the target base
// URL and starts its scheduler loop. Returns the new session id.
func (h *Harness) StartSession(ctx context.Context, procedureID, target string, vars map[string]string) (string, error) {
	h.mu.Lock()
	proc := h.procs[procedureID]
	h.mu.Unlock()
	if proc == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownProcedure, procedureID)
	}

	sess := session.New(uuid.NewString(), procedureID, target, vars)
	sess.StartedAt = time.Now().UTC()
	if err := h.store.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("%w: create session: %v", ErrInternal, err)
	}

	r := h.newRunner(proc, sess, false)
	h.logger.Info("session started", "session", sess.ID,
		"procedure", procedureID, "target", target)
	go r.run()
	return sess.ID, nil
}

// Resume reloads a persisted non-terminal session after a crash and
// restarts its scheduler loop. State is reconstructed from the session
// snapshot plus the evidence log; non-idempotent actions already recorded
// as evidence are not re-issued.
func (h *Harness) Resume(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	_, live := h.runners[sessionID]
	h.mu.Unlock()
	if live {
		return nil // already running
	}

	sess, err := h.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	h.mu.Lock()
	proc := h.procs[sess.ProcedureID]
	h.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProcedure, sess.ProcedureID)
	}

	r := h.newRunner(proc, sess, true)
	h.logger.Info("session resumed", "session", sess.ID,
		"procedure", sess.ProcedureID, "step", sess.CurrentStep)
	go r.run()
	return nil
}

// SessionStatus returns a point-in-time snapshot of a session: live state
// for active sessions, the persisted snapshot otherwise.
func (h *Harness) SessionStatus(ctx context.Context, sessionID string) (*session.Session, error) {
	h.mu.Lock()
	r := h.runners[sessionID]
	h.mu.Unlock()
	if r != nil {
		return r.snapshot(), nil
	}
	return h.store.Load(ctx, sessionID)
}

// AbortSession transitions a non-terminal session to aborted, flushing
// in-flight waits. Already-recorded evidence is retained for audit.
func (h *Harness) AbortSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	r := h.runners[sessionID]
	h.mu.Unlock()
	if r != nil {
		r.abort()
		return nil
	}

	// Not live: abort directly in the store.
	sess, err := h.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: session %s already %s", ErrPolicyViolation, sessionID, sess.Status)
	}
	if err := sess.Transition(session.StatusAborted); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	sess.Explanation = "aborted by operator"
	return h.store.Persist(ctx, sess)
}

// Done returns a channel closed when the session's scheduler loop exits.
// Already-finished or unknown sessions return a closed channel.
func (h *Harness) Done(sessionID string) <-chan struct{} {
	h.mu.Lock()
	r := h.runners[sessionID]
	h.mu.Unlock()
	if r == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func (h *Harness) newRunner(proc *procedure.Procedure, sess *session.Session, resumed bool) *runner {
	ctx, cancel := context.WithTimeout(context.Background(), proc.OverallTimeout(h.opts.OverallTimeout))
	r := &runner{
		h:       h,
		proc:    proc,
		sess:    sess,
		inbox:   h.listener.Register(sess.ID),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		resumed: resumed,
		logger:  h.logger.With("session", sess.ID),
	}
	h.mu.Lock()
	h.runners[sess.ID] = r
	h.mu.Unlock()
	return r
}

func (h *Harness) dropRunner(sessionID string) {
	h.listener.Deregister(sessionID)
	h.mu.Lock()
	delete(h.runners, sessionID)
	h.mu.Unlock()
}
