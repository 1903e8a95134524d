// Package notify implements the standing notification subscriber: it
// receives asynchronous events pushed by the system under test and routes
// them to the owning session's inbox and the evidence log, decoupled in
// time from the step that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ormasoftchile/certo/pkg/evidence"
)

// Notification is the wire shape of one pushed event. MessageID is the
// provider-assigned idempotency key; delivery is at-least-once and may be
// out of order, so ordering is by receipt time, never by claimed send time.
type Notification struct {
	MessageID string          `json:"message_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Listener demultiplexes incoming notifications to per-session inboxes.
// It is shared across all sessions and never blocks step execution: the
// scheduler polls or is signaled through the inbox.
type Listener struct {
	mu      sync.Mutex
	inboxes map[string]*Inbox

	rec      evidence.Recorder
	inboxCap int
	logger   *log.Logger
}

// NewListener creates a listener recording into the given evidence log.
func NewListener(rec evidence.Recorder, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Listener{
		inboxes:  make(map[string]*Inbox),
		rec:      rec,
		inboxCap: DefaultInboxCap,
		logger:   logger.With("component", "listener"),
	}
}

// Register creates (or returns) the inbox for a session. Only registered
// sessions receive notifications.
func (l *Listener) Register(sessionID string) *Inbox {
	l.mu.Lock()
	defer l.mu.Unlock()
	if in, ok := l.inboxes[sessionID]; ok {
		return in
	}
	in := newInbox(l.inboxCap)
	l.inboxes[sessionID] = in
	return in
}

// Deregister stops routing to a session. Already-enqueued entries are
// dropped; their evidence records are retained for audit.
func (l *Listener) Deregister(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inboxes, sessionID)
}

func (l *Listener) inbox(sessionID string) *Inbox {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inboxes[sessionID]
}

// Deliver timestamps a notification, records it as evidence and appends it
// to the session's inbox. Duplicate message ids are dropped after the
// recorder reports them (idempotent insert). Notifications for unregistered
// sessions are dropped: an aborted session no longer receives events.
func (l *Listener) Deliver(ctx context.Context, sessionID string, n Notification) (*evidence.Evidence, error) {
	in := l.inbox(sessionID)
	if in == nil {
		l.logger.Debug("dropping notification for unknown session",
			"session", sessionID, "event", n.Event)
		return nil, nil
	}

	if n.MessageID == "" {
		// Providers should assign ids; synthesize one so the dedupe key
		// is never empty.
		n.MessageID = uuid.NewString()
	}

	ev := evidence.Evidence{
		SessionID:  sessionID,
		StepID:     in.stepID(),
		Kind:       evidence.KindNotification,
		EventType:  n.Event,
		MessageID:  n.MessageID,
		Payload:    n.Payload,
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := l.rec.Append(ctx, &ev); err != nil {
		if errors.Is(err, evidence.ErrDuplicate) {
			l.logger.Debug("duplicate notification delivery",
				"session", sessionID, "event", n.Event, "message_id", n.MessageID)
			return nil, nil
		}
		return nil, fmt.Errorf("record notification: %w", err)
	}

	if !in.put(ev) {
		l.logger.Warn("inbox full, dropping notification",
			"session", sessionID, "event", n.Event, "message_id", n.MessageID)
		return &ev, nil
	}
	l.logger.Debug("notification routed",
		"session", sessionID, "event", n.Event, "seq", ev.Seq)
	return &ev, nil
}

// Handler returns the webhook endpoint the system under test's subscription
// channel posts to: POST /sessions/{session}/notifications.
func (l *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{session}/notifications", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("session")

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			http.Error(w, "malformed notification", http.StatusBadRequest)
			return
		}
		if n.Event == "" {
			http.Error(w, "missing event type", http.StatusBadRequest)
			return
		}

		if _, err := l.Deliver(r.Context(), sessionID, n); err != nil {
			l.logger.Error("deliver notification", "session", sessionID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
