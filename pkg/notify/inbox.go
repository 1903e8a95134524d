package notify

import (
	"sync"
	"time"

	"github.com/ormasoftchile/certo/pkg/evidence"
)

// DefaultInboxCap bounds each session's inbox. A conformant device emits a
// handful of notifications per step; hitting the cap means the client under
// test is flooding and further entries are dropped with a warning.
const DefaultInboxCap = 256

// Inbox is the per-session queue of received notifications not yet consumed
// by an assertion. Insertion order is preserved; entries are removed once
// matched or expired. Single-writer/single-reader: only the Listener
// appends, only the session's scheduler removes.
type Inbox struct {
	mu      sync.Mutex
	entries []evidence.Evidence
	cap     int

	// expectedStep is set by the scheduler at step entry so notification
	// evidence can be tagged with the step it belongs to.
	expectedStep string

	signal chan struct{}
}

func newInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCap
	}
	return &Inbox{
		cap:    capacity,
		signal: make(chan struct{}, 1),
	}
}

// Signal returns a channel that receives a token whenever an entry is
// appended, letting the scheduler block instead of busy-polling.
func (in *Inbox) Signal() <-chan struct{} {
	return in.signal
}

// Expect tags subsequently delivered notifications with the given step id.
// Called by the scheduler when a waiting step becomes active.
func (in *Inbox) Expect(stepID string) {
	in.mu.Lock()
	in.expectedStep = stepID
	in.mu.Unlock()
}

// put appends an entry, reporting false when the inbox is full.
func (in *Inbox) put(ev evidence.Evidence) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.entries) >= in.cap {
		return false
	}
	in.entries = append(in.entries, ev)
	select {
	case in.signal <- struct{}{}:
	default:
	}
	return true
}

func (in *Inbox) stepID() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.expectedStep
}

// TakeEvent removes and returns the oldest unconsumed notification of the
// given event type received at or after since, or nil if none is queued.
// A zero since matches any queued entry.
func (in *Inbox) TakeEvent(eventType string, since time.Time) *evidence.Evidence {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := range in.entries {
		if in.entries[i].EventType != eventType {
			continue
		}
		if since.IsZero() || !in.entries[i].ReceivedAt.Before(since) {
			ev := in.entries[i]
			in.entries = append(in.entries[:i], in.entries[i+1:]...)
			return &ev
		}
	}
	return nil
}

// Expire drops entries received before the cutoff, returning the count
// removed. Evidence already recorded for the dropped entries is retained.
func (in *Inbox) Expire(before time.Time) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	kept := in.entries[:0]
	dropped := 0
	for _, ev := range in.entries {
		if ev.ReceivedAt.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	in.entries = kept
	return dropped
}

// Len returns the number of unconsumed entries.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}
