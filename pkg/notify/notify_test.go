package notify

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ormasoftchile/certo/pkg/evidence"
)

// memRecorder is an in-memory Recorder with the same sequence and dedupe
// contract as the durable store.
type memRecorder struct {
	mu   sync.Mutex
	seqs map[string]int64
	seen map[string]bool
	evs  []evidence.Evidence
}

func newMemRecorder() *memRecorder {
	return &memRecorder{seqs: make(map[string]int64), seen: make(map[string]bool)}
}

func (m *memRecorder) Append(ctx context.Context, ev *evidence.Evidence) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Kind == evidence.KindNotification && ev.MessageID != "" {
		key := ev.SessionID + "/" + ev.MessageID
		if m.seen[key] {
			return 0, evidence.ErrDuplicate
		}
		m.seen[key] = true
	}
	m.seqs[ev.SessionID]++
	ev.Seq = m.seqs[ev.SessionID]
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	m.evs = append(m.evs, *ev)
	return ev.Seq, nil
}

func (m *memRecorder) List(ctx context.Context, sessionID string) ([]evidence.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []evidence.Evidence
	for _, ev := range m.evs {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestDeliverRoutesToInbox(t *testing.T) {
	rec := newMemRecorder()
	l := NewListener(rec, nil)
	in := l.Register("s1")

	ev, err := l.Deliver(context.Background(), "s1", Notification{
		MessageID: "m1", Event: "edev-connected", Payload: []byte(`{"x":1}`),
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ev == nil || ev.Seq != 1 {
		t.Fatalf("evidence = %+v", ev)
	}
	if in.Len() != 1 {
		t.Fatalf("inbox len = %d", in.Len())
	}

	got := in.TakeEvent("edev-connected", time.Time{})
	if got == nil || got.MessageID != "m1" {
		t.Fatalf("take = %+v", got)
	}
	if in.Len() != 0 {
		t.Error("entry not removed")
	}
}

func TestDeliverDuplicateMessageID(t *testing.T) {
	rec := newMemRecorder()
	l := NewListener(rec, nil)
	in := l.Register("s1")

	for i := 0; i < 3; i++ {
		if _, err := l.Deliver(context.Background(), "s1", Notification{
			MessageID: "m1", Event: "tick",
		}); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}

	evs, _ := rec.List(context.Background(), "s1")
	if len(evs) != 1 {
		t.Errorf("evidence records = %d, want 1", len(evs))
	}
	if in.Len() != 1 {
		t.Errorf("inbox entries = %d, want 1", in.Len())
	}
}

func TestDeliverUnknownSessionDropped(t *testing.T) {
	rec := newMemRecorder()
	l := NewListener(rec, nil)

	ev, err := l.Deliver(context.Background(), "ghost", Notification{Event: "tick"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ev != nil {
		t.Error("expected drop for unregistered session")
	}
	if evs, _ := rec.List(context.Background(), "ghost"); len(evs) != 0 {
		t.Error("dropped notification must not be recorded")
	}
}

func TestDeliverSynthesizesMessageID(t *testing.T) {
	rec := newMemRecorder()
	l := NewListener(rec, nil)
	l.Register("s1")

	ev, err := l.Deliver(context.Background(), "s1", Notification{Event: "tick"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.MessageID == "" {
		t.Error("message id not synthesized")
	}
}

func TestDeregisterStopsRouting(t *testing.T) {
	rec := newMemRecorder()
	l := NewListener(rec, nil)
	l.Register("s1")
	l.Deregister("s1")

	ev, err := l.Deliver(context.Background(), "s1", Notification{Event: "tick"})
	if err != nil || ev != nil {
		t.Errorf("expected drop after deregister, got %+v, %v", ev, err)
	}
}

func TestInboxTakeEventSince(t *testing.T) {
	in := newInbox(8)
	early := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	in.put(evidence.Evidence{EventType: "tick", ReceivedAt: early})
	in.put(evidence.Evidence{EventType: "tick", ReceivedAt: late})
	in.put(evidence.Evidence{EventType: "other", ReceivedAt: late})

	if got := in.TakeEvent("tick", early.Add(30*time.Second)); got == nil || !got.ReceivedAt.Equal(late) {
		t.Fatalf("since filter returned %+v", got)
	}
	// The early entry predates the cutoff and stays.
	if got := in.TakeEvent("tick", early.Add(30*time.Second)); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
	if got := in.TakeEvent("tick", time.Time{}); got == nil || !got.ReceivedAt.Equal(early) {
		t.Fatalf("zero since should match early entry, got %+v", got)
	}
	if in.Len() != 1 {
		t.Errorf("len = %d, want 1 (the other-typed entry)", in.Len())
	}
}

func TestInboxCapacity(t *testing.T) {
	in := newInbox(2)
	if !in.put(evidence.Evidence{EventType: "a"}) || !in.put(evidence.Evidence{EventType: "b"}) {
		t.Fatal("puts under cap should succeed")
	}
	if in.put(evidence.Evidence{EventType: "c"}) {
		t.Error("put over cap should report false")
	}
	if in.Len() != 2 {
		t.Errorf("len = %d", in.Len())
	}
}

func TestInboxSignal(t *testing.T) {
	in := newInbox(4)
	select {
	case <-in.Signal():
		t.Fatal("signal before put")
	default:
	}
	in.put(evidence.Evidence{EventType: "a"})
	in.put(evidence.Evidence{EventType: "b"}) // coalesces
	select {
	case <-in.Signal():
	case <-time.After(time.Second):
		t.Fatal("no signal after put")
	}
}

func TestInboxExpire(t *testing.T) {
	in := newInbox(8)
	old := time.Now().Add(-time.Hour)
	in.put(evidence.Evidence{EventType: "a", ReceivedAt: old})
	in.put(evidence.Evidence{EventType: "b", ReceivedAt: time.Now()})

	if dropped := in.Expire(time.Now().Add(-time.Minute)); dropped != 1 {
		t.Errorf("dropped = %d", dropped)
	}
	if in.Len() != 1 {
		t.Errorf("len = %d", in.Len())
	}
}

func TestHandlerPostNotification(t *testing.T) {
	rec := newMemRecorder()
	l := NewListener(rec, nil)
	in := l.Register("s1")
	srv := httptest.NewServer(l.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/sessions/s1/notifications", "application/json",
		bytes.NewBufferString(`{"message_id":"m9","event":"edev-connected","payload":{"pin":123}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if in.Len() != 1 {
		t.Fatalf("inbox len = %d", in.Len())
	}

	// Malformed body and missing event type are client errors.
	resp, _ = srv.Client().Post(srv.URL+"/sessions/s1/notifications", "application/json",
		bytes.NewBufferString(`{broken`))
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}
	resp, _ = srv.Client().Post(srv.URL+"/sessions/s1/notifications", "application/json",
		bytes.NewBufferString(`{"message_id":"m10"}`))
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("missing event status = %d", resp.StatusCode)
	}
}
