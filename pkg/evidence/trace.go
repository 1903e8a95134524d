package evidence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TraceEvent wraps an evidence or verdict record for JSONL trace output.
type TraceEvent struct {
	Type      string    `json:"type"` // evidence, verdict
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Evidence  *Evidence `json:"evidence,omitempty"`
	Verdict   *Verdict  `json:"verdict,omitempty"`
}

// TraceWriter mirrors the evidence stream to a JSONL file for offline
// inspection and report generation. The durable store remains the system of
// record; the trace is a human-auditable side channel.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewTraceWriter creates a trace writer that appends to the given file.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &TraceWriter{
		file:   f,
		writer: w,
		enc:    json.NewEncoder(w),
	}, nil
}

// WriteEvidence appends an evidence record and flushes to disk.
func (tw *TraceWriter) WriteEvidence(ev *Evidence) error {
	return tw.write(TraceEvent{
		Type:      "evidence",
		Timestamp: time.Now(),
		SessionID: ev.SessionID,
		Evidence:  ev,
	})
}

// WriteVerdict appends a verdict record and flushes to disk.
func (tw *TraceWriter) WriteVerdict(sessionID string, v *Verdict) error {
	return tw.write(TraceEvent{
		Type:      "verdict",
		Timestamp: time.Now(),
		SessionID: sessionID,
		Verdict:   v,
	})
}

func (tw *TraceWriter) write(event TraceEvent) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.enc.Encode(event); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	// Flush and sync at record boundaries
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}

// Traced wraps a Recorder so every successfully appended record is mirrored
// to the trace. A trace write failure does not fail the append; the durable
// store has already accepted the record.
func Traced(rec Recorder, tw *TraceWriter) Recorder {
	return &tracedRecorder{rec: rec, tw: tw}
}

type tracedRecorder struct {
	rec Recorder
	tw  *TraceWriter
}

func (t *tracedRecorder) Append(ctx context.Context, ev *Evidence) (int64, error) {
	seq, err := t.rec.Append(ctx, ev)
	if err != nil {
		return seq, err
	}
	_ = t.tw.WriteEvidence(ev)
	return seq, nil
}

func (t *tracedRecorder) List(ctx context.Context, sessionID string) ([]Evidence, error) {
	return t.rec.List(ctx, sessionID)
}
