package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ormasoftchile/certo/pkg/evidence"
)

// Append writes one evidence record and assigns the next per-session
// sequence number inside a single transaction, keeping the sequence
// strictly increasing and gap-free under concurrent dispatcher and
// listener writers.
//
// Notifications carrying an already-seen message id return
// evidence.ErrDuplicate before a sequence number is consumed.
func (s *Store) Append(ctx context.Context, ev *evidence.Evidence) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append evidence: %w", err)
	}
	defer tx.Rollback()

	if ev.Kind == evidence.KindNotification && ev.MessageID != "" {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM evidence WHERE session_id = ? AND message_id = ?
		`, ev.SessionID, ev.MessageID).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("append evidence: dedupe check: %w", err)
		}
		if n > 0 {
			return 0, evidence.ErrDuplicate
		}
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM evidence WHERE session_id = ?
	`, ev.SessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append evidence: next seq: %w", err)
	}

	receivedAt := sql.NullString{}
	if !ev.ReceivedAt.IsZero() {
		receivedAt = sql.NullString{String: ev.ReceivedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence
		(session_id, seq, step_id, attempt, kind, recorded_at,
		 method, target, payload_digest, status, payload,
		 event_type, message_id, received_at, error, supersedes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.SessionID, seq, ev.StepID, ev.Attempt, string(ev.Kind),
		ev.RecordedAt.UTC().Format(time.RFC3339Nano),
		ev.Method, ev.Target, ev.PayloadDigest, ev.Status, []byte(ev.Payload),
		ev.EventType, ev.MessageID, receivedAt, ev.Error, ev.Supersedes,
	)
	if err != nil {
		return 0, fmt.Errorf("append evidence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append evidence: commit: %w", err)
	}

	ev.Seq = seq
	return seq, nil
}

// List returns all evidence for a session in sequence order.
func (s *Store) List(ctx context.Context, sessionID string) ([]evidence.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step_id, attempt, kind, recorded_at,
		       method, target, payload_digest, status, payload,
		       event_type, message_id, received_at, error, supersedes
		FROM evidence WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []evidence.Evidence
	for rows.Next() {
		ev := evidence.Evidence{SessionID: sessionID}
		var kind, recordedAt string
		var receivedAt, method, target, digest, eventType, messageID, errMsg sql.NullString
		var status sql.NullInt64
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.StepID, &ev.Attempt, &kind, &recordedAt,
			&method, &target, &digest, &status, &payload,
			&eventType, &messageID, &receivedAt, &errMsg, &ev.Supersedes); err != nil {
			return nil, fmt.Errorf("list evidence: %w", err)
		}
		ev.Kind = evidence.Kind(kind)
		ev.Method = method.String
		ev.Target = target.String
		ev.PayloadDigest = digest.String
		ev.Status = int(status.Int64)
		ev.Payload = payload
		ev.EventType = eventType.String
		ev.MessageID = messageID.String
		ev.Error = errMsg.String
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			ev.RecordedAt = t
		}
		if receivedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, receivedAt.String); err == nil {
				ev.ReceivedAt = t
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
