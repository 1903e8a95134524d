package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ormasoftchile/certo/pkg/session"
)

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("create session: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, procedure_id, target, status, started_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ProcedureID, sess.Target, string(sess.Status),
		sess.StartedAt.UTC().Format(time.RFC3339Nano), snapshot)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Load reads a session snapshot back. Returns session.ErrNotFound for
// unknown ids.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM sessions WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(snapshot, &sess); err != nil {
		return nil, fmt.Errorf("load session %s: unmarshal snapshot: %w", id, err)
	}
	return &sess, nil
}

// Persist overwrites the session snapshot. Called after every state-relevant
// mutation so a crash loses at most the in-flight step.
func (s *Store) Persist(ctx context.Context, sess *session.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("persist session: marshal snapshot: %w", err)
	}
	endedAt := sql.NullString{}
	if !sess.EndedAt.IsZero() {
		endedAt = sql.NullString{String: sess.EndedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, snapshot = ? WHERE id = ?
	`, string(sess.Status), endedAt, snapshot, sess.ID)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Archive persists the final snapshot and marks the session archived.
// Archived sessions are retained for audit; the evidence log is untouched.
func (s *Store) Archive(ctx context.Context, sess *session.Session) error {
	if err := s.Persist(ctx, sess); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived = 1 WHERE id = ?`, sess.ID); err != nil {
		return fmt.Errorf("archive session %s: %w", sess.ID, err)
	}
	return nil
}

// Active returns the ids of unarchived sessions in a non-terminal status.
func (s *Store) Active(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE archived = 0 AND status IN ('pending', 'running', 'waiting')
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list active sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
