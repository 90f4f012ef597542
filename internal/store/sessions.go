package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession inserts a new session. Fails if the id already exists.
func (s *Store) CreateSession(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, recording_started_at, created_at)
		VALUES (?, NULL, ?)
	`, id, toMillis(now))
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return Session{ID: id, CreatedAt: fromMillis(toMillis(now))}, nil
}

// EnsureSession inserts the session if it is unknown and returns the stored
// row. Uses ON CONFLICT(id) DO NOTHING so concurrent callers agree.
func (s *Store) EnsureSession(ctx context.Context, id string) (Session, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, recording_started_at, created_at)
		VALUES (?, NULL, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, toMillis(s.now()))
	if err != nil {
		return Session{}, false, fmt.Errorf("ensure session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, false, fmt.Errorf("ensure session: rows affected: %w", err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return sess, n > 0, nil
}

// GetSession returns the session with the given id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		started sql.NullInt64
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recording_started_at, created_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(&sess.ID, &started, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.RecordingStartedAt = timePtr(started)
	sess.CreatedAt = fromMillis(created)
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recording_started_at, created_at
		FROM sessions
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			sess    Session
			started sql.NullInt64
			created int64
		)
		if err := rows.Scan(&sess.ID, &started, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.RecordingStartedAt = timePtr(started)
		sess.CreatedAt = fromMillis(created)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SetRecordingStartedAt sets the session's recording anchor if it is still
// unset. Returns false when the anchor was already present.
func (s *Store) SetRecordingStartedAt(ctx context.Context, id string, t time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET recording_started_at = ?
		WHERE id = ? AND recording_started_at IS NULL
	`, toMillis(t), id)
	if err != nil {
		return false, fmt.Errorf("set recording start: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set recording start: rows affected: %w", err)
	}
	return n > 0, nil
}
