package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const fileColumns = `id, session_id, path, filename, type, status, created_at`

// CreateFileArtifact inserts a file record and its initial history entry.
// Uses ON CONFLICT(path) DO NOTHING: a path already known to the store is
// returned unchanged with inserted=false, so watcher and reconciler can race
// on the same chunk without creating duplicates.
//
// The referenced session must exist (foreign key constraint).
func (s *Store) CreateFileArtifact(ctx context.Context, f FileArtifact) (FileArtifact, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FileArtifact{}, false, fmt.Errorf("create file: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO files (session_id, path, filename, type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING
	`,
		f.SessionID,
		f.Path,
		f.Filename,
		f.MimeType,
		int(f.Status),
		nullableMillis(f.CreatedAt),
		toMillis(now),
	)
	if err != nil {
		return FileArtifact{}, false, fmt.Errorf("create file: insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return FileArtifact{}, false, fmt.Errorf("create file: rows affected: %w", err)
	}

	if n == 0 {
		existing, err := scanFile(tx.QueryRowContext(ctx,
			`SELECT `+fileColumns+` FROM files WHERE path = ?`, f.Path))
		if err != nil {
			return FileArtifact{}, false, fmt.Errorf("create file: select existing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return FileArtifact{}, false, fmt.Errorf("create file: commit (existing): %w", err)
		}
		return existing, false, nil
	}

	f.ID, err = res.LastInsertId()
	if err != nil {
		return FileArtifact{}, false, fmt.Errorf("create file: last insert id: %w", err)
	}
	if err := s.recordHistory(ctx, tx, KindFile, f.ID, nil, f.Status, now); err != nil {
		return FileArtifact{}, false, fmt.Errorf("create file: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return FileArtifact{}, false, fmt.Errorf("create file: commit: %w", err)
	}
	return f, true, nil
}

// FileByPath returns the file record for path, or ErrNotFound.
func (s *Store) FileByPath(ctx context.Context, path string) (FileArtifact, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return FileArtifact{}, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return FileArtifact{}, fmt.Errorf("file %s: %w", path, err)
	}
	return f, nil
}

// FileByID returns the file record with the given id, or ErrNotFound.
func (s *Store) FileByID(ctx context.Context, id int64) (FileArtifact, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return FileArtifact{}, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return FileArtifact{}, fmt.Errorf("file %d: %w", id, err)
	}
	return f, nil
}

// FilesByStatus returns files whose status is one of statuses, optionally
// restricted to one session (empty sessionID means all sessions).
// Ordered by id so older chunks are offered first.
func (s *Store) FilesByStatus(ctx context.Context, statuses []Status, sessionID string) ([]FileArtifact, error) {
	if len(statuses) == 0 {
		return []FileArtifact{}, nil
	}

	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, int(st))
	}
	query := `SELECT ` + fileColumns + ` FROM files WHERE status IN (` + inClause(len(statuses)) + `)`
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("files by status: %w", err)
	}
	defer rows.Close()

	files := []FileArtifact{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("files by status: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// SetFileCreatedAt backfills the birth time of a file record.
func (s *Store) SetFileCreatedAt(ctx context.Context, id int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET created_at = ?, updated_at = ? WHERE id = ?
	`, toMillis(t), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set file created_at: %w", err)
	}
	return nil
}

// FinalizeRecording moves every RECORDING file of the session other than
// openPath to READY_FOR_UPLOAD and returns the finalized records. This keeps
// at most one open chunk per session: the one at openPath.
func (s *Store) FinalizeRecording(ctx context.Context, sessionID, openPath string) ([]FileArtifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("finalize recording: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE session_id = ? AND status = ? AND path != ?
		ORDER BY id ASC
	`, sessionID, int(StatusRecording), openPath)
	if err != nil {
		return nil, fmt.Errorf("finalize recording: select: %w", err)
	}
	var finalized []FileArtifact
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("finalize recording: %w", err)
		}
		finalized = append(finalized, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finalize recording: iterate: %w", err)
	}

	now := s.now()
	for i := range finalized {
		_, err := tx.ExecContext(ctx, `
			UPDATE files SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, int(StatusReadyForUpload), toMillis(now), finalized[i].ID, int(StatusRecording))
		if err != nil {
			return nil, fmt.Errorf("finalize recording: update: %w", err)
		}
		from := StatusRecording
		if err := s.recordHistory(ctx, tx, KindFile, finalized[i].ID, &from, StatusReadyForUpload, now); err != nil {
			return nil, fmt.Errorf("finalize recording: %w", err)
		}
		finalized[i].Status = StatusReadyForUpload
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("finalize recording: commit: %w", err)
	}
	return finalized, nil
}

// UpdateFileStatusByPath is the predicate form of CompareAndSetStatus:
// it transitions the file of the session at path if its status is in from.
func (s *Store) UpdateFileStatusByPath(ctx context.Context, sessionID, path string, from []Status, to Status) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM files WHERE session_id = ? AND path = ?
	`, sessionID, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("update file status %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("update file status %s: %w", path, err)
	}

	n, err := s.CompareAndSetStatus(ctx, KindFile, []int64{id}, from, to)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (FileArtifact, error) {
	var (
		f       FileArtifact
		status  int
		created sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.SessionID, &f.Path, &f.Filename, &f.MimeType, &status, &created); err != nil {
		return FileArtifact{}, err
	}
	f.Status = Status(status)
	f.CreatedAt = timePtr(created)
	return f, nil
}
