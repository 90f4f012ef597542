package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a requested status change is not an
// edge of the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// CompareAndSetStatus moves every record in ids from one of the from
// statuses to to, all-or-nothing, in a single transaction.
//
// If any record is missing or not currently in a from status, nothing is
// changed and 0 is returned with a nil error: a losing claim is a no-op.
// On success it returns len(ids) (after de-duplication) and appends one
// status_history row per record.
//
// This is the only primitive that changes status after creation; the claim
// to UPLOADING relies on it to exclude concurrent passes.
func (s *Store) CompareAndSetStatus(ctx context.Context, kind Kind, ids []int64, from []Status, to Status) (int, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}
	if len(from) == 0 {
		return 0, fmt.Errorf("%w: no source status for %s", ErrInvalidTransition, to)
	}
	for _, f := range from {
		if !f.CanTransition(to) {
			return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+len(from))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, f := range from {
		args = append(args, int(f))
	}
	where := `WHERE id IN (` + inClause(len(ids)) + `) AND status IN (` + inClause(len(from)) + `)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("compare and set %s: begin tx: %w", kind, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM `+table+` `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("compare and set %s: select: %w", kind, err)
	}
	current := make(map[int64]Status, len(ids))
	for rows.Next() {
		var (
			id     int64
			status int
		)
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("compare and set %s: scan: %w", kind, err)
		}
		current[id] = Status(status)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("compare and set %s: iterate: %w", kind, err)
	}

	if len(current) != len(ids) {
		return 0, nil
	}

	now := s.now()
	updateArgs := append([]any{int(to), toMillis(now)}, args...)
	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET status = ?, updated_at = ? `+where, updateArgs...)
	if err != nil {
		return 0, fmt.Errorf("compare and set %s: update: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compare and set %s: rows affected: %w", kind, err)
	}
	if int(n) != len(ids) {
		return 0, nil
	}

	for _, id := range ids {
		prev := current[id]
		if err := s.recordHistory(ctx, tx, kind, id, &prev, to, now); err != nil {
			return 0, fmt.Errorf("compare and set %s: %w", kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("compare and set %s: commit: %w", kind, err)
	}
	return len(ids), nil
}

// UpdateStatus moves the records to to from whatever status they are in,
// provided the lifecycle graph allows it. Re-applying the same target is a
// no-op returning 0.
func (s *Store) UpdateStatus(ctx context.Context, kind Kind, ids []int64, to Status) (int, error) {
	return s.CompareAndSetStatus(ctx, kind, ids, Sources(to), to)
}

// ReleaseClaims moves every UPLOADING record of kind back to
// READY_FOR_UPLOAD. Only safe when no upload pass is running, i.e. at
// startup before the engine begins.
func (s *Store) ReleaseClaims(ctx context.Context, kind Kind) (int, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE status = ? ORDER BY id ASC`, int(StatusUploading))
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("release claims: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("release claims: iterate: %w", err)
	}

	released := 0
	for _, id := range ids {
		n, err := s.CompareAndSetStatus(ctx, kind, []int64{id}, []Status{StatusUploading}, StatusReadyForUpload)
		if err != nil {
			return released, err
		}
		released += n
	}
	return released, nil
}

// History returns the status transitions of one record in the order they
// were applied.
func (s *Store) History(ctx context.Context, kind Kind, id int64) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_status, to_status, at
		FROM status_history
		WHERE record_kind = ? AND record_id = ?
		ORDER BY id ASC
	`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	history := []Transition{}
	for rows.Next() {
		var (
			from sql.NullInt64
			to   int
			at   int64
		)
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t := Transition{Kind: kind, RecordID: id, To: Status(to), At: fromMillis(at)}
		if from.Valid {
			f := Status(from.Int64)
			t.From = &f
		}
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// CountByStatus returns the number of records of kind per status,
// optionally restricted to one session.
func (s *Store) CountByStatus(ctx context.Context, kind Kind, sessionID string) (map[Status]int, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	query := `SELECT status, COUNT(*) FROM ` + table
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (s *Store) recordHistory(ctx context.Context, tx *sql.Tx, kind Kind, id int64, from *Status, to Status, at time.Time) error {
	var prev sql.NullInt64
	if from != nil {
		prev = sql.NullInt64{Int64: int64(*from), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO status_history (record_kind, record_id, from_status, to_status, at)
		VALUES (?, ?, ?, ?, ?)
	`, string(kind), id, prev, int(to), toMillis(at))
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
