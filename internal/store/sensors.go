package store

import (
	"context"
	"fmt"
)

const sensorColumns = `id, session_id, type, payload, status, created_at`

// CreateSensorReading persists one reading and its initial history entry.
// The referenced session must exist (foreign key constraint).
func (s *Store) CreateSensorReading(ctx context.Context, r SensorReading) (SensorReading, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SensorReading{}, fmt.Errorf("create sensor reading: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = fromMillis(toMillis(r.CreatedAt))

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sensor_readings (session_id, type, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.Type, r.Payload, int(r.Status), toMillis(r.CreatedAt), toMillis(now))
	if err != nil {
		return SensorReading{}, fmt.Errorf("create sensor reading: insert: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return SensorReading{}, fmt.Errorf("create sensor reading: last insert id: %w", err)
	}
	if err := s.recordHistory(ctx, tx, KindSensor, r.ID, nil, r.Status, now); err != nil {
		return SensorReading{}, fmt.Errorf("create sensor reading: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SensorReading{}, fmt.Errorf("create sensor reading: commit: %w", err)
	}
	return r, nil
}

// SensorReadingsByStatus returns readings whose status is one of statuses,
// optionally restricted to one session. Ordered by session, type, id so
// batches come out as contiguous runs.
func (s *Store) SensorReadingsByStatus(ctx context.Context, statuses []Status, sessionID string) ([]SensorReading, error) {
	return s.sensorReadings(ctx, statuses, sessionID, "")
}

// SensorReadingsByType returns the session's readings of one sensor type
// whose status is one of statuses.
func (s *Store) SensorReadingsByType(ctx context.Context, sessionID, sensorType string, statuses []Status) ([]SensorReading, error) {
	return s.sensorReadings(ctx, statuses, sessionID, sensorType)
}

func (s *Store) sensorReadings(ctx context.Context, statuses []Status, sessionID, sensorType string) ([]SensorReading, error) {
	if len(statuses) == 0 {
		return []SensorReading{}, nil
	}

	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, int(st))
	}
	query := `SELECT ` + sensorColumns + ` FROM sensor_readings WHERE status IN (` + inClause(len(statuses)) + `)`
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if sensorType != "" {
		query += ` AND type = ?`
		args = append(args, sensorType)
	}
	query += ` ORDER BY session_id ASC, type ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sensor readings: %w", err)
	}
	defer rows.Close()

	readings := []SensorReading{}
	for rows.Next() {
		var (
			r       SensorReading
			status  int
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Type, &r.Payload, &status, &created); err != nil {
			return nil, fmt.Errorf("scan sensor reading: %w", err)
		}
		r.Status = Status(status)
		r.CreatedAt = fromMillis(created)
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor readings: %w", err)
	}
	return readings, nil
}
