package store

import (
	"context"
	"time"
)

// InsertDriftEvent records one drift occurrence.
func (s *Store) InsertDriftEvent(ctx context.Context, e *DriftEvent) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = s.ms()
	}
	_, err := s.x.ExecContext(ctx,
		`INSERT INTO drift_events (id, connection_id, reason, field, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ConnectionID, e.Reason, e.Field, e.CreatedAt)
	return err
}

// CountDriftSince counts drift events of a connection at or after since.
func (s *Store) CountDriftSince(ctx context.Context, connectionID string, since time.Time) (int, error) {
	var n int
	err := s.x.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drift_events WHERE connection_id = ? AND created_at >= ?`,
		connectionID, since.UnixMilli()).Scan(&n)
	return n, err
}

// ListDriftEvents returns the drift events of a connection, newest first.
func (s *Store) ListDriftEvents(ctx context.Context, connectionID string, limit int) ([]*DriftEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.x.QueryContext(ctx,
		`SELECT id, connection_id, reason, field, created_at FROM drift_events
		WHERE connection_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, connectionID, limit)
	return collect(rows, err, func(sc scanner) (*DriftEvent, error) {
		var e DriftEvent
		if err := sc.Scan(&e.ID, &e.ConnectionID, &e.Reason, &e.Field, &e.CreatedAt); err != nil {
			return nil, err
		}
		return &e, nil
	})
}
