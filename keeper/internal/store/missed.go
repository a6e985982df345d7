package store

import (
	"context"
	"fmt"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

const missedColumns = `id, connection_id, question, confidence_score, context_used, status, created_at`

// InsertMissedQuestion records a question the assistant could not ground.
func (s *Store) InsertMissedQuestion(ctx context.Context, m *MissedQuestion) error {
	m.CreatedAt = s.ms()
	m.Status = lifecycle.MissedPending
	_, err := s.x.ExecContext(ctx,
		`INSERT INTO missed_questions (`+missedColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConnectionID, m.Question, m.Confidence, m.ContextUsed, string(m.Status), m.CreatedAt)
	return err
}

// ListMissedQuestions returns the missed questions of a connection, newest
// first, optionally filtered by status.
func (s *Store) ListMissedQuestions(ctx context.Context, connectionID string, status lifecycle.MissedStatus, limit int) ([]*MissedQuestion, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + missedColumns + ` FROM missed_questions WHERE connection_id = ?`
	args := []any{connectionID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	args = append(args, limit)
	rows, err := s.x.QueryContext(ctx, q+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	return collect(rows, err, func(sc scanner) (*MissedQuestion, error) {
		var m MissedQuestion
		var st string
		if err := sc.Scan(&m.ID, &m.ConnectionID, &m.Question, &m.Confidence, &m.ContextUsed,
			&st, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = lifecycle.MissedStatus(st)
		return &m, nil
	})
}

// ResolveMissedQuestion marks a PENDING missed question RESOLVED.
func (s *Store) ResolveMissedQuestion(ctx context.Context, id string) error {
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE missed_questions SET status='RESOLVED' WHERE id=? AND status='PENDING'`, id))
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		s.x.QueryRowContext(ctx, `SELECT COUNT(*) FROM missed_questions WHERE id = ?`, id).Scan(&exists)
		if exists == 0 {
			return fmt.Errorf("%w: missed question %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: missed question %s already resolved", lifecycle.ErrInvalidTransition, id)
	}
	return nil
}
