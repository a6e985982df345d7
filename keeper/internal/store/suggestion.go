// CLAUDE:SUMMARY Behavior suggestion rows: insert with precomputed diff, listing, single-shot review resolution.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

const suggestionColumns = `id, connection_id, document_id, tone, sales_intensity, response_length,
	empathy_level, compliance_strictness, reasoning, confidence_score, diff, status, reviewer_id,
	reviewed_at, review_notes, auto_applied, created_at`

// InsertSuggestion stores a PENDING suggestion with its diff.
func (s *Store) InsertSuggestion(ctx context.Context, sg *Suggestion) error {
	sg.CreatedAt = s.ms()
	sg.Status = lifecycle.SuggestionPending
	diff, err := json.Marshal(sg.Diff)
	if err != nil {
		return fmt.Errorf("store: encode diff: %w", err)
	}
	p := sg.Suggested
	_, err = s.x.ExecContext(ctx,
		`INSERT INTO behavior_suggestions (id, connection_id, document_id, tone, sales_intensity,
		response_length, empathy_level, compliance_strictness, reasoning, confidence_score, diff,
		status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.ConnectionID, sg.DocumentID, p.Tone, p.SalesIntensity, p.ResponseLength,
		p.EmpathyLevel, p.ComplianceStrictness, sg.Reasoning, sg.Confidence, string(diff),
		string(sg.Status), sg.CreatedAt,
	)
	return err
}

// GetSuggestion returns a suggestion by ID, or nil.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM behavior_suggestions WHERE id = ?`, id), scanSuggestion)
}

// ListSuggestions returns the suggestions of a connection, newest first,
// optionally filtered by status.
func (s *Store) ListSuggestions(ctx context.Context, connectionID string, status lifecycle.SuggestionStatus) ([]*Suggestion, error) {
	q := `SELECT ` + suggestionColumns + ` FROM behavior_suggestions WHERE connection_id = ?`
	args := []any{connectionID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	rows, err := s.x.QueryContext(ctx, q+` ORDER BY created_at DESC, id DESC`, args...)
	return collect(rows, err, scanSuggestion)
}

// ResolveSuggestion moves a PENDING suggestion to ACCEPTED or REJECTED. The
// conditional UPDATE lets exactly one review win; a suggestion that is no
// longer PENDING yields lifecycle.ErrInvalidTransition.
func (s *Store) ResolveSuggestion(ctx context.Context, id string, to lifecycle.SuggestionStatus, reviewerID, notes string, auto bool) error {
	if err := lifecycle.CheckSuggestion(lifecycle.SuggestionPending, to); err != nil {
		return err
	}
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE behavior_suggestions SET status=?, reviewer_id=?, reviewed_at=?, review_notes=?, auto_applied=?
		WHERE id=? AND status='PENDING'`,
		string(to), reviewerID, s.ms(), notes, auto, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: suggestion %s is not PENDING", lifecycle.ErrInvalidTransition, id)
	}
	return nil
}

func scanSuggestion(sc scanner) (*Suggestion, error) {
	var (
		sg           Suggestion
		diff, status string
		reviewedAt   sql.NullInt64
	)
	p := &sg.Suggested
	if err := sc.Scan(&sg.ID, &sg.ConnectionID, &sg.DocumentID, &p.Tone, &p.SalesIntensity,
		&p.ResponseLength, &p.EmpathyLevel, &p.ComplianceStrictness, &sg.Reasoning, &sg.Confidence,
		&diff, &status, &sg.ReviewerID, &reviewedAt, &sg.ReviewNotes, &sg.AutoApplied,
		&sg.CreatedAt); err != nil {
		return nil, err
	}
	sg.Status = lifecycle.SuggestionStatus(status)
	sg.ReviewedAt = ptrInt64(reviewedAt)
	if err := json.Unmarshal([]byte(diff), &sg.Diff); err != nil {
		return nil, fmt.Errorf("store: decode diff of %s: %w", sg.ID, err)
	}
	return &sg, nil
}
