// CLAUDE:SUMMARY Extraction work queue: enqueue under the one-active-unit rule, atomic claim, stale reclaim, complete/fail, requeue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

const extractionColumns = `id, connection_id, source_id, source_type, content_type, extractor_type,
	payload, status, claimed_by, claimed_at, error_message, attempts, created_at, updated_at`

// EnqueueExtraction inserts a PENDING unit. A source may have at most one
// PENDING or PROCESSING unit per extractor type; a second enqueue returns
// ErrAlreadyQueued.
func (s *Store) EnqueueExtraction(ctx context.Context, e *Extraction) error {
	now := s.ms()
	e.CreatedAt, e.UpdatedAt = now, now
	e.Status = lifecycle.ExtractionPending
	if e.Origin == "" {
		e.Origin = lifecycle.OriginAuto
	}
	n, err := affected(s.x.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_extractions (id, connection_id, source_id, source_type,
		content_type, extractor_type, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.ID, e.ConnectionID, e.SourceID, string(e.Origin), string(e.ContentType),
		string(e.ExtractorType), e.Payload, string(e.Status), now, now,
	))
	if err != nil {
		return fmt.Errorf("store: enqueue extraction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrAlreadyQueued, e.ExtractorType, e.SourceID)
	}
	return nil
}

// GetExtraction returns a unit by ID, or nil.
func (s *Store) GetExtraction(ctx context.Context, id string) (*Extraction, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+extractionColumns+` FROM pending_extractions WHERE id = ?`, id), scanExtraction)
}

// ListExtractions returns the units of a connection for a source, newest first.
func (s *Store) ListExtractions(ctx context.Context, connectionID, sourceID string) ([]*Extraction, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT `+extractionColumns+` FROM pending_extractions
		WHERE connection_id = ? AND source_id = ? ORDER BY created_at DESC, id DESC`,
		connectionID, sourceID)
	return collect(rows, err, scanExtraction)
}

// ClaimExtraction atomically moves the oldest PENDING unit to PROCESSING on
// behalf of workerID. The conditional UPDATE succeeds for exactly one
// claimant. Returns nil, nil when the queue is empty.
func (s *Store) ClaimExtraction(ctx context.Context, workerID string) (*Extraction, error) {
	now := s.ms()
	row := s.x.QueryRowContext(ctx,
		`UPDATE pending_extractions
		SET status = 'PROCESSING', claimed_by = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM pending_extractions
			WHERE status = 'PENDING'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		) AND status = 'PENDING'
		RETURNING `+extractionColumns,
		workerID, now, now,
	)
	e, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim extraction: %w", err)
	}
	return e, nil
}

// ReclaimStale returns PROCESSING units claimed more than timeout ago to
// PENDING so another worker can claim them.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.ms()
	return affected(s.x.ExecContext(ctx,
		`UPDATE pending_extractions
		SET status = 'PENDING', claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'PROCESSING' AND claimed_at < ?`,
		now, now-timeout.Milliseconds(),
	))
}

// CompleteExtraction marks a unit DONE. It fails with ErrLostClaim if the
// unit was reclaimed from workerID meanwhile.
func (s *Store) CompleteExtraction(ctx context.Context, id, workerID string) error {
	return s.finishExtraction(ctx, id, workerID, lifecycle.ExtractionDone, "")
}

// FailExtraction marks a unit FAILED with a reason. Failed units are not
// retried automatically.
func (s *Store) FailExtraction(ctx context.Context, id, workerID, reason string) error {
	return s.finishExtraction(ctx, id, workerID, lifecycle.ExtractionFailed, reason)
}

func (s *Store) finishExtraction(ctx context.Context, id, workerID string, to lifecycle.ExtractionStatus, reason string) error {
	if err := lifecycle.CheckExtraction(lifecycle.ExtractionProcessing, to); err != nil {
		return err
	}
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE pending_extractions SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND claimed_by = ?`,
		string(to), reason, s.ms(), id, workerID,
	))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s by %s", ErrLostClaim, id, workerID)
	}
	return nil
}

// RequeueExtraction creates a fresh MANUAL PENDING unit for the source of a
// finished unit. The finished row is kept as history.
func (s *Store) RequeueExtraction(ctx context.Context, id, newID string) (*Extraction, error) {
	old, err := s.GetExtraction(ctx, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("%w: extraction %s", ErrNotFound, id)
	}
	if old.Status.Active() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyQueued, id, old.Status)
	}
	e := &Extraction{
		ID:            newID,
		ConnectionID:  old.ConnectionID,
		SourceID:      old.SourceID,
		Origin:        lifecycle.OriginManual,
		ContentType:   old.ContentType,
		ExtractorType: old.ExtractorType,
		Payload:       old.Payload,
	}
	if err := s.EnqueueExtraction(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CountExtractions counts units by status, across connections when
// connectionID is empty.
func (s *Store) CountExtractions(ctx context.Context, connectionID string) (QueueStats, error) {
	q := `SELECT status, COUNT(*) FROM pending_extractions`
	var args []any
	if connectionID != "" {
		q += ` WHERE connection_id = ?`
		args = append(args, connectionID)
	}
	rows, err := s.x.QueryContext(ctx, q+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(QueueStats)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[lifecycle.ExtractionStatus(st)] = n
	}
	return out, rows.Err()
}

func scanExtraction(sc scanner) (*Extraction, error) {
	var (
		e                                  Extraction
		origin, content, extractor, status string
		claimedBy                          sql.NullString
		claimedAt                          sql.NullInt64
	)
	if err := sc.Scan(&e.ID, &e.ConnectionID, &e.SourceID, &origin, &content, &extractor,
		&e.Payload, &status, &claimedBy, &claimedAt, &e.ErrorMessage, &e.Attempts,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Origin = lifecycle.Origin(origin)
	e.ContentType = lifecycle.ContentType(content)
	e.ExtractorType = lifecycle.ExtractorType(extractor)
	e.Status = lifecycle.ExtractionStatus(status)
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = ptrInt64(claimedAt)
	return &e, nil
}
