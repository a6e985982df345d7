package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

const documentColumns = `id, connection_id, filename, mime_type, size_bytes, sha256, text,
	classification, classification_confidence, signals, processing_status, error_message,
	created_at, updated_at`

// InsertDocument stores an uploaded document as PENDING.
func (s *Store) InsertDocument(ctx context.Context, d *Document) error {
	now := s.ms()
	d.CreatedAt, d.UpdatedAt = now, now
	d.ProcessingStatus = lifecycle.DocumentPending
	if d.Classification == "" {
		d.Classification = lifecycle.ClassUnknown
	}
	signals, err := json.Marshal(d.Signals)
	if err != nil {
		return fmt.Errorf("store: encode signals: %w", err)
	}
	_, err = s.x.ExecContext(ctx,
		`INSERT INTO behavior_documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ConnectionID, d.Filename, d.MimeType, d.SizeBytes, d.SHA256, d.Text,
		string(d.Classification), d.Confidence, string(signals), string(d.ProcessingStatus),
		d.ErrorMessage, now, now,
	)
	return err
}

// GetDocument returns a document by ID, or nil.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM behavior_documents WHERE id = ?`, id), scanDocument)
}

// ListDocuments returns the documents of a connection, newest first.
func (s *Store) ListDocuments(ctx context.Context, connectionID string) ([]*Document, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM behavior_documents WHERE connection_id = ?
		ORDER BY created_at DESC, id DESC`, connectionID)
	return collect(rows, err, scanDocument)
}

// SetDocumentStatus moves a document through its lifecycle.
func (s *Store) SetDocumentStatus(ctx context.Context, id string, to lifecycle.DocumentStatus, errMsg string) error {
	d, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if d.ProcessingStatus == to {
		return nil
	}
	if err := lifecycle.CheckDocument(d.ProcessingStatus, to); err != nil {
		return err
	}
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE behavior_documents SET processing_status=?, error_message=?, updated_at=?
		WHERE id=? AND processing_status=?`,
		string(to), errMsg, s.ms(), id, string(d.ProcessingStatus)))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s changed concurrently", lifecycle.ErrInvalidTransition, id)
	}
	return nil
}

// SetDocumentClassification records the classifier output of a document.
func (s *Store) SetDocumentClassification(ctx context.Context, id string, class lifecycle.Classification, confidence float64, signals capability.Signals) error {
	raw, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("store: encode signals: %w", err)
	}
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE behavior_documents SET classification=?, classification_confidence=?, signals=?, updated_at=?
		WHERE id=?`, string(class), confidence, string(raw), s.ms(), id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

func scanDocument(sc scanner) (*Document, error) {
	var (
		d                      Document
		class, signals, status string
	)
	if err := sc.Scan(&d.ID, &d.ConnectionID, &d.Filename, &d.MimeType, &d.SizeBytes, &d.SHA256,
		&d.Text, &class, &d.Confidence, &signals, &status, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Classification = lifecycle.Classification(class)
	d.ProcessingStatus = lifecycle.DocumentStatus(status)
	if err := json.Unmarshal([]byte(signals), &d.Signals); err != nil {
		return nil, fmt.Errorf("store: decode signals of %s: %w", d.ID, err)
	}
	return &d, nil
}
