package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

const pageColumns = `id, connection_id, discovery_id, url, status, title, text, word_count,
	content_hash, duplicate_of, error_message, fetched_at`

// InsertPage records a fetch result.
func (s *Store) InsertPage(ctx context.Context, p *Page) error {
	if p.FetchedAt == 0 {
		p.FetchedAt = s.ms()
	}
	_, err := s.x.ExecContext(ctx,
		`INSERT INTO page_contents (`+pageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ConnectionID, p.DiscoveryID, p.URL, string(p.Status), p.Title, p.Text, p.WordCount,
		p.ContentHash, nullString(p.DuplicateOf), p.ErrorMessage, p.FetchedAt,
	)
	return err
}

// GetPage returns a page by ID, or nil.
func (s *Store) GetPage(ctx context.Context, id string) (*Page, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM page_contents WHERE id = ?`, id), scanPage)
}

// FindPageByHash returns the canonical FETCHED page of a connection with the
// given content hash, or nil.
func (s *Store) FindPageByHash(ctx context.Context, connectionID, hash string) (*Page, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM page_contents
		WHERE connection_id = ? AND content_hash = ? AND status = 'FETCHED' AND duplicate_of IS NULL`,
		connectionID, hash), scanPage)
}

// ListPages returns the pages of a connection, newest first.
func (s *Store) ListPages(ctx context.Context, connectionID string, limit int) ([]*Page, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.x.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM page_contents WHERE connection_id = ?
		ORDER BY fetched_at DESC LIMIT ?`, connectionID, limit)
	return collect(rows, err, scanPage)
}

func scanPage(sc scanner) (*Page, error) {
	var p Page
	var status string
	var dup sql.NullString
	if err := sc.Scan(&p.ID, &p.ConnectionID, &p.DiscoveryID, &p.URL, &status, &p.Title, &p.Text,
		&p.WordCount, &p.ContentHash, &dup, &p.ErrorMessage, &p.FetchedAt); err != nil {
		return nil, err
	}
	p.Status = lifecycle.PageStatus(status)
	p.DuplicateOf = dup.String
	return &p, nil
}
