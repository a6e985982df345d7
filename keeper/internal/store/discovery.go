// CLAUDE:SUMMARY Discovery queue rows: insert-or-ignore, DISCOVERED listing, terminal marking, explicit recrawl reset.
package store

import (
	"context"
	"fmt"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

const discoveryColumns = `id, connection_id, url, status, source_type, error_message, created_at, updated_at`

// InsertDiscovery adds a DISCOVERED row unless (connection_id, url) already
// exists in any status. It reports whether a row was inserted.
func (s *Store) InsertDiscovery(ctx context.Context, d *Discovery) (bool, error) {
	now := s.ms()
	d.CreatedAt, d.UpdatedAt = now, now
	d.Status = lifecycle.DiscoveryDiscovered
	n, err := affected(s.x.ExecContext(ctx,
		`INSERT OR IGNORE INTO connection_discoveries (id, connection_id, url, status, source_type,
		error_message, created_at, updated_at) VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		d.ID, d.ConnectionID, d.URL, string(d.Status), string(d.SourceType), now, now,
	))
	return n == 1, err
}

// GetDiscovery returns a discovery by ID, or nil.
func (s *Store) GetDiscovery(ctx context.Context, id string) (*Discovery, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+discoveryColumns+` FROM connection_discoveries WHERE id = ?`, id), scanDiscovery)
}

// GetDiscoveryByURL returns the row of a connection for url, or nil.
func (s *Store) GetDiscoveryByURL(ctx context.Context, connectionID, url string) (*Discovery, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+discoveryColumns+` FROM connection_discoveries WHERE connection_id = ? AND url = ?`,
		connectionID, url), scanDiscovery)
}

// ListDiscoveries returns the rows of a connection, optionally filtered by
// status, oldest first. limit <= 0 means no limit.
func (s *Store) ListDiscoveries(ctx context.Context, connectionID string, status lifecycle.DiscoveryStatus, limit int) ([]*Discovery, error) {
	q := `SELECT ` + discoveryColumns + ` FROM connection_discoveries WHERE connection_id = ?`
	args := []any{connectionID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.x.QueryContext(ctx, q, args...)
	return collect(rows, err, scanDiscovery)
}

// ConnectionsWithDiscovered lists connections that have DISCOVERED rows.
func (s *Store) ConnectionsWithDiscovered(ctx context.Context) ([]string, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT DISTINCT connection_id FROM connection_discoveries WHERE status = 'DISCOVERED'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDiscovery moves a DISCOVERED row to a terminal status. A row that is
// no longer DISCOVERED yields lifecycle.ErrInvalidTransition.
func (s *Store) MarkDiscovery(ctx context.Context, id string, to lifecycle.DiscoveryStatus, errMsg string) error {
	if err := lifecycle.CheckDiscovery(lifecycle.DiscoveryDiscovered, to); err != nil {
		return err
	}
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE connection_discoveries SET status=?, error_message=?, updated_at=?
		WHERE id=? AND status='DISCOVERED'`, string(to), errMsg, s.ms(), id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: discovery %s is not DISCOVERED", lifecycle.ErrInvalidTransition, id)
	}
	return nil
}

// ResetDiscovery sends a terminal row back to DISCOVERED. It is the only way
// a FETCHED or FAILED row is processed again. Returns false if the row was
// already DISCOVERED.
func (s *Store) ResetDiscovery(ctx context.Context, id string) (bool, error) {
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE connection_discoveries SET status='DISCOVERED', error_message='', updated_at=?
		WHERE id=? AND status IN ('FETCHED', 'FAILED')`, s.ms(), id))
	return n == 1, err
}

// CountDiscoveries counts the rows of a connection by status.
func (s *Store) CountDiscoveries(ctx context.Context, connectionID string) (map[lifecycle.DiscoveryStatus]int, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM connection_discoveries WHERE connection_id = ? GROUP BY status`,
		connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[lifecycle.DiscoveryStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[lifecycle.DiscoveryStatus(st)] = n
	}
	return out, rows.Err()
}

func scanDiscovery(sc scanner) (*Discovery, error) {
	var d Discovery
	var status, source string
	if err := sc.Scan(&d.ID, &d.ConnectionID, &d.URL, &status, &source, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = lifecycle.DiscoveryStatus(status)
	d.SourceType = lifecycle.DiscoverySource(source)
	return &d, nil
}
