// CLAUDE:SUMMARY Knowledge fragments: hash-deduplicated insert, source membership links, per-source supersede, active fragment listing for similarity search.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/groundkeeper/vecmath"
)

const knowledgeColumns = `id, connection_id, source_id, extraction_id, label, content, content_hash,
	embedding, dims, norm, superseded_at, created_at`

// InsertKnowledge stores an embedded fragment. A fragment whose content hash
// is already active for the connection is skipped and k.SourceID is linked to
// the active row instead; the return value reports whether a row was written.
// Fragments are never updated once embedded.
func (s *Store) InsertKnowledge(ctx context.Context, k *Knowledge) (bool, error) {
	if len(k.Embedding) == 0 {
		return false, fmt.Errorf("store: knowledge %s has no embedding", k.ID)
	}
	if k.CreatedAt == 0 {
		k.CreatedAt = s.ms()
	}
	k.Norm = vecmath.Norm(k.Embedding)
	n, err := affected(s.x.ExecContext(ctx,
		`INSERT OR IGNORE INTO connection_knowledge (id, connection_id, source_id, extraction_id, label,
		content, content_hash, embedding, dims, norm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.ConnectionID, k.SourceID, k.ExtractionID, k.Label, k.Content, k.ContentHash,
		vecmath.Encode(k.Embedding), len(k.Embedding), k.Norm, k.CreatedAt,
	))
	if err != nil {
		return false, err
	}
	if err := s.LinkKnowledgeSource(ctx, k.ConnectionID, k.ContentHash, k.SourceID); err != nil {
		return false, err
	}
	return n == 1, nil
}

// LinkKnowledgeSource records that sourceID states the active fragment with
// the given hash. It is a no-op when no such fragment is active.
func (s *Store) LinkKnowledgeSource(ctx context.Context, connectionID, hash, sourceID string) error {
	_, err := s.x.ExecContext(ctx,
		`INSERT OR IGNORE INTO knowledge_sources (knowledge_id, connection_id, source_id)
		SELECT id, connection_id, ? FROM connection_knowledge
		WHERE connection_id = ? AND content_hash = ? AND superseded_at IS NULL`,
		sourceID, connectionID, hash)
	if err != nil {
		return fmt.Errorf("store: link knowledge source: %w", err)
	}
	return nil
}

// KnowledgeSources returns the sources linked to a fragment, sorted.
func (s *Store) KnowledgeSources(ctx context.Context, knowledgeID string) ([]string, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT source_id FROM knowledge_sources WHERE knowledge_id = ? ORDER BY source_id`, knowledgeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ActiveHashes returns the content hashes of the active fragments of a
// connection, mapped to their source.
func (s *Store) ActiveHashes(ctx context.Context, connectionID string) (map[string]string, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT content_hash, source_id FROM connection_knowledge
		WHERE connection_id = ? AND superseded_at IS NULL`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var h, src string
		if err := rows.Scan(&h, &src); err != nil {
			return nil, err
		}
		out[h] = src
	}
	return out, rows.Err()
}

// SupersedeSource unlinks sourceID from the active fragments whose hash is
// not in keep. A fragment no other source still states is retired. It
// returns the number of fragments retired.
func (s *Store) SupersedeSource(ctx context.Context, connectionID, sourceID string, keep map[string]bool) (int, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT k.id, k.content_hash FROM knowledge_sources ks
		JOIN connection_knowledge k ON k.id = ks.knowledge_id
		WHERE ks.connection_id = ? AND ks.source_id = ? AND k.superseded_at IS NULL`, connectionID, sourceID)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id, h string
		if err := rows.Scan(&id, &h); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[h] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := s.ms()
	retired := 0
	for _, id := range stale {
		if _, err := s.x.ExecContext(ctx,
			`DELETE FROM knowledge_sources WHERE knowledge_id = ? AND source_id = ?`, id, sourceID); err != nil {
			return 0, err
		}
		n, err := affected(s.x.ExecContext(ctx,
			`UPDATE connection_knowledge SET superseded_at = ?
			WHERE id = ? AND NOT EXISTS (SELECT 1 FROM knowledge_sources WHERE knowledge_id = ?)`, now, id, id))
		if err != nil {
			return 0, err
		}
		retired += int(n)
	}
	return retired, nil
}

// ActiveKnowledge returns every non-superseded fragment of a connection with
// its decoded embedding.
func (s *Store) ActiveKnowledge(ctx context.Context, connectionID string) ([]*Knowledge, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM connection_knowledge
		WHERE connection_id = ? AND superseded_at IS NULL`, connectionID)
	return collect(rows, err, scanKnowledge)
}

// ListKnowledge returns the fragments of a source, superseded ones included,
// newest first.
func (s *Store) ListKnowledge(ctx context.Context, connectionID, sourceID string) ([]*Knowledge, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM connection_knowledge
		WHERE connection_id = ? AND source_id = ? ORDER BY created_at DESC, id DESC`,
		connectionID, sourceID)
	return collect(rows, err, scanKnowledge)
}

// CountKnowledge counts the active fragments of a connection.
func (s *Store) CountKnowledge(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := s.x.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connection_knowledge WHERE connection_id = ? AND superseded_at IS NULL`,
		connectionID).Scan(&n)
	return n, err
}

func scanKnowledge(sc scanner) (*Knowledge, error) {
	var (
		k          Knowledge
		blob       []byte
		dims       int
		superseded sql.NullInt64
	)
	if err := sc.Scan(&k.ID, &k.ConnectionID, &k.SourceID, &k.ExtractionID, &k.Label, &k.Content,
		&k.ContentHash, &blob, &dims, &k.Norm, &superseded, &k.CreatedAt); err != nil {
		return nil, err
	}
	vec, err := vecmath.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("store: knowledge %s: %w", k.ID, err)
	}
	if len(vec) != dims {
		return nil, fmt.Errorf("store: knowledge %s: %d floats, dims column says %d", k.ID, len(vec), dims)
	}
	k.Embedding = vec
	k.SupersededAt = ptrInt64(superseded)
	return &k, nil
}
