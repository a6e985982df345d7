// CLAUDE:SUMMARY Tenant-scoped exact cosine search over active knowledge fragments, newest-first tie-break.
// Package retrieval finds the knowledge fragments relevant to a chat
// question and assembles the grounded prompt handed to the answering model.
package retrieval

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/vecmath"
)

// Fragment is a scored knowledge fragment.
type Fragment struct {
	ID        string  `json:"id"`
	SourceID  string  `json:"source_id"`
	Label     string  `json:"label,omitempty"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	CreatedAt int64   `json:"created_at"`
}

// Index scores fragments by cosine similarity. Search is exact and scoped
// to one connection; superseded fragments are never returned.
type Index struct {
	store *store.Store
}

// NewIndex creates an Index over st.
func NewIndex(st *store.Store) *Index {
	return &Index{store: st}
}

// Add stores a fragment with its embedding. It reports false when an
// active fragment with the same content hash already exists.
func (ix *Index) Add(ctx context.Context, k *store.Knowledge, embedding []float32) (bool, error) {
	if k.ID == "" {
		k.ID = idgen.Knowledge()
	}
	k.Embedding = embedding
	ok, err := ix.store.InsertKnowledge(ctx, k)
	if err != nil {
		return false, fmt.Errorf("retrieval: add fragment: %w", err)
	}
	return ok, nil
}

// Query returns the k fragments of connectionID closest to q. Equal scores
// rank the newer fragment first. Fragments of another width are skipped.
func (ix *Index) Query(ctx context.Context, connectionID string, q []float32, k int) ([]Fragment, error) {
	if k <= 0 || len(q) == 0 {
		return nil, nil
	}
	rows, err := ix.store.ActiveKnowledge(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: load fragments: %w", err)
	}

	qn := vecmath.Norm(q)
	hits := make([]Fragment, 0, len(rows))
	for _, r := range rows {
		if len(r.Embedding) != len(q) {
			continue
		}
		hits = append(hits, Fragment{
			ID:        r.ID,
			SourceID:  r.SourceID,
			Label:     r.Label,
			Content:   r.Content,
			Score:     vecmath.CosineWithNorms(q, r.Embedding, qn, r.Norm),
			CreatedAt: r.CreatedAt,
		})
	}

	slices.SortFunc(hits, func(a, b Fragment) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.CreatedAt != b.CreatedAt:
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
