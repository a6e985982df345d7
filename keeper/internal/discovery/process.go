package discovery

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/hazyhaar/groundkeeper/chunk"
	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/sanitize"
)

type outcomeKind int

const (
	outcomeFailed outcomeKind = iota
	outcomeIndexed
	outcomeDuplicate
	outcomeThin
)

type outcome struct {
	kind       outcomeKind
	discovered int
}

// process fetches one discovery row and records the result.
func (q *Queue) process(ctx context.Context, d *store.Discovery) outcome {
	log := q.logger.With("connection_id", d.ConnectionID, "url", d.URL)

	res, err := q.fetcher.Get(ctx, d.URL)
	if err != nil {
		return q.fail(ctx, d, err)
	}
	base, _ := url.Parse(res.URL)
	page, err := q.text.Extract(res.Body, base, res.ContentType)
	if err != nil {
		return q.fail(ctx, d, err)
	}

	clean := sanitize.Sanitize(page.Text)
	if cats := clean.Categories(); len(cats) > 0 {
		log.Warn("discovery: injection redacted", "categories", cats, "redactions", clean.Redactions)
	}

	p := &store.Page{
		ID:           idgen.Page(),
		ConnectionID: d.ConnectionID,
		DiscoveryID:  d.ID,
		URL:          d.URL,
		Status:       lifecycle.PageFetched,
		Title:        sanitize.Sanitize(page.Title).Text,
		Text:         clean.Text,
		WordCount:    chunk.CountWords(clean.Text),
		ContentHash:  fetch.Hash([]byte(clean.Text)),
	}

	var kind outcomeKind
	record := func(tx *store.Store) error {
		p.DuplicateOf = ""
		canon, err := tx.FindPageByHash(ctx, d.ConnectionID, p.ContentHash)
		if err != nil {
			return err
		}
		if canon != nil {
			p.DuplicateOf = canon.ID
		}
		if err := tx.InsertPage(ctx, p); err != nil {
			return err
		}
		if err := tx.MarkDiscovery(ctx, d.ID, lifecycle.DiscoveryFetched, ""); err != nil {
			return err
		}
		// Empty and thin pages stay FETCHED with nothing queued.
		switch {
		case p.WordCount <= q.cfg.ThinContentWords:
			kind = outcomeThin
			return nil
		case canon != nil:
			kind = outcomeDuplicate
			return nil
		}
		kind = outcomeIndexed
		err = tx.EnqueueExtraction(ctx, &store.Extraction{
			ID:            idgen.Extraction(),
			ConnectionID:  d.ConnectionID,
			SourceID:      p.ID,
			Origin:        lifecycle.OriginAuto,
			ContentType:   lifecycle.ContentPage,
			ExtractorType: lifecycle.ExtractorKnowledge,
		})
		if errors.Is(err, store.ErrAlreadyQueued) {
			return nil
		}
		return err
	}

	err = q.store.InTx(ctx, record)
	if err != nil && isUniqueViolation(err) {
		// A concurrent fetch stored the same text first; it is now the canonical page.
		err = q.store.InTx(ctx, record)
	}
	if err != nil {
		log.Error("discovery: record page", "error", err)
		return outcome{kind: outcomeFailed}
	}

	o := outcome{kind: kind}
	if q.cfg.FollowLinks && kind != outcomeDuplicate {
		o.discovered = q.follow(ctx, d.ConnectionID, page.Links)
	}
	log.Debug("discovery: page stored", "page_id", p.ID, "words", p.WordCount, "duplicate_of", p.DuplicateOf)
	return o
}

func (q *Queue) fail(ctx context.Context, d *store.Discovery, cause error) outcome {
	q.logger.Warn("discovery: fetch failed", "connection_id", d.ConnectionID, "url", d.URL, "error", cause)
	err := q.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertPage(ctx, &store.Page{
			ID:           idgen.Page(),
			ConnectionID: d.ConnectionID,
			DiscoveryID:  d.ID,
			URL:          d.URL,
			Status:       lifecycle.PageFailed,
			ErrorMessage: cause.Error(),
		}); err != nil {
			return err
		}
		return tx.MarkDiscovery(ctx, d.ID, lifecycle.DiscoveryFailed, cause.Error())
	})
	if err != nil {
		q.logger.Error("discovery: record failure", "url", d.URL, "error", err)
	}
	return outcome{kind: outcomeFailed}
}

func (q *Queue) follow(ctx context.Context, connectionID string, links []string) int {
	if len(links) > q.cfg.MaxLinksPerPage {
		links = links[:q.cfg.MaxLinksPerPage]
	}
	n := 0
	for _, u := range links {
		added, err := q.store.InsertDiscovery(ctx, &store.Discovery{
			ID:           idgen.Discovery(),
			ConnectionID: connectionID,
			URL:          u,
			SourceType:   lifecycle.SourceCrawl,
		})
		if err != nil {
			q.logger.Warn("discovery: insert link", "url", u, "error", err)
			continue
		}
		if added {
			n++
		}
	}
	return n
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
