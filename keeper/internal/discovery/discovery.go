// CLAUDE:SUMMARY Discovery & fetch queue: URL enqueue with dedupe, sitemap expansion, bounded concurrent fetch runs, hash dedupe, thin-content cutoff, explicit recrawl.
// Package discovery turns candidate URLs into stored page text and queues
// knowledge extraction for pages worth indexing.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/keeper/internal/webtext"
	"github.com/hazyhaar/groundkeeper/kit"
)

var (
	// ErrUnknownConnection is returned when the connection does not exist.
	ErrUnknownConnection = errors.New("discovery: unknown connection")
	// ErrRunning is returned when a run for the connection is in progress.
	ErrRunning = errors.New("discovery: run already in progress")
	// ErrInvalidSource is returned for an unknown discovery source type.
	ErrInvalidSource = errors.New("discovery: invalid source type")
)

// Config tunes the queue.
type Config struct {
	Concurrency      int  `yaml:"concurrency"`        // parallel fetches per run, default 4
	BatchSize        int  `yaml:"batch_size"`         // DISCOVERED rows per run, default 100
	ThinContentWords int  `yaml:"thin_content_words"` // pages at or under this are not indexed, default 50
	FollowLinks      bool `yaml:"follow_links"`
	MaxLinksPerPage  int  `yaml:"max_links_per_page"` // default 50
	MaxSitemapDepth  int  `yaml:"max_sitemap_depth"`  // nested sitemap indexes, default 2
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ThinContentWords <= 0 {
		c.ThinContentWords = 50
	}
	if c.MaxLinksPerPage <= 0 {
		c.MaxLinksPerPage = 50
	}
	if c.MaxSitemapDepth <= 0 {
		c.MaxSitemapDepth = 2
	}
}

// EnqueueResult reports what Enqueue did with each URL.
type EnqueueResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"` // already known, in any status
	Invalid []string `json:"invalid,omitempty"`
}

// RunResult summarizes one pass over DISCOVERED rows.
type RunResult struct {
	Processed  int `json:"processed"`
	Fetched    int `json:"fetched"`
	Duplicates int `json:"duplicates"`
	Thin       int `json:"thin"`
	Failed     int `json:"failed"`
	Enqueued   int `json:"enqueued"`
	Discovered int `json:"discovered"` // CRAWL rows added from links
}

// Queue is the discovery and fetch queue.
type Queue struct {
	store   *store.Store
	fetcher *fetch.Fetcher
	text    *webtext.Extractor
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Queue.
func New(st *store.Store, f *fetch.Fetcher, x *webtext.Extractor, cfg Config, logger *slog.Logger) *Queue {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   st,
		fetcher: f,
		text:    x,
		cfg:     cfg,
		logger:  logger,
		running: make(map[string]bool),
	}
}

// Enqueue normalizes urls and inserts a DISCOVERED row for each new one.
// URLs already known to the connection are skipped whatever their status;
// only Recrawl sends a row back through the fetcher.
func (q *Queue) Enqueue(ctx context.Context, connectionID string, urls []string, source lifecycle.DiscoverySource) (*EnqueueResult, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	if err := q.requireConnection(ctx, connectionID); err != nil {
		return nil, err
	}

	res := &EnqueueResult{}
	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		u, err := fetch.NormalizeURL(raw, nil)
		if err != nil {
			res.Invalid = append(res.Invalid, raw)
			continue
		}
		if seen[u] {
			res.Skipped++
			continue
		}
		seen[u] = true

		added, err := q.store.InsertDiscovery(ctx, &store.Discovery{
			ID:           idgen.Discovery(),
			ConnectionID: connectionID,
			URL:          u,
			SourceType:   source,
		})
		if err != nil {
			return res, fmt.Errorf("discovery: insert %s: %w", u, err)
		}
		if added {
			res.Added++
		} else {
			res.Skipped++
		}
	}
	q.logger.Info("discovery: enqueued", "connection_id", connectionID, "source", source,
		"added", res.Added, "skipped", res.Skipped, "invalid", len(res.Invalid))
	return res, nil
}

// ExpandSitemap fetches a sitemap and enqueues its URLs as SITEMAP rows.
// Sitemap indexes are followed up to Config.MaxSitemapDepth levels.
func (q *Queue) ExpandSitemap(ctx context.Context, connectionID, sitemapURL string) (*EnqueueResult, error) {
	if err := q.requireConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	var urls []string
	visited := make(map[string]bool)
	var walk func(string, int) error
	walk = func(u string, depth int) error {
		if visited[u] || depth > q.cfg.MaxSitemapDepth {
			return nil
		}
		visited[u] = true
		res, err := q.fetcher.Get(ctx, u)
		if err != nil {
			return fmt.Errorf("discovery: fetch sitemap %s: %w", u, err)
		}
		sm, err := webtext.ParseSitemap(res.Body)
		if err != nil {
			return err
		}
		urls = append(urls, sm.URLs...)
		for _, child := range sm.Children {
			if err := walk(child, depth+1); err != nil {
				q.logger.Warn("discovery: nested sitemap failed", "url", child, "error", err)
			}
		}
		return nil
	}
	if err := walk(sitemapURL, 0); err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, connectionID, urls, lifecycle.SourceSitemap)
}

// Recrawl resets FETCHED and FAILED rows to DISCOVERED. With no urls every
// terminal row of the connection is reset. It returns the number of rows
// reset.
func (q *Queue) Recrawl(ctx context.Context, connectionID string, urls []string) (int, error) {
	if err := q.requireConnection(ctx, connectionID); err != nil {
		return 0, err
	}
	var rows []*store.Discovery
	if len(urls) == 0 {
		all, err := q.store.ListDiscoveries(ctx, connectionID, "", 0)
		if err != nil {
			return 0, err
		}
		rows = all
	} else {
		for _, raw := range urls {
			u, err := fetch.NormalizeURL(raw, nil)
			if err != nil {
				continue
			}
			d, err := q.store.GetDiscoveryByURL(ctx, connectionID, u)
			if err != nil {
				return 0, err
			}
			if d != nil {
				rows = append(rows, d)
			}
		}
	}

	n := 0
	for _, d := range rows {
		if !d.Status.Terminal() {
			continue
		}
		ok, err := q.store.ResetDiscovery(ctx, d.ID)
		if err != nil {
			return n, fmt.Errorf("discovery: reset %s: %w", d.URL, err)
		}
		if ok {
			n++
		}
	}
	q.logger.Info("discovery: recrawl", "connection_id", connectionID, "reset", n)
	return n, nil
}

// Run fetches up to Config.BatchSize DISCOVERED rows of a connection with
// bounded concurrency. A failing URL marks its own row FAILED and never
// aborts the run; only context cancellation does.
func (q *Queue) Run(ctx context.Context, connectionID string) (*RunResult, error) {
	if err := q.requireConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	q.mu.Lock()
	if q.running[connectionID] {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunning, connectionID)
	}
	q.running[connectionID] = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, connectionID)
		q.mu.Unlock()
	}()

	rows, err := q.store.ListDiscoveries(ctx, connectionID, lifecycle.DiscoveryDiscovered, q.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("discovery: list: %w", err)
	}

	ctx = kit.WithConnectionID(ctx, connectionID)
	var (
		mu  sync.Mutex
		res RunResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, d := range rows {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			o := q.process(gctx, d)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &res, err
	}
	q.logger.Info("discovery: run complete", "connection_id", connectionID,
		"processed", res.Processed, "fetched", res.Fetched, "duplicates", res.Duplicates,
		"thin", res.Thin, "failed", res.Failed, "enqueued", res.Enqueued)
	return &res, nil
}

func (q *Queue) requireConnection(ctx context.Context, id string) error {
	c, err := q.store.GetConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("discovery: load connection: %w", err)
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return nil
}

func (r *RunResult) add(o outcome) {
	r.Processed++
	switch o.kind {
	case outcomeIndexed:
		r.Fetched++
		r.Enqueued++
	case outcomeDuplicate:
		r.Fetched++
		r.Duplicates++
	case outcomeThin:
		r.Fetched++
		r.Thin++
	case outcomeFailed:
		r.Failed++
	}
	r.Discovered += o.discovered
}
