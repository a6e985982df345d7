package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/kit"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers      int           `yaml:"workers"`       // default 4
	PollInterval time.Duration `yaml:"poll_interval"` // default 1s
	// StaleAfter is how long a PROCESSING unit may stay claimed before it is
	// returned to PENDING. It must exceed the engine unit timeout.
	StaleAfter   time.Duration `yaml:"stale_after"`   // default 10m
	ReclaimEvery time.Duration `yaml:"reclaim_every"` // default 1m
	Name         string        `yaml:"name"`          // worker id prefix, default hostname
}

func (c *PoolConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = time.Minute
	}
	if c.Name == "" {
		c.Name, _ = os.Hostname()
		if c.Name == "" {
			c.Name = "groundkeeper"
		}
	}
}

// Stats counts the units a pool has handled.
type Stats struct {
	Done      int64 `json:"done"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Reclaimed int64 `json:"reclaimed"`
}

// Pool claims PENDING units and processes them on an ants worker pool.
type Pool struct {
	engine *Engine
	store  *store.Store
	cfg    PoolConfig
	logger *slog.Logger

	workers  *ants.Pool
	wg       sync.WaitGroup
	seq      atomic.Int64
	observer func(*store.Extraction, Outcome)

	done, failed, panics, reclaimed atomic.Int64
}

// NewPool creates a pool. Call Release when done.
func NewPool(e *Engine, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{engine: e, store: e.store, cfg: cfg, logger: logger}
	workers, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(v any) {
		p.panics.Add(1)
		logger.Error("extraction: worker panic escaped unit", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("extraction: worker pool: %w", err)
	}
	p.workers = workers
	return p, nil
}

// SetObserver registers fn to be called after every unit the pool
// finishes. Call before Run or Drain.
func (p *Pool) SetObserver(fn func(*store.Extraction, Outcome)) { p.observer = fn }

// Run polls for units until ctx is cancelled, then waits for in-flight
// units before returning.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("extraction: pool started", "workers", p.cfg.Workers, "poll", p.cfg.PollInterval)
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(p.cfg.ReclaimEvery)
	defer reclaim.Stop()

	p.ReclaimStale(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("extraction: pool stopped")
			return
		case <-reclaim.C:
			p.ReclaimStale(ctx)
		case <-poll.C:
			p.dispatch(ctx)
		}
	}
}

// Drain processes units until the queue is empty and returns how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n := p.dispatch(ctx)
		p.wg.Wait()
		total += n
		if n == 0 {
			return total, ctx.Err()
		}
	}
}

// ReclaimStale returns abandoned PROCESSING units to PENDING.
func (p *Pool) ReclaimStale(ctx context.Context) int64 {
	n, err := p.store.ReclaimStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Warn("extraction: reclaim stale", "error", err)
		return 0
	}
	if n > 0 {
		p.reclaimed.Add(n)
		p.logger.Info("extraction: reclaimed stale units", "count", n)
	}
	return n
}

// dispatch claims as many units as there are idle workers.
func (p *Pool) dispatch(ctx context.Context) int {
	claimed := 0
	for p.workers.Free() > 0 && ctx.Err() == nil {
		workerID := fmt.Sprintf("%s/%d", p.cfg.Name, p.seq.Add(1))
		pe, err := p.store.ClaimExtraction(ctx, workerID)
		if err != nil {
			p.logger.Warn("extraction: claim failed", "error", err)
			return claimed
		}
		if pe == nil {
			return claimed
		}
		claimed++
		p.wg.Add(1)
		if err := p.workers.Submit(func() { p.run(ctx, pe, workerID) }); err != nil {
			p.wg.Done()
			p.logger.Warn("extraction: submit", "extraction_id", pe.ID, "error", err)
			if ferr := p.store.FailExtraction(context.WithoutCancel(ctx), pe.ID, workerID, "submit: "+err.Error()); ferr != nil {
				p.logger.Error("extraction: fail unsubmitted unit", "extraction_id", pe.ID, "error", ferr)
			}
		}
	}
	return claimed
}

// run processes one unit; a panic fails that unit only.
func (p *Pool) run(ctx context.Context, pe *store.Extraction, workerID string) {
	defer p.wg.Done()
	defer func() {
		if v := recover(); v != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("extraction: unit panicked", "extraction_id", pe.ID, "worker", workerID, "panic", v)
			if err := p.store.FailExtraction(context.WithoutCancel(ctx), pe.ID, workerID, fmt.Sprintf("panic: %v", v)); err != nil {
				p.logger.Warn("extraction: fail after panic", "extraction_id", pe.ID, "error", err)
			}
		}
	}()

	out := p.engine.Handle(kit.WithWorkerID(ctx, workerID), pe, workerID)
	switch out.Status {
	case lifecycle.ExtractionDone:
		p.done.Add(1)
	case lifecycle.ExtractionFailed:
		p.failed.Add(1)
	}
	if p.observer != nil {
		p.observer(pe, out)
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Done:      p.done.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Reclaimed: p.reclaimed.Load(),
	}
}

// Release stops the ants pool and waits for its goroutines to exit.
func (p *Pool) Release() error {
	return p.workers.ReleaseTimeout(5 * time.Second)
}
