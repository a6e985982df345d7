// CLAUDE:SUMMARY Buffered pipeline counters aggregated per connection and flushed to SQLite in windows; operator audit trail.
// Package observability records pipeline counters and the operator audit
// trail in SQLite.
//
// Counters are aggregated in memory per (metric, connection) and written as
// one row per flush window, so a busy pipeline costs one small transaction
// per interval regardless of event volume.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pipeline metric names.
const (
	MetricPagesFetched       = "pages_fetched"
	MetricPagesDuplicate     = "pages_duplicate"
	MetricPagesThin          = "pages_thin"
	MetricPagesFailed        = "pages_failed"
	MetricExtractionsDone    = "extractions_done"
	MetricExtractionsFailed  = "extractions_failed"
	MetricFragmentsIndexed   = "fragments_indexed"
	MetricSuggestionsCreated = "suggestions_created"
	MetricSuggestionsApplied = "suggestions_applied"
	MetricGateTransitions    = "gate_transitions"
	MetricPromptsGrounded    = "prompts_grounded"
	MetricPromptsUngrounded  = "prompts_ungrounded"
)

// Metric is one flushed window of a counter.
type Metric struct {
	Name         string    `json:"name"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

type counterKey struct {
	name, connectionID string
}

// Metrics buffers counters and flushes them on an interval.
type Metrics struct {
	db       *sql.DB
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	counters    map[counterKey]float64
	windowStart time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMetrics starts a flusher. Recommended interval: 30s.
func NewMetrics(db *sql.DB, interval time.Duration, logger *slog.Logger) *Metrics {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		db:          db,
		interval:    interval,
		logger:      logger,
		counters:    make(map[counterKey]float64),
		windowStart: time.Now(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go m.loop()
	return m
}

// Add increments a counter. Safe on a nil *Metrics.
func (m *Metrics) Add(name, connectionID string, delta float64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.counters[counterKey{name, connectionID}] += delta
	m.mu.Unlock()
}

// Inc adds one.
func (m *Metrics) Inc(name, connectionID string) { m.Add(name, connectionID, 1) }

// Flush writes the current window now.
func (m *Metrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	counters := m.counters
	start := m.windowStart
	m.counters = make(map[counterKey]float64)
	m.windowStart = time.Now()
	m.mu.Unlock()

	if len(counters) == 0 {
		return nil
	}
	end := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("observability: begin flush: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pipeline_metrics (metric_name, connection_id, value, unit, window_start, window_end)
		VALUES (?, ?, ?, 'count', ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("observability: prepare flush: %w", err)
	}
	defer stmt.Close()
	for k, v := range counters {
		if _, err := stmt.ExecContext(ctx, k.name, k.connectionID, v, start.UnixMilli(), end.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("observability: insert %s: %w", k.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("observability: commit flush: %w", err)
	}
	return nil
}

// Totals sums a metric per connection since a point in time.
func (m *Metrics) Totals(ctx context.Context, name string, since time.Time) (map[string]float64, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT connection_id, SUM(value) FROM pipeline_metrics
		WHERE metric_name = ? AND window_end >= ? GROUP BY connection_id`,
		name, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: totals: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var conn string
		var v float64
		if err := rows.Scan(&conn, &v); err != nil {
			return nil, err
		}
		out[conn] = v
	}
	return out, rows.Err()
}

// Query returns flushed windows, newest first. Empty name or connection
// means any.
func (m *Metrics) Query(ctx context.Context, name, connectionID string, limit int) ([]*Metric, error) {
	q := `SELECT metric_name, connection_id, value, unit, window_start, window_end FROM pipeline_metrics WHERE 1=1`
	var args []any
	if name != "" {
		q += ` AND metric_name = ?`
		args = append(args, name)
	}
	if connectionID != "" {
		q += ` AND connection_id = ?`
		args = append(args, connectionID)
	}
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY window_end DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()
	var out []*Metric
	for rows.Next() {
		var mt Metric
		var ws, we int64
		if err := rows.Scan(&mt.Name, &mt.ConnectionID, &mt.Value, &mt.Unit, &ws, &we); err != nil {
			return nil, err
		}
		mt.WindowStart, mt.WindowEnd = time.UnixMilli(ws), time.UnixMilli(we)
		out = append(out, &mt)
	}
	return out, rows.Err()
}

// Cleanup deletes windows older than retention.
func (m *Metrics) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM pipeline_metrics WHERE window_end < ?`,
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the last window and stops the flusher.
func (m *Metrics) Close() error {
	close(m.stop)
	<-m.done
	return nil
}

func (m *Metrics) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			m.flushLogged()
			return
		case <-ticker.C:
			m.flushLogged()
		}
	}
}

func (m *Metrics) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		m.logger.Error("observability: flush metrics", "error", err)
	}
}
