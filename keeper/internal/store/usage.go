package store

import (
	"context"
	"time"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/idgen"
)

var _ capability.UsageSink = (*Store)(nil)

// RecordUsage appends a usage log row. It implements capability.UsageSink.
func (s *Store) RecordUsage(ctx context.Context, rec capability.UsageRecord) error {
	at := rec.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.x.ExecContext(ctx,
		`INSERT INTO usage_logs (id, connection_id, operation, model, prompt_tokens, completion_tokens,
		cost, latency_ms, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idgen.Usage(), rec.ConnectionID, rec.Operation, rec.Model, rec.PromptTokens,
		rec.CompletionTokens, rec.Cost, rec.Latency.Milliseconds(), rec.Err, at.UnixMilli(),
	)
	return err
}

// UsageSince aggregates the usage of a connection per operation since t.
func (s *Store) UsageSince(ctx context.Context, connectionID string, t time.Time) ([]UsageTotal, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT operation, COUNT(*), SUM(CASE WHEN error != '' THEN 1 ELSE 0 END),
		SUM(prompt_tokens), SUM(completion_tokens), SUM(cost)
		FROM usage_logs WHERE connection_id = ? AND created_at >= ?
		GROUP BY operation ORDER BY operation`, connectionID, t.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageTotal
	for rows.Next() {
		var u UsageTotal
		if err := rows.Scan(&u.Operation, &u.Calls, &u.Errors, &u.PromptTokens,
			&u.CompletionTokens, &u.Cost); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
