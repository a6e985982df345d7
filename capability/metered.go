package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/groundkeeper/kit"
)

// Operation names recorded in usage logs.
const (
	OpClassify = "classify"
	OpEmbed    = "embed"
)

// UsageRecord is one capability invocation, successful or not.
type UsageRecord struct {
	ConnectionID     string
	Operation        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Latency          time.Duration
	Err              string
	At               time.Time
}

// UsageSink persists usage records.
type UsageSink interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// Pricing converts tokens into cost, per thousand tokens.
type Pricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

func (p Pricing) cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K + float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

// MeterOption configures Metered.
type MeterOption func(*metered)

// WithPricing sets the token prices used for cost.
func WithPricing(p Pricing) MeterOption { return func(m *metered) { m.pricing = p } }

// WithTimeout bounds every call. A timeout surfaces as the call's error.
func WithTimeout(d time.Duration) MeterOption { return func(m *metered) { m.timeout = d } }

// WithLogger sets the logger used when a usage record cannot be written.
func WithLogger(l *slog.Logger) MeterOption { return func(m *metered) { m.logger = l } }

type metered struct {
	inner   Capability
	sink    UsageSink
	pricing Pricing
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Metered wraps inner so that every Classify and Embed call emits a
// UsageRecord to sink. The connection is taken from kit.GetConnectionID.
// Sink failures are logged and never fail the call.
func Metered(inner Capability, sink UsageSink, opts ...MeterOption) Capability {
	m := &metered{inner: inner, sink: sink, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *metered) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

func (m *metered) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	callCtx, cancel := m.bound(ctx)
	defer cancel()

	start := m.now()
	res, err := m.inner.Classify(callCtx, req)
	var u Usage
	if res != nil {
		u = res.Usage
	}
	m.record(ctx, OpClassify, u, start, err)
	return res, err
}

func (m *metered) Embed(ctx context.Context, text string) (*Embedding, error) {
	callCtx, cancel := m.bound(ctx)
	defer cancel()

	start := m.now()
	res, err := m.inner.Embed(callCtx, text)
	var u Usage
	if res != nil {
		u = res.Usage
	}
	m.record(ctx, OpEmbed, u, start, err)
	return res, err
}

func (m *metered) record(ctx context.Context, op string, u Usage, start time.Time, callErr error) {
	if m.sink == nil {
		return
	}
	rec := UsageRecord{
		ConnectionID:     kit.GetConnectionID(ctx),
		Operation:        op,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Cost:             m.pricing.cost(u),
		Latency:          m.now().Sub(start),
		At:               start,
	}
	if callErr != nil {
		rec.Err = callErr.Error()
	}
	// Recording must outlive a cancelled call context.
	if err := m.sink.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("capability: record usage", "op", op, "error", err)
	}
}
