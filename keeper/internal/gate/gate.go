package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
)

// ErrUnknownConnection is returned when the connection does not exist.
var ErrUnknownConnection = errors.New("gate: unknown connection")

// Decision is the result of one observation.
type Decision struct {
	ConnectionID string               `json:"connection_id"`
	From         lifecycle.GateStatus `json:"from"`
	To           lifecycle.GateStatus `json:"to"`
	Health       float64              `json:"health_score"`
	DriftCount   int                  `json:"drift_count"`
	RecentDrift  int                  `json:"recent_drift"`
}

// Suppressed reports whether automated changes are blocked after this decision.
func (d *Decision) Suppressed() bool { return d.To == lifecycle.GateFailed }

// Gate persists gate state on the connection row.
type Gate struct {
	store  *store.Store
	rules  Rules
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Gate.
func New(st *store.Store, rules Rules, logger *slog.Logger) *Gate {
	rules.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, rules: rules, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Rules returns the effective rules.
func (g *Gate) Rules() Rules { return g.rules }

// Observe applies e to a connection in its own transaction.
func (g *Gate) Observe(ctx context.Context, connectionID string, e Event) (*Decision, error) {
	var d *Decision
	err := g.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		d, err = g.ObserveIn(ctx, tx, connectionID, e)
		return err
	})
	return d, err
}

// ObserveIn applies e within tx, so callers can fold the gate update into
// their own transaction.
func (g *Gate) ObserveIn(ctx context.Context, tx *store.Store, connectionID string, e Event) (*Decision, error) {
	c, err := tx.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("gate: load connection: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	now := g.now()
	recent, err := tx.CountDriftSince(ctx, connectionID, g.windowStart(c, now))
	if err != nil {
		return nil, fmt.Errorf("gate: count drift: %w", err)
	}

	before := State{
		Health:      c.HealthScore,
		DriftCount:  c.DriftCount,
		RecentDrift: recent,
		Status:      c.GateStatus,
		LowStreak:   c.LowConfidenceStreak,
	}
	after, fx := Evaluate(before, e, g.rules)
	if err := lifecycle.CheckGate(before.Status, after.Status); err != nil {
		return nil, err
	}

	if e.Kind == KindDrift {
		for _, f := range e.Fields {
			if err := tx.InsertDriftEvent(ctx, &store.DriftEvent{
				ID: idgen.DriftEvent(), ConnectionID: connectionID,
				Reason: store.DriftProfileChange, Field: f, CreatedAt: now.UnixMilli(),
			}); err != nil {
				return nil, err
			}
		}
	}
	if fx.StreakDrift {
		if err := tx.InsertDriftEvent(ctx, &store.DriftEvent{
			ID: idgen.DriftEvent(), ConnectionID: connectionID,
			Reason: store.DriftLowConfidence, CreatedAt: now.UnixMilli(),
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.UpdateGate(ctx, connectionID, store.GateState{
		HealthScore:         after.Health,
		DriftCount:          after.DriftCount,
		Status:              after.Status,
		LowConfidenceStreak: after.LowStreak,
		ResetAt:             c.GateResetAt,
	}); err != nil {
		return nil, err
	}

	if before.Status != after.Status {
		g.logger.Warn("gate: status changed", "connection_id", connectionID,
			"from", before.Status, "to", after.Status, "health", after.Health, "recent_drift", after.RecentDrift)
	}
	return &Decision{
		ConnectionID: connectionID,
		From:         before.Status,
		To:           after.Status,
		Health:       after.Health,
		DriftCount:   after.DriftCount,
		RecentDrift:  after.RecentDrift,
	}, nil
}

// windowStart is the later of the last reset and now minus the drift window.
func (g *Gate) windowStart(c *store.Connection, now time.Time) time.Time {
	start := now.Add(-g.rules.DriftWindow)
	if reset := time.UnixMilli(c.GateResetAt); reset.After(start) {
		return reset
	}
	return start
}

// Reset restores a connection to ACTIVE with full health. Drift events
// before the reset no longer count toward the ceiling.
func (g *Gate) Reset(ctx context.Context, connectionID string) (*Decision, error) {
	var d *Decision
	err := g.store.InTx(ctx, func(tx *store.Store) error {
		c, err := tx.GetConnection(ctx, connectionID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
		}
		s := Reset(State{Health: c.HealthScore, DriftCount: c.DriftCount, Status: c.GateStatus, LowStreak: c.LowConfidenceStreak})
		resetAt := g.now().UnixMilli()
		if err := tx.UpdateGate(ctx, connectionID, store.GateState{
			HealthScore:         s.Health,
			DriftCount:          s.DriftCount,
			Status:              s.Status,
			LowConfidenceStreak: s.LowStreak,
			ResetAt:             resetAt,
		}); err != nil {
			return err
		}
		d = &Decision{ConnectionID: connectionID, From: c.GateStatus, To: s.Status, Health: s.Health, DriftCount: s.DriftCount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("gate: reset", "connection_id", connectionID, "from", d.From)
	return d, nil
}

// Suppressed reports whether automated profile application is blocked for
// a connection.
func (g *Gate) Suppressed(ctx context.Context, connectionID string) (bool, error) {
	c, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return c.GateStatus == lifecycle.GateFailed, nil
}
