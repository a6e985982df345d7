// CLAUDE:SUMMARY Connection CRUD, profile and gate updates, onboarding step, and the connection state lease.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
)

// OnboardingSteps labels the onboarding ordinals. The pipeline stores and
// reports the step but never branches on it.
var OnboardingSteps = []string{
	"created",
	"website_added",
	"discovery_started",
	"knowledge_indexed",
	"documents_uploaded",
	"behavior_reviewed",
	"live",
}

const connectionColumns = `id, website_url, tone, sales_intensity, response_length, empathy_level,
	compliance_strictness, health_score, drift_count, confidence_gate_status, low_confidence_streak,
	gate_reset_at, onboarding_step, state_locked_by, state_locked_at, created_at, updated_at`

// InsertConnection adds a connection. Zero profile and gate fields take
// their defaults.
func (s *Store) InsertConnection(ctx context.Context, c *Connection) error {
	now := s.ms()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Profile == (profile.Profile{}) {
		c.Profile = profile.Default()
	}
	if c.GateStatus == "" {
		c.GateStatus = lifecycle.GateActive
		c.HealthScore = 100
	}
	if c.GateResetAt == 0 {
		c.GateResetAt = c.CreatedAt
	}

	_, err := s.x.ExecContext(ctx,
		`INSERT INTO connections (id, website_url, tone, sales_intensity, response_length,
		empathy_level, compliance_strictness, health_score, drift_count, confidence_gate_status,
		low_confidence_streak, gate_reset_at, onboarding_step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WebsiteURL, c.Profile.Tone, c.Profile.SalesIntensity, c.Profile.ResponseLength,
		c.Profile.EmpathyLevel, c.Profile.ComplianceStrictness, c.HealthScore, c.DriftCount,
		string(c.GateStatus), c.LowConfidenceStreak, c.GateResetAt, c.OnboardingStep,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetConnection returns a connection by ID, or nil.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	return one(s.x.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id), scanConnection)
}

// ListConnections returns every connection, oldest first.
func (s *Store) ListConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := s.x.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at ASC`)
	return collect(rows, err, scanConnection)
}

// UpdateProfile replaces the live profile of a connection.
func (s *Store) UpdateProfile(ctx context.Context, id string, p profile.Profile) error {
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE connections SET tone=?, sales_intensity=?, response_length=?, empathy_level=?,
		compliance_strictness=?, updated_at=? WHERE id=?`,
		p.Tone, p.SalesIntensity, p.ResponseLength, p.EmpathyLevel, p.ComplianceStrictness,
		s.ms(), id,
	))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return nil
}

// UpdateGate writes the gate columns of a connection.
func (s *Store) UpdateGate(ctx context.Context, id string, g GateState) error {
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE connections SET health_score=?, drift_count=?, confidence_gate_status=?,
		low_confidence_streak=?, gate_reset_at=?, updated_at=? WHERE id=?`,
		g.HealthScore, g.DriftCount, string(g.Status), g.LowConfidenceStreak, g.ResetAt,
		s.ms(), id,
	))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return nil
}

// SetOnboardingStep stores the onboarding ordinal, 0..len(OnboardingSteps)-1.
func (s *Store) SetOnboardingStep(ctx context.Context, id string, step int) error {
	if step < 0 || step >= len(OnboardingSteps) {
		return fmt.Errorf("store: onboarding step %d out of range 0..%d", step, len(OnboardingSteps)-1)
	}
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE connections SET onboarding_step=?, updated_at=? WHERE id=?`, step, s.ms(), id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return nil
}

// AcquireLease takes the connection state lease for holder. A lease older
// than ttl is considered abandoned and may be taken over. Re-acquiring a
// lease already held by holder refreshes it. Fails fast with
// ErrConnectionBusy; there is no waiting.
func (s *Store) AcquireLease(ctx context.Context, id, holder string, ttl time.Duration) error {
	now := s.ms()
	n, err := affected(s.x.ExecContext(ctx,
		`UPDATE connections SET state_locked_by=?, state_locked_at=?
		WHERE id=? AND (state_locked_by IS NULL OR state_locked_by=? OR state_locked_at < ?)`,
		holder, now, id, holder, now-ttl.Milliseconds(),
	))
	if err != nil {
		return fmt.Errorf("store: acquire lease: %w", err)
	}
	if n == 1 {
		return nil
	}
	c, err := s.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s held by %s", ErrConnectionBusy, id, c.LockedBy)
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, id, holder string) error {
	_, err := s.x.ExecContext(ctx,
		`UPDATE connections SET state_locked_by=NULL, state_locked_at=NULL
		WHERE id=? AND state_locked_by=?`, id, holder)
	return err
}

func scanConnection(sc scanner) (*Connection, error) {
	var (
		c        Connection
		gate     string
		lockedBy sql.NullString
		lockedAt sql.NullInt64
	)
	err := sc.Scan(&c.ID, &c.WebsiteURL, &c.Profile.Tone, &c.Profile.SalesIntensity,
		&c.Profile.ResponseLength, &c.Profile.EmpathyLevel, &c.Profile.ComplianceStrictness,
		&c.HealthScore, &c.DriftCount, &gate, &c.LowConfidenceStreak, &c.GateResetAt,
		&c.OnboardingStep, &lockedBy, &lockedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.GateStatus = lifecycle.GateStatus(gate)
	c.LockedBy = lockedBy.String
	c.LockedAt = ptrInt64(lockedAt)
	return &c, nil
}
