// CLAUDE:SUMMARY Suggestion creation from classifier signals, single-shot human review, lease-guarded apply, drift recording, auto-apply.
// Package review turns behavior signals into profile suggestions and applies
// them once a reviewer, human or automatic, accepts them.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
)

var (
	// ErrInvalidState is returned when a suggestion was already reviewed.
	ErrInvalidState = errors.New("review: suggestion is not pending")
	// ErrUnknownSuggestion is returned for a missing suggestion.
	ErrUnknownSuggestion = errors.New("review: unknown suggestion")
	// ErrUnknownConnection is returned for a missing connection.
	ErrUnknownConnection = errors.New("review: unknown connection")
	// ErrInvalidDecision is returned for a decision other than accept or reject.
	ErrInvalidDecision = errors.New("review: invalid decision")
	// ErrMissingReviewer is returned when no reviewer identity is given.
	ErrMissingReviewer = errors.New("review: reviewer id required")
)

// AutoReviewer is the reviewer id recorded on automatic applications.
const AutoReviewer = "system:auto"

// Decision is a reviewer verdict.
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// ParseDecision accepts accept/accepted/reject/rejected in any case.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "accepted":
		return Accept, nil
	case "reject", "rejected":
		return Reject, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

func (d Decision) status() lifecycle.SuggestionStatus {
	if d == Accept {
		return lifecycle.SuggestionAccepted
	}
	return lifecycle.SuggestionRejected
}

// Config tunes review.
type Config struct {
	// MaterialityThreshold is the move a numeric field must exceed to
	// count as drift. Categorical fields drift on any change.
	MaterialityThreshold int           `yaml:"materiality_threshold"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	AutoApply            bool          `yaml:"auto_apply"`
	AutoApplyConfidence  float64       `yaml:"auto_apply_confidence"`
}

func (c *Config) defaults() {
	if c.MaterialityThreshold <= 0 {
		c.MaterialityThreshold = 2
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.AutoApplyConfidence <= 0 {
		c.AutoApplyConfidence = 0.9
	}
}

// Proposal is what the extraction engine hands over for a behavior document.
type Proposal struct {
	ConnectionID string
	DocumentID   string
	Signals      capability.Signals
	Confidence   float64
}

// Result is the outcome of a review.
type Result struct {
	Suggestion *store.Suggestion `json:"suggestion"`
	Profile    profile.Profile   `json:"profile"`
	Drift      []profile.Field   `json:"drift,omitempty"`
	Gate       *gate.Decision    `json:"gate,omitempty"`
}

// Engine creates and resolves suggestions.
type Engine struct {
	store  *store.Store
	gate   *gate.Gate
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine.
func New(st *store.Store, g *gate.Gate, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, gate: g, cfg: cfg, logger: logger}
}

// CreateSuggestion stores a PENDING suggestion diffed against the current
// profile. Signals that change nothing yield nil.
func (e *Engine) CreateSuggestion(ctx context.Context, p Proposal) (*store.Suggestion, error) {
	var sg *store.Suggestion
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		sg, err = e.CreateSuggestionIn(ctx, tx, p)
		return err
	})
	return sg, err
}

// CreateSuggestionIn is CreateSuggestion within the caller's transaction.
func (e *Engine) CreateSuggestionIn(ctx context.Context, tx *store.Store, p Proposal) (*store.Suggestion, error) {
	c, err := tx.GetConnection(ctx, p.ConnectionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, p.ConnectionID)
	}

	suggested := profile.Overlay(c.Profile, partial(p.Signals))
	diff := profile.Compute(c.Profile, suggested)
	if diff.Empty() {
		return nil, nil
	}

	sg := &store.Suggestion{
		ID:           idgen.Suggestion(),
		ConnectionID: p.ConnectionID,
		DocumentID:   p.DocumentID,
		Suggested:    suggested,
		Reasoning:    p.Signals.Reasoning,
		Confidence:   capability.ClampConfidence(p.Confidence),
		Diff:         diff,
	}
	if err := tx.InsertSuggestion(ctx, sg); err != nil {
		return nil, fmt.Errorf("review: insert suggestion: %w", err)
	}
	e.logger.Info("review: suggestion created", "suggestion_id", sg.ID,
		"connection_id", sg.ConnectionID, "fields", diff.Fields(), "confidence", sg.Confidence)
	return sg, nil
}

func partial(s capability.Signals) profile.Partial {
	return profile.Partial{
		Tone:                 s.Tone,
		SalesIntensity:       s.SalesIntensity,
		ResponseLength:       s.ResponseLength,
		EmpathyLevel:         s.EmpathyLevel,
		ComplianceStrictness: s.ComplianceStrictness,
	}
}

// Review resolves a PENDING suggestion exactly once. Accepting takes the
// connection lease, fails fast with store.ErrConnectionBusy, and applies
// the stored diff in the same transaction that resolves the suggestion.
func (e *Engine) Review(ctx context.Context, suggestionID string, decision Decision, reviewerID, notes string) (*Result, error) {
	if decision != Accept && decision != Reject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return nil, ErrMissingReviewer
	}
	return e.resolve(ctx, suggestionID, decision, reviewerID, notes, false)
}

// AutoApply accepts a suggestion as AutoReviewer when auto-apply is on, the
// suggestion is confident enough, and the gate does not suppress the
// connection. It reports whether the suggestion was applied.
func (e *Engine) AutoApply(ctx context.Context, sg *store.Suggestion) (bool, error) {
	if !e.cfg.AutoApply || sg == nil || sg.Confidence < e.cfg.AutoApplyConfidence {
		return false, nil
	}
	suppressed, err := e.gate.Suppressed(ctx, sg.ConnectionID)
	if err != nil {
		return false, err
	}
	if suppressed {
		e.logger.Info("review: auto-apply suppressed by gate", "suggestion_id", sg.ID, "connection_id", sg.ConnectionID)
		return false, nil
	}
	if _, err := e.resolve(ctx, sg.ID, Accept, AutoReviewer, "auto-applied", true); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) resolve(ctx context.Context, id string, decision Decision, reviewerID, notes string, auto bool) (*Result, error) {
	sg, err := e.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSuggestion, id)
	}
	if sg.Status != lifecycle.SuggestionPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, sg.Status)
	}

	if decision == Accept {
		holder := "review:" + idgen.New()
		if err := e.store.AcquireLease(ctx, sg.ConnectionID, holder, e.cfg.LeaseTTL); err != nil {
			return nil, err
		}
		defer func() {
			if err := e.store.ReleaseLease(context.WithoutCancel(ctx), sg.ConnectionID, holder); err != nil {
				e.logger.Warn("review: release lease", "connection_id", sg.ConnectionID, "error", err)
			}
		}()
	}

	res := &Result{}
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.ResolveSuggestion(ctx, id, decision.status(), reviewerID, notes, auto); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				return fmt.Errorf("%w: %s", ErrInvalidState, id)
			}
			return err
		}
		c, err := tx.GetConnection(ctx, sg.ConnectionID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrUnknownConnection, sg.ConnectionID)
		}
		res.Profile = c.Profile
		if decision == Reject {
			return nil
		}

		res.Profile = profile.Apply(c.Profile, sg.Diff)
		if err := tx.UpdateProfile(ctx, c.ID, res.Profile); err != nil {
			return err
		}
		res.Drift = sg.Diff.Material(e.cfg.MaterialityThreshold)
		if len(res.Drift) == 0 {
			return nil
		}
		fields := make([]string, len(res.Drift))
		for i, f := range res.Drift {
			fields[i] = string(f)
		}
		res.Gate, err = e.gate.ObserveIn(ctx, tx, c.ID, gate.Event{Kind: gate.KindDrift, Fields: fields})
		return err
	})
	if err != nil {
		return nil, err
	}

	res.Suggestion, err = e.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("review: suggestion resolved", "suggestion_id", id, "connection_id", sg.ConnectionID,
		"status", res.Suggestion.Status, "reviewer", reviewerID, "drift", len(res.Drift))
	return res, nil
}
