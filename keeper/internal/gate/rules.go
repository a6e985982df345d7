// CLAUDE:SUMMARY Pure confidence gate rules: health penalty/recovery, low-confidence streaks, drift ceiling, FAILED stickiness.
// Package gate tracks the health of a connection from the confidence of
// classifier and chat outcomes, and blocks automated profile changes once
// the connection looks unreliable.
package gate

import (
	"time"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
)

// Rules are the gate thresholds.
type Rules struct {
	WarningThreshold  float64       `yaml:"warning_threshold"`  // below: penalty + WARNING, default 0.6
	RecoveryThreshold float64       `yaml:"recovery_threshold"` // at or above: recovery, default 0.85
	HealthPenalty     float64       `yaml:"health_penalty"`     // default 5
	HealthRecovery    float64       `yaml:"health_recovery"`    // default 1
	ClearWarningAt    float64       `yaml:"clear_warning_at"`   // default 80
	HealthFloor       float64       `yaml:"health_floor"`       // below: FAILED, default 40
	LowStreakWindow   int           `yaml:"low_streak_window"`  // chat turns, default 3
	DriftCeiling      int           `yaml:"drift_ceiling"`      // default 5
	DriftWindow       time.Duration `yaml:"drift_window"`       // default 24h
}

// MaxHealth is the health of a fresh or reset connection.
const MaxHealth = 100

// Defaults fills zero fields.
func (r *Rules) Defaults() {
	if r.WarningThreshold <= 0 {
		r.WarningThreshold = 0.6
	}
	if r.RecoveryThreshold <= 0 {
		r.RecoveryThreshold = 0.85
	}
	if r.HealthPenalty <= 0 {
		r.HealthPenalty = 5
	}
	if r.HealthRecovery <= 0 {
		r.HealthRecovery = 1
	}
	if r.ClearWarningAt <= 0 {
		r.ClearWarningAt = 80
	}
	if r.HealthFloor <= 0 {
		r.HealthFloor = 40
	}
	if r.LowStreakWindow <= 0 {
		r.LowStreakWindow = 3
	}
	if r.DriftCeiling <= 0 {
		r.DriftCeiling = 5
	}
	if r.DriftWindow <= 0 {
		r.DriftWindow = 24 * time.Hour
	}
}

// Kind is the source of a gate event.
type Kind string

const (
	// KindExtraction is a classifier confidence from the extraction engine.
	KindExtraction Kind = "extraction"
	// KindChatTurn is the confidence of one grounded chat answer.
	KindChatTurn Kind = "chat_turn"
	// KindDrift is a batch of material profile changes.
	KindDrift Kind = "drift"
)

// Event is one observation fed to the gate.
type Event struct {
	Kind       Kind
	Confidence float64  // ignored for KindDrift
	Fields     []string // KindDrift: one drift event per field
}

// State is what the rules read and write.
type State struct {
	Health      float64
	DriftCount  int // lifetime, never decreases
	RecentDrift int // drift events in the window since the last reset
	Status      lifecycle.GateStatus
	LowStreak   int
}

// Effects are the side records an evaluation asks for.
type Effects struct {
	StreakDrift bool // a low-confidence streak completed
}

// Evaluate applies one event to s. It is pure: persistence and the drift
// window are the caller's concern.
func Evaluate(s State, e Event, r Rules) (State, Effects) {
	r.Defaults()
	var fx Effects

	switch e.Kind {
	case KindDrift:
		s.DriftCount += len(e.Fields)
		s.RecentDrift += len(e.Fields)
	default:
		conf := capability.ClampConfidence(e.Confidence)
		if conf < r.WarningThreshold {
			s.Health = max(0, s.Health-r.HealthPenalty)
			if s.Status != lifecycle.GateFailed {
				s.Status = lifecycle.GateWarning
			}
			if e.Kind == KindChatTurn {
				s.LowStreak++
				if s.LowStreak >= r.LowStreakWindow {
					s.LowStreak = 0
					s.DriftCount++
					s.RecentDrift++
					fx.StreakDrift = true
				}
			}
		} else {
			if e.Kind == KindChatTurn {
				s.LowStreak = 0
			}
			if conf >= r.RecoveryThreshold {
				s.Health = min(MaxHealth, s.Health+r.HealthRecovery)
				if s.Status == lifecycle.GateWarning && s.Health >= r.ClearWarningAt {
					s.Status = lifecycle.GateActive
				}
			}
		}
	}

	if s.Status != lifecycle.GateFailed && (s.Health < r.HealthFloor || s.RecentDrift >= r.DriftCeiling) {
		s.Status = lifecycle.GateFailed
	}
	return s, fx
}

// Reset is the operator recovery: ACTIVE, full health, empty streak. The
// lifetime drift count is kept.
func Reset(s State) State {
	s.Status = lifecycle.GateActive
	s.Health = MaxHealth
	s.LowStreak = 0
	s.RecentDrift = 0
	return s
}
