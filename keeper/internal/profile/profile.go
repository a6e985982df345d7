// CLAUDE:SUMMARY Behavior profile of a connection, typed field diffs, apply/reverse, materiality.
// Package profile models the behavior profile that tunes the assistant and
// the structural diff between two profiles.
package profile

import (
	"errors"
	"fmt"
)

// ErrInvalidProfile is returned by Validate.
var ErrInvalidProfile = errors.New("profile: invalid")

// Field names a profile field. Values match the JSON keys.
type Field string

const (
	FieldTone                 Field = "tone"
	FieldSalesIntensity       Field = "salesIntensity"
	FieldResponseLength       Field = "responseLength"
	FieldEmpathyLevel         Field = "empathyLevel"
	FieldComplianceStrictness Field = "complianceStrictness"
)

// Response lengths.
const (
	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"
)

// MaxLevel bounds the numeric fields, which range over 0..MaxLevel.
const MaxLevel = 10

// Profile is the live behavior configuration of a connection.
type Profile struct {
	Tone                 string `json:"tone" yaml:"tone"`
	SalesIntensity       int    `json:"salesIntensity" yaml:"sales_intensity"`
	ResponseLength       string `json:"responseLength" yaml:"response_length"`
	EmpathyLevel         int    `json:"empathyLevel" yaml:"empathy_level"`
	ComplianceStrictness int    `json:"complianceStrictness" yaml:"compliance_strictness"`
}

// Default is the profile of a new connection.
func Default() Profile {
	return Profile{
		Tone:                 "professional",
		SalesIntensity:       5,
		ResponseLength:       LengthMedium,
		EmpathyLevel:         5,
		ComplianceStrictness: 5,
	}
}

// Validate checks field ranges.
func (p Profile) Validate() error {
	if p.Tone == "" {
		return fmt.Errorf("%w: empty tone", ErrInvalidProfile)
	}
	switch p.ResponseLength {
	case LengthShort, LengthMedium, LengthLong:
	default:
		return fmt.Errorf("%w: response length %q", ErrInvalidProfile, p.ResponseLength)
	}
	for f, v := range map[Field]int{
		FieldSalesIntensity:       p.SalesIntensity,
		FieldEmpathyLevel:         p.EmpathyLevel,
		FieldComplianceStrictness: p.ComplianceStrictness,
	} {
		if v < 0 || v > MaxLevel {
			return fmt.Errorf("%w: %s=%d out of 0..%d", ErrInvalidProfile, f, v, MaxLevel)
		}
	}
	return nil
}

// Partial carries the fields a classifier suggested. Nil means no opinion.
type Partial struct {
	Tone                 *string `json:"tone,omitempty"`
	SalesIntensity       *int    `json:"salesIntensity,omitempty"`
	ResponseLength       *string `json:"responseLength,omitempty"`
	EmpathyLevel         *int    `json:"empathyLevel,omitempty"`
	ComplianceStrictness *int    `json:"complianceStrictness,omitempty"`
}

// Overlay returns base with every non-nil field of s applied. Numeric values
// are clamped to 0..MaxLevel and unknown response lengths are ignored.
func Overlay(base Profile, s Partial) Profile {
	out := base
	if s.Tone != nil && *s.Tone != "" {
		out.Tone = *s.Tone
	}
	if s.ResponseLength != nil {
		switch *s.ResponseLength {
		case LengthShort, LengthMedium, LengthLong:
			out.ResponseLength = *s.ResponseLength
		}
	}
	if s.SalesIntensity != nil {
		out.SalesIntensity = clampLevel(*s.SalesIntensity)
	}
	if s.EmpathyLevel != nil {
		out.EmpathyLevel = clampLevel(*s.EmpathyLevel)
	}
	if s.ComplianceStrictness != nil {
		out.ComplianceStrictness = clampLevel(*s.ComplianceStrictness)
	}
	return out
}

func clampLevel(v int) int {
	return max(0, min(MaxLevel, v))
}
