// CLAUDE:SUMMARY Classification/embedding capability interfaces, result types, and the usage-metering wrapper.
// Package capability defines the opaque AI capability the pipeline depends
// on: Classify(text) and Embed(text). Implementations live in subpackages
// (llm for an OpenAI-compatible backend, fake for tests).
package capability

import (
	"context"
	"errors"
)

var (
	// ErrMalformedResponse means the backend answered with something unusable.
	ErrMalformedResponse = errors.New("capability: malformed response")
	// ErrDimensionMismatch means an embedding has an unexpected width.
	ErrDimensionMismatch = errors.New("capability: embedding dimension mismatch")
)

// Purpose tells the classifier which output shape is wanted.
type Purpose string

const (
	// PurposeKnowledge asks for a topic label and self-contained facts.
	PurposeKnowledge Purpose = "knowledge"
	// PurposeBehavior asks for a document category and behavior signals.
	PurposeBehavior Purpose = "behavior"
	// PurposeAnswer rates how well a chat answer was grounded.
	PurposeAnswer Purpose = "answer"
)

// ClassifyRequest is the input of Classify. Text must already be sanitized.
type ClassifyRequest struct {
	Purpose Purpose
	Text    string
}

// Signals are the behavior cues found in a document. Every profile field is
// optional; nil means the document says nothing about it.
type Signals struct {
	Tone                 *string  `json:"tone,omitempty"`
	SalesIntensity       *int     `json:"salesIntensity,omitempty"`
	ResponseLength       *string  `json:"responseLength,omitempty"`
	EmpathyLevel         *int     `json:"empathyLevel,omitempty"`
	ComplianceStrictness *int     `json:"complianceStrictness,omitempty"`
	Reasoning            string   `json:"reasoning,omitempty"`
	Topics               []string `json:"topics,omitempty"`
	Keywords             []string `json:"keywords,omitempty"`
}

// Classification is the output of Classify.
type Classification struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Signals    Signals  `json:"signals"`
	Fragments  []string `json:"fragments,omitempty"`
	Usage      Usage    `json:"-"`
}

// Embedding is the output of Embed.
type Embedding struct {
	Vector []float32
	Usage  Usage
}

// Usage is the token accounting reported by a backend for one call.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Classifier labels text.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Classification, error)
}

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (*Embedding, error)
}

// Capability is what the pipeline needs from an AI backend.
type Capability interface {
	Classifier
	Embedder
}

// Split combines a separate classifier and embedder into a Capability.
func Split(c Classifier, e Embedder) Capability {
	return split{c, e}
}

type split struct {
	Classifier
	Embedder
}

// ClampConfidence bounds a reported confidence to [0,1].
func ClampConfidence(v float64) float64 {
	if v != v || v < 0 { // NaN
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
