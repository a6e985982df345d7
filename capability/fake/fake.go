// Package fake provides a deterministic in-process Capability for tests and
// offline runs.
//
// Embed hashes lowercase words into a fixed number of buckets (signed
// feature hashing) and L2-normalizes the result, so texts that share words
// score a higher cosine similarity. Classify returns the configured answer
// or the result of ClassifyFunc.
package fake

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/hazyhaar/groundkeeper/capability"
)

// DefaultDim is the embedding width when Dim is zero.
const DefaultDim = 64

// Capability is a scriptable fake. The zero value is usable.
type Capability struct {
	Dim int

	// Classify answer when ClassifyFunc is nil.
	Label      string
	Confidence float64
	Signals    capability.Signals
	Fragments  []string

	ClassifyFunc func(req capability.ClassifyRequest) (*capability.Classification, error)
	ClassifyErr  error
	EmbedErr     error

	// Delay is waited before answering, honouring ctx cancellation.
	Delay time.Duration

	classifyCalls atomic.Int64
	embedCalls    atomic.Int64

	mu    sync.Mutex
	texts []string
}

var _ capability.Capability = (*Capability)(nil)

// Classify implements capability.Classifier.
func (f *Capability) Classify(ctx context.Context, req capability.ClassifyRequest) (*capability.Classification, error) {
	f.classifyCalls.Add(1)
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.ClassifyErr != nil {
		return nil, f.ClassifyErr
	}
	if f.ClassifyFunc != nil {
		return f.ClassifyFunc(req)
	}

	label, conf := f.Label, f.Confidence
	if label == "" {
		label = "general"
	}
	if conf == 0 {
		conf = 0.9
	}
	return &capability.Classification{
		Label:      label,
		Confidence: conf,
		Signals:    f.Signals,
		Fragments:  append([]string(nil), f.Fragments...),
		Usage:      capability.Usage{Model: "fake", PromptTokens: len(strings.Fields(req.Text)), CompletionTokens: 16},
	}, nil
}

// Embed implements capability.Embedder.
func (f *Capability) Embed(ctx context.Context, text string) (*capability.Embedding, error) {
	f.embedCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	dim := f.Dim
	if dim <= 0 {
		dim = DefaultDim
	}
	return &capability.Embedding{
		Vector: Vector(text, dim),
		Usage:  capability.Usage{Model: "fake-embed", PromptTokens: len(strings.Fields(text))},
	}, nil
}

// ClassifyCalls returns how many times Classify ran.
func (f *Capability) ClassifyCalls() int { return int(f.classifyCalls.Load()) }

// EmbedCalls returns how many times Embed ran.
func (f *Capability) EmbedCalls() int { return int(f.embedCalls.Load()) }

// ClassifiedTexts returns the texts passed to Classify, in call order.
func (f *Capability) ClassifiedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *Capability) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(f.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Vector is the deterministic embedding used by Embed.
func Vector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if (sum>>32)&1 == 0 {
			v[idx]++
		} else {
			v[idx]--
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}
