package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pemistahl/lingua-go"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/sanitize"
)

var (
	// ErrUnknownConnection is returned for a missing connection.
	ErrUnknownConnection = errors.New("retrieval: unknown connection")
	// ErrEmptyQuestion is returned when nothing is left of the message after sanitizing.
	ErrEmptyQuestion = errors.New("retrieval: empty question")
)

// NoGrounding is the instruction used when no fragment clears the floor.
const NoGrounding = "No grounding available: the knowledge base has nothing relevant to this question. " +
	"Do not invent facts. Say you do not know and offer to connect the user with a human."

// Config tunes prompt assembly.
type Config struct {
	TopK            int     `yaml:"top_k"`            // default 4
	SimilarityFloor float64 `yaml:"similarity_floor"` // default 0.3
	// MaxContextRunes caps the grounding block; lower-ranked fragments are dropped first.
	MaxContextRunes int  `yaml:"max_context_runes"` // default 8000
	DetectLanguage  bool `yaml:"detect_language"`
}

func (c *Config) defaults() {
	if c.TopK <= 0 {
		c.TopK = 4
	}
	if c.SimilarityFloor <= 0 {
		c.SimilarityFloor = 0.3
	}
	if c.MaxContextRunes <= 0 {
		c.MaxContextRunes = 8000
	}
}

// GroundedPrompt is the prompt handed to the answering model.
type GroundedPrompt struct {
	ConnectionID  string             `json:"connection_id"`
	Question      string             `json:"question"`
	PromptText    string             `json:"prompt_text"`
	Instructions  []string           `json:"instructions"`
	FragmentsUsed []Fragment         `json:"fragments_used"`
	Grounded      bool               `json:"grounded"`
	TopScore      float64            `json:"top_score"`
	Language      string             `json:"language,omitempty"`
	Warnings      []sanitize.Warning `json:"warnings,omitempty"`
}

// Assembler builds grounded prompts. Reads take no connection lease.
type Assembler struct {
	store    *store.Store
	index    *Index
	embedder capability.Embedder
	gate     *gate.Gate
	detector lingua.LanguageDetector
	cfg      Config
	logger   *slog.Logger
}

// detectable are the languages the question detector distinguishes.
var detectable = []lingua.Language{
	lingua.English, lingua.French, lingua.German, lingua.Spanish,
	lingua.Italian, lingua.Portuguese, lingua.Dutch,
}

// NewAssembler creates an Assembler. g may be nil when chat outcomes are
// not tracked.
func NewAssembler(st *store.Store, ix *Index, emb capability.Embedder, g *gate.Gate, cfg Config, logger *slog.Logger) *Assembler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{store: st, index: ix, embedder: emb, gate: g, cfg: cfg, logger: logger}
	if cfg.DetectLanguage {
		a.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(detectable...).
			WithMinimumRelativeDistance(0.1).
			Build()
	}
	return a
}

// RetrieveGroundedPrompt sanitizes and embeds userMessage, keeps the top-k
// fragments above the similarity floor, and composes the prompt with the
// connection's style instructions.
func (a *Assembler) RetrieveGroundedPrompt(ctx context.Context, connectionID, userMessage string) (*GroundedPrompt, error) {
	c, err := a.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	clean := sanitize.Sanitize(userMessage)
	if strings.TrimSpace(clean.Text) == "" {
		return nil, ErrEmptyQuestion
	}
	if cats := clean.Categories(); len(cats) > 0 {
		a.logger.Warn("retrieval: injection in question", "connection_id", connectionID, "categories", cats)
	}

	emb, err := a.embedder.Embed(ctx, clean.Text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed question: %w", err)
	}
	hits, err := a.index.Query(ctx, connectionID, emb.Vector, a.cfg.TopK)
	if err != nil {
		return nil, err
	}

	gp := &GroundedPrompt{ConnectionID: connectionID, Question: clean.Text, Warnings: clean.Warnings}
	if len(hits) > 0 {
		gp.TopScore = hits[0].Score
	}
	budget := a.cfg.MaxContextRunes
	for _, h := range hits {
		if h.Score < a.cfg.SimilarityFloor {
			break
		}
		n := len([]rune(h.Content))
		if n > budget && len(gp.FragmentsUsed) > 0 {
			break
		}
		budget -= n
		gp.FragmentsUsed = append(gp.FragmentsUsed, h)
	}
	gp.Grounded = len(gp.FragmentsUsed) > 0
	gp.Language = a.language(clean.Text)
	gp.Instructions = StyleInstructions(c.Profile, gp.Language)
	gp.PromptText = compose(c, gp)

	a.logger.Debug("retrieval: prompt assembled", "connection_id", connectionID,
		"fragments", len(gp.FragmentsUsed), "grounded", gp.Grounded, "top_score", gp.TopScore)
	return gp, nil
}

func (a *Assembler) language(text string) string {
	if a.detector == nil {
		return ""
	}
	lang, ok := a.detector.DetectLanguageOf(text)
	if !ok {
		return ""
	}
	return titleCase(lang.String())
}

func compose(c *store.Connection, gp *GroundedPrompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the customer assistant of %s.\n\n", c.WebsiteURL)
	b.WriteString("Style:\n")
	for _, in := range gp.Instructions {
		b.WriteString("- " + in + "\n")
	}
	b.WriteString("\n")

	if !gp.Grounded {
		b.WriteString(NoGrounding + "\n")
	} else {
		b.WriteString("Grounding:\n")
		for i, f := range gp.FragmentsUsed {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, f.Content)
		}
		b.WriteString("\nAnswer only from the grounding above. If it does not cover the question, say so.\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", gp.Question)
	return b.String()
}

// StyleInstructions renders a profile as prompt instructions. language is
// a language name such as "French", or empty.
func StyleInstructions(p profile.Profile, language string) []string {
	out := []string{fmt.Sprintf("Use a %s tone.", p.Tone)}

	switch {
	case p.SalesIntensity <= 3:
		out = append(out, "Do not promote products unless the user asks.")
	case p.SalesIntensity <= 6:
		out = append(out, "Mention relevant products when they help the user.")
	default:
		out = append(out, "Proactively recommend relevant products and offers.")
	}

	switch p.ResponseLength {
	case profile.LengthShort:
		out = append(out, "Keep answers to one or two sentences.")
	case profile.LengthLong:
		out = append(out, "Give thorough, detailed answers.")
	default:
		out = append(out, "Keep answers to a short paragraph.")
	}

	if p.EmpathyLevel >= 7 {
		out = append(out, "Acknowledge the user's feelings before answering.")
	} else if p.EmpathyLevel <= 3 {
		out = append(out, "Stay factual and to the point.")
	}

	if p.ComplianceStrictness >= 7 {
		out = append(out, "Never speculate about pricing, legal or medical matters; defer to official policy.")
	}

	if language != "" {
		out = append(out, fmt.Sprintf("Answer in %s.", language))
	}
	return out
}

func titleCase(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// LogMissedQuestion records a question the knowledge base could not answer.
func (a *Assembler) LogMissedQuestion(ctx context.Context, connectionID, question string, confidence float64, contextUsed string) (*store.MissedQuestion, error) {
	clean := sanitize.Sanitize(question)
	if strings.TrimSpace(clean.Text) == "" {
		return nil, ErrEmptyQuestion
	}
	m := &store.MissedQuestion{
		ID:           idgen.Missed(),
		ConnectionID: connectionID,
		Question:     clean.Text,
		Confidence:   capability.ClampConfidence(confidence),
		ContextUsed:  contextUsed,
		Status:       lifecycle.MissedPending,
	}
	if err := a.store.InsertMissedQuestion(ctx, m); err != nil {
		return nil, fmt.Errorf("retrieval: log missed question: %w", err)
	}
	a.logger.Info("retrieval: missed question", "connection_id", connectionID, "missed_id", m.ID, "confidence", m.Confidence)
	return m, nil
}

// RecordChatOutcome feeds the confidence of one answered chat turn to the gate.
func (a *Assembler) RecordChatOutcome(ctx context.Context, connectionID string, confidence float64) (*gate.Decision, error) {
	if a.gate == nil {
		return nil, errors.New("retrieval: no gate configured")
	}
	return a.gate.Observe(ctx, connectionID, gate.Event{Kind: gate.KindChatTurn, Confidence: confidence})
}
