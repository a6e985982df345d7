// CLAUDE:SUMMARY Extraction engine: knowledge fragments (classify, chunk fallback, embed, supersede) and behavior signals (classify, suggest, auto-apply).
// Package extraction turns fetched pages into embedded knowledge fragments
// and uploaded documents into behavior suggestions.
package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/chunk"
	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/review"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/kit"
)

var (
	// ErrSourceMissing is returned when the page or document of a unit is gone.
	ErrSourceMissing = errors.New("extraction: source not found")
	// ErrEmptySource is returned when the source has no text to extract from.
	ErrEmptySource = errors.New("extraction: source has no text")
	// ErrUnknownExtractor is returned for an unsupported extractor/content pair.
	ErrUnknownExtractor = errors.New("extraction: unknown extractor")
)

// Config tunes the engine.
type Config struct {
	// MinConfidence is the behavior confidence below which a document is
	// recorded as UNKNOWN and no suggestion is made.
	MinConfidence float64       `yaml:"min_confidence"`
	UnitTimeout   time.Duration `yaml:"unit_timeout"`
	Chunk         chunk.Options `yaml:"chunk"`
}

func (c *Config) defaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = 2 * time.Minute
	}
}

// Outcome is the result of processing one unit.
type Outcome struct {
	Status       lifecycle.ExtractionStatus `json:"status"`
	Fragments    int                        `json:"fragments"`
	Superseded   int                        `json:"superseded"`
	SuggestionID string                     `json:"suggestion_id,omitempty"`
	AutoApplied  bool                       `json:"auto_applied,omitempty"`
	Err          error                      `json:"-"`
}

// Engine processes extraction units.
type Engine struct {
	store  *store.Store
	cap    capability.Capability
	gate   *gate.Gate
	review *review.Engine
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine. capab is normally wrapped by
// capability.Metered and its embedder by embedcache.
func NewEngine(st *store.Store, capab capability.Capability, g *gate.Gate, rv *review.Engine, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, cap: capab, gate: g, review: rv, cfg: cfg, logger: logger}
}

// Handle processes a claimed unit and records DONE or FAILED on its row.
// Capability errors fail the unit without retry.
func (e *Engine) Handle(ctx context.Context, pe *store.Extraction, workerID string) Outcome {
	ctx = kit.WithConnectionID(ctx, pe.ConnectionID)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.UnitTimeout)
	defer cancel()

	start := time.Now()
	out := e.Process(ctx, pe)

	// The unit's own deadline may have expired; finishing must still land.
	fctx := context.WithoutCancel(ctx)
	var err error
	if out.Err != nil {
		err = e.store.FailExtraction(fctx, pe.ID, workerID, out.Err.Error())
		e.logger.Warn("extraction: unit failed", "extraction_id", pe.ID, "connection_id", pe.ConnectionID,
			"extractor", pe.ExtractorType, "error", out.Err)
	} else {
		err = e.store.CompleteExtraction(fctx, pe.ID, workerID)
		e.logger.Info("extraction: unit done", "extraction_id", pe.ID, "connection_id", pe.ConnectionID,
			"extractor", pe.ExtractorType, "fragments", out.Fragments, "suggestion_id", out.SuggestionID,
			"duration_ms", time.Since(start).Milliseconds())
	}
	if err != nil {
		// Lost claim: another worker owns the row now and will finish it.
		e.logger.Warn("extraction: finish unit", "extraction_id", pe.ID, "worker", workerID, "error", err)
		if out.Err == nil {
			out.Err = err
		}
		out.Status = lifecycle.ExtractionProcessing
	}
	return out
}

// Process runs the extractor of pe without touching the unit row.
func (e *Engine) Process(ctx context.Context, pe *store.Extraction) Outcome {
	var out Outcome
	switch {
	case pe.ExtractorType == lifecycle.ExtractorKnowledge && pe.ContentType == lifecycle.ContentPage:
		out = e.knowledge(ctx, pe)
	case pe.ExtractorType == lifecycle.ExtractorBehavior && pe.ContentType == lifecycle.ContentDocument:
		out = e.behavior(ctx, pe)
	default:
		out.Err = fmt.Errorf("%w: %s/%s", ErrUnknownExtractor, pe.ExtractorType, pe.ContentType)
	}
	if out.Err != nil {
		out.Status = lifecycle.ExtractionFailed
	} else {
		out.Status = lifecycle.ExtractionDone
	}
	return out
}

func (e *Engine) knowledge(ctx context.Context, pe *store.Extraction) Outcome {
	page, err := e.store.GetPage(ctx, pe.SourceID)
	if err != nil {
		return Outcome{Err: err}
	}
	if page == nil {
		return Outcome{Err: fmt.Errorf("%w: page %s", ErrSourceMissing, pe.SourceID)}
	}
	if strings.TrimSpace(page.Text) == "" {
		return Outcome{Err: fmt.Errorf("%w: page %s", ErrEmptySource, page.ID)}
	}

	cls, err := e.cap.Classify(ctx, capability.ClassifyRequest{Purpose: capability.PurposeKnowledge, Text: page.Text})
	if err != nil {
		return Outcome{Err: fmt.Errorf("extraction: classify page %s: %w", page.ID, err)}
	}

	texts := fragments(cls.Fragments)
	if len(texts) == 0 {
		for _, f := range chunk.Split(page.Text, e.cfg.Chunk) {
			texts = append(texts, f.Text)
		}
	}

	// Re-crawls of a URL create new page rows; the discovery is the stable source.
	source := page.DiscoveryID
	if source == "" {
		source = page.ID
	}
	active, err := e.store.ActiveHashes(ctx, pe.ConnectionID)
	if err != nil {
		return Outcome{Err: err}
	}

	keep := make(map[string]bool, len(texts))
	var (
		fresh  []*store.Knowledge
		shared []string
	)
	for _, text := range texts {
		h := contentHash(text)
		if keep[h] {
			continue
		}
		keep[h] = true
		if _, ok := active[h]; ok {
			shared = append(shared, h)
			continue
		}
		emb, err := e.cap.Embed(ctx, text)
		if err != nil {
			return Outcome{Err: fmt.Errorf("extraction: embed fragment: %w", err)}
		}
		fresh = append(fresh, &store.Knowledge{
			ID:           idgen.Knowledge(),
			ConnectionID: pe.ConnectionID,
			SourceID:     source,
			ExtractionID: pe.ID,
			Label:        cls.Label,
			Content:      text,
			ContentHash:  h,
			Embedding:    emb.Vector,
		})
	}

	out := Outcome{}
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		out.Fragments = 0
		for _, k := range fresh {
			ok, err := tx.InsertKnowledge(ctx, k)
			if err != nil {
				return err
			}
			if ok {
				out.Fragments++
			}
		}
		// A fragment already stated by another source is linked, not re-embedded.
		for _, h := range shared {
			if err := tx.LinkKnowledgeSource(ctx, pe.ConnectionID, h, source); err != nil {
				return err
			}
		}
		n, err := tx.SupersedeSource(ctx, pe.ConnectionID, source, keep)
		out.Superseded = n
		return err
	})
	if err != nil {
		return Outcome{Err: fmt.Errorf("extraction: store fragments: %w", err)}
	}

	e.observe(ctx, pe.ConnectionID, cls.Confidence)
	return out
}

func (e *Engine) behavior(ctx context.Context, pe *store.Extraction) Outcome {
	doc, err := e.store.GetDocument(ctx, pe.SourceID)
	if err != nil {
		return Outcome{Err: err}
	}
	if doc == nil {
		return Outcome{Err: fmt.Errorf("%w: document %s", ErrSourceMissing, pe.SourceID)}
	}
	if err := e.startDocument(ctx, doc); err != nil {
		return Outcome{Err: err}
	}

	fail := func(err error) Outcome {
		if doc.ProcessingStatus != lifecycle.DocumentDone {
			if serr := e.store.SetDocumentStatus(context.WithoutCancel(ctx), doc.ID, lifecycle.DocumentFailed, err.Error()); serr != nil {
				e.logger.Warn("extraction: mark document failed", "document_id", doc.ID, "error", serr)
			}
		}
		return Outcome{Err: err}
	}

	if strings.TrimSpace(doc.Text) == "" {
		return fail(fmt.Errorf("%w: document %s", ErrEmptySource, doc.ID))
	}
	cls, err := e.cap.Classify(ctx, capability.ClassifyRequest{Purpose: capability.PurposeBehavior, Text: doc.Text})
	if err != nil {
		return fail(fmt.Errorf("extraction: classify document %s: %w", doc.ID, err))
	}

	conf := capability.ClampConfidence(cls.Confidence)
	class := lifecycle.ParseClassification(cls.Label)
	confident := conf >= e.cfg.MinConfidence
	if !confident {
		class = lifecycle.ClassUnknown
	}

	var sg *store.Suggestion
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.SetDocumentClassification(ctx, doc.ID, class, conf, cls.Signals); err != nil {
			return err
		}
		if confident {
			var err error
			sg, err = e.review.CreateSuggestionIn(ctx, tx, review.Proposal{
				ConnectionID: doc.ConnectionID,
				DocumentID:   doc.ID,
				Signals:      cls.Signals,
				Confidence:   conf,
			})
			if err != nil {
				return err
			}
		}
		if doc.ProcessingStatus == lifecycle.DocumentDone {
			return nil
		}
		return tx.SetDocumentStatus(ctx, doc.ID, lifecycle.DocumentDone, "")
	})
	if err != nil {
		return fail(fmt.Errorf("extraction: record classification: %w", err))
	}

	e.observe(ctx, doc.ConnectionID, conf)

	out := Outcome{}
	if sg != nil {
		out.SuggestionID = sg.ID
		applied, err := e.review.AutoApply(ctx, sg)
		if err != nil {
			// The suggestion stays PENDING for a human reviewer.
			e.logger.Warn("extraction: auto-apply", "suggestion_id", sg.ID, "error", err)
		}
		out.AutoApplied = applied
	}
	return out
}

// startDocument moves a document to PROCESSING. A FAILED document being
// retried passes through PENDING; a DONE one is reclassified in place.
func (e *Engine) startDocument(ctx context.Context, doc *store.Document) error {
	switch doc.ProcessingStatus {
	case lifecycle.DocumentDone, lifecycle.DocumentProcessing:
		return nil
	case lifecycle.DocumentFailed:
		if err := e.store.SetDocumentStatus(ctx, doc.ID, lifecycle.DocumentPending, ""); err != nil {
			return err
		}
	}
	if err := e.store.SetDocumentStatus(ctx, doc.ID, lifecycle.DocumentProcessing, ""); err != nil {
		return err
	}
	doc.ProcessingStatus = lifecycle.DocumentProcessing
	return nil
}

func (e *Engine) observe(ctx context.Context, connectionID string, confidence float64) {
	if e.gate == nil {
		return
	}
	if _, err := e.gate.Observe(ctx, connectionID, gate.Event{Kind: gate.KindExtraction, Confidence: confidence}); err != nil {
		e.logger.Warn("extraction: gate observe", "connection_id", connectionID, "error", err)
	}
}

func fragments(raw []string) []string {
	var out []string
	for _, f := range raw {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
