// CLAUDE:SUMMARY Service facade: wires store, discovery, extraction pool, gate, review, retrieval, scheduler and observability behind the inbound operations.
// Package keeper is the groundkeeper service: it ingests websites and
// behavior documents, keeps a per-connection knowledge base and behavior
// profile, and assembles grounded prompts for the chat assistant.
//
//	db, _ := dbopen.Open("groundkeeper.db", dbopen.WithMkdirAll())
//	svc, _ := keeper.New(db, capab, cfg, logger)
//	svc.Start(ctx)
//	defer svc.Close()
package keeper

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/docpipe"
	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/discovery"
	"github.com/hazyhaar/groundkeeper/keeper/internal/extraction"
	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/retrieval"
	"github.com/hazyhaar/groundkeeper/keeper/internal/review"
	"github.com/hazyhaar/groundkeeper/keeper/internal/scheduler"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/keeper/internal/webtext"
	"github.com/hazyhaar/groundkeeper/observability"
	"github.com/hazyhaar/groundkeeper/sanitize"
	"github.com/hazyhaar/groundkeeper/shield"
)

// Schema is every table the service needs. New applies it.
const Schema = store.Schema + observability.Schema

// Scheduled task names.
const (
	TaskDiscoverySweep = "discovery_sweep"
	TaskMetricsCleanup = "metrics_cleanup"
)

// Service is the groundkeeper orchestrator.
type Service struct {
	store     *store.Store
	queue     *discovery.Queue
	engine    *extraction.Engine
	pool      *extraction.Pool
	gate      *gate.Gate
	review    *review.Engine
	assembler *retrieval.Assembler
	docs      *docpipe.Pipeline
	sched     *scheduler.Scheduler
	metrics   *observability.Metrics
	audit     *observability.Audit
	limiter   *shield.RateLimiter
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	started   bool
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Service during creation.
type Option func(*Service)

// WithClock replaces the time source of the store and the gate.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.store.SetClock(now)
		s.gate.SetClock(now)
	}
}

// UsageSink returns a sink storing capability usage in the usage_logs table
// of db, for capability.Metered.
func UsageSink(db *sql.DB) capability.UsageSink { return store.New(db) }

// Meter wraps capab with usage logging into db, bounding every call by
// cfg.Capability.Timeout and pricing it with cfg.Capability.Pricing.
func Meter(capab capability.Capability, db *sql.DB, cfg *Config, logger *slog.Logger) capability.Capability {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return capability.Metered(capab, UsageSink(db),
		capability.WithTimeout(c.Capability.Timeout),
		capability.WithPricing(c.Capability.Pricing),
		capability.WithLogger(logger))
}

// New creates a Service on db. capab is normally capability.Metered over
// the model client, with embeddings going through embedcache.
func New(db *sql.DB, capab capability.Capability, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("keeper: apply schema: %w", err)
	}

	st := store.New(db)
	g := gate.New(st, c.Gate, logger)
	rv := review.New(st, g, c.Review, logger)
	eng := extraction.NewEngine(st, capab, g, rv, c.Extraction, logger)
	pool, err := extraction.NewPool(eng, c.Pool, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:     st,
		queue:     discovery.New(st, fetch.New(c.Fetch), webtext.New(c.MinReadableChars), c.Discovery, logger),
		engine:    eng,
		pool:      pool,
		gate:      g,
		review:    rv,
		assembler: retrieval.NewAssembler(st, retrieval.NewIndex(st), capab, g, c.Retrieval, logger),
		docs:      docpipe.New(c.Documents, logger),
		sched:     scheduler.New(logger),
		limiter:   shield.NewRateLimiter(c.RateLimit, logger),
		cfg:       c,
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	pool.SetObserver(s.observeUnit)

	if err := s.addTask(TaskDiscoverySweep, c.Schedule.DiscoverySweep, s.sweepDiscovery); err != nil {
		pool.Release()
		return nil, err
	}
	if err := s.addTask(TaskMetricsCleanup, c.Schedule.MetricsCleanup, s.cleanupMetrics); err != nil {
		pool.Release()
		return nil, err
	}

	s.metrics = observability.NewMetrics(db, c.Metrics.FlushInterval, logger)
	s.audit = observability.NewAudit(db, c.AuditBuffer, logger)
	return s, nil
}

func (s *Service) addTask(name, spec string, fn scheduler.TaskFunc) error {
	if spec == "off" {
		spec = ""
	}
	return s.sched.Add(name, spec, fn)
}

// Start launches the extraction pool and the maintenance schedule.
// Non-blocking; Close stops both.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool.Run(runCtx)
	}()
	s.sched.Start()
	s.logger.Info("keeper: started", "workers", s.cfg.Pool.Workers)
}

// Close stops background work, waits for in-flight units and flushes
// metrics and audit entries.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.shutdown() })
	return s.closeErr
}

func (s *Service) shutdown() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if started {
		s.stop()
		s.wg.Wait()
	}
	if err := s.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.pool.Release(); err != nil {
		errs = append(errs, fmt.Errorf("keeper: release pool: %w", err))
	}
	errs = append(errs, s.metrics.Close(), s.audit.Close())
	s.logger.Info("keeper: closed")
	return errors.Join(errs...)
}

// --- Connections ---

// CreateConnection registers a website. A nil profile takes the default.
func (s *Service) CreateConnection(ctx context.Context, websiteURL string, p *Profile) (_ *Connection, err error) {
	start := time.Now()
	var c *Connection
	defer func() {
		s.record(ctx, "create_connection", connectionOf(c), "", map[string]string{"website_url": websiteURL}, err, start)
	}()

	u, err := fetch.NormalizeURL(websiteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: website url: %w", ErrInvalidInput, err)
	}
	c = &Connection{ID: idgen.Connection(), WebsiteURL: u}
	if p != nil {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		c.Profile = *p
	}
	if err := s.store.InsertConnection(ctx, c); err != nil {
		return nil, fmt.Errorf("keeper: create connection: %w", err)
	}
	s.logger.Info("keeper: connection created", "connection_id", c.ID, "website_url", u)
	return c, nil
}

// GetConnection returns a connection or ErrUnknownConnection.
func (s *Service) GetConnection(ctx context.Context, id string) (*Connection, error) {
	c, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

// ListConnections returns every connection, oldest first.
func (s *Service) ListConnections(ctx context.Context) ([]*Connection, error) {
	return s.store.ListConnections(ctx)
}

// Status summarizes a connection for operators.
func (s *Service) Status(ctx context.Context, id string) (*ConnectionStatus, error) {
	c, err := s.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &ConnectionStatus{Connection: c}
	if c.OnboardingStep >= 0 && c.OnboardingStep < len(OnboardingSteps) {
		st.OnboardingStep = OnboardingSteps[c.OnboardingStep]
	}
	if st.Discoveries, err = s.store.CountDiscoveries(ctx, id); err != nil {
		return nil, err
	}
	if st.Extractions, err = s.store.CountExtractions(ctx, id); err != nil {
		return nil, err
	}
	if st.Fragments, err = s.store.CountKnowledge(ctx, id); err != nil {
		return nil, err
	}
	pending, err := s.store.ListSuggestions(ctx, id, lifecycle.SuggestionPending)
	if err != nil {
		return nil, err
	}
	st.Pending = len(pending)
	if st.Usage, err = s.store.UsageSince(ctx, id, time.Now().Add(-24*time.Hour)); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateOnboardingStep stores the onboarding ordinal under the connection
// lease.
func (s *Service) UpdateOnboardingStep(ctx context.Context, connectionID string, step int) (err error) {
	start := time.Now()
	defer func() {
		s.record(ctx, "update_onboarding_step", connectionID, "", map[string]int{"step": step}, err, start)
	}()

	if step < 0 || step >= len(OnboardingSteps) {
		return fmt.Errorf("%w: onboarding step %d out of range 0..%d", ErrInvalidInput, step, len(OnboardingSteps)-1)
	}
	if _, err := s.GetConnection(ctx, connectionID); err != nil {
		return err
	}
	holder := "onboarding:" + idgen.New()
	if err := s.store.AcquireLease(ctx, connectionID, holder, s.cfg.Review.LeaseTTL); err != nil {
		return err
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), connectionID, holder); err != nil {
			s.logger.Warn("keeper: release lease", "connection_id", connectionID, "error", err)
		}
	}()
	return s.store.SetOnboardingStep(ctx, connectionID, step)
}

// --- Discovery ---

// EnqueueDiscovery adds candidate URLs. An empty source type means MANUAL.
func (s *Service) EnqueueDiscovery(ctx context.Context, connectionID string, urls []string, sourceType string) (_ *EnqueueResult, err error) {
	start := time.Now()
	defer func() {
		s.record(ctx, "enqueue_discovery", connectionID, "", map[string]any{"urls": len(urls), "source_type": sourceType}, err, start)
	}()

	src := lifecycle.SourceManual
	if t := strings.TrimSpace(sourceType); t != "" {
		src = lifecycle.DiscoverySource(strings.ToUpper(t))
	}
	res, err := s.queue.Enqueue(ctx, connectionID, urls, src)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExpandSitemap enqueues the URLs of a sitemap, following nested indexes.
func (s *Service) ExpandSitemap(ctx context.Context, connectionID, sitemapURL string) (_ *EnqueueResult, err error) {
	start := time.Now()
	defer func() {
		s.record(ctx, "expand_sitemap", connectionID, "", map[string]string{"sitemap_url": sitemapURL}, err, start)
	}()
	return s.queue.ExpandSitemap(ctx, connectionID, sitemapURL)
}

// RunDiscovery fetches one batch of DISCOVERED rows of a connection.
func (s *Service) RunDiscovery(ctx context.Context, connectionID string) (*RunResult, error) {
	res, err := s.queue.Run(ctx, connectionID)
	if res != nil {
		s.metrics.Add(observability.MetricPagesFetched, connectionID, float64(res.Fetched))
		s.metrics.Add(observability.MetricPagesDuplicate, connectionID, float64(res.Duplicates))
		s.metrics.Add(observability.MetricPagesThin, connectionID, float64(res.Thin))
		s.metrics.Add(observability.MetricPagesFailed, connectionID, float64(res.Failed))
	}
	return res, err
}

// Recrawl sends terminal discovery rows back to DISCOVERED. No urls means
// every terminal row of the connection.
func (s *Service) Recrawl(ctx context.Context, connectionID string, urls []string) (_ int, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "recrawl", connectionID, "", map[string]int{"urls": len(urls)}, err, start) }()
	return s.queue.Recrawl(ctx, connectionID, urls)
}

func (s *Service) sweepDiscovery(ctx context.Context) error {
	ids, err := s.store.ConnectionsWithDiscovered(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if _, err := s.RunDiscovery(ctx, id); err != nil && !errors.Is(err, discovery.ErrRunning) {
			errs = append(errs, fmt.Errorf("connection %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// --- Documents and extraction ---

// EnqueueDocument extracts and sanitizes an uploaded behavior document,
// stores it and queues its BEHAVIOR extraction.
func (s *Service) EnqueueDocument(ctx context.Context, connectionID, filename string, data []byte) (_ *DocumentUpload, err error) {
	start := time.Now()
	var up *DocumentUpload
	defer func() {
		entity := ""
		if up != nil {
			entity = up.Document.ID
		}
		s.record(ctx, "enqueue_document", connectionID, entity, map[string]any{"filename": filename, "bytes": len(data)}, err, start)
	}()

	if _, err := s.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: filename required", ErrInvalidInput)
	}
	doc, err := s.docs.Extract(ctx, filename, data)
	if err != nil {
		return nil, err
	}
	clean := sanitize.Sanitize(doc.Text)
	if strings.TrimSpace(clean.Text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, filename)
	}

	sum := sha256.Sum256(data)
	d := &Document{
		ID:           idgen.Document(),
		ConnectionID: connectionID,
		Filename:     filename,
		MimeType:     doc.MimeType,
		SizeBytes:    int64(len(data)),
		SHA256:       hex.EncodeToString(sum[:]),
		Text:         clean.Text,
	}
	pe := &Extraction{
		ID:            idgen.Extraction(),
		ConnectionID:  connectionID,
		SourceID:      d.ID,
		Origin:        lifecycle.OriginManual,
		ContentType:   lifecycle.ContentDocument,
		ExtractorType: lifecycle.ExtractorBehavior,
	}
	err = s.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertDocument(ctx, d); err != nil {
			return fmt.Errorf("keeper: insert document: %w", err)
		}
		return tx.EnqueueExtraction(ctx, pe)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("keeper: document queued", "connection_id", connectionID, "document_id", d.ID,
		"format", doc.Format, "warnings", len(clean.Warnings))
	up = &DocumentUpload{Document: d, Extraction: pe, Warnings: clean.Warnings}
	return up, nil
}

// ListDocuments returns the uploaded documents of a connection.
func (s *Service) ListDocuments(ctx context.Context, connectionID string) ([]*Document, error) {
	return s.store.ListDocuments(ctx, connectionID)
}

// RequeueExtraction creates a fresh PENDING unit for the source of a
// finished one.
func (s *Service) RequeueExtraction(ctx context.Context, extractionID string) (_ *Extraction, err error) {
	start := time.Now()
	var pe *Extraction
	defer func() { s.record(ctx, "requeue_extraction", unitConnection(pe), extractionID, nil, err, start) }()
	pe, err = s.store.RequeueExtraction(ctx, extractionID, idgen.Extraction())
	return pe, err
}

// DrainExtractions processes queued units until none is left.
func (s *Service) DrainExtractions(ctx context.Context) (int, error) {
	return s.pool.Drain(ctx)
}

// PoolStats returns the extraction pool counters.
func (s *Service) PoolStats() PoolStats { return s.pool.Stats() }

func (s *Service) observeUnit(pe *store.Extraction, out extraction.Outcome) {
	switch out.Status {
	case lifecycle.ExtractionDone:
		s.metrics.Inc(observability.MetricExtractionsDone, pe.ConnectionID)
	case lifecycle.ExtractionFailed:
		s.metrics.Inc(observability.MetricExtractionsFailed, pe.ConnectionID)
	}
	s.metrics.Add(observability.MetricFragmentsIndexed, pe.ConnectionID, float64(out.Fragments))
	if out.SuggestionID != "" {
		s.metrics.Inc(observability.MetricSuggestionsCreated, pe.ConnectionID)
	}
	if out.AutoApplied {
		s.metrics.Inc(observability.MetricSuggestionsApplied, pe.ConnectionID)
	}
}

// --- Review and gate ---

// ListSuggestions returns the suggestions of a connection, optionally
// filtered by status.
func (s *Service) ListSuggestions(ctx context.Context, connectionID, status string) ([]*Suggestion, error) {
	return s.store.ListSuggestions(ctx, connectionID, lifecycle.SuggestionStatus(strings.ToUpper(status)))
}

// ReviewSuggestion accepts or rejects a PENDING suggestion exactly once.
func (s *Service) ReviewSuggestion(ctx context.Context, suggestionID, decision, reviewerID, notes string) (_ *ReviewResult, err error) {
	start := time.Now()
	var res *ReviewResult
	defer func() {
		conn := ""
		if res != nil {
			conn = res.Suggestion.ConnectionID
		}
		s.record(ctx, "review_suggestion", conn, suggestionID, map[string]string{"decision": decision, "reviewer_id": reviewerID}, err, start)
	}()

	d, err := review.ParseDecision(decision)
	if err != nil {
		return nil, err
	}
	res, err = s.review.Review(ctx, suggestionID, d, reviewerID, notes)
	if err != nil {
		return nil, err
	}
	if d == review.Accept {
		s.metrics.Inc(observability.MetricSuggestionsApplied, res.Suggestion.ConnectionID)
	}
	s.countGate(res.Gate)
	return res, nil
}

// ResetConfidenceGate restores a connection to ACTIVE with full health.
func (s *Service) ResetConfidenceGate(ctx context.Context, connectionID string) (_ *GateDecision, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "reset_confidence_gate", connectionID, "", nil, err, start) }()
	d, err := s.gate.Reset(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	s.countGate(d)
	return d, nil
}

// ListDriftEvents returns the drift history of a connection, newest first.
func (s *Service) ListDriftEvents(ctx context.Context, connectionID string, limit int) ([]*DriftEvent, error) {
	return s.store.ListDriftEvents(ctx, connectionID, limit)
}

func (s *Service) countGate(d *gate.Decision) {
	if d != nil && d.From != d.To {
		s.metrics.Inc(observability.MetricGateTransitions, d.ConnectionID)
	}
}

// --- Retrieval ---

// RetrieveGroundedPrompt builds the grounded prompt for a chat question.
func (s *Service) RetrieveGroundedPrompt(ctx context.Context, connectionID, userMessage string) (*GroundedPrompt, error) {
	gp, err := s.assembler.RetrieveGroundedPrompt(ctx, connectionID, userMessage)
	if err != nil {
		return nil, err
	}
	if gp.Grounded {
		s.metrics.Inc(observability.MetricPromptsGrounded, connectionID)
	} else {
		s.metrics.Inc(observability.MetricPromptsUngrounded, connectionID)
	}
	return gp, nil
}

// RecordChatOutcome feeds the confidence of an answered chat turn to the gate.
func (s *Service) RecordChatOutcome(ctx context.Context, connectionID string, confidence float64) (*GateDecision, error) {
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, confidence)
	}
	d, err := s.assembler.RecordChatOutcome(ctx, connectionID, confidence)
	if err != nil {
		return nil, err
	}
	s.countGate(d)
	return d, nil
}

// LogMissedQuestion records a question the knowledge base could not answer.
func (s *Service) LogMissedQuestion(ctx context.Context, connectionID, question string, confidence float64, contextUsed string) (*MissedQuestion, error) {
	if _, err := s.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	return s.assembler.LogMissedQuestion(ctx, connectionID, question, confidence, contextUsed)
}

// ListMissedQuestions returns missed questions, optionally filtered by status.
func (s *Service) ListMissedQuestions(ctx context.Context, connectionID, status string, limit int) ([]*MissedQuestion, error) {
	return s.store.ListMissedQuestions(ctx, connectionID, lifecycle.MissedStatus(strings.ToUpper(status)), limit)
}

// ResolveMissedQuestion marks a missed question RESOLVED.
func (s *Service) ResolveMissedQuestion(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "resolve_missed_question", "", id, nil, err, start) }()
	return s.store.ResolveMissedQuestion(ctx, id)
}

// --- Operations ---

// Tasks returns the maintenance task states.
func (s *Service) Tasks() []TaskStatus { return s.sched.Status() }

// RunTask runs a maintenance task now.
func (s *Service) RunTask(ctx context.Context, name string) error {
	return s.sched.RunNow(ctx, name)
}

// AuditLog returns operator actions on a connection, newest first.
func (s *Service) AuditLog(ctx context.Context, connectionID string, limit int) ([]*observability.AuditEntry, error) {
	return s.audit.List(ctx, connectionID, limit)
}

// PipelineMetrics returns flushed counter windows, newest first.
func (s *Service) PipelineMetrics(ctx context.Context, name, connectionID string, limit int) ([]*observability.Metric, error) {
	return s.metrics.Query(ctx, name, connectionID, limit)
}

// FlushMetrics writes buffered counters now.
func (s *Service) FlushMetrics(ctx context.Context) error { return s.metrics.Flush(ctx) }

func (s *Service) cleanupMetrics(ctx context.Context) error {
	n, err := s.metrics.Cleanup(ctx, s.cfg.Metrics.Retention)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("keeper: metrics cleaned", "deleted", n)
	}
	return nil
}

func (s *Service) record(ctx context.Context, action, connectionID, entityID string, params any, err error, start time.Time) {
	s.audit.Record(ctx, action, connectionID, entityID, params, err, time.Since(start))
}

func connectionOf(c *Connection) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unitConnection(pe *Extraction) string {
	if pe == nil {
		return ""
	}
	return pe.ConnectionID
}
