package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/dbopen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func seedConnection(t *testing.T, s *Store, id string) *Connection {
	t.Helper()
	c := &Connection{ID: id, WebsiteURL: "https://" + id + ".example"}
	if err := s.InsertConnection(context.Background(), c); err != nil {
		t.Fatalf("insert connection: %v", err)
	}
	return c
}

func TestSchema_Tables(t *testing.T) {
	// WHAT: Schema creates every table.
	// WHY: Schema is the foundation of every other operation.
	s := openTestStore(t)
	for _, table := range []string{
		"connections", "connection_discoveries", "page_contents", "pending_extractions",
		"behavior_documents", "behavior_suggestions", "connection_knowledge",
		"missed_questions", "usage_logs", "drift_events",
	} {
		var name string
		if err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestConnection_Defaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	got, err := s.GetConnection(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Profile != profile.Default() {
		t.Errorf("profile = %+v", got.Profile)
	}
	if got.HealthScore != 100 || got.GateStatus != lifecycle.GateActive || got.DriftCount != 0 {
		t.Errorf("gate = %+v", got.Gate())
	}

	missing, err := s.GetConnection(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing connection: %v %v", missing, err)
	}
}

func TestConnection_OnboardingStepRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	if err := s.SetOnboardingStep(ctx, "c1", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOnboardingStep(ctx, "c1", len(OnboardingSteps)); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if err := s.SetOnboardingStep(ctx, "ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	c, _ := s.GetConnection(ctx, "c1")
	if c.OnboardingStep != 3 {
		t.Errorf("step = %d", c.OnboardingStep)
	}
}

func TestLease_FailFastAndExpiry(t *testing.T) {
	// WHAT: A held lease rejects other holders until released or expired.
	// WHY: Profile mutations on one connection must not interleave.
	s := openTestStore(t)
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	s.SetClock(clk.now)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	if err := s.AcquireLease(ctx, "c1", "alice", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireLease(ctx, "c1", "bob", time.Minute); !errors.Is(err, ErrConnectionBusy) {
		t.Fatalf("bob: err = %v, want ErrConnectionBusy", err)
	}
	if err := s.AcquireLease(ctx, "c1", "alice", time.Minute); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}

	clk.advance(2 * time.Minute)
	if err := s.AcquireLease(ctx, "c1", "bob", time.Minute); err != nil {
		t.Fatalf("expired lease not taken over: %v", err)
	}

	// Release by a non-holder is a no-op.
	s.ReleaseLease(ctx, "c1", "alice")
	if err := s.AcquireLease(ctx, "c1", "alice", time.Minute); !errors.Is(err, ErrConnectionBusy) {
		t.Fatalf("alice after foreign release: err = %v", err)
	}
	s.ReleaseLease(ctx, "c1", "bob")
	if err := s.AcquireLease(ctx, "c1", "alice", time.Minute); err != nil {
		t.Fatalf("after release: %v", err)
	}

	if err := s.AcquireLease(ctx, "ghost", "alice", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ghost: err = %v, want ErrNotFound", err)
	}
}

func TestDiscovery_InsertOrIgnore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	d := &Discovery{ID: "d1", ConnectionID: "c1", URL: "https://c1.example/a", SourceType: lifecycle.SourceManual}
	if ok, err := s.InsertDiscovery(ctx, d); err != nil || !ok {
		t.Fatalf("first insert: %v %v", ok, err)
	}
	if err := s.MarkDiscovery(ctx, "d1", lifecycle.DiscoveryFetched, ""); err != nil {
		t.Fatal(err)
	}

	dup := &Discovery{ID: "d2", ConnectionID: "c1", URL: "https://c1.example/a", SourceType: lifecycle.SourceSitemap}
	if ok, err := s.InsertDiscovery(ctx, dup); err != nil || ok {
		t.Fatalf("duplicate insert: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetDiscovery(ctx, "d1")
	if got.Status != lifecycle.DiscoveryFetched {
		t.Errorf("existing row status changed to %s", got.Status)
	}

	if err := s.MarkDiscovery(ctx, "d1", lifecycle.DiscoveryFailed, "x"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("re-mark terminal: err = %v", err)
	}
	if ok, err := s.ResetDiscovery(ctx, "d1"); err != nil || !ok {
		t.Fatalf("reset: %v %v", ok, err)
	}
	pending, _ := s.ListDiscoveries(ctx, "c1", lifecycle.DiscoveryDiscovered, 0)
	if len(pending) != 1 {
		t.Errorf("discovered after reset = %d", len(pending))
	}
}

func TestPage_HashUniqueAmongCanonical(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	for _, id := range []string{"d1", "d2", "d3"} {
		s.InsertDiscovery(ctx, &Discovery{ID: id, ConnectionID: "c1", URL: "https://c1.example/" + id, SourceType: lifecycle.SourceManual})
	}

	p1 := &Page{ID: "p1", ConnectionID: "c1", DiscoveryID: "d1", URL: "u1", Status: lifecycle.PageFetched, ContentHash: "h"}
	if err := s.InsertPage(ctx, p1); err != nil {
		t.Fatal(err)
	}
	p2 := &Page{ID: "p2", ConnectionID: "c1", DiscoveryID: "d2", URL: "u2", Status: lifecycle.PageFetched, ContentHash: "h"}
	if err := s.InsertPage(ctx, p2); err == nil {
		t.Fatal("second canonical page with the same hash was accepted")
	}
	p2.DuplicateOf = "p1"
	if err := s.InsertPage(ctx, p2); err != nil {
		t.Fatalf("duplicate page: %v", err)
	}

	canon, err := s.FindPageByHash(ctx, "c1", "h")
	if err != nil || canon == nil || canon.ID != "p1" {
		t.Fatalf("canonical = %+v, %v", canon, err)
	}
	dup, _ := s.GetPage(ctx, "p2")
	if dup.DuplicateOf != "p1" {
		t.Errorf("duplicate_of = %q", dup.DuplicateOf)
	}
}

func enqueue(t *testing.T, s *Store, id, source string) {
	t.Helper()
	err := s.EnqueueExtraction(context.Background(), &Extraction{
		ID: id, ConnectionID: "c1", SourceID: source,
		ContentType: lifecycle.ContentPage, ExtractorType: lifecycle.ExtractorKnowledge,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestExtraction_OneActivePerSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	enqueue(t, s, "e1", "p1")

	err := s.EnqueueExtraction(ctx, &Extraction{ID: "e2", ConnectionID: "c1", SourceID: "p1",
		ContentType: lifecycle.ContentPage, ExtractorType: lifecycle.ExtractorKnowledge})
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("err = %v, want ErrAlreadyQueued", err)
	}

	// A different extractor on the same source is independent.
	if err := s.EnqueueExtraction(ctx, &Extraction{ID: "e3", ConnectionID: "c1", SourceID: "p1",
		ContentType: lifecycle.ContentPage, ExtractorType: lifecycle.ExtractorBehavior}); err != nil {
		t.Fatal(err)
	}

	claimed, _ := s.ClaimExtraction(ctx, "w1")
	if claimed == nil || claimed.ID != "e1" || claimed.Attempts != 1 || claimed.ClaimedBy != "w1" {
		t.Fatalf("claimed = %+v", claimed)
	}
	if err := s.FailExtraction(ctx, "e1", "w1", "timeout"); err != nil {
		t.Fatal(err)
	}

	// Once terminal, a requeue creates a fresh MANUAL row and keeps history.
	re, err := s.RequeueExtraction(ctx, "e1", "e4")
	if err != nil {
		t.Fatal(err)
	}
	if re.Origin != lifecycle.OriginManual || re.Status != lifecycle.ExtractionPending {
		t.Errorf("requeued = %+v", re)
	}
	old, _ := s.GetExtraction(ctx, "e1")
	if old.Status != lifecycle.ExtractionFailed || old.ErrorMessage != "timeout" {
		t.Errorf("history row = %+v", old)
	}
	if _, err := s.RequeueExtraction(ctx, "e4", "e5"); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("requeue of active unit: err = %v", err)
	}
}

func TestExtraction_ExclusiveClaim(t *testing.T) {
	// WHAT: Many workers claiming concurrently never receive the same unit.
	// WHY: A unit processed twice writes duplicate knowledge or suggestions.
	path := filepath.Join(t.TempDir(), "gk.db")
	db, err := dbopen.Open(path, dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	const units = 40
	for i := range units {
		enqueue(t, s, fmt.Sprintf("e%02d", i), fmt.Sprintf("p%02d", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				e, err := s.ClaimExtraction(ctx, worker)
				if err != nil {
					t.Errorf("%s claim: %v", worker, err)
					return
				}
				if e == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[e.ID]; dup {
					t.Errorf("%s claimed by %s and %s", e.ID, prev, worker)
				}
				seen[e.ID] = worker
				mu.Unlock()
				if err := s.CompleteExtraction(ctx, e.ID, worker); err != nil {
					t.Errorf("complete %s: %v", e.ID, err)
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(seen) != units {
		t.Fatalf("claimed %d units, want %d", len(seen), units)
	}
	stats, _ := s.CountExtractions(ctx, "c1")
	if stats[lifecycle.ExtractionDone] != units {
		t.Errorf("stats = %v", stats)
	}
}

func TestExtraction_ReclaimStale(t *testing.T) {
	// WHAT: A unit held past the timeout returns to PENDING and the old
	// holder loses the right to complete it.
	// WHY: A crashed worker must not strand work forever.
	s := openTestStore(t)
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	s.SetClock(clk.now)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	enqueue(t, s, "e1", "p1")

	if e, _ := s.ClaimExtraction(ctx, "w1"); e == nil {
		t.Fatal("nothing claimed")
	}
	if n, _ := s.ReclaimStale(ctx, time.Minute); n != 0 {
		t.Fatalf("reclaimed fresh unit: %d", n)
	}

	clk.advance(5 * time.Minute)
	if n, _ := s.ReclaimStale(ctx, time.Minute); n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	e, _ := s.GetExtraction(ctx, "e1")
	if e.Status != lifecycle.ExtractionPending || e.ClaimedBy != "" {
		t.Fatalf("after reclaim = %+v", e)
	}

	again, _ := s.ClaimExtraction(ctx, "w2")
	if again == nil || again.Attempts != 2 {
		t.Fatalf("second claim = %+v", again)
	}
	if err := s.CompleteExtraction(ctx, "e1", "w1"); !errors.Is(err, ErrLostClaim) {
		t.Fatalf("stale holder completion: err = %v", err)
	}
	if err := s.CompleteExtraction(ctx, "e1", "w2"); err != nil {
		t.Fatal(err)
	}
}

func TestSuggestion_ResolveOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	if err := s.InsertDocument(ctx, &Document{ID: "doc1", ConnectionID: "c1", Filename: "voice.md"}); err != nil {
		t.Fatal(err)
	}

	cur := profile.Default()
	sug := cur
	sug.Tone = "friendly"
	sg := &Suggestion{ID: "s1", ConnectionID: "c1", DocumentID: "doc1", Suggested: sug,
		Confidence: 0.95, Diff: profile.Compute(cur, sug)}
	if err := s.InsertSuggestion(ctx, sg); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSuggestion(ctx, "s1")
	if got.Diff.Tone == nil || got.Diff.Tone.To != "friendly" || got.Diff.SalesIntensity != nil {
		t.Fatalf("diff round trip = %+v", got.Diff)
	}

	if err := s.ResolveSuggestion(ctx, "s1", lifecycle.SuggestionAccepted, "rev", "ok", false); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveSuggestion(ctx, "s1", lifecycle.SuggestionRejected, "rev2", "", false); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("second resolve: err = %v", err)
	}
	got, _ = s.GetSuggestion(ctx, "s1")
	if got.Status != lifecycle.SuggestionAccepted || got.ReviewerID != "rev" || got.ReviewedAt == nil {
		t.Errorf("resolved = %+v", got)
	}
}

func TestDocument_StatusAndSignals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	s.InsertDocument(ctx, &Document{ID: "doc1", ConnectionID: "c1", Filename: "guide.pdf"})

	if err := s.SetDocumentStatus(ctx, "doc1", lifecycle.DocumentDone, ""); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("PENDING -> DONE: err = %v", err)
	}
	if err := s.SetDocumentStatus(ctx, "doc1", lifecycle.DocumentProcessing, ""); err != nil {
		t.Fatal(err)
	}
	tone := "formal"
	if err := s.SetDocumentClassification(ctx, "doc1", lifecycle.ClassBrandGuidelines, 0.8,
		capability.Signals{Tone: &tone, Topics: []string{"voice"}}); err != nil {
		t.Fatal(err)
	}
	d, _ := s.GetDocument(ctx, "doc1")
	if d.Classification != lifecycle.ClassBrandGuidelines || d.Signals.Tone == nil || *d.Signals.Tone != "formal" {
		t.Errorf("document = %+v", d)
	}
}

func TestKnowledge_DedupeAndSupersede(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	add := func(id, source, hash string) bool {
		t.Helper()
		ok, err := s.InsertKnowledge(ctx, &Knowledge{ID: id, ConnectionID: "c1", SourceID: source,
			Content: "text " + hash, ContentHash: hash, Embedding: []float32{1, 0, 0}})
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}
	if !add("k1", "p1", "a") || !add("k2", "p1", "b") {
		t.Fatal("fresh fragments skipped")
	}
	if add("k3", "p2", "a") {
		t.Fatal("same hash on another source was not skipped")
	}

	n, err := s.SupersedeSource(ctx, "c1", "p1", map[string]bool{"a": true})
	if err != nil || n != 1 {
		t.Fatalf("superseded = %d, %v", n, err)
	}
	active, _ := s.ActiveKnowledge(ctx, "c1")
	if len(active) != 1 || active[0].ID != "k1" || len(active[0].Embedding) != 3 {
		t.Fatalf("active = %+v", active)
	}

	// A retired hash can be embedded again.
	if !add("k4", "p1", "b") {
		t.Fatal("superseded hash blocks re-insert")
	}
	if _, err := s.InsertKnowledge(ctx, &Knowledge{ID: "k5", ConnectionID: "c1", SourceID: "p1", ContentHash: "z"}); err == nil {
		t.Fatal("fragment without embedding accepted")
	}
}

func TestKnowledge_SupersedeWaitsForLastSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")

	for _, src := range []string{"p1", "p2"} {
		if _, err := s.InsertKnowledge(ctx, &Knowledge{ID: "k-" + src, ConnectionID: "c1", SourceID: src,
			Content: "shared", ContentHash: "h", Embedding: []float32{1, 0}}); err != nil {
			t.Fatal(err)
		}
	}
	srcs, err := s.KnowledgeSources(ctx, "k-p1")
	if err != nil || len(srcs) != 2 {
		t.Fatalf("sources = %v, %v", srcs, err)
	}

	if n, err := s.SupersedeSource(ctx, "c1", "p1", nil); err != nil || n != 0 {
		t.Fatalf("first source dropped: retired %d, %v", n, err)
	}
	if n, _ := s.CountKnowledge(ctx, "c1"); n != 1 {
		t.Fatalf("active = %d, want 1 while p2 states it", n)
	}
	if n, err := s.SupersedeSource(ctx, "c1", "p2", nil); err != nil || n != 1 {
		t.Fatalf("last source dropped: retired %d, %v", n, err)
	}
	if n, _ := s.CountKnowledge(ctx, "c1"); n != 0 {
		t.Fatalf("active = %d after every source dropped it", n)
	}
}

func TestUsageAndDrift(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	start := time.Now().Add(-time.Minute)

	for _, rec := range []capability.UsageRecord{
		{ConnectionID: "c1", Operation: capability.OpClassify, PromptTokens: 100, CompletionTokens: 20, Cost: 0.01},
		{ConnectionID: "c1", Operation: capability.OpClassify, Err: "deadline exceeded"},
		{ConnectionID: "c1", Operation: capability.OpEmbed, PromptTokens: 8},
	} {
		if err := s.RecordUsage(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	totals, err := s.UsageSince(ctx, "c1", start)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 2 || totals[0].Operation != "classify" || totals[0].Calls != 2 || totals[0].Errors != 1 || totals[0].PromptTokens != 100 {
		t.Fatalf("totals = %+v", totals)
	}

	s.InsertDriftEvent(ctx, &DriftEvent{ID: "old", ConnectionID: "c1", Reason: DriftProfileChange, CreatedAt: start.Add(-48 * time.Hour).UnixMilli()})
	s.InsertDriftEvent(ctx, &DriftEvent{ID: "new", ConnectionID: "c1", Reason: DriftLowConfidence})
	n, _ := s.CountDriftSince(ctx, "c1", start)
	if n != 1 {
		t.Errorf("drift since = %d, want 1", n)
	}
}

func TestInTx_RollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx *Store) error {
		p := profile.Default()
		p.Tone = "playful"
		if err := tx.UpdateProfile(ctx, "c1", p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	c, _ := s.GetConnection(ctx, "c1")
	if c.Profile.Tone != "professional" {
		t.Errorf("tone = %q after rollback", c.Profile.Tone)
	}
}

func TestMissedQuestions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConnection(t, s, "c1")
	s.InsertMissedQuestion(ctx, &MissedQuestion{ID: "m1", ConnectionID: "c1", Question: "Do you ship to Mars?"})

	list, _ := s.ListMissedQuestions(ctx, "c1", lifecycle.MissedPending, 0)
	if len(list) != 1 {
		t.Fatalf("pending = %d", len(list))
	}
	if err := s.ResolveMissedQuestion(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveMissedQuestion(ctx, "m1"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("double resolve: err = %v", err)
	}
	if err := s.ResolveMissedQuestion(ctx, "m9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}
