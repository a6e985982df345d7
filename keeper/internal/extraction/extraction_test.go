package extraction

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/capability/fake"
	"github.com/hazyhaar/groundkeeper/dbopen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/review"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func ptr[T any](v T) *T { return &v }

type harness struct {
	st  *store.Store
	cap *fake.Capability
	eng *Engine
}

func newHarness(t *testing.T, f *fake.Capability) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	if err := st.InsertConnection(ctx, &store.Connection{ID: "c1", WebsiteURL: "https://c1.example"}); err != nil {
		t.Fatal(err)
	}
	g := gate.New(st, gate.Rules{}, nil)
	rv := review.New(st, g, review.Config{}, nil)
	return &harness{st: st, cap: f, eng: NewEngine(st, f, g, rv, Config{}, nil)}
}

func (h *harness) page(t *testing.T, discoveryID, pageID, text string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.st.InsertDiscovery(ctx, &store.Discovery{ID: discoveryID, ConnectionID: "c1",
		URL: "https://c1.example/" + discoveryID, SourceType: lifecycle.SourceManual}); err != nil {
		t.Fatal(err)
	}
	if err := h.st.InsertPage(ctx, &store.Page{ID: pageID, ConnectionID: "c1", DiscoveryID: discoveryID,
		URL: "https://c1.example/" + discoveryID, Status: lifecycle.PageFetched, Text: text,
		ContentHash: pageID}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) enqueue(t *testing.T, id, sourceID string, ext lifecycle.ExtractorType) {
	t.Helper()
	ct := lifecycle.ContentPage
	if ext == lifecycle.ExtractorBehavior {
		ct = lifecycle.ContentDocument
	}
	if err := h.st.EnqueueExtraction(context.Background(), &store.Extraction{
		ID: id, ConnectionID: "c1", SourceID: sourceID, ContentType: ct, ExtractorType: ext,
	}); err != nil {
		t.Fatal(err)
	}
}

// claimAndHandle claims the next unit and handles it.
func (h *harness) claimAndHandle(t *testing.T) Outcome {
	t.Helper()
	ctx := context.Background()
	pe, err := h.st.ClaimExtraction(ctx, "w1")
	if err != nil || pe == nil {
		t.Fatalf("claim = %v, %v", pe, err)
	}
	return h.eng.Handle(ctx, pe, "w1")
}

func TestKnowledge_FragmentsThenRecrawlSupersedes(t *testing.T) {
	// WHAT: A re-crawled page keeps unchanged fragments, adds new ones and
	// retires the fragments that disappeared.
	// WHY: Retrieval must only ever see the current content of a source.
	f := &fake.Capability{Label: "shipping", Fragments: []string{"Orders ship in two days.", "Returns are free."}}
	h := newHarness(t, f)
	ctx := context.Background()

	h.page(t, "d1", "p1", "Orders ship in two days. Returns are free.")
	h.enqueue(t, "e1", "p1", lifecycle.ExtractorKnowledge)
	out := h.claimAndHandle(t)
	if out.Err != nil || out.Fragments != 2 || out.Status != lifecycle.ExtractionDone {
		t.Fatalf("first pass = %+v", out)
	}

	// Same discovery, new page row after a recrawl.
	if err := h.st.InsertPage(ctx, &store.Page{ID: "p2", ConnectionID: "c1", DiscoveryID: "d1",
		URL: "https://c1.example/d1", Status: lifecycle.PageFetched,
		Text: "Returns are free. We ship worldwide.", ContentHash: "p2"}); err != nil {
		t.Fatal(err)
	}
	f.Fragments = []string{"Returns are free.", "We ship worldwide."}
	h.enqueue(t, "e2", "p2", lifecycle.ExtractorKnowledge)
	embedsBefore := f.EmbedCalls()
	out = h.claimAndHandle(t)
	if out.Err != nil || out.Fragments != 1 || out.Superseded != 1 {
		t.Fatalf("recrawl = %+v", out)
	}
	if got := f.EmbedCalls() - embedsBefore; got != 1 {
		t.Fatalf("embed calls on recrawl = %d, want 1 (unchanged fragment reused)", got)
	}

	active, err := h.st.ActiveKnowledge(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, k := range active {
		contents = append(contents, k.Content)
		if k.SourceID != "d1" {
			t.Errorf("fragment source = %q, want discovery id", k.SourceID)
		}
	}
	if len(active) != 2 || strings.Contains(strings.Join(contents, "|"), "two days") {
		t.Fatalf("active = %v", contents)
	}

	pe, _ := h.st.GetExtraction(ctx, "e2")
	if pe.Status != lifecycle.ExtractionDone {
		t.Fatalf("unit status = %s", pe.Status)
	}
}

func TestKnowledge_SharedFragmentSurvivesRecrawlOfOneSource(t *testing.T) {
	// WHAT: Two pages state the same fact; the first is then recrawled
	// without it.
	// WHY: The fact stays retrievable while any source still states it, and
	// is retired once none does.
	fact := "We are open nine to five."
	f := &fake.Capability{Label: "hours", Fragments: []string{fact}}
	h := newHarness(t, f)
	ctx := context.Background()

	h.page(t, "dA", "pA", fact)
	h.enqueue(t, "e1", "pA", lifecycle.ExtractorKnowledge)
	if out := h.claimAndHandle(t); out.Err != nil || out.Fragments != 1 {
		t.Fatalf("page A = %+v", out)
	}
	h.page(t, "dB", "pB", fact+" Parking is free.")
	h.enqueue(t, "e2", "pB", lifecycle.ExtractorKnowledge)
	if out := h.claimAndHandle(t); out.Err != nil || out.Fragments != 0 {
		t.Fatalf("page B = %+v", out)
	}

	active, _ := h.st.ActiveKnowledge(ctx, "c1")
	if len(active) != 1 {
		t.Fatalf("active = %d fragments, want 1", len(active))
	}
	sources, _ := h.st.KnowledgeSources(ctx, active[0].ID)
	if diff := cmp.Diff([]string{"dA", "dB"}, sources); diff != "" {
		t.Fatalf("sources (-want +got):\n%s", diff)
	}

	recrawl := func(discoveryID, pageID, unitID, text string) Outcome {
		t.Helper()
		if err := h.st.InsertPage(ctx, &store.Page{ID: pageID, ConnectionID: "c1", DiscoveryID: discoveryID,
			URL: "https://c1.example/" + discoveryID, Status: lifecycle.PageFetched,
			Text: text, ContentHash: pageID}); err != nil {
			t.Fatal(err)
		}
		f.Fragments = []string{text}
		h.enqueue(t, unitID, pageID, lifecycle.ExtractorKnowledge)
		return h.claimAndHandle(t)
	}

	if out := recrawl("dA", "pA2", "e3", "Completely different content now."); out.Err != nil || out.Superseded != 0 {
		t.Fatalf("recrawl A = %+v", out)
	}
	var contents []string
	active, _ = h.st.ActiveKnowledge(ctx, "c1")
	for _, k := range active {
		contents = append(contents, k.Content)
	}
	if !slices.Contains(contents, fact) {
		t.Fatalf("fact dropped while page B still states it: %v", contents)
	}

	if out := recrawl("dB", "pB2", "e4", "Parking is now paid."); out.Err != nil || out.Superseded != 1 {
		t.Fatalf("recrawl B = %+v", out)
	}
	active, _ = h.st.ActiveKnowledge(ctx, "c1")
	for _, k := range active {
		if k.Content == fact {
			t.Fatal("fact still active after every source dropped it")
		}
	}
}

func TestKnowledge_ChunkFallback(t *testing.T) {
	f := &fake.Capability{Label: "about"}
	h := newHarness(t, f)
	text := strings.Repeat("We restore antique furniture by hand in our workshop. ", 60) +
		"\n\n" + strings.Repeat("Visits are by appointment on weekdays only. ", 60)
	h.page(t, "d1", "p1", text)
	h.enqueue(t, "e1", "p1", lifecycle.ExtractorKnowledge)

	out := h.claimAndHandle(t)
	if out.Err != nil || out.Fragments < 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if f.EmbedCalls() != out.Fragments {
		t.Fatalf("embed calls = %d, fragments = %d", f.EmbedCalls(), out.Fragments)
	}
}

func TestBehavior_SuggestionCreated(t *testing.T) {
	f := &fake.Capability{Label: "brand_guidelines", Confidence: 0.95,
		Signals: capability.Signals{Tone: ptr("friendly"), Reasoning: "emoji everywhere"}}
	h := newHarness(t, f)
	ctx := context.Background()
	if err := h.st.InsertDocument(ctx, &store.Document{ID: "doc1", ConnectionID: "c1", Filename: "voice.md", Text: "Hey there! We keep it casual."}); err != nil {
		t.Fatal(err)
	}
	h.enqueue(t, "e1", "doc1", lifecycle.ExtractorBehavior)

	out := h.claimAndHandle(t)
	if out.Err != nil || out.SuggestionID == "" || out.AutoApplied {
		t.Fatalf("outcome = %+v", out)
	}
	doc, _ := h.st.GetDocument(ctx, "doc1")
	if doc.ProcessingStatus != lifecycle.DocumentDone || doc.Classification != lifecycle.ClassBrandGuidelines {
		t.Fatalf("document = %s %s", doc.ProcessingStatus, doc.Classification)
	}
	sg, _ := h.st.GetSuggestion(ctx, out.SuggestionID)
	if sg.Suggested.Tone != "friendly" || sg.Status != lifecycle.SuggestionPending {
		t.Fatalf("suggestion = %+v", sg)
	}
}

func TestBehavior_LowConfidenceIsUnknown(t *testing.T) {
	// WHAT: A document classified below MinConfidence is UNKNOWN, gets no
	// suggestion, and still completes.
	// WHY: Weak signals must not reach the review queue, but they do cost
	// the connection health.
	f := &fake.Capability{Label: "sales_guide", Confidence: 0.4, Signals: capability.Signals{SalesIntensity: ptr(9)}}
	h := newHarness(t, f)
	ctx := context.Background()
	h.st.InsertDocument(ctx, &store.Document{ID: "doc1", ConnectionID: "c1", Filename: "x.txt", Text: "Maybe sell more."})
	h.enqueue(t, "e1", "doc1", lifecycle.ExtractorBehavior)

	out := h.claimAndHandle(t)
	if out.Err != nil || out.SuggestionID != "" || out.Status != lifecycle.ExtractionDone {
		t.Fatalf("outcome = %+v", out)
	}
	doc, _ := h.st.GetDocument(ctx, "doc1")
	if doc.Classification != lifecycle.ClassUnknown || doc.ProcessingStatus != lifecycle.DocumentDone {
		t.Fatalf("document = %+v", doc)
	}
	c, _ := h.st.GetConnection(ctx, "c1")
	if c.GateStatus != lifecycle.GateWarning || c.HealthScore != 95 {
		t.Fatalf("gate = %+v", c.Gate())
	}
}

func TestCapabilityError_FailsUnitWithoutRetry(t *testing.T) {
	f := &fake.Capability{ClassifyErr: errors.New("backend down")}
	h := newHarness(t, f)
	ctx := context.Background()
	h.st.InsertDocument(ctx, &store.Document{ID: "doc1", ConnectionID: "c1", Filename: "x.txt", Text: "Policy."})
	h.enqueue(t, "e1", "doc1", lifecycle.ExtractorBehavior)

	out := h.claimAndHandle(t)
	if out.Err == nil || out.Status != lifecycle.ExtractionFailed {
		t.Fatalf("outcome = %+v", out)
	}
	pe, _ := h.st.GetExtraction(ctx, "e1")
	if pe.Status != lifecycle.ExtractionFailed || !strings.Contains(pe.ErrorMessage, "backend down") {
		t.Fatalf("unit = %+v", pe)
	}
	doc, _ := h.st.GetDocument(ctx, "doc1")
	if doc.ProcessingStatus != lifecycle.DocumentFailed {
		t.Fatalf("document = %s", doc.ProcessingStatus)
	}
	if next, _ := h.st.ClaimExtraction(ctx, "w2"); next != nil {
		t.Fatalf("failed unit was claimable again: %+v", next)
	}

	// Operator requeue, backend recovered.
	if _, err := h.st.RequeueExtraction(ctx, "e1", "e2"); err != nil {
		t.Fatal(err)
	}
	f.ClassifyErr = nil
	out = h.claimAndHandle(t)
	if out.Err != nil {
		t.Fatalf("retry = %+v", out)
	}
	doc, _ = h.st.GetDocument(ctx, "doc1")
	if doc.ProcessingStatus != lifecycle.DocumentDone {
		t.Fatalf("document after requeue = %s", doc.ProcessingStatus)
	}
}

func TestPool_DrainSurvivesPanic(t *testing.T) {
	// WHAT: A unit whose classifier panics is FAILED; the others complete.
	// WHY: One bad unit must never stop the pool.
	f := &fake.Capability{ClassifyFunc: func(req capability.ClassifyRequest) (*capability.Classification, error) {
		if strings.Contains(req.Text, "boom") {
			panic("boom")
		}
		return &capability.Classification{Label: "faq", Confidence: 0.9, Fragments: []string{req.Text}}, nil
	}}
	h := newHarness(t, f)
	ctx := context.Background()
	h.page(t, "d1", "p1", "We open at nine.")
	h.page(t, "d2", "p2", "boom goes the page")
	h.page(t, "d3", "p3", "We close at six.")
	h.enqueue(t, "e1", "p1", lifecycle.ExtractorKnowledge)
	h.enqueue(t, "e2", "p2", lifecycle.ExtractorKnowledge)
	h.enqueue(t, "e3", "p3", lifecycle.ExtractorKnowledge)

	pool, err := NewPool(h.eng, PoolConfig{Workers: 2, Name: "test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release()

	n, err := pool.Drain(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	st := pool.Stats()
	if st.Done != 2 || st.Failed != 1 || st.Panics != 1 {
		t.Fatalf("stats = %+v", st)
	}
	pe, _ := h.st.GetExtraction(ctx, "e2")
	if pe.Status != lifecycle.ExtractionFailed || !strings.HasPrefix(pe.ErrorMessage, "panic:") {
		t.Fatalf("panicked unit = %+v", pe)
	}
	if n, _ := h.st.CountKnowledge(ctx, "c1"); n != 2 {
		t.Fatalf("knowledge = %d, want 2", n)
	}
}

func TestPool_ReclaimStale(t *testing.T) {
	h := newHarness(t, &fake.Capability{Fragments: []string{"Open daily."}})
	ctx := context.Background()
	h.page(t, "d1", "p1", "Open daily.")
	h.enqueue(t, "e1", "p1", lifecycle.ExtractorKnowledge)

	// A worker claims the unit and dies.
	if pe, _ := h.st.ClaimExtraction(ctx, "dead"); pe == nil {
		t.Fatal("no unit claimed")
	}

	pool, err := NewPool(h.eng, PoolConfig{Workers: 1, StaleAfter: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release()

	time.Sleep(5 * time.Millisecond)
	if n := pool.ReclaimStale(ctx); n != 1 {
		t.Fatalf("reclaimed = %d", n)
	}
	if n, _ := pool.Drain(ctx); n != 1 {
		t.Fatalf("drained = %d", n)
	}
	pe, _ := h.st.GetExtraction(ctx, "e1")
	if pe.Status != lifecycle.ExtractionDone || pe.Attempts != 2 {
		t.Fatalf("unit = %+v", pe)
	}
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, &fake.Capability{Fragments: []string{"Open daily."}})
	h.page(t, "d1", "p1", "Open daily.")
	h.enqueue(t, "e1", "p1", lifecycle.ExtractorKnowledge)

	pool, err := NewPool(h.eng, PoolConfig{Workers: 2, PollInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for pool.Stats().Done == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-stopped
	if err := pool.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if pool.Stats().Done != 1 {
		t.Fatalf("stats = %+v", pool.Stats())
	}
}
