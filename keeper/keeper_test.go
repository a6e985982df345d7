package keeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/capability/fake"
	"github.com/hazyhaar/groundkeeper/dbopen"
	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/kit"
	"github.com/hazyhaar/groundkeeper/observability"
)

const openingFact = "The shop opens at 9am on Saturdays."

const aboutPage = `<!doctype html><html><head><title>About the shop</title></head><body>
<nav><a href="/">Home</a></nav>
<article><h1>About us</h1>
<p>We are a small family bicycle shop in the old town. ` + openingFact + ` During the week we open at
8am and close at 7pm. We repair every kind of bicycle, from city bikes to racing frames, and we keep
spare parts for most brands in stock. Customers can book a repair slot online or simply walk in with
their bike. Our mechanics have more than twenty years of experience and will always explain the work
before starting it.</p></article>
<footer>Copyright</footer></body></html>`

func ptr[T any](v T) *T { return &v }

func testCapability() *fake.Capability {
	return &fake.Capability{
		Dim: 256,
		ClassifyFunc: func(req capability.ClassifyRequest) (*capability.Classification, error) {
			switch req.Purpose {
			case capability.PurposeKnowledge:
				return &capability.Classification{Label: "store_info", Confidence: 0.9, Fragments: []string{openingFact}}, nil
			case capability.PurposeBehavior:
				return &capability.Classification{
					Label:      "sales_guide",
					Confidence: 0.8,
					Signals: capability.Signals{
						Tone:           ptr("friendly"),
						SalesIntensity: ptr(8),
						Reasoning:      "the guide asks for an upbeat, sales-forward voice",
					},
				}, nil
			}
			return nil, fmt.Errorf("unexpected purpose %q", req.Purpose)
		},
	}
}

func newService(t *testing.T, capab capability.Capability) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t)
	cfg := &Config{
		Fetch:    fetch.Config{AllowPrivate: true, Timeout: 5 * time.Second},
		Schedule: ScheduleConfig{DiscoverySweep: "off", MetricsCleanup: "off"},
		Metrics:  MetricsConfig{FlushInterval: time.Hour},
	}
	svc, err := New(db, capab, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return svc
}

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, aboutPage)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>http://%s/about</loc></url><url><loc>http://%s/contact</loc></url></urlset>`, r.Host, r.Host)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const salesGuide = `# Sales guide

Greet every visitor warmly and keep the conversation light. Mention the current service
package whenever a customer asks about repairs, and suggest accessories that fit their bike.`

func TestService_EndToEnd(t *testing.T) {
	// WHAT: A website page becomes retrievable knowledge and an uploaded
	// guide becomes a reviewed profile change.
	// WHY: This is the whole pipeline an onboarding customer goes through.
	svc := newService(t, testCapability())
	site := siteServer(t)
	ctx := context.Background()

	c, err := svc.CreateConnection(ctx, site.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Profile != profile.Default() || c.GateStatus != lifecycle.GateActive {
		t.Fatalf("new connection = %+v", c)
	}

	enq, err := svc.ExpandSitemap(ctx, c.ID, site.URL+"/sitemap.xml")
	if err != nil {
		t.Fatal(err)
	}
	if enq.Added != 2 {
		t.Fatalf("sitemap added = %d, want 2", enq.Added)
	}
	again, err := svc.EnqueueDiscovery(ctx, c.ID, []string{site.URL + "/about"}, "")
	if err != nil || again.Added != 0 || again.Skipped != 1 {
		t.Fatalf("re-enqueue = %+v, %v", again, err)
	}

	run, err := svc.RunDiscovery(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Processed != 2 || run.Failed != 1 || run.Enqueued != 1 {
		t.Fatalf("run = %+v", run)
	}

	up, err := svc.EnqueueDocument(ctx, c.ID, "sales-guide.md", []byte(salesGuide))
	if err != nil {
		t.Fatal(err)
	}
	if up.Extraction.ExtractorType != lifecycle.ExtractorBehavior || up.Document.MimeType == "" {
		t.Fatalf("upload = %+v", up)
	}

	n, err := svc.DrainExtractions(ctx)
	if err != nil || n != 2 {
		t.Fatalf("drain = %d, %v", n, err)
	}

	gp, err := svc.RetrieveGroundedPrompt(ctx, c.ID, "Does the shop open at 9am on Saturdays?")
	if err != nil {
		t.Fatal(err)
	}
	if !gp.Grounded || len(gp.FragmentsUsed) != 1 || gp.FragmentsUsed[0].Content != openingFact {
		t.Fatalf("prompt = %+v", gp)
	}

	sg, err := svc.ListSuggestions(ctx, c.ID, "pending")
	if err != nil || len(sg) != 1 {
		t.Fatalf("suggestions = %v, %v", sg, err)
	}
	res, err := svc.ReviewSuggestion(ctx, sg[0].ID, "accept", "alice", "matches brand")
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.Tone != "friendly" || res.Profile.SalesIntensity != 8 || len(res.Drift) != 2 {
		t.Fatalf("review = %+v", res)
	}
	_, err = svc.ReviewSuggestion(ctx, sg[0].ID, "reject", "bob", "")
	if !errors.Is(err, ErrInvalidState) || HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("second review: %v", err)
	}

	gp, err = svc.RetrieveGroundedPrompt(ctx, c.ID, "Do you sell helmets?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gp.PromptText, "Use a friendly tone.") {
		t.Fatalf("accepted profile not applied:\n%s", gp.PromptText)
	}

	st, err := svc.Status(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Fragments != 1 || st.Pending != 0 || st.Discoveries[lifecycle.DiscoveryFetched] != 1 ||
		st.Discoveries[lifecycle.DiscoveryFailed] != 1 || st.Extractions[lifecycle.ExtractionDone] != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.Connection.DriftCount != 2 {
		t.Fatalf("drift count = %d, want 2", st.Connection.DriftCount)
	}

	if err := svc.FlushMetrics(ctx); err != nil {
		t.Fatal(err)
	}
	m, err := svc.PipelineMetrics(ctx, observability.MetricFragmentsIndexed, c.ID, 0)
	if err != nil || len(m) != 1 || m[0].Value != 1 {
		t.Fatalf("fragment metric = %v, %v", m, err)
	}
}

func TestService_GateResetAndChatOutcomes(t *testing.T) {
	svc := newService(t, testCapability())
	ctx := context.Background()
	c, err := svc.CreateConnection(ctx, "https://shop.example", nil)
	if err != nil {
		t.Fatal(err)
	}

	var d *GateDecision
	for i := 0; i < 13; i++ {
		if d, err = svc.RecordChatOutcome(ctx, c.ID, 0.1); err != nil {
			t.Fatal(err)
		}
	}
	if d.To != lifecycle.GateFailed {
		t.Fatalf("after 13 low turns gate = %s", d.To)
	}

	d, err = svc.ResetConfidenceGate(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.To != lifecycle.GateActive || d.Health != 100 {
		t.Fatalf("reset = %+v", d)
	}

	if _, err := svc.RecordChatOutcome(ctx, c.ID, 1.5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("out of range confidence: %v", err)
	}
	if _, err := svc.ResetConfidenceGate(ctx, "conn_missing"); HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("unknown connection: %v", err)
	}
}

func TestService_OnboardingUsesLease(t *testing.T) {
	// WHAT: Onboarding updates fail fast while another holder owns the
	// connection lease.
	// WHY: Connection state writes are serialized by the lease.
	svc := newService(t, testCapability())
	ctx := context.Background()
	c, err := svc.CreateConnection(ctx, "https://shop.example", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateOnboardingStep(ctx, c.ID, 2); err != nil {
		t.Fatal(err)
	}
	st, _ := svc.Status(ctx, c.ID)
	if st.OnboardingStep != "discovery_started" {
		t.Fatalf("step = %q", st.OnboardingStep)
	}

	if err := svc.store.AcquireLease(ctx, c.ID, "review:other", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateOnboardingStep(ctx, c.ID, 3); !errors.Is(err, ErrConnectionBusy) {
		t.Fatalf("busy: %v", err)
	}
	if err := svc.UpdateOnboardingStep(ctx, c.ID, 7); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("range: %v", err)
	}
}

func TestService_DocumentErrors(t *testing.T) {
	svc := newService(t, testCapability())
	ctx := context.Background()
	c, err := svc.CreateConnection(ctx, "https://shop.example", nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name, conn, file string
		data             []byte
		status           int
	}{
		{"unknown connection", "conn_missing", "a.md", []byte(salesGuide), http.StatusNotFound},
		{"missing filename", c.ID, " ", []byte(salesGuide), http.StatusBadRequest},
		{"binary", c.ID, "a.bin", []byte{0x00, 0x01, 0x02, 0xff}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.EnqueueDocument(ctx, tc.conn, tc.file, tc.data)
			if err == nil || HTTPStatus(err) != tc.status {
				t.Fatalf("err = %v (status %d), want status %d", err, HTTPStatus(err), tc.status)
			}
		})
	}

	up, err := svc.EnqueueDocument(ctx, c.ID, "guide.txt", []byte(salesGuide))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RequeueExtraction(ctx, up.Extraction.ID); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("requeue while pending: %v", err)
	}
}

func TestService_MissedQuestionsAndAudit(t *testing.T) {
	svc := newService(t, testCapability())
	ctx := context.Background()
	c, err := svc.CreateConnection(ctx, "https://shop.example", nil)
	if err != nil {
		t.Fatal(err)
	}

	m, err := svc.LogMissedQuestion(ctx, c.ID, "Do you rent tandems?", 0.2, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ResolveMissedQuestion(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	open, err := svc.ListMissedQuestions(ctx, c.ID, "pending", 0)
	if err != nil || len(open) != 0 {
		t.Fatalf("pending = %v, %v", open, err)
	}

	svc.UpdateOnboardingStep(ctx, c.ID, 1)
	svc.UpdateOnboardingStep(ctx, c.ID, 99)
	// Close drains the audit queue.
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	entries, err := svc.audit.List(ctx, c.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ok, failed int
	for _, e := range entries {
		if e.Action != "update_onboarding_step" {
			continue
		}
		if e.Status == "error" {
			failed++
		} else {
			ok++
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("audit entries = %+v", entries)
	}
}

func TestService_RunTask(t *testing.T) {
	svc := newService(t, testCapability())
	ctx := context.Background()
	if err := svc.RunTask(ctx, TaskDiscoverySweep); err != nil {
		t.Fatal(err)
	}
	if err := svc.RunTask(ctx, "nope"); HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("unknown task: %v", err)
	}
	tasks := svc.Tasks()
	if len(tasks) != 2 || tasks[0].Name != TaskDiscoverySweep || tasks[0].Runs != 1 || !tasks[0].Disabled {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestService_StartClose(t *testing.T) {
	svc := newService(t, testCapability())
	svc.Start(context.Background())
	svc.Start(context.Background())
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groundkeeper.yaml")
	os.WriteFile(path, []byte(`
pool:
  workers: 8
  stale_after: 5m
gate:
  drift_ceiling: 3
retrieval:
  top_k: 6
  detect_language: true
schedule:
  discovery_sweep: "@every 10m"
`), 0o644)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pool.Workers != 8 || cfg.Pool.StaleAfter != 5*time.Minute || cfg.Gate.DriftCeiling != 3 ||
		cfg.Retrieval.TopK != 6 || !cfg.Retrieval.DetectLanguage || cfg.Schedule.DiscoverySweep != "@every 10m" {
		t.Fatalf("cfg = %+v", cfg)
	}
	cfg.defaults()
	if cfg.Gate.WarningThreshold != 0.6 || cfg.Schedule.MetricsCleanup != "@daily" {
		t.Fatalf("defaults = %+v", cfg)
	}

	os.WriteFile(path, []byte("pool:\n  wrokers: 8\n"), 0o644)
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("unknown key should be rejected")
	}
}

type stalledCapability struct{ *fake.Capability }

func (stalledCapability) Classify(ctx context.Context, _ capability.ClassifyRequest) (*capability.Classification, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMeter_TimeoutAndCost(t *testing.T) {
	// WHAT: Capability calls go through Meter with a configured timeout and
	// token prices.
	// WHY: A stalled model must not hold a request forever, and usage logs
	// carry the cost of each call.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	cfg := &Config{Capability: CapabilityConfig{
		Timeout: 50 * time.Millisecond,
		Pricing: capability.Pricing{PromptPer1K: 2, CompletionPer1K: 10},
	}}
	ctx := kit.WithConnectionID(context.Background(), "c1")

	stalled := Meter(stalledCapability{&fake.Capability{Dim: 8}}, db, cfg, nil)
	start := time.Now()
	_, err := stalled.Classify(ctx, capability.ClassifyRequest{Purpose: capability.PurposeKnowledge, Text: "hello"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stalled call took %v", elapsed)
	}

	m := Meter(&fake.Capability{Dim: 8}, db, cfg, nil)
	if _, err := m.Classify(ctx, capability.ClassifyRequest{Purpose: capability.PurposeKnowledge, Text: "one two three four"}); err != nil {
		t.Fatal(err)
	}

	totals, err := store.New(db).UsageSince(context.Background(), "c1", start.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 1 || totals[0].Calls != 2 || totals[0].Errors != 1 {
		t.Fatalf("totals = %+v", totals)
	}
	// 4 prompt tokens at 2/1K plus 16 completion tokens at 10/1K.
	if got := totals[0].Cost; got < 0.1679 || got > 0.1681 {
		t.Errorf("cost = %v, want 0.168", got)
	}

	var def Config
	def.defaults()
	if def.Capability.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v", def.Capability.Timeout)
	}
}
