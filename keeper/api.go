// CLAUDE:SUMMARY chi HTTP API exposing the inbound service operations as JSON endpoints.
package keeper

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/groundkeeper/kit"
	"github.com/hazyhaar/groundkeeper/shield"
)

// Handler returns the HTTP API. Authentication is left to the caller's
// middleware; reviewer identity travels in request bodies.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, shield.SecurityHeaders(shield.APIHeaders()), requestContext)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the API routes on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/connections", func(r chi.Router) {
		r.Get("/", s.handleListConnections)
		r.Post("/", s.handleCreateConnection)
		r.Route("/{connectionID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Put("/onboarding", s.handleOnboarding)
			r.Post("/discoveries", s.handleEnqueueDiscovery)
			r.Post("/sitemap", s.handleExpandSitemap)
			r.Post("/discovery/run", s.handleRunDiscovery)
			r.Post("/recrawl", s.handleRecrawl)
			r.Get("/documents", s.handleListDocuments)
			r.With(s.limiter.Limit(RuleUpload)).Post("/documents", s.handleUploadDocument)
			r.Get("/suggestions", s.handleListSuggestions)
			r.Post("/gate/reset", s.handleResetGate)
			r.Get("/drift", s.handleListDrift)
			r.With(s.limiter.Limit(RulePrompt)).Post("/prompt", s.handlePrompt)
			r.Post("/chat-outcomes", s.handleChatOutcome)
			r.Get("/missed-questions", s.handleListMissed)
			r.Post("/missed-questions", s.handleLogMissed)
			r.Get("/audit", s.handleAudit)
		})
	})
	r.Post("/api/suggestions/{suggestionID}/review", s.handleReview)
	r.Post("/api/extractions/{extractionID}/requeue", s.handleRequeue)
	r.Post("/api/missed-questions/{missedID}/resolve", s.handleResolveMissed)
	r.Get("/api/tasks", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Tasks())
	})
	r.Post("/api/tasks/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		if err := s.RunTask(r.Context(), chi.URLParam(r, "name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/pool", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.PoolStats())
	})
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, middleware.GetReqID(ctx))
		if actor := r.Header.Get("X-Actor"); actor != "" {
			ctx = kit.WithActor(ctx, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) handleListConnections(w http.ResponseWriter, r *http.Request) {
	cs, err := s.ListConnections(r.Context())
	respond(w, http.StatusOK, cs, err)
}

func (s *Service) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WebsiteURL string   `json:"website_url"`
		Profile    *Profile `json:"profile,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.CreateConnection(r.Context(), req.WebsiteURL, req.Profile)
	respond(w, http.StatusCreated, c, err)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context(), chi.URLParam(r, "connectionID"))
	respond(w, http.StatusOK, st, err)
}

func (s *Service) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.UpdateOnboardingStep(r.Context(), chi.URLParam(r, "connectionID"), req.Step); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleEnqueueDiscovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs       []string `json:"urls"`
		SourceType string   `json:"source_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.EnqueueDiscovery(r.Context(), chi.URLParam(r, "connectionID"), req.URLs, req.SourceType)
	respond(w, http.StatusAccepted, res, err)
}

func (s *Service) handleExpandSitemap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ExpandSitemap(r.Context(), chi.URLParam(r, "connectionID"), req.URL)
	respond(w, http.StatusAccepted, res, err)
}

func (s *Service) handleRunDiscovery(w http.ResponseWriter, r *http.Request) {
	res, err := s.RunDiscovery(r.Context(), chi.URLParam(r, "connectionID"))
	respond(w, http.StatusOK, res, err)
}

func (s *Service) handleRecrawl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.Recrawl(r.Context(), chi.URLParam(r, "connectionID"), req.URLs)
	respond(w, http.StatusOK, map[string]int{"reset": n}, err)
}

func (s *Service) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.ListDocuments(r.Context(), chi.URLParam(r, "connectionID"))
	respond(w, http.StatusOK, docs, err)
}

// handleUploadDocument accepts a multipart "file" field, or a raw body
// named by the filename query parameter.
func (s *Service) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Documents.MaxFileSize
	if limit <= 0 {
		limit = s.docs.MaxFileSize()
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	var (
		name string
		data []byte
		err  error
	)
	if f, hdr, ferr := r.FormFile("file"); ferr == nil {
		defer f.Close()
		name = hdr.Filename
		data, err = io.ReadAll(f)
	} else {
		name = r.URL.Query().Get("filename")
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("read upload: %v", err)})
		return
	}
	up, err := s.EnqueueDocument(r.Context(), chi.URLParam(r, "connectionID"), name, data)
	respond(w, http.StatusAccepted, up, err)
}

func (s *Service) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	sg, err := s.ListSuggestions(r.Context(), chi.URLParam(r, "connectionID"), r.URL.Query().Get("status"))
	respond(w, http.StatusOK, sg, err)
}

func (s *Service) handleReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision   string `json:"decision"`
		ReviewerID string `json:"reviewer_id"`
		Notes      string `json:"notes"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ReviewSuggestion(r.Context(), chi.URLParam(r, "suggestionID"), req.Decision, req.ReviewerID, req.Notes)
	respond(w, http.StatusOK, res, err)
}

func (s *Service) handleResetGate(w http.ResponseWriter, r *http.Request) {
	d, err := s.ResetConfidenceGate(r.Context(), chi.URLParam(r, "connectionID"))
	respond(w, http.StatusOK, d, err)
}

func (s *Service) handleListDrift(w http.ResponseWriter, r *http.Request) {
	ev, err := s.ListDriftEvents(r.Context(), chi.URLParam(r, "connectionID"), queryInt(r, "limit", 100))
	respond(w, http.StatusOK, ev, err)
}

func (s *Service) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	gp, err := s.RetrieveGroundedPrompt(r.Context(), chi.URLParam(r, "connectionID"), req.Message)
	respond(w, http.StatusOK, gp, err)
}

func (s *Service) handleChatOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confidence float64 `json:"confidence"`
	}
	if !decode(w, r, &req) {
		return
	}
	d, err := s.RecordChatOutcome(r.Context(), chi.URLParam(r, "connectionID"), req.Confidence)
	respond(w, http.StatusOK, d, err)
}

func (s *Service) handleListMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mq, err := s.ListMissedQuestions(r.Context(), chi.URLParam(r, "connectionID"), q.Get("status"), queryInt(r, "limit", 100))
	respond(w, http.StatusOK, mq, err)
}

func (s *Service) handleLogMissed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question    string  `json:"question"`
		Confidence  float64 `json:"confidence"`
		ContextUsed string  `json:"context_used"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := s.LogMissedQuestion(r.Context(), chi.URLParam(r, "connectionID"), req.Question, req.Confidence, req.ContextUsed)
	respond(w, http.StatusCreated, m, err)
}

func (s *Service) handleResolveMissed(w http.ResponseWriter, r *http.Request) {
	if err := s.ResolveMissedQuestion(r.Context(), chi.URLParam(r, "missedID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRequeue(w http.ResponseWriter, r *http.Request) {
	pe, err := s.RequeueExtraction(r.Context(), chi.URLParam(r, "extractionID"))
	respond(w, http.StatusAccepted, pe, err)
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.AuditLog(r.Context(), chi.URLParam(r, "connectionID"), queryInt(r, "limit", 100))
	respond(w, http.StatusOK, entries, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, code int, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
