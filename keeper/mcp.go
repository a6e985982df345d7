package keeper

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/groundkeeper/kit"
)

// RegisterMCP registers the groundkeeper tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCreateConnection(srv)
	s.registerConnectionStatus(srv)
	s.registerEnqueueDiscovery(srv)
	s.registerExpandSitemap(srv)
	s.registerRunDiscovery(srv)
	s.registerRecrawl(srv)
	s.registerEnqueueDocument(srv)
	s.registerListSuggestions(srv)
	s.registerReviewSuggestion(srv)
	s.registerResetGate(srv)
	s.registerUpdateOnboarding(srv)
	s.registerRequeueExtraction(srv)
	s.registerRetrievePrompt(srv)
	s.registerRecordChatOutcome(srv)
	s.registerListMissed(srv)
	s.registerResolveMissed(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

var connectionProp = str("Connection ID")

func (s *Service) registerCreateConnection(srv *mcp.Server) {
	type req struct {
		WebsiteURL string   `json:"website_url"`
		Profile    *Profile `json:"profile"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_create_connection",
		Description: "Register a website whose content grounds a chat assistant",
		InputSchema: inputSchema(map[string]any{
			"website_url": str("Root URL of the website"),
			"profile":     map[string]any{"type": "object", "description": "Optional initial behavior profile"},
		}, []string{"website_url"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.CreateConnection(ctx, p.WebsiteURL, p.Profile)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerConnectionStatus(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_connection_status",
		Description: "Show profile, gate state, queue counts and usage of a connection",
		InputSchema: inputSchema(map[string]any{"connection_id": connectionProp}, []string{"connection_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.Status(ctx, r.(*req).ConnectionID)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerEnqueueDiscovery(srv *mcp.Server) {
	type req struct {
		ConnectionID string   `json:"connection_id"`
		URLs         []string `json:"urls"`
		SourceType   string   `json:"source_type"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_enqueue_discovery",
		Description: "Queue candidate URLs for fetching; known URLs are skipped",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"urls":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"source_type":   str("MANUAL (default), SITEMAP or CRAWL"),
		}, []string{"connection_id", "urls"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.EnqueueDiscovery(ctx, p.ConnectionID, p.URLs, p.SourceType)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerExpandSitemap(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
		URL          string `json:"url"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_expand_sitemap",
		Description: "Fetch a sitemap and queue its URLs",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"url":           str("Sitemap URL"),
		}, []string{"connection_id", "url"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ExpandSitemap(ctx, p.ConnectionID, p.URL)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerRunDiscovery(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_run_discovery",
		Description: "Fetch one batch of queued URLs now",
		InputSchema: inputSchema(map[string]any{"connection_id": connectionProp}, []string{"connection_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.RunDiscovery(ctx, r.(*req).ConnectionID)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerRecrawl(srv *mcp.Server) {
	type req struct {
		ConnectionID string   `json:"connection_id"`
		URLs         []string `json:"urls"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_recrawl",
		Description: "Send fetched or failed URLs back to the queue; no urls means all",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"urls":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, []string{"connection_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		n, err := s.Recrawl(ctx, p.ConnectionID, p.URLs)
		return map[string]int{"reset": n}, err
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerEnqueueDocument(srv *mcp.Server) {
	type req struct {
		ConnectionID  string `json:"connection_id"`
		Filename      string `json:"filename"`
		Content       string `json:"content"`
		ContentBase64 string `json:"content_base64"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_enqueue_document",
		Description: "Upload a behavior document (sales guide, support script, brand or compliance policy) for classification",
		InputSchema: inputSchema(map[string]any{
			"connection_id":  connectionProp,
			"filename":       str("File name; the extension selects the parser"),
			"content":        str("Text content, for text formats"),
			"content_base64": str("Base64 content, for binary formats such as pdf or docx"),
		}, []string{"connection_id", "filename"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		data := []byte(p.Content)
		if p.ContentBase64 != "" {
			b, err := base64.StdEncoding.DecodeString(p.ContentBase64)
			if err != nil {
				return nil, fmt.Errorf("%w: content_base64: %v", ErrInvalidInput, err)
			}
			data = b
		}
		return s.EnqueueDocument(ctx, p.ConnectionID, p.Filename, data)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerListSuggestions(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
		Status       string `json:"status"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_list_suggestions",
		Description: "List behavior suggestions with their profile diff",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"status":        str("PENDING, ACCEPTED or REJECTED; empty for all"),
		}, []string{"connection_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ListSuggestions(ctx, p.ConnectionID, p.Status)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerReviewSuggestion(srv *mcp.Server) {
	type req struct {
		SuggestionID string `json:"suggestion_id"`
		Decision     string `json:"decision"`
		ReviewerID   string `json:"reviewer_id"`
		Notes        string `json:"notes"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_review_suggestion",
		Description: "Accept or reject a pending behavior suggestion",
		InputSchema: inputSchema(map[string]any{
			"suggestion_id": str("Suggestion ID"),
			"decision":      str("accept or reject"),
			"reviewer_id":   str("Who reviews"),
			"notes":         str("Review notes"),
		}, []string{"suggestion_id", "decision", "reviewer_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ReviewSuggestion(kit.WithActor(ctx, p.ReviewerID), p.SuggestionID, p.Decision, p.ReviewerID, p.Notes)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerResetGate(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_reset_confidence_gate",
		Description: "Restore a connection's confidence gate to ACTIVE with full health",
		InputSchema: inputSchema(map[string]any{"connection_id": connectionProp}, []string{"connection_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.ResetConfidenceGate(ctx, r.(*req).ConnectionID)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerUpdateOnboarding(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
		Step         int    `json:"step"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_update_onboarding_step",
		Description: "Set the onboarding step of a connection (0..6)",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"step":          map[string]any{"type": "integer", "minimum": 0, "maximum": len(OnboardingSteps) - 1},
		}, []string{"connection_id", "step"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := s.UpdateOnboardingStep(ctx, p.ConnectionID, p.Step); err != nil {
			return nil, err
		}
		return map[string]any{"connection_id": p.ConnectionID, "step": OnboardingSteps[p.Step]}, nil
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerRequeueExtraction(srv *mcp.Server) {
	type req struct {
		ExtractionID string `json:"extraction_id"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_requeue_extraction",
		Description: "Queue a finished or failed extraction again",
		InputSchema: inputSchema(map[string]any{"extraction_id": str("Extraction ID")}, []string{"extraction_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.RequeueExtraction(ctx, r.(*req).ExtractionID)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerRetrievePrompt(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
		Message      string `json:"message"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_retrieve_grounded_prompt",
		Description: "Build the grounded prompt for a user question from the connection's knowledge",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"message":       str("User question"),
		}, []string{"connection_id", "message"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.RetrieveGroundedPrompt(ctx, p.ConnectionID, p.Message)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerRecordChatOutcome(srv *mcp.Server) {
	type req struct {
		ConnectionID string  `json:"connection_id"`
		Confidence   float64 `json:"confidence"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_record_chat_outcome",
		Description: "Report the confidence of an answered chat turn to the confidence gate",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		}, []string{"connection_id", "confidence"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.RecordChatOutcome(ctx, p.ConnectionID, p.Confidence)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerListMissed(srv *mcp.Server) {
	type req struct {
		ConnectionID string `json:"connection_id"`
		Status       string `json:"status"`
		Limit        int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_list_missed_questions",
		Description: "List questions the knowledge base could not answer",
		InputSchema: inputSchema(map[string]any{
			"connection_id": connectionProp,
			"status":        str("PENDING or RESOLVED; empty for all"),
			"limit":         map[string]any{"type": "integer"},
		}, []string{"connection_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ListMissedQuestions(ctx, p.ConnectionID, p.Status, p.Limit)
	}, kit.DecodeJSON[req]())
}

func (s *Service) registerResolveMissed(srv *mcp.Server) {
	type req struct {
		MissedID string `json:"missed_id"`
	}
	tool := &mcp.Tool{
		Name:        "groundkeeper_resolve_missed_question",
		Description: "Mark a missed question as resolved",
		InputSchema: inputSchema(map[string]any{"missed_id": str("Missed question ID")}, []string{"missed_id"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		id := r.(*req).MissedID
		if err := s.ResolveMissedQuestion(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"id": id, "status": "RESOLVED"}, nil
	}, kit.DecodeJSON[req]())
}
