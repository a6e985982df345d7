// CLAUDE:SUMMARY Row types for every groundkeeper table.
package store

import (
	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
)

// Connection is a tenant website with its behavior profile and gate state.
type Connection struct {
	ID                  string               `json:"id"`
	WebsiteURL          string               `json:"website_url"`
	Profile             profile.Profile      `json:"profile"`
	HealthScore         float64              `json:"health_score"`
	DriftCount          int                  `json:"drift_count"`
	GateStatus          lifecycle.GateStatus `json:"confidence_gate_status"`
	LowConfidenceStreak int                  `json:"low_confidence_streak"`
	GateResetAt         int64                `json:"gate_reset_at"`
	OnboardingStep      int                  `json:"onboarding_step"`
	LockedBy            string               `json:"state_locked_by,omitempty"`
	LockedAt            *int64               `json:"state_locked_at,omitempty"`
	CreatedAt           int64                `json:"created_at"`
	UpdatedAt           int64                `json:"updated_at"`
}

// GateState is the slice of a connection the confidence gate reads and writes.
type GateState struct {
	HealthScore         float64
	DriftCount          int
	Status              lifecycle.GateStatus
	LowConfidenceStreak int
	ResetAt             int64
}

// Gate extracts the gate columns of c.
func (c *Connection) Gate() GateState {
	return GateState{
		HealthScore:         c.HealthScore,
		DriftCount:          c.DriftCount,
		Status:              c.GateStatus,
		LowConfidenceStreak: c.LowConfidenceStreak,
		ResetAt:             c.GateResetAt,
	}
}

// Discovery is a candidate URL of a connection.
type Discovery struct {
	ID           string                    `json:"id"`
	ConnectionID string                    `json:"connection_id"`
	URL          string                    `json:"url"`
	Status       lifecycle.DiscoveryStatus `json:"status"`
	SourceType   lifecycle.DiscoverySource `json:"source_type"`
	ErrorMessage string                    `json:"error_message,omitempty"`
	CreatedAt    int64                     `json:"created_at"`
	UpdatedAt    int64                     `json:"updated_at"`
}

// Page is the fetched content of a discovery.
type Page struct {
	ID           string               `json:"id"`
	ConnectionID string               `json:"connection_id"`
	DiscoveryID  string               `json:"discovery_id"`
	URL          string               `json:"url"`
	Status       lifecycle.PageStatus `json:"status"`
	Title        string               `json:"title"`
	Text         string               `json:"text"`
	WordCount    int                  `json:"word_count"`
	ContentHash  string               `json:"content_hash"`
	DuplicateOf  string               `json:"duplicate_of,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	FetchedAt    int64                `json:"fetched_at"`
}

// Extraction is a unit of extraction work.
type Extraction struct {
	ID            string                     `json:"id"`
	ConnectionID  string                     `json:"connection_id"`
	SourceID      string                     `json:"source_id"`
	Origin        lifecycle.Origin           `json:"source_type"`
	ContentType   lifecycle.ContentType      `json:"content_type"`
	ExtractorType lifecycle.ExtractorType    `json:"extractor_type"`
	Payload       string                     `json:"payload,omitempty"`
	Status        lifecycle.ExtractionStatus `json:"status"`
	ClaimedBy     string                     `json:"claimed_by,omitempty"`
	ClaimedAt     *int64                     `json:"claimed_at,omitempty"`
	ErrorMessage  string                     `json:"error_message,omitempty"`
	Attempts      int                        `json:"attempts"`
	CreatedAt     int64                      `json:"created_at"`
	UpdatedAt     int64                      `json:"updated_at"`
}

// Document is an uploaded behavior document.
type Document struct {
	ID               string                   `json:"id"`
	ConnectionID     string                   `json:"connection_id"`
	Filename         string                   `json:"filename"`
	MimeType         string                   `json:"mime_type"`
	SizeBytes        int64                    `json:"size_bytes"`
	SHA256           string                   `json:"sha256"`
	Text             string                   `json:"text"`
	Classification   lifecycle.Classification `json:"classification"`
	Confidence       float64                  `json:"classification_confidence"`
	Signals          capability.Signals       `json:"signals"`
	ProcessingStatus lifecycle.DocumentStatus `json:"processing_status"`
	ErrorMessage     string                   `json:"error_message,omitempty"`
	CreatedAt        int64                    `json:"created_at"`
	UpdatedAt        int64                    `json:"updated_at"`
}

// Suggestion is a proposed profile change awaiting review.
type Suggestion struct {
	ID           string                     `json:"id"`
	ConnectionID string                     `json:"connection_id"`
	DocumentID   string                     `json:"document_id"`
	Suggested    profile.Profile            `json:"suggested"`
	Reasoning    string                     `json:"reasoning"`
	Confidence   float64                    `json:"confidence_score"`
	Diff         profile.Diff               `json:"diff"`
	Status       lifecycle.SuggestionStatus `json:"status"`
	ReviewerID   string                     `json:"reviewer_id,omitempty"`
	ReviewedAt   *int64                     `json:"reviewed_at,omitempty"`
	ReviewNotes  string                     `json:"review_notes,omitempty"`
	AutoApplied  bool                       `json:"auto_applied"`
	CreatedAt    int64                      `json:"created_at"`
}

// Knowledge is an embedded fragment of connection content.
type Knowledge struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	SourceID     string    `json:"source_id"`
	ExtractionID string    `json:"extraction_id,omitempty"`
	Label        string    `json:"label,omitempty"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	Embedding    []float32 `json:"-"`
	Norm         float64   `json:"-"`
	SupersededAt *int64    `json:"superseded_at,omitempty"`
	CreatedAt    int64     `json:"created_at"`
}

// MissedQuestion is a chat question the knowledge base could not answer.
type MissedQuestion struct {
	ID           string                 `json:"id"`
	ConnectionID string                 `json:"connection_id"`
	Question     string                 `json:"question"`
	Confidence   float64                `json:"confidence_score"`
	ContextUsed  string                 `json:"context_used,omitempty"`
	Status       lifecycle.MissedStatus `json:"status"`
	CreatedAt    int64                  `json:"created_at"`
}

// DriftEvent is one material profile change or low-confidence streak.
type DriftEvent struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"`
	Field        string `json:"field,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Drift reasons.
const (
	DriftProfileChange = "profile_change"
	DriftLowConfidence = "low_confidence_streak"
)

// UsageTotal aggregates usage_logs for one operation.
type UsageTotal struct {
	Operation        string  `json:"operation"`
	Calls            int     `json:"calls"`
	Errors           int     `json:"errors"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// QueueStats counts extraction rows by status.
type QueueStats map[lifecycle.ExtractionStatus]int
