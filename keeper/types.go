package keeper

import (
	"github.com/hazyhaar/groundkeeper/keeper/internal/discovery"
	"github.com/hazyhaar/groundkeeper/keeper/internal/extraction"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
	"github.com/hazyhaar/groundkeeper/keeper/internal/retrieval"
	"github.com/hazyhaar/groundkeeper/keeper/internal/review"
	"github.com/hazyhaar/groundkeeper/keeper/internal/scheduler"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
	"github.com/hazyhaar/groundkeeper/sanitize"
)

// Types surfaced by the service API.
type (
	Connection     = store.Connection
	Suggestion     = store.Suggestion
	Document       = store.Document
	Extraction     = store.Extraction
	MissedQuestion = store.MissedQuestion
	DriftEvent     = store.DriftEvent
	UsageTotal     = store.UsageTotal
	Profile        = profile.Profile
	GroundedPrompt = retrieval.GroundedPrompt
	GateDecision   = gate.Decision
	ReviewResult   = review.Result
	EnqueueResult  = discovery.EnqueueResult
	RunResult      = discovery.RunResult
	PoolStats      = extraction.Stats
	TaskStatus     = scheduler.TaskStatus
)

// DefaultProfile is the profile of a new connection.
func DefaultProfile() Profile { return profile.Default() }

// OnboardingSteps labels the onboarding ordinals.
var OnboardingSteps = store.OnboardingSteps

// DocumentUpload is the outcome of EnqueueDocument.
type DocumentUpload struct {
	Document   *Document          `json:"document"`
	Extraction *Extraction        `json:"extraction"`
	Warnings   []sanitize.Warning `json:"warnings,omitempty"`
}

// ConnectionStatus is the operator view of one connection.
type ConnectionStatus struct {
	Connection     *Connection                        `json:"connection"`
	OnboardingStep string                             `json:"onboarding_step"`
	Discoveries    map[lifecycle.DiscoveryStatus]int  `json:"discoveries"`
	Extractions    map[lifecycle.ExtractionStatus]int `json:"extractions"`
	Fragments      int                                `json:"fragments"`
	Pending        int                                `json:"pending_suggestions"`
	Usage          []UsageTotal                       `json:"usage_24h"`
}
