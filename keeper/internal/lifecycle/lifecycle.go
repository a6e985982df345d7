// CLAUDE:SUMMARY Typed status values and explicit transition tables for every pipeline entity.
// Package lifecycle holds the finite state machines of groundkeeper entities.
//
// Each status is its own string type so a discovery status can never be
// assigned to an extraction. Transitions not listed in a table are rejected
// with ErrInvalidTransition.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned for any transition absent from a table.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

type table[S ~string] map[S][]S

func (t table[S]) check(kind string, from, to S) error {
	for _, allowed := range t[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}

// DiscoveryStatus is the state of a candidate URL.
type DiscoveryStatus string

const (
	DiscoveryDiscovered DiscoveryStatus = "DISCOVERED"
	DiscoveryFetched    DiscoveryStatus = "FETCHED"
	DiscoveryFailed     DiscoveryStatus = "FAILED"
)

// Terminal discovery rows are only left by an explicit re-crawl.
var discoveryTable = table[DiscoveryStatus]{
	DiscoveryDiscovered: {DiscoveryFetched, DiscoveryFailed},
	DiscoveryFetched:    {DiscoveryDiscovered},
	DiscoveryFailed:     {DiscoveryDiscovered},
}

// CheckDiscovery validates a discovery transition.
func CheckDiscovery(from, to DiscoveryStatus) error {
	return discoveryTable.check("discovery", from, to)
}

// Terminal reports whether routine processing leaves the row alone.
func (s DiscoveryStatus) Terminal() bool {
	return s == DiscoveryFetched || s == DiscoveryFailed
}

// PageStatus is the outcome of fetching a URL.
type PageStatus string

const (
	PageFetched PageStatus = "FETCHED"
	PageFailed  PageStatus = "FAILED"
)

// ExtractionStatus is the state of a unit of extraction work.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "PENDING"
	ExtractionProcessing ExtractionStatus = "PROCESSING"
	ExtractionDone       ExtractionStatus = "DONE"
	ExtractionFailed     ExtractionStatus = "FAILED"
)

// PROCESSING -> PENDING is the stale reclaim path.
var extractionTable = table[ExtractionStatus]{
	ExtractionPending:    {ExtractionProcessing},
	ExtractionProcessing: {ExtractionDone, ExtractionFailed, ExtractionPending},
}

// CheckExtraction validates an extraction transition.
func CheckExtraction(from, to ExtractionStatus) error {
	return extractionTable.check("extraction", from, to)
}

// Active reports whether the row blocks a second unit for the same source.
func (s ExtractionStatus) Active() bool {
	return s == ExtractionPending || s == ExtractionProcessing
}

// DocumentStatus is the processing state of an uploaded behavior document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentDone       DocumentStatus = "DONE"
	DocumentFailed     DocumentStatus = "FAILED"
)

// A failed document goes back to PENDING when an operator requeues it.
var documentTable = table[DocumentStatus]{
	DocumentPending:    {DocumentProcessing},
	DocumentProcessing: {DocumentDone, DocumentFailed, DocumentPending},
	DocumentFailed:     {DocumentPending},
}

// CheckDocument validates a document transition.
func CheckDocument(from, to DocumentStatus) error {
	return documentTable.check("document", from, to)
}

// SuggestionStatus is the review state of a behavior suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "PENDING"
	SuggestionAccepted SuggestionStatus = "ACCEPTED"
	SuggestionRejected SuggestionStatus = "REJECTED"
)

var suggestionTable = table[SuggestionStatus]{
	SuggestionPending: {SuggestionAccepted, SuggestionRejected},
}

// CheckSuggestion validates a review transition.
func CheckSuggestion(from, to SuggestionStatus) error {
	return suggestionTable.check("suggestion", from, to)
}

// GateStatus is the confidence gate state of a connection.
type GateStatus string

const (
	GateActive  GateStatus = "ACTIVE"
	GateWarning GateStatus = "WARNING"
	GateFailed  GateStatus = "FAILED"
)

// FAILED is only left through an operator reset.
var gateTable = table[GateStatus]{
	GateActive:  {GateWarning, GateFailed},
	GateWarning: {GateActive, GateFailed},
	GateFailed:  {GateActive},
}

// CheckGate validates a gate transition. Staying in place is always allowed.
func CheckGate(from, to GateStatus) error {
	if from == to {
		return nil
	}
	return gateTable.check("gate", from, to)
}

// MissedStatus is the triage state of a missed question.
type MissedStatus string

const (
	MissedPending  MissedStatus = "PENDING"
	MissedResolved MissedStatus = "RESOLVED"
)

var missedTable = table[MissedStatus]{
	MissedPending: {MissedResolved},
}

// CheckMissed validates a missed-question transition.
func CheckMissed(from, to MissedStatus) error {
	return missedTable.check("missed question", from, to)
}

// ExtractorType selects what an extraction produces.
type ExtractorType string

const (
	ExtractorKnowledge ExtractorType = "KNOWLEDGE"
	ExtractorBehavior  ExtractorType = "BEHAVIOR"
)

// ContentType is the kind of source an extraction reads.
type ContentType string

const (
	ContentPage     ContentType = "PAGE"
	ContentDocument ContentType = "DOCUMENT"
)

// Origin tells whether work was queued by the pipeline or by an operator.
type Origin string

const (
	OriginAuto   Origin = "AUTO"
	OriginManual Origin = "MANUAL"
)

// DiscoverySource is how a URL entered the queue.
type DiscoverySource string

const (
	SourceSitemap DiscoverySource = "SITEMAP"
	SourceManual  DiscoverySource = "MANUAL"
	SourceCrawl   DiscoverySource = "CRAWL"
)

// Valid reports whether s is a known discovery source.
func (s DiscoverySource) Valid() bool {
	switch s {
	case SourceSitemap, SourceManual, SourceCrawl:
		return true
	}
	return false
}

// Classification is the document category assigned by the classifier.
type Classification string

const (
	ClassSalesGuide       Classification = "SALES_GUIDE"
	ClassSupportScript    Classification = "SUPPORT_SCRIPT"
	ClassBrandGuidelines  Classification = "BRAND_GUIDELINES"
	ClassCompliancePolicy Classification = "COMPLIANCE_POLICY"
	ClassUnknown          Classification = "UNKNOWN"
)

// ParseClassification maps a free-form label onto a known class, UNKNOWN otherwise.
func ParseClassification(label string) Classification {
	norm := strings.ToUpper(strings.TrimSpace(label))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	switch c := Classification(norm); c {
	case ClassSalesGuide, ClassSupportScript, ClassBrandGuidelines, ClassCompliancePolicy:
		return c
	}
	return ClassUnknown
}
