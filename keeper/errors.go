// CLAUDE:SUMMARY Sentinel errors of the service facade and their HTTP status mapping.
package keeper

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/groundkeeper/docpipe"
	"github.com/hazyhaar/groundkeeper/keeper/internal/discovery"
	"github.com/hazyhaar/groundkeeper/keeper/internal/fetch"
	"github.com/hazyhaar/groundkeeper/keeper/internal/gate"
	"github.com/hazyhaar/groundkeeper/keeper/internal/lifecycle"
	"github.com/hazyhaar/groundkeeper/keeper/internal/profile"
	"github.com/hazyhaar/groundkeeper/keeper/internal/retrieval"
	"github.com/hazyhaar/groundkeeper/keeper/internal/review"
	"github.com/hazyhaar/groundkeeper/keeper/internal/scheduler"
	"github.com/hazyhaar/groundkeeper/keeper/internal/store"
)

// ErrInvalidInput is returned when a request fails validation.
var ErrInvalidInput = errors.New("keeper: invalid input")

// ErrUnknownConnection is returned when the connection does not exist.
var ErrUnknownConnection = errors.New("keeper: unknown connection")

// ErrEmptyDocument is returned when an upload holds no usable text once
// sanitized.
var ErrEmptyDocument = errors.New("keeper: document has no usable text")

// Re-exported conflicts callers match with errors.Is.
var (
	ErrInvalidState   = review.ErrInvalidState
	ErrConnectionBusy = store.ErrConnectionBusy
	ErrAlreadyQueued  = store.ErrAlreadyQueued
)

var (
	badRequest = []error{
		ErrInvalidInput, ErrEmptyDocument,
		review.ErrInvalidDecision, review.ErrMissingReviewer,
		retrieval.ErrEmptyQuestion, discovery.ErrInvalidSource,
		docpipe.ErrUnsupportedFormat, docpipe.ErrNoText,
		profile.ErrInvalidProfile, fetch.ErrUnsafeScheme, fetch.ErrBlocked,
	}
	notFound = []error{
		ErrUnknownConnection, review.ErrUnknownSuggestion, review.ErrUnknownConnection,
		discovery.ErrUnknownConnection, retrieval.ErrUnknownConnection,
		gate.ErrUnknownConnection, store.ErrNotFound, scheduler.ErrUnknownTask,
	}
	conflict = []error{
		review.ErrInvalidState, store.ErrConnectionBusy, store.ErrAlreadyQueued,
		discovery.ErrRunning, lifecycle.ErrInvalidTransition,
	}
)

// HTTPStatus maps a service error onto a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isAny(err, badRequest):
		return http.StatusBadRequest
	case isAny(err, notFound):
		return http.StatusNotFound
	case isAny(err, conflict):
		return http.StatusConflict
	case errors.Is(err, docpipe.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
