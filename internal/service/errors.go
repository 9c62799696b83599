package service

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/sharegate/internal/analytics"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/state"
	"github.com/mattjoyce/sharegate/internal/storage"
)

// Code classifies the outcome of an operation for the transport layer.
type Code string

const (
	CodeOK         Code = "ok"
	CodePending    Code = "pending"
	CodeNotFound   Code = "not_found"
	CodeForbidden  Code = "forbidden"
	CodeBadRequest Code = "bad_request"
	CodeError      Code = "error"
)

// ErrForbidden is returned when a saved state was denied to the session.
var ErrForbidden = errors.New("access denied")

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CodeOf classifies err. A nil error is CodeOK.
func CodeOf(err error) Code {
	var verr *ValidationError
	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &verr),
		errors.Is(err, state.ErrNoReferencedJobs),
		errors.Is(err, plugin.ErrNoMatchingPlugin),
		errors.Is(err, plugin.ErrAmbiguousPlugin),
		errors.Is(err, analytics.ErrUnknownTask):
		return CodeBadRequest
	case errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, state.ErrAccessNotRequested),
		errors.Is(err, session.ErrGrantNotFound),
		errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	}
	return CodeError
}

// JobCode is CodePending for an unfinished job and CodeOf(err) otherwise.
func JobCode(job *queue.Job, err error) Code {
	if err == nil && job != nil && job.Status.InFlight() {
		return CodePending
	}
	return CodeOf(err)
}

// StateCode maps a ReadState answer to a code.
func StateCode(out *state.Outcome, err error) Code {
	if err == nil && out != nil && out.Status == state.StatusPending {
		return CodePending
	}
	return CodeOf(err)
}
