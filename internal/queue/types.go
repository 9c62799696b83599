package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// InFlight reports whether the job is submitted or running.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// Kind separates cacheable extractions from everything else.
type Kind string

const (
	KindExtract  Kind = "extract"
	KindAnalysis Kind = "analysis"
	KindVerify   Kind = "verify"
)

// Descriptor is what a job was asked to do, minus any credential.
type Descriptor struct {
	Handler string          `json:"handler"`
	Server  string          `json:"server,omitempty"`
	Body    json.RawMessage `json:"descriptor,omitempty"`
}

type Job struct {
	ID               string          `json:"id"`
	Kind             Kind            `json:"kind"`
	Fingerprint      string          `json:"fingerprint,omitempty"`
	Status           Status          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Descriptor       Descriptor      `json:"descriptor"`
	CredentialDigest string          `json:"credential_digest,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	LastTouchedAt    time.Time       `json:"last_touched_at"`
}

type CreateRequest struct {
	Kind             Kind
	Fingerprint      string
	Descriptor       Descriptor
	CredentialDigest string
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a job is not in a state the
	// requested transition starts from.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
