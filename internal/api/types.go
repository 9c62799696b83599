package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/sharegate/internal/queue"
)

// AuthPayload carries the credential handed to a data source.
type AuthPayload struct {
	Token string `json:"token"`
}

// SessionResponse is returned by POST /sessions.
type SessionResponse struct {
	SessionToken string    `json:"session_token"`
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DataRequest is the JSON body for POST /data.
type DataRequest struct {
	Handler     string            `json:"handler"`
	Server      string            `json:"server"`
	Auth        AuthPayload       `json:"auth"`
	Descriptors []json.RawMessage `json:"descriptors"`
	UseExisting bool              `json:"use_existing"`
}

// DataResponse lists one job per submitted descriptor, in order.
type DataResponse struct {
	JobIDs []string      `json:"job_ids"`
	Jobs   []JobResponse `json:"jobs"`
}

// AnalyticsRequest is the JSON body for POST /analytics.
type AnalyticsRequest struct {
	TaskName string          `json:"task_name"`
	Args     json.RawMessage `json:"args"`
}

// JobResponse is returned by the /jobs endpoints.
type JobResponse struct {
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Handler     string          `json:"handler,omitempty"`
	Server      string          `json:"server,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func jobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		JobID:       j.ID,
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Handler:     j.Descriptor.Handler,
		Server:      j.Descriptor.Server,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// SaveStateRequest is the JSON body for POST /state.
type SaveStateRequest struct {
	State   string `json:"state"`
	Handler string `json:"handler"`
	Server  string `json:"server"`
}

type SaveStateResponse struct {
	StateID string `json:"state_id"`
}

// AccessRequest is the JSON body for POST /state/{id}.
type AccessRequest struct {
	Auth AuthPayload `json:"auth"`
}

type AccessResponse struct {
	StateID      string   `json:"state_id"`
	JobIDs       []string `json:"job_ids"`
	VerifyJobIDs []string `json:"verify_job_ids,omitempty"`
}

// StateResponse is returned by GET /state/{id}.
type StateResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsLoaded int    `json:"plugins_loaded"`
}
