package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/sharegate/internal/auth"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/service"
	"github.com/mattjoyce/sharegate/internal/state"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// maxTimeoutSeconds is the largest numeric timeout a time.Duration holds.
const maxTimeoutSeconds = float64(math.MaxInt64 / int64(time.Second))

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(s.plugins.Describe()),
	})
}

// handleCreateSession handles POST /sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	token, id, expires, err := s.sessions.Issue(subjectOf(principal))
	if err != nil {
		s.logger.Error("failed to issue session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	s.logger.Debug("session issued", "session_id", id)
	respondJSON(w, http.StatusCreated, SessionResponse{SessionToken: token, SessionID: id, ExpiresAt: expires})
}

// subjectOf names the principal without exposing its token.
func subjectOf(p auth.Principal) string {
	if len(p.Token) <= 4 {
		return "token"
	}
	return "token:" + p.Token[:4]
}

// handleSubmitData handles POST /data.
func (s *Server) handleSubmitData(w http.ResponseWriter, r *http.Request) {
	var req DataRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobs, err := s.svc.SubmitData(r.Context(), sessionFromContext(r.Context()), service.DataRequest{
		Handler:     req.Handler,
		Server:      req.Server,
		Credential:  plugin.Credential{Token: req.Auth.Token},
		Descriptors: req.Descriptors,
		UseExisting: req.UseExisting,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := DataResponse{JobIDs: make([]string, 0, len(jobs)), Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.JobIDs = append(resp.JobIDs, j.ID)
		resp.Jobs = append(resp.Jobs, jobResponse(j))
	}
	respondJSON(w, http.StatusCreated, resp)
}

// handleSubmitAnalysis handles POST /analytics.
func (s *Server) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalyticsRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.svc.SubmitAnalysis(r.Context(), sessionFromContext(r.Context()), service.AnalysisRequest{
		Task: req.TaskName,
		Args: req.Args,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, jobResponse(job))
}

// handleListJobs handles GET /jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListJobs(r.Context(), sessionFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(j))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /jobs/{jobID}, blocking when ?wait=1.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	sessionID := sessionFromContext(r.Context())

	var (
		job *queue.Job
		err error
	)
	if wait, ok := s.waitTimeout(w, r); !ok {
		return
	} else if wait > 0 {
		job, err = s.svc.WaitJob(r.Context(), sessionID, jobID, wait)
	} else {
		job, err = s.svc.PollJob(r.Context(), sessionID, jobID)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobResponse(job))
}

// handleCancelJob handles DELETE /jobs/{jobID}.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.svc.CancelJob(r.Context(), sessionFromContext(r.Context()), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobResponse(job))
}

// handleSaveState handles POST /state.
func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	var req SaveStateRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.svc.SaveState(r.Context(), sessionFromContext(r.Context()), service.SaveStateRequest{
		Template: req.State,
		Handler:  req.Handler,
		Server:   req.Server,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, SaveStateResponse{StateID: id})
}

// handleRequestAccess handles POST /state/{stateID}.
func (s *Server) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")
	sessionID := sessionFromContext(r.Context())

	var req AccessRequest
	if !s.decode(w, r, &req) {
		return
	}
	wait, ok := s.waitTimeout(w, r)
	if !ok {
		return
	}

	grant, err := s.svc.RequestAccess(r.Context(), sessionID, stateID, plugin.Credential{Token: req.Auth.Token})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if wait > 0 {
		// The outcome is read separately; waiting only lets the jobs settle.
		_, _ = s.svc.WaitState(r.Context(), sessionID, stateID, wait)
	}
	respondJSON(w, http.StatusAccepted, AccessResponse{
		StateID:      stateID,
		JobIDs:       grant.JobIDs,
		VerifyJobIDs: grant.VerifyJobIDs,
	})
}

// handleReadState handles GET /state/{stateID}.
func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")
	sessionID := sessionFromContext(r.Context())

	var (
		out *state.Outcome
		err error
	)
	if wait, ok := s.waitTimeout(w, r); !ok {
		return
	} else if wait > 0 {
		out, err = s.svc.WaitState(r.Context(), sessionID, stateID, wait)
	} else {
		out, err = s.svc.ReadState(r.Context(), sessionID, stateID)
	}

	switch service.StateCode(out, err) {
	case service.CodeOK:
		respondJSON(w, http.StatusOK, StateResponse{Status: string(out.Status), State: out.Template})
	case service.CodePending:
		respondJSON(w, http.StatusAccepted, StateResponse{Status: string(out.Status)})
	case service.CodeForbidden:
		s.logger.Info("state read denied", "state_id", stateID, "session_id", sessionID, "reason", out.Reason)
		respondJSON(w, http.StatusForbidden, StateResponse{Status: string(out.Status), Reason: out.Reason})
	default:
		s.writeServiceError(w, err)
	}
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"plugins": s.plugins.Describe()})
}

// waitTimeout parses ?wait=1&timeout=<duration>. Zero means do not wait.
func (s *Server) waitTimeout(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	q := r.URL.Query()
	if q.Get("wait") != "1" && q.Get("wait") != "true" {
		return 0, true
	}
	timeout := s.config.MaxWait
	if raw := q.Get("timeout"); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return 0, false
		}
		timeout = min(d, s.config.MaxWait)
	}
	return timeout, true
}

// parseTimeout accepts a Go duration or a finite number of seconds.
func parseTimeout(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > maxTimeoutSeconds {
			return 0, fmt.Errorf("timeout %q out of range", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "request body is required")
		} else {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return false
	}
	return true
}

// writeServiceError maps a service error onto an HTTP status.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch service.CodeOf(err) {
	case service.CodeBadRequest:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case service.CodeNotFound:
		s.writeError(w, http.StatusNotFound, notFoundMessage(err))
	case service.CodeForbidden:
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, state.ErrAccessNotRequested):
		return "access to this state was not requested; POST credentials to this URL first"
	case errors.Is(err, state.ErrNotFound):
		return "state not found"
	case errors.Is(err, queue.ErrJobNotFound):
		return "job not found"
	}
	return strings.TrimSpace(err.Error())
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
