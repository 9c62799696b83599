// Package service is the operation surface of sharegate. Every operation
// takes the caller's session id explicitly; a session only ever observes the
// jobs in its own job set.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/sharegate/internal/analytics"
	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/state"
)

type Service struct {
	cache    *cache.Cache
	disp     *dispatch.Dispatcher
	gate     *state.Gate
	sessions *session.Store
	tasks    *analytics.Registry
	logger   *slog.Logger
}

type Deps struct {
	Cache      *cache.Cache
	Dispatcher *dispatch.Dispatcher
	Gate       *state.Gate
	Sessions   *session.Store
	Tasks      *analytics.Registry
}

func New(d Deps) *Service {
	return &Service{
		cache:    d.Cache,
		disp:     d.Dispatcher,
		gate:     d.Gate,
		sessions: d.Sessions,
		tasks:    d.Tasks,
		logger:   log.WithComponent("service"),
	}
}

// DataRequest asks for one extraction per descriptor from a single source.
type DataRequest struct {
	Handler     string
	Server      string
	Credential  plugin.Credential
	Descriptors []json.RawMessage
	UseExisting bool
}

// SubmitData resolves every descriptor through the fingerprint cache and
// adds the resulting jobs to the session. Jobs are returned in descriptor
// order.
func (s *Service) SubmitData(ctx context.Context, sessionID string, req DataRequest) ([]*queue.Job, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Handler) == "" {
		return nil, invalid("handler", "is required")
	}
	if len(req.Descriptors) == 0 {
		return nil, invalid("descriptors", "at least one descriptor is required")
	}
	for i, d := range req.Descriptors {
		if !isObject(d) {
			return nil, invalid(fmt.Sprintf("descriptors[%d]", i), "must be a JSON object")
		}
	}

	jobs := make([]*queue.Job, 0, len(req.Descriptors))
	ids := make([]string, 0, len(req.Descriptors))
	for _, d := range req.Descriptors {
		job, err := s.cache.GetOrSubmit(ctx, cache.Request{
			Descriptor:  queue.Descriptor{Handler: req.Handler, Server: req.Server, Body: d},
			Credential:  req.Credential,
			UseExisting: req.UseExisting,
		})
		if err != nil {
			if errors.Is(err, plugin.ErrNoMatchingPlugin) || errors.Is(err, plugin.ErrAmbiguousPlugin) {
				s.logger.Error("plugin resolution failed", "handler", req.Handler, "error", err)
			}
			// Jobs already queued for earlier descriptors stay observable.
			if aerr := s.sessions.AddJobs(ctx, sessionID, ids...); aerr != nil {
				s.logger.Warn("failed to record partial submission", "session_id", sessionID, "error", aerr)
			}
			return nil, err
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err := s.sessions.AddJobs(ctx, sessionID, ids...); err != nil {
		return nil, err
	}
	return jobs, nil
}

// AnalysisRequest names an analysis task. Args must carry "data_ids", the
// extraction jobs whose tables feed the task.
type AnalysisRequest struct {
	Task string
	Args json.RawMessage
}

// SubmitAnalysis starts a non-cacheable analysis job over finished
// extraction jobs visible to the session.
func (s *Service) SubmitAnalysis(ctx context.Context, sessionID string, req AnalysisRequest) (*queue.Job, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	task, err := s.tasks.Get(req.Task)
	if err != nil {
		return nil, err
	}
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var ref struct {
		DataIDs []string `json:"data_ids"`
	}
	if !isObject(args) || json.Unmarshal(args, &ref) != nil {
		return nil, invalid("args", "must be a JSON object")
	}
	if len(ref.DataIDs) == 0 {
		return nil, invalid("args.data_ids", "at least one data job id is required")
	}

	inputs := make([]*plugin.Table, 0, len(ref.DataIDs))
	for _, id := range ref.DataIDs {
		job, err := s.visibleJob(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if job.Kind != queue.KindExtract {
			return nil, invalid("args.data_ids", "job %s is not a data job", id)
		}
		if job.Status != queue.StatusSuccess {
			return nil, invalid("args.data_ids", "data job %s is %s", id, job.Status)
		}
		var t plugin.Table
		if err := json.Unmarshal(job.Result, &t); err != nil {
			return nil, fmt.Errorf("decode table of job %s: %w", id, err)
		}
		inputs = append(inputs, &t)
	}

	job, err := s.disp.Submit(ctx, dispatch.Work{
		Kind:       queue.KindAnalysis,
		Descriptor: queue.Descriptor{Handler: task.Name(), Body: args},
		Run: func(ctx context.Context) (json.RawMessage, error) {
			return task.Run(ctx, inputs, args)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.sessions.AddJobs(ctx, sessionID, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// PollJob returns a snapshot of a job in the session's set.
func (s *Service) PollJob(ctx context.Context, sessionID, id string) (*queue.Job, error) {
	return s.visibleJob(ctx, sessionID, id)
}

// WaitJob blocks up to timeout for the job to finish. On timeout it returns
// the latest snapshot and leaves the job running.
func (s *Service) WaitJob(ctx context.Context, sessionID, id string, timeout time.Duration) (*queue.Job, error) {
	if _, err := s.visibleJob(ctx, sessionID, id); err != nil {
		return nil, err
	}
	return s.disp.Wait(ctx, id, timeout)
}

// CancelJob cancels a job and removes it from the session's set. Finished
// jobs are removed but keep their status.
func (s *Service) CancelJob(ctx context.Context, sessionID, id string) (*queue.Job, error) {
	if err := s.checkVisible(ctx, sessionID, id); err != nil {
		return nil, err
	}
	job, err := s.disp.Cancel(ctx, id)
	if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return nil, err
	}
	if rerr := s.sessions.RemoveJob(ctx, sessionID, id); rerr != nil {
		return nil, rerr
	}
	return job, err
}

// ListJobs returns the session's jobs that still exist.
func (s *Service) ListJobs(ctx context.Context, sessionID string) ([]*queue.Job, error) {
	ids, err := s.sessions.Jobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.disp.Poll(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

type SaveStateRequest struct {
	Template string
	Handler  string
	Server   string
}

// SaveState stores a template whose $job-id$ markers reference data jobs of
// the session.
func (s *Service) SaveState(ctx context.Context, sessionID string, req SaveStateRequest) (string, error) {
	if err := requireSession(sessionID); err != nil {
		return "", err
	}
	ids := state.Markers(req.Template)
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: template has no $job-id$ markers", state.ErrNoReferencedJobs)
	}

	deps := make([]state.Dependency, 0, len(ids))
	for _, id := range ids {
		job, err := s.visibleJob(ctx, sessionID, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			return "", invalid("template", "referenced job %s not found", id)
		}
		if err != nil {
			return "", err
		}
		if job.Kind != queue.KindExtract {
			return "", invalid("template", "referenced job %s is not a data job", id)
		}
		deps = append(deps, state.Dependency{JobID: id, Descriptor: job.Descriptor})
	}

	handler, server := req.Handler, req.Server
	if handler == "" {
		handler = deps[0].Descriptor.Handler
	}
	if server == "" {
		server = deps[0].Descriptor.Server
	}
	return s.gate.Save(ctx, state.SaveRequest{
		Template:     req.Template,
		Handler:      handler,
		Server:       server,
		Dependencies: deps,
	})
}

// RequestAccess starts re-deriving a saved state's data under cred.
func (s *Service) RequestAccess(ctx context.Context, sessionID, stateID string, cred plugin.Credential) (*session.Grant, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	return s.gate.RequestAccess(ctx, stateID, cred, sessionID)
}

// ReadState returns the outcome of the session's access request. A denied
// outcome comes with an error wrapping ErrForbidden.
func (s *Service) ReadState(ctx context.Context, sessionID, stateID string) (*state.Outcome, error) {
	out, err := s.gate.ReadState(ctx, stateID, sessionID)
	if err != nil {
		return nil, err
	}
	if out.Status == state.StatusDenied {
		return out, fmt.Errorf("%w: %s", ErrForbidden, out.Reason)
	}
	return out, nil
}

// WaitState polls ReadState until it is no longer pending or timeout
// elapses, waiting on each outstanding job in turn.
func (s *Service) WaitState(ctx context.Context, sessionID, stateID string, timeout time.Duration) (*state.Outcome, error) {
	deadline := time.Now().Add(timeout)
	grant, err := s.sessions.Grant(ctx, sessionID, stateID)
	if err == nil {
		for _, id := range grant.All() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if _, err := s.disp.Wait(ctx, id, remaining); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
				return nil, err
			}
		}
	}
	return s.ReadState(ctx, sessionID, stateID)
}

func (s *Service) checkVisible(ctx context.Context, sessionID, id string) error {
	ok, err := s.sessions.HasJob(ctx, sessionID, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return nil
}

func (s *Service) visibleJob(ctx context.Context, sessionID, id string) (*queue.Job, error) {
	if err := s.checkVisible(ctx, sessionID, id); err != nil {
		return nil, err
	}
	return s.disp.Poll(ctx, id)
}

func requireSession(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("session", "session id is required")
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && json.Valid(raw)
}
