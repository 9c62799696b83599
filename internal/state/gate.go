// Package state implements shareable saved states and the gate that reveals
// them.
//
// A saved state is a template whose $job-id$ markers refer to extraction
// jobs. Another session gets to read it only after re-deriving every one of
// those extractions under its own credential: RequestAccess resolves each
// dependency through the fingerprint cache, which reuses finished data, and
// adds a verification job whenever the reused data was fetched with a
// different credential. ReadState reveals the template, rewritten to the
// session's own job ids, once all of those jobs have succeeded.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/storage"
)

var (
	ErrNotFound           = errors.New("saved state not found")
	ErrNoReferencedJobs   = errors.New("state references no jobs")
	ErrAccessNotRequested = errors.New("access to state was not requested")
)

const keyPrefix = "state:"

// Key returns the store key of a saved state.
func Key(id string) string { return keyPrefix + id }

// Dependency ties the job id used in a template marker to the descriptor
// that produced it.
type Dependency struct {
	JobID      string           `json:"job_id"`
	Descriptor queue.Descriptor `json:"descriptor"`
}

// Saved is an immutable shareable state.
type Saved struct {
	ID           string       `json:"id"`
	Template     string       `json:"template"`
	Handler      string       `json:"handler"`
	Server       string       `json:"server"`
	Dependencies []Dependency `json:"dependencies"`
	CreatedAt    time.Time    `json:"created_at"`
}

type SaveRequest struct {
	Template     string
	Handler      string
	Server       string
	Dependencies []Dependency
}

type Status string

const (
	StatusGranted Status = "granted"
	StatusPending Status = "pending"
	StatusDenied  Status = "denied"
)

// Outcome is the answer to ReadState. Template is set only when granted.
type Outcome struct {
	Status   Status `json:"status"`
	Template string `json:"template,omitempty"`
	// Reason names the job that denied access.
	Reason string `json:"reason,omitempty"`
}

type Gate struct {
	store    storage.Store
	cache    JobCache
	jobs     JobRunner
	sessions *session.Store
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(store storage.Store, c JobCache, jobs JobRunner, sessions *session.Store, ttl time.Duration) *Gate {
	return &Gate{
		store:    store,
		cache:    c,
		jobs:     jobs,
		sessions: sessions,
		ttl:      ttl,
		logger:   log.WithComponent("state"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Save persists a new saved state and returns its id.
func (g *Gate) Save(ctx context.Context, req SaveRequest) (string, error) {
	if len(req.Dependencies) == 0 {
		return "", ErrNoReferencedJobs
	}
	saved := Saved{
		ID:           uuid.NewString(),
		Template:     req.Template,
		Handler:      req.Handler,
		Server:       req.Server,
		Dependencies: req.Dependencies,
		CreatedAt:    g.now(),
	}
	raw, err := json.Marshal(saved)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	ok, err := g.store.SetNX(ctx, Key(saved.ID), raw, g.ttl)
	if err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("save state %s: id collision", saved.ID)
	}
	g.logger.Info("state saved", "state_id", saved.ID, "dependencies", len(saved.Dependencies))
	return saved.ID, nil
}

// Get loads a saved state.
func (g *Gate) Get(ctx context.Context, id string) (*Saved, error) {
	var saved Saved
	err := storage.GetJSON(ctx, g.store, Key(id), &saved)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// RequestAccess re-derives every dependency of the state under cred and
// records the resulting jobs as the session's grant. It does not wait for
// them. A reused job recorded under another credential joins the session's
// job set only once ReadState grants access; until then the session sees
// its verify job alone.
func (g *Gate) RequestAccess(ctx context.Context, stateID string, cred plugin.Credential, sessionID string) (*session.Grant, error) {
	saved, err := g.Get(ctx, stateID)
	if err != nil {
		return nil, err
	}
	logger := g.logger.With("session_id", sessionID, "state_id", stateID)
	digest := g.cache.Digest(cred)

	grant := session.Grant{CreatedAt: g.now()}
	visible := make([]string, 0, len(saved.Dependencies))
	for _, dep := range saved.Dependencies {
		job, err := g.cache.GetOrSubmit(ctx, cache.Request{
			Descriptor:  dep.Descriptor,
			Credential:  cred,
			UseExisting: true,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve dependency %s: %w", dep.JobID, err)
		}
		grant.JobIDs = append(grant.JobIDs, job.ID)

		if job.CredentialDigest == digest {
			visible = append(visible, job.ID)
			continue
		}
		verify, err := g.submitVerify(ctx, dep.Descriptor, cred, digest, job.ID)
		if err != nil {
			return nil, err
		}
		logger.Debug("verifying reused job under caller credential", "job_id", job.ID, "verify_job_id", verify.ID)
		grant.VerifyJobIDs = append(grant.VerifyJobIDs, verify.ID)
		visible = append(visible, verify.ID)
	}

	if err := g.sessions.PutGrant(ctx, sessionID, stateID, grant); err != nil {
		return nil, err
	}
	if err := g.sessions.AddJobs(ctx, sessionID, visible...); err != nil {
		return nil, err
	}
	logger.Info("access requested", "jobs", len(grant.JobIDs), "verify_jobs", len(grant.VerifyJobIDs))
	return &grant, nil
}

func (g *Gate) submitVerify(ctx context.Context, d queue.Descriptor, cred plugin.Credential, digest, verifiedJobID string) (*queue.Job, error) {
	p, err := g.cache.Plugin(d)
	if err != nil {
		return nil, err
	}
	job, err := g.jobs.Submit(ctx, dispatch.Work{
		Kind:             queue.KindVerify,
		Descriptor:       d,
		CredentialDigest: digest,
		Run:              cache.VerifyRun(p, d, cred, verifiedJobID),
	})
	if err != nil {
		return nil, fmt.Errorf("submit verification of %s: %w", verifiedJobID, err)
	}
	return job, nil
}

// ReadState reports whether the session's grant for stateID has fully
// succeeded, returning the rewritten template if so. A granted read adds the
// grant's data jobs to the session.
func (g *Gate) ReadState(ctx context.Context, stateID, sessionID string) (*Outcome, error) {
	saved, err := g.Get(ctx, stateID)
	if err != nil {
		return nil, err
	}
	grant, err := g.sessions.Grant(ctx, sessionID, stateID)
	if errors.Is(err, session.ErrGrantNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccessNotRequested, stateID)
	}
	if err != nil {
		return nil, err
	}
	if len(grant.JobIDs) != len(saved.Dependencies) {
		return nil, fmt.Errorf("grant for state %s has %d jobs, want %d", stateID, len(grant.JobIDs), len(saved.Dependencies))
	}

	pending := false
	for _, id := range grant.All() {
		job, err := g.jobs.Poll(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			return &Outcome{Status: StatusDenied, Reason: fmt.Sprintf("job %s expired", id)}, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case job.Status == queue.StatusSuccess:
		case job.Status.InFlight():
			pending = true
		default:
			g.logger.Info("state access denied", "state_id", stateID, "session_id", sessionID, "job_id", id, "status", job.Status)
			return &Outcome{Status: StatusDenied, Reason: fmt.Sprintf("job %s ended %s", id, job.Status)}, nil
		}
	}
	if pending {
		return &Outcome{Status: StatusPending}, nil
	}

	if err := g.sessions.AddJobs(ctx, sessionID, grant.JobIDs...); err != nil {
		return nil, err
	}
	replace := make(map[string]string, len(saved.Dependencies))
	for i, dep := range saved.Dependencies {
		replace[dep.JobID] = grant.JobIDs[i]
	}
	return &Outcome{Status: StatusGranted, Template: substitute(saved.Template, replace)}, nil
}
