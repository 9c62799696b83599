// Package queue stores job records in the key-value store and enforces the
// job status machine:
//
//	submitted -> running -> success | failure
//	submitted | running -> cancelled
//	submitted -> failure (dispatch errors before a worker picks the job up)
//
// Every transition is a compare-and-swap on the whole record, so status and
// result always change together.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sharegate/internal/storage"
)

const keyPrefix = "job:"

// Key returns the store key of a job record.
func Key(id string) string { return keyPrefix + id }

type Queue struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

func New(store storage.Store, ttl time.Duration) *Queue {
	return &Queue{store: store, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source. Tests use it to age heartbeats.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Create persists a new submitted job.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if req.Kind == "" {
		return nil, fmt.Errorf("job kind is empty")
	}
	if req.Descriptor.Handler == "" && req.Kind != KindAnalysis {
		return nil, fmt.Errorf("handler is empty")
	}

	now := q.now()
	job := &Job{
		ID:               uuid.NewString(),
		Kind:             req.Kind,
		Fingerprint:      req.Fingerprint,
		Status:           StatusSubmitted,
		Descriptor:       req.Descriptor,
		CredentialDigest: req.CredentialDigest,
		CreatedAt:        now,
		LastTouchedAt:    now,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	ok, err := q.store.SetNX(ctx, Key(job.ID), raw, q.ttl)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("create job %s: id collision", job.ID)
	}
	return job, nil
}

// Get loads a job and refreshes its TTL.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := storage.GetJSON(ctx, q.store, Key(id), &job); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if q.ttl > 0 {
		_ = q.store.Expire(ctx, Key(id), q.ttl)
	}
	return &job, nil
}

// Delete removes a job record. Only used for records that never became
// visible to anyone, such as the loser of a fingerprint race.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.store.Delete(ctx, Key(id))
}

// Transition applies mutate to the job if its current status is one of from.
// It returns the updated job, or ErrInvalidTransition together with the
// current job when the status does not allow it.
// mutate may veto the change by returning an error wrapping
// ErrInvalidTransition.
func (q *Queue) Transition(ctx context.Context, id string, from []Status, mutate func(*Job) error) (*Job, error) {
	var current Job
	raw, err := storage.Update(ctx, q.store, Key(id), q.ttl, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		current = Job{}
		if err := json.Unmarshal(cur, &current); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		if !slices.Contains(from, current.Status) {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, current.Status)
		}
		next := current
		if err := mutate(&next); err != nil {
			return nil, err
		}
		next.LastTouchedAt = q.now()
		return json.Marshal(&next)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return &current, err
		}
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// MarkRunning moves a submitted job to running.
func (q *Queue) MarkRunning(ctx context.Context, id string) (*Job, error) {
	return q.Transition(ctx, id, []Status{StatusSubmitted}, func(j *Job) error {
		now := q.now()
		j.Status = StatusRunning
		j.StartedAt = &now
		return nil
	})
}

// Heartbeat bumps LastTouchedAt of an in-flight job. Workers heartbeat the
// job they run; the owning process heartbeats the jobs it still has queued.
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	_, err := q.Transition(ctx, id, []Status{StatusSubmitted, StatusRunning}, func(*Job) error { return nil })
	return err
}

// Complete writes the terminal status together with the result or error.
func (q *Queue) Complete(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) (*Job, error) {
	if status != StatusSuccess && status != StatusFailure {
		return nil, fmt.Errorf("complete job %s: %s is not a completion status", id, status)
	}
	from := []Status{StatusRunning}
	if status == StatusFailure {
		from = append(from, StatusSubmitted)
	}
	return q.Transition(ctx, id, from, func(j *Job) error {
		now := q.now()
		j.Status = status
		j.Result = result
		j.Error = errMsg
		j.CompletedAt = &now
		return nil
	})
}

// Cancel marks an in-flight job cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	return q.Transition(ctx, id, []Status{StatusSubmitted, StatusRunning}, func(j *Job) error {
		now := q.now()
		j.Status = StatusCancelled
		j.CompletedAt = &now
		return nil
	})
}

// FailStale fails an in-flight job whose last heartbeat is older than
// staleAfter. It returns the job unchanged when it is not stale.
func (q *Queue) FailStale(ctx context.Context, job *Job, staleAfter time.Duration, reason string) (*Job, error) {
	if !job.Status.InFlight() || staleAfter <= 0 || q.now().Sub(job.LastTouchedAt) <= staleAfter {
		return job, nil
	}
	updated, err := q.Transition(ctx, job.ID, []Status{job.Status}, func(j *Job) error {
		if q.now().Sub(j.LastTouchedAt) <= staleAfter {
			return fmt.Errorf("%w: %s heartbeat is fresh", ErrInvalidTransition, j.ID)
		}
		now := q.now()
		j.Status = StatusFailure
		j.Error = reason
		j.CompletedAt = &now
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return updated, nil
	}
	return updated, err
}
