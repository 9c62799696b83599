package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/sharegate/internal/config"
	"github.com/mattjoyce/sharegate/internal/events"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
)

// ErrQueueFull is returned when the work channel has no room.
var ErrQueueFull = errors.New("dispatch queue full")

var errStopped = errors.New("dispatcher stopped before the job started")

// Diagnostics written when an in-flight job is reaped.
const (
	heartbeatLost  = "worker heartbeat lost"
	queueAbandoned = "queued by a process that stopped heartbeating"
)

// RunFunc performs a job's work. The returned JSON becomes the job result.
type RunFunc func(ctx context.Context) (json.RawMessage, error)

// Work describes a job to create and run.
type Work struct {
	Kind             queue.Kind
	Fingerprint      string
	Descriptor       queue.Descriptor
	CredentialDigest string
	Run              RunFunc
}

// Options tunes the worker pool.
type Options struct {
	Workers           int
	QueueSize         int
	MaxRuntime        time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	WaitPollInterval  time.Duration
	MaxErrorBytes     int
}

// OptionsFromConfig maps the dispatch config section to Options.
func OptionsFromConfig(c config.DispatchConfig) Options {
	return Options{
		Workers:           c.Workers,
		QueueSize:         c.QueueSize,
		MaxRuntime:        c.MaxRuntime,
		HeartbeatInterval: c.HeartbeatInterval,
		StaleAfter:        c.StaleAfter,
		WaitPollInterval:  c.WaitPollInterval,
		MaxErrorBytes:     c.MaxErrorBytes,
	}
}

func (o *Options) applyDefaults() {
	d := config.Defaults().Dispatch
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.MaxRuntime <= 0 {
		o.MaxRuntime = d.MaxRuntime
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.WaitPollInterval <= 0 {
		o.WaitPollInterval = d.WaitPollInterval
	}
	if o.MaxErrorBytes <= 0 {
		o.MaxErrorBytes = d.MaxErrorBytes
	}
}

type task struct {
	job *queue.Job
	run RunFunc
}

// Dispatcher owns the worker pool.
type Dispatcher struct {
	queue  *queue.Queue
	hub    *events.Hub
	opts   Options
	logger *slog.Logger

	tasks chan task

	mu      sync.Mutex
	running map[string]context.CancelFunc
	queued  map[string]struct{}
}

// New creates a Dispatcher. Workers start with Start.
func New(q *queue.Queue, hub *events.Hub, opts Options) *Dispatcher {
	opts.applyDefaults()
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Dispatcher{
		queue:   q,
		hub:     hub,
		opts:    opts,
		logger:  log.WithComponent("dispatch"),
		tasks:   make(chan task, opts.QueueSize),
		running: make(map[string]context.CancelFunc),
		queued:  make(map[string]struct{}),
	}
}

// Queue returns the job record store the dispatcher writes to.
func (d *Dispatcher) Queue() *queue.Queue { return d.queue }

// Hub returns the event hub job transitions are published on.
func (d *Dispatcher) Hub() *events.Hub { return d.hub }

// Start runs the worker pool until ctx is cancelled. Jobs still waiting in
// the channel at shutdown are failed, since their credentials die with the
// process.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatcher started", "workers", d.opts.Workers, "queue_size", d.opts.QueueSize)
	defer d.logger.Info("dispatcher stopped")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.touchQueued(ctx)
	}()
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.tasks:
					if ctx.Err() != nil {
						d.dequeue(t.job.ID)
						d.finish(context.Background(), t.job, nil, errStopped)
						return
					}
					d.execute(ctx, worker, t)
				}
			}
		}(i)
	}
	wg.Wait()

	d.drain()
	return ctx.Err()
}

func (d *Dispatcher) drain() {
	bg := context.Background()
	for {
		select {
		case t := <-d.tasks:
			d.dequeue(t.job.ID)
			d.finish(bg, t.job, nil, errStopped)
		default:
			return
		}
	}
}

// Submit creates a job record for w and queues it.
func (d *Dispatcher) Submit(ctx context.Context, w Work) (*queue.Job, error) {
	if w.Run == nil {
		return nil, fmt.Errorf("work has no run function")
	}
	job, err := d.queue.Create(ctx, queue.CreateRequest{
		Kind:             w.Kind,
		Fingerprint:      w.Fingerprint,
		Descriptor:       w.Descriptor,
		CredentialDigest: w.CredentialDigest,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Enqueue(job, w.Run); err != nil {
		return job, err
	}
	return job, nil
}

// Enqueue queues an existing submitted job. When the channel is full the job
// is failed immediately so it cannot linger in submitted.
func (d *Dispatcher) Enqueue(job *queue.Job, run RunFunc) error {
	d.mu.Lock()
	d.queued[job.ID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.tasks <- task{job: job, run: run}:
		d.publish(events.JobSubmitted, job)
		return nil
	default:
		d.dequeue(job.ID)
		d.logger.Warn("dispatch queue full, failing job", "job_id", job.ID)
		d.finish(context.Background(), job, nil, ErrQueueFull)
		return ErrQueueFull
	}
}

// Poll returns the current job record. An in-flight job whose heartbeat is
// older than StaleAfter is failed on the spot: a running job lost its worker,
// a submitted one lost the process that queued it.
func (d *Dispatcher) Poll(ctx context.Context, id string) (*queue.Job, error) {
	job, err := d.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.InFlight() {
		return job, nil
	}

	reason := heartbeatLost
	if job.Status == queue.StatusSubmitted {
		reason = queueAbandoned
	}
	reaped, err := d.queue.FailStale(ctx, job, d.opts.StaleAfter, reason)
	if err != nil {
		return nil, err
	}
	if reaped.Status == queue.StatusFailure && reaped.Error == reason {
		d.logger.Warn("reaped job with stale heartbeat", "job_id", id, "was", job.Status, "last_touched_at", job.LastTouchedAt)
		d.stopLocal(id)
		d.publish(events.JobFinished, reaped)
	}
	return reaped, nil
}

// Wait blocks until the job is terminal, timeout elapses, or ctx ends. On
// timeout it returns the latest non-terminal snapshot and leaves the job
// running.
func (d *Dispatcher) Wait(ctx context.Context, id string, timeout time.Duration) (*queue.Job, error) {
	sub, unsubscribe := d.hub.Subscribe()
	defer unsubscribe()

	job, err := d.Poll(ctx, id)
	if err != nil || job.Status.Terminal() || timeout <= 0 {
		return job, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.opts.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-deadline.C:
			return job, nil
		case ev, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			if ev.JobID() != id {
				continue
			}
		case <-ticker.C:
		}

		next, err := d.Poll(ctx, id)
		if err != nil {
			return job, err
		}
		job = next
		if job.Status.Terminal() {
			return job, nil
		}
	}
}

// Cancel marks the job cancelled and signals a local worker if there is one.
// It never waits for the worker. Cancelling a finished job is a no-op that
// returns the job as it is.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*queue.Job, error) {
	job, err := d.queue.Cancel(ctx, id)
	if errors.Is(err, queue.ErrInvalidTransition) {
		return job, nil
	}
	if err != nil {
		return nil, err
	}
	d.logger.Info("job cancelled", "job_id", id)
	d.stopLocal(id)
	d.publish(events.JobCancelled, job)
	return job, nil
}

func (d *Dispatcher) stopLocal(id string) {
	d.mu.Lock()
	cancel, ok := d.running[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) dequeue(id string) {
	d.mu.Lock()
	delete(d.queued, id)
	d.mu.Unlock()
}

// touchQueued heartbeats every job still waiting in the channel so other
// processes do not reap it. Jobs that left submitted elsewhere are dropped.
func (d *Dispatcher) touchQueued(ctx context.Context) {
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		ids := make([]string, 0, len(d.queued))
		for id := range d.queued {
			ids = append(ids, id)
		}
		d.mu.Unlock()

		for _, id := range ids {
			err := d.queue.Heartbeat(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, queue.ErrJobNotFound):
				d.dequeue(id)
			case ctx.Err() == nil:
				d.logger.Warn("queued job heartbeat failed", "job_id", id, "error", err)
			}
		}
	}
}

func (d *Dispatcher) execute(base context.Context, worker int, t task) {
	logger := log.WithJob(t.job.ID).With("component", "dispatch", "worker", worker, "kind", t.job.Kind)
	d.dequeue(t.job.ID)

	job, err := d.queue.MarkRunning(context.WithoutCancel(base), t.job.ID)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			logger.Debug("job no longer submitted, skipping", "status", job.Status)
		} else {
			logger.Error("failed to mark job running", "error", err)
		}
		return
	}
	d.publish(events.JobRunning, job)
	logger.Info("executing job", "handler", job.Descriptor.Handler)

	ctx, cancel := context.WithTimeout(plugin.WithJobID(base, job.ID), d.opts.MaxRuntime)
	defer cancel()
	d.mu.Lock()
	d.running[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, job.ID)
		d.mu.Unlock()
	}()

	stopHeartbeat := d.heartbeat(ctx, cancel, job.ID, logger)
	start := time.Now()
	result, runErr := safeRun(ctx, t.run)
	stopHeartbeat()

	if runErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("exceeded max runtime of %s: %w", d.opts.MaxRuntime, runErr)
	}
	if runErr == nil && len(result) == 0 {
		result = json.RawMessage("null")
	}
	// Store writes must survive the run context being cancelled.
	done := d.finish(context.WithoutCancel(base), job, result, runErr)
	if done != nil {
		logger.Info("job finished", "status", done.Status, "duration", time.Since(start))
	}
}

// heartbeat bumps the job record until the returned stop function is called.
// If the record has left running (cancelled or reaped elsewhere) the run
// context is cancelled.
func (d *Dispatcher) heartbeat(ctx context.Context, cancelRun context.CancelFunc, id string, logger *slog.Logger) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := d.queue.Heartbeat(ctx, id)
				if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrJobNotFound) {
					logger.Info("job left running state, stopping worker")
					cancelRun()
					return
				}
				if err != nil && ctx.Err() == nil {
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// finish writes the terminal record. A refusal means the job was cancelled
// or reaped meanwhile and the outcome is dropped.
func (d *Dispatcher) finish(ctx context.Context, job *queue.Job, result json.RawMessage, runErr error) *queue.Job {
	status, msg := queue.StatusSuccess, ""
	if runErr != nil {
		status, msg, result = queue.StatusFailure, truncate(runErr.Error(), d.opts.MaxErrorBytes), nil
	}

	done, err := d.queue.Complete(ctx, job.ID, status, result, msg)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			d.logger.Info("discarding outcome of job that is no longer running", "job_id", job.ID, "status", done.Status)
		} else {
			d.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		}
		return nil
	}
	d.publish(events.JobFinished, done)
	return done
}

func (d *Dispatcher) publish(eventType string, job *queue.Job) {
	d.hub.Publish(eventType, events.JobEvent{
		JobID:   job.ID,
		Kind:    string(job.Kind),
		Handler: job.Descriptor.Handler,
		Status:  string(job.Status),
		Error:   job.Error,
	})
}

// safeRun converts a panic in run into an error.
func safeRun(ctx context.Context, run RunFunc) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("dispatch").Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "... (truncated)"
}
