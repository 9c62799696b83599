// Package cache deduplicates extraction jobs by fingerprint.
//
// The store key fp:<fingerprint> points at the job currently answering for
// that fingerprint. A caller that finds no usable job creates a fresh job
// record first and only then claims the pointer, with SetNX when it is absent
// or CompareAndSwap when it holds a stale id. Losers of that race delete their
// record and re-read the pointer, so every concurrent caller ends up on the
// same job id, across processes as long as they share the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/storage"
)

const pointerPrefix = "fp:"

// PointerKey returns the store key of a fingerprint pointer.
func PointerKey(fp string) string { return pointerPrefix + fp }

// Request asks for the data described by Descriptor.
type Request struct {
	Descriptor queue.Descriptor
	Credential plugin.Credential
	// UseExisting allows a successful job to be returned as is. In-flight
	// jobs are always joined.
	UseExisting bool
}

type Options struct {
	TTL        time.Duration
	MaxRetries int
}

type Cache struct {
	store    storage.Store
	disp     *dispatch.Dispatcher
	registry *plugin.Registry
	digester *Digester
	opts     Options
	group    singleflight.Group
	logger   *slog.Logger
}

func New(store storage.Store, disp *dispatch.Dispatcher, registry *plugin.Registry, digester *Digester, opts Options) *Cache {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	return &Cache{
		store:    store,
		disp:     disp,
		registry: registry,
		digester: digester,
		opts:     opts,
		logger:   log.WithComponent("cache"),
	}
}

// Digest returns the keyed digest of cred.
func (c *Cache) Digest(cred plugin.Credential) string {
	return c.digester.Digest(cred)
}

// Plugin resolves the plugin serving d.
func (c *Cache) Plugin(d queue.Descriptor) (plugin.Plugin, error) {
	return c.registry.Dispatch(d.Handler, d.Body)
}

// GetOrSubmit returns the job answering for req's fingerprint, starting a new
// extraction when there is none that can be reused.
func (c *Cache) GetOrSubmit(ctx context.Context, req Request) (*queue.Job, error) {
	fp, err := Fingerprint(req.Descriptor)
	if err != nil {
		return nil, err
	}
	p, err := c.Plugin(req.Descriptor)
	if err != nil {
		return nil, err
	}
	digest := c.digester.Digest(req.Credential)

	// Same-process callers share one store round trip.
	key := fp + "|" + strconv.FormatBool(req.UseExisting) + "|" + digest
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.resolve(context.WithoutCancel(ctx), fp, digest, p, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("coalesced fingerprint lookup", "fingerprint", fp)
	}
	return v.(*queue.Job), nil
}

func (c *Cache) resolve(ctx context.Context, fp, digest string, p plugin.Plugin, req Request) (*queue.Job, error) {
	ptrKey := PointerKey(fp)
	q := c.disp.Queue()

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		var stale []byte
		cur, err := c.store.Get(ctx, ptrKey)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("read fingerprint pointer: %w", err)
		default:
			job, err := c.disp.Poll(ctx, string(cur))
			switch {
			case errors.Is(err, queue.ErrJobNotFound):
				stale = cur
			case err != nil:
				return nil, err
			case job.Status.InFlight():
				c.logger.Debug("joining in-flight job", "fingerprint", fp, "job_id", job.ID)
				return job, nil
			case job.Status == queue.StatusSuccess && req.UseExisting:
				if c.opts.TTL > 0 {
					_ = c.store.Expire(ctx, ptrKey, c.opts.TTL)
				}
				c.logger.Debug("reusing finished job", "fingerprint", fp, "job_id", job.ID)
				return job, nil
			default:
				stale = cur
			}
		}

		job, err := q.Create(ctx, queue.CreateRequest{
			Kind:             queue.KindExtract,
			Fingerprint:      fp,
			Descriptor:       req.Descriptor,
			CredentialDigest: digest,
		})
		if err != nil {
			return nil, err
		}

		var won bool
		if stale == nil {
			won, err = c.store.SetNX(ctx, ptrKey, []byte(job.ID), c.opts.TTL)
		} else {
			won, err = c.store.CompareAndSwap(ctx, ptrKey, stale, []byte(job.ID), c.opts.TTL)
		}
		if err != nil || !won {
			if derr := q.Delete(ctx, job.ID); derr != nil {
				c.logger.Warn("failed to delete orphan job", "job_id", job.ID, "error", derr)
			}
			if err != nil {
				return nil, fmt.Errorf("claim fingerprint pointer: %w", err)
			}
			c.logger.Debug("lost fingerprint race, retrying", "fingerprint", fp, "attempt", attempt+1)
			continue
		}

		c.logger.Info("submitting extraction", "fingerprint", fp, "job_id", job.ID, "plugin", p.Name())
		if err := c.disp.Enqueue(job, ExtractRun(p, req.Descriptor, req.Credential)); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("claim fingerprint %s after %d attempts: %w", fp, c.opts.MaxRetries, storage.ErrConflict)
}

// ExtractRun returns the work of an extraction job: Extract, then Transform.
// The result is the JSON-encoded table.
func ExtractRun(p plugin.Plugin, d queue.Descriptor, cred plugin.Credential) dispatch.RunFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		raw, err := p.Extract(ctx, d.Server, cred, d.Body)
		if err != nil {
			return nil, asExtractionError(p, err)
		}
		table, err := p.Transform(raw, d.Body)
		if err != nil {
			return nil, asExtractionError(p, err)
		}
		return json.Marshal(table)
	}
}

// VerifyRun returns the work of a verification job: it checks that cred can
// still read d, using Authorize when the plugin offers it and a full
// extraction otherwise. Nothing extracted is kept.
func VerifyRun(p plugin.Plugin, d queue.Descriptor, cred plugin.Credential, verifiedJobID string) dispatch.RunFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		method := "extract"
		if a, ok := p.(plugin.Authorizer); ok {
			method = "authorize"
			if err := a.Authorize(ctx, d.Server, cred, d.Body); err != nil {
				return nil, asExtractionError(p, err)
			}
		} else if _, err := p.Extract(ctx, d.Server, cred, d.Body); err != nil {
			return nil, asExtractionError(p, err)
		}
		return json.Marshal(map[string]string{"verified_job_id": verifiedJobID, "method": method})
	}
}

func asExtractionError(p plugin.Plugin, err error) error {
	var extErr *plugin.ExtractionError
	if errors.As(err, &extErr) {
		return err
	}
	return &plugin.ExtractionError{Plugin: p.Name(), Err: err}
}
