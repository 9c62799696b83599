package state

import (
	"context"

	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_deps.go -package=mocks github.com/mattjoyce/sharegate/internal/state JobCache,JobRunner

// JobCache resolves descriptors to deduplicated extraction jobs.
type JobCache interface {
	GetOrSubmit(ctx context.Context, req cache.Request) (*queue.Job, error)
	Digest(cred plugin.Credential) string
	Plugin(d queue.Descriptor) (plugin.Plugin, error)
}

// JobRunner submits and observes jobs.
type JobRunner interface {
	Submit(ctx context.Context, w dispatch.Work) (*queue.Job, error)
	Poll(ctx context.Context, id string) (*queue.Job, error)
}
