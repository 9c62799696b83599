// Package analytics runs analysis tasks over the tables produced by
// extraction jobs. Analysis jobs are never cached: every submission runs.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/sharegate/internal/plugin"
)

var ErrUnknownTask = errors.New("unknown analysis task")

// Task computes a result from input tables. args is the caller's argument
// object with data_ids already resolved into inputs.
type Task interface {
	Name() string
	Run(ctx context.Context, inputs []*plugin.Table, args json.RawMessage) (json.RawMessage, error)
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Builtin returns a registry holding every compiled-in task.
func Builtin() *Registry {
	r := NewRegistry()
	for _, t := range []Task{Summary{}, Correlation{}} {
		_ = r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Name()]; exists {
		return fmt.Errorf("task %q already registered", t.Name())
	}
	r.tasks[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t, nil
}

// Names lists registered tasks alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// numeric returns v as a float64 when it holds a JSON number.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
