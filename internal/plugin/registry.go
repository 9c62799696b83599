package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Policy controls how the registry treats overlapping capabilities.
type Policy string

const (
	// PolicyStrict rejects overlapping registrations and ambiguous dispatches.
	PolicyStrict Policy = "strict"
	// PolicyFirstMatch logs overlaps and resolves by registration order.
	PolicyFirstMatch Policy = "first_match"
)

// ParsePolicy maps a config value to a Policy. Empty means strict.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyFirstMatch:
		return PolicyFirstMatch, nil
	default:
		return "", fmt.Errorf("unknown registry policy %q", s)
	}
}

// Registry is an ordered list of plugins. It is built once at startup and
// passed to whatever needs to resolve a handler.
type Registry struct {
	mu      sync.RWMutex
	policy  Policy
	plugins []Plugin
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(policy Policy, logger *slog.Logger) *Registry {
	if policy == "" {
		policy = PolicyStrict
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{policy: policy, logger: logger.With("component", "registry")}
}

// Policy returns the overlap policy in force.
func (r *Registry) Policy() Policy { return r.policy }

// Register appends p. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin %q already registered", p.Name())
		}
		if a, b := overlap(existing, p); a != nil {
			if r.policy == PolicyStrict {
				r.logger.Error("overlapping plugin capabilities",
					"plugin", p.Name(), "existing", existing.Name(),
					"handler", a.Handler, "data_type", a.DataType, "other_data_type", b.DataType)
				return fmt.Errorf("%w: %s overlaps %s on handler %q", ErrAmbiguousPlugin, p.Name(), existing.Name(), a.Handler)
			}
			r.logger.Warn("overlapping plugin capabilities, earlier registration wins",
				"plugin", p.Name(), "existing", existing.Name(), "handler", a.Handler)
		}
	}

	r.plugins = append(r.plugins, p)
	return nil
}

func overlap(a, b Plugin) (*Capability, *Capability) {
	da, ok := a.(Describer)
	if !ok {
		return nil, nil
	}
	db, ok := b.(Describer)
	if !ok {
		return nil, nil
	}
	for _, ca := range da.Capabilities() {
		for _, cb := range db.Capabilities() {
			if ca.Overlaps(cb) {
				return &ca, &cb
			}
		}
	}
	return nil, nil
}

// Dispatch returns the plugin that handles handler for descriptor.
func (r *Registry) Dispatch(handler string, descriptor json.RawMessage) (Plugin, error) {
	shape := ShapeOf(descriptor)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Plugin
	for _, p := range r.plugins {
		if p.CanHandle(handler, shape) {
			matched = append(matched, p)
			if r.policy == PolicyFirstMatch {
				break
			}
		}
	}

	switch len(matched) {
	case 0:
		r.logger.Error("no plugin for request", "handler", handler, "data_type", shape.DataType)
		return nil, fmt.Errorf("%w: handler %q, data_type %q", ErrNoMatchingPlugin, handler, shape.DataType)
	case 1:
		return matched[0], nil
	default:
		names := make([]string, len(matched))
		for i, p := range matched {
			names[i] = p.Name()
		}
		r.logger.Error("multiple plugins claim request", "handler", handler, "data_type", shape.DataType, "plugins", names)
		return nil, fmt.Errorf("%w: handler %q claimed by %v", ErrAmbiguousPlugin, handler, names)
	}
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// All returns the plugins in registration order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Info is the listing form of a registered plugin.
type Info struct {
	Name         string       `json:"name"`
	Kind         string       `json:"kind"` // builtin | exec
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Authorizer   bool         `json:"authorizer"`
}

// Describe lists every plugin for display.
func (r *Registry) Describe() []Info {
	plugins := r.All()
	out := make([]Info, 0, len(plugins))
	for _, p := range plugins {
		info := Info{Name: p.Name(), Kind: "builtin"}
		if d, ok := p.(Describer); ok {
			info.Capabilities = d.Capabilities()
		}
		if _, ok := p.(Authorizer); ok {
			info.Authorizer = true
		}
		if e, ok := p.(interface{ execPlugin() *ExecPlugin }); ok {
			info.Kind = "exec"
			info.Version = e.execPlugin().Version
		}
		out = append(out, info)
	}
	return out
}
