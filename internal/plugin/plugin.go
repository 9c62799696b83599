package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoMatchingPlugin is returned when no registered plugin can handle a request.
	ErrNoMatchingPlugin = errors.New("no matching plugin")
	// ErrAmbiguousPlugin is returned when more than one plugin claims the same request.
	ErrAmbiguousPlugin = errors.New("ambiguous plugin")
)

// Credential is the caller's secret for a source system. It is never
// serialized; jobs record only a keyed digest of it.
type Credential struct {
	Token string `json:"-"`
}

// String keeps tokens out of logs and fmt output.
func (c Credential) String() string {
	if c.Token == "" {
		return "credential(empty)"
	}
	return "credential(redacted)"
}

// Shape is the part of a descriptor used to pick a plugin.
type Shape struct {
	DataType string
}

// Capability declares one (handler, data type) pair a plugin serves.
// DataType "*" matches every shape.
type Capability struct {
	Handler  string `json:"handler"`
	DataType string `json:"data_type"`
}

// Matches reports whether the capability serves handler and shape.
func (c Capability) Matches(handler string, shape Shape) bool {
	if c.Handler != handler {
		return false
	}
	return c.DataType == "*" || c.DataType == shape.DataType
}

// Overlaps reports whether two capabilities can claim the same request.
func (c Capability) Overlaps(o Capability) bool {
	if c.Handler != o.Handler {
		return false
	}
	return c.DataType == "*" || o.DataType == "*" || c.DataType == o.DataType
}

// Table is a transformed dataset. Cells hold JSON scalars.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Column returns the index of name, or -1.
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Plugin extracts data from a source system and turns it into a table.
type Plugin interface {
	Name() string
	CanHandle(handler string, shape Shape) bool
	Extract(ctx context.Context, server string, cred Credential, descriptor json.RawMessage) (json.RawMessage, error)
	Transform(raw json.RawMessage, descriptor json.RawMessage) (*Table, error)
}

// Describer is implemented by plugins that can list their capabilities up
// front, which lets the registry detect overlaps at registration time.
type Describer interface {
	Capabilities() []Capability
}

// Authorizer is implemented by plugins that can check a credential against a
// source without fetching the data again.
type Authorizer interface {
	Authorize(ctx context.Context, server string, cred Credential, descriptor json.RawMessage) error
}

// ExtractionError wraps a plugin-side failure.
type ExtractionError struct {
	Plugin string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ShapeOf reads the dispatch-relevant fields out of a descriptor.
func ShapeOf(descriptor json.RawMessage) Shape {
	var probe struct {
		DataType string `json:"data_type"`
	}
	if len(descriptor) > 0 {
		_ = json.Unmarshal(descriptor, &probe)
	}
	return Shape{DataType: probe.DataType}
}
