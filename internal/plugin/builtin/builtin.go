package builtin

import "github.com/mattjoyce/sharegate/internal/plugin"

// All returns the built-in plugins in registration order.
func All() []plugin.Plugin {
	return []plugin.Plugin{Random{}, NewHTTPJSON()}
}
