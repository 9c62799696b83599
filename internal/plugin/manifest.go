package plugin

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Manifest defines the structure of an exec plugin's manifest.yaml file.
//
//	name: census
//	version: 0.3.0
//	protocol: 1
//	entrypoint: run.py
//	handler: census
//	data_types: [numerical, categorical]
//	commands: [extract, transform, authorize]
//	timeout: 2m
type Manifest struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Protocol    int           `yaml:"protocol"`
	Entrypoint  string        `yaml:"entrypoint"`
	Description string        `yaml:"description,omitempty"`
	Handler     string        `yaml:"handler"`
	DataTypes   []string      `yaml:"data_types"`
	Commands    []string      `yaml:"commands,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

var validCommands = []string{"extract", "transform", "authorize"}

// supports reports whether the manifest declares cmd. Manifests without a
// command list get extract and transform.
func (m *Manifest) supports(cmd string) bool {
	if len(m.Commands) == 0 {
		return cmd == "extract" || cmd == "transform"
	}
	return slices.Contains(m.Commands, cmd)
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if strings.TrimSpace(m.Handler) == "" {
		return fmt.Errorf("handler is required")
	}
	if len(m.DataTypes) == 0 {
		return fmt.Errorf("at least one data type must be declared (use \"*\" for any)")
	}
	for _, dt := range m.DataTypes {
		if strings.TrimSpace(dt) == "" {
			return fmt.Errorf("data_types contains an empty entry")
		}
	}
	for _, cmd := range m.Commands {
		if !slices.Contains(validCommands, cmd) {
			return fmt.Errorf("invalid command %q (valid: %s)", cmd, strings.Join(validCommands, ", "))
		}
	}
	if !m.supports("extract") || !m.supports("transform") {
		return fmt.Errorf("extract and transform commands are required")
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}
