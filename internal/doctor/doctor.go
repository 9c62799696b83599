// Package doctor checks a loaded sharegate configuration against the plugins
// it resolves to. Loading already rejects malformed values; doctor reports the
// combinations that load fine but will not behave as intended.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sharegate/internal/auth"
	"github.com/mattjoyce/sharegate/internal/config"
	"github.com/mattjoyce/sharegate/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against registered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor from a loaded config and plugin registry.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:       true,
	auth.ScopeJobsRO:    true,
	auth.ScopeJobsRW:    true,
	auth.ScopeStateRO:   true,
	auth.ScopeStateRW:   true,
	auth.ScopeEventsRO:  true,
	auth.ScopePluginsRO: true,
}

// minCredentialKey is the shortest credential key that does not draw a warning.
const minCredentialKey = 32

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.validatePluginDirs(r)
	d.validateTokenScopes(r)
	d.warnStorage(r)
	d.warnDispatch(r)
	d.warnRegistry(r)
	d.warnSecurity(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validatePluginDirs checks that every configured plugin directory exists and
// holds at least one manifest.
func (d *Doctor) validatePluginDirs(r *Result) {
	for i, dir := range d.cfg.PluginsDirs {
		field := fmt.Sprintf("plugins_dirs[%d]", i)
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			d.addError(r, "plugins", field, fmt.Sprintf("plugin directory %q: %v", dir, err))
		case !info.IsDir():
			d.addError(r, "plugins", field, fmt.Sprintf("plugin directory %q is not a directory", dir))
		default:
			manifests, _ := filepath.Glob(filepath.Join(dir, "*", "manifest.yaml"))
			if len(manifests) == 0 {
				d.addWarning(r, "plugins", field, fmt.Sprintf("plugin directory %q holds no plugin manifests", dir))
			}
		}
	}
}

// validateTokenScopes rejects scopes the API never checks for.
func (d *Doctor) validateTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		canRead := false
		for j, scope := range token.Scopes {
			scope = strings.TrimSpace(scope)
			if !knownScopes[scope] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
				continue
			}
			if scope == auth.ScopeAll || strings.HasPrefix(scope, "jobs:") || strings.HasPrefix(scope, "state:") {
				canRead = true
			}
		}
		if !canRead {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d]", i),
				"token has no jobs or state scope and cannot open sessions")
		}
	}
}

func (d *Doctor) warnStorage(r *Result) {
	if d.cfg.Storage.Backend == "memory" {
		d.addWarning(r, "storage", "storage.backend",
			"memory backend is private to one process; jobs and states are not shared or persisted")
	}
	if d.cfg.Storage.Backend == "sqlite" && d.cfg.Storage.SweepInterval <= 0 {
		d.addWarning(r, "storage", "storage.sweep_interval",
			"sweeping disabled; expired rows stay on disk until overwritten")
	}
}

func (d *Doctor) warnDispatch(r *Result) {
	disp := d.cfg.Dispatch
	if disp.StaleAfter < 3*disp.HeartbeatInterval {
		d.addWarning(r, "dispatch", "dispatch.stale_after",
			fmt.Sprintf("stale_after %s is under three heartbeats (%s); a slow store may fail live jobs", disp.StaleAfter, disp.HeartbeatInterval))
	}
	if d.cfg.API.Enabled && d.cfg.API.MaxWait > disp.MaxRuntime {
		d.addWarning(r, "dispatch", "api.max_wait",
			fmt.Sprintf("api.max_wait %s exceeds dispatch.max_runtime %s", d.cfg.API.MaxWait, disp.MaxRuntime))
	}
}

func (d *Doctor) warnRegistry(r *Result) {
	if d.cfg.Registry.Policy == string(plugin.PolicyFirstMatch) {
		d.addWarning(r, "registry", "registry.policy",
			"first_match resolves overlapping plugins by registration order")
	}
	if d.registry == nil {
		return
	}
	for _, info := range d.registry.Describe() {
		if info.Authorizer {
			return
		}
	}
	d.addWarning(r, "registry", "",
		"no registered plugin can authorize credentials; every state access request will be denied")
}

func (d *Doctor) warnSecurity(r *Result) {
	if n := len(d.cfg.Security.CredentialKey); n > 0 && n < minCredentialKey {
		d.addWarning(r, "security", "security.credential_key",
			fmt.Sprintf("credential_key is %d characters; use at least %d", n, minCredentialKey))
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Auth.APIKey == "" {
		return
	}
	if len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
		return
	}
	d.addWarning(r, "deprecated", "api.auth.api_key",
		"legacy api_key grants full access; migrate to tokens array with scopes")
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
