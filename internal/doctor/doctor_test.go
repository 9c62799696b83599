package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/sharegate/internal/config"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/plugin/builtin"
)

func pluginDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "census"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "census", "manifest.yaml"), []byte("name: census\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.PluginsDirs = []string{pluginDir(t)}
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "ops-token", Scopes: []string{"jobs:rw", "state:rw", "events:ro"}},
	}
	cfg.Sessions.Secret = "0123456789abcdef0123"
	cfg.Security.CredentialKey = strings.Repeat("k", minCredentialKey)
	return cfg
}

func registryWith(plugins ...plugin.Plugin) *plugin.Registry {
	r := plugin.NewRegistry(plugin.PolicyStrict, nil)
	for _, p := range plugins {
		_ = r.Register(p)
	}
	return r
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	d := New(validConfig(t), registryWith(builtin.All()...))
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingPluginsDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.PluginsDirs = append(cfg.PluginsDirs, "/nonexistent/sharegate-plugins")
	r := New(cfg, registryWith(builtin.All()...)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "plugins", "sharegate-plugins")
}

func TestValidate_EmptyPluginsDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.PluginsDirs = []string{t.TempDir()}
	r := New(cfg, registryWith(builtin.All()...)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "plugins", "no plugin manifests")
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		scopes  []string
		wantErr string
		wantWrn string
	}{
		{name: "admin", scopes: []string{"*"}},
		{name: "read only", scopes: []string{"jobs:ro", "state:ro"}},
		{name: "unknown resource", scopes: []string{"jobs:rw", "queue:ro"}, wantErr: `"queue:ro"`},
		{name: "old plugin syntax", scopes: []string{"echo:allow:poll", "state:rw"}, wantErr: "echo:allow:poll"},
		{name: "events only", scopes: []string{"events:ro"}, wantWrn: "cannot open sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.API.Auth.Tokens = []config.APIToken{{Token: "tok", Scopes: tt.scopes}}
			r := New(cfg, registryWith(builtin.All()...)).Validate()
			if tt.wantErr != "" {
				assertHasError(t, r, "token_scopes", tt.wantErr)
				return
			}
			if !r.Valid {
				t.Fatalf("expected valid, got: %v", r.Errors)
			}
			if tt.wantWrn != "" {
				assertHasWarning(t, r, "token_scopes", tt.wantWrn)
			}
		})
	}
}

func TestValidate_ScopesIgnoredWhenAPIDisabled(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = false
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "tok", Scopes: []string{"bogus"}}}
	r := New(cfg, registryWith(builtin.All()...)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		plugins  []plugin.Plugin
		category string
		contains string
	}{
		{
			name:     "memory backend",
			mutate:   func(c *config.Config) { c.Storage.Backend = "memory" },
			category: "storage",
			contains: "private to one process",
		},
		{
			name:     "sweep disabled",
			mutate:   func(c *config.Config) { c.Storage.SweepInterval = 0 },
			category: "storage",
			contains: "sweeping disabled",
		},
		{
			name: "tight stale window",
			mutate: func(c *config.Config) {
				c.Dispatch.HeartbeatInterval = 5 * time.Second
				c.Dispatch.StaleAfter = 8 * time.Second
			},
			category: "dispatch",
			contains: "three heartbeats",
		},
		{
			name: "wait beyond runtime",
			mutate: func(c *config.Config) {
				c.API.MaxWait = time.Hour
				c.Dispatch.MaxRuntime = time.Minute
			},
			category: "dispatch",
			contains: "max_wait",
		},
		{
			name:     "first match",
			mutate:   func(c *config.Config) { c.Registry.Policy = "first_match" },
			category: "registry",
			contains: "registration order",
		},
		{
			name:     "no authorizer",
			mutate:   func(*config.Config) {},
			plugins:  []plugin.Plugin{builtin.Random{}},
			category: "registry",
			contains: "will be denied",
		},
		{
			name:     "short credential key",
			mutate:   func(c *config.Config) { c.Security.CredentialKey = "short" },
			category: "security",
			contains: "5 characters",
		},
		{
			name:     "legacy api key",
			mutate:   func(c *config.Config) { c.API.Auth.Tokens = nil; c.API.Auth.APIKey = "old-key" },
			category: "deprecated",
			contains: "api_key",
		},
		{
			name:     "both api key and tokens",
			mutate:   func(c *config.Config) { c.API.Auth.APIKey = "old-key" },
			category: "deprecated",
			contains: "both",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			plugins := tt.plugins
			if plugins == nil {
				plugins = builtin.All()
			}
			r := New(cfg, registryWith(plugins...)).Validate()
			if !r.Valid {
				t.Fatalf("warnings must not invalidate, got: %v", r.Errors)
			}
			assertHasWarning(t, r, tt.category, tt.contains)
		})
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if out := FormatHuman(&Result{Valid: true}); out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	out := FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "storage", Message: "careful"}},
	})
	for _, want := range []string{"invalid (1 error(s), 1 warning(s))", "ERROR [test] x.y: broken", "WARN  [storage] careful"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
