package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Values not present in the
// file keep their Defaults(). ${VAR} references are expanded from the
// environment before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	// Relative paths are resolved against the config file's directory.
	baseDir := filepath.Dir(absPath)
	if cfg.Storage.Path != "" && !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(baseDir, cfg.Storage.Path)
	}
	for i, dir := range cfg.PluginsDirs {
		if !filepath.IsAbs(dir) {
			cfg.PluginsDirs[i] = filepath.Join(baseDir, dir)
		}
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

// unresolved returns an error naming the first ${VAR} left in value.
func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
		if err := unresolved("storage.redis.password", cfg.Storage.Redis.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend must be one of: memory, sqlite, redis (got %q)", cfg.Storage.Backend)
	}
	if cfg.Storage.TTL <= 0 {
		return fmt.Errorf("storage.ttl must be positive")
	}

	d := cfg.Dispatch
	if d.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if d.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size must be positive")
	}
	if d.MaxRuntime <= 0 {
		return fmt.Errorf("dispatch.max_runtime must be positive")
	}
	if d.HeartbeatInterval <= 0 || d.StaleAfter <= d.HeartbeatInterval {
		return fmt.Errorf("dispatch.stale_after (%s) must exceed dispatch.heartbeat_interval (%s)", d.StaleAfter, d.HeartbeatInterval)
	}
	if d.WaitPollInterval <= 0 {
		return fmt.Errorf("dispatch.wait_poll_interval must be positive")
	}

	if cfg.Cache.MaxRetries <= 0 {
		return fmt.Errorf("cache.max_retries must be positive")
	}

	if p := cfg.Registry.Policy; p != "strict" && p != "first_match" {
		return fmt.Errorf("registry.policy must be strict or first_match (got %q)", p)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens is required when the API is enabled")
		}
		if err := unresolved("sessions.secret", cfg.Sessions.Secret); err != nil {
			return err
		}
		if len(cfg.Sessions.Secret) < 16 {
			return fmt.Errorf("sessions.secret must be at least 16 characters")
		}
	}

	if err := unresolved("security.credential_key", cfg.Security.CredentialKey); err != nil {
		return err
	}
	if cfg.Security.CredentialKey == "" {
		return fmt.Errorf("security.credential_key is required")
	}
	return nil
}
