package config

import "time"

// Config represents the complete sharegate configuration.
type Config struct {
	Service     ServiceConfig  `yaml:"service"`
	Storage     StorageConfig  `yaml:"storage"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Cache       CacheConfig    `yaml:"cache"`
	Registry    RegistryConfig `yaml:"registry"`
	PluginsDirs []string       `yaml:"plugins_dirs,omitempty"`
	API         APIConfig      `yaml:"api,omitempty"`
	Sessions    SessionsConfig `yaml:"sessions"`
	Security    SecurityConfig `yaml:"security"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file,omitempty"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Backend       string        `yaml:"backend"` // memory | sqlite | redis
	Path          string        `yaml:"path,omitempty"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
	Redis         RedisConfig   `yaml:"redis,omitempty"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// DispatchConfig controls the worker pool.
type DispatchConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	MaxRuntime        time.Duration `yaml:"max_runtime"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	WaitPollInterval  time.Duration `yaml:"wait_poll_interval"`
	MaxErrorBytes     int           `yaml:"max_error_bytes"`
}

// CacheConfig controls the fingerprint cache.
type CacheConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// RegistryConfig controls plugin resolution.
type RegistryConfig struct {
	Policy string `yaml:"policy"` // strict | first_match
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	MaxWait time.Duration `yaml:"max_wait"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// SessionsConfig controls session token issuance.
type SessionsConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// SecurityConfig holds the key used to digest caller credentials before
// they are recorded on jobs.
type SecurityConfig struct {
	CredentialKey string `yaml:"credential_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "sharegate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			Path:          "./data/sharegate.db",
			TTL:           24 * time.Hour,
			SweepInterval: 10 * time.Minute,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
		},
		Dispatch: DispatchConfig{
			Workers:           4,
			QueueSize:         256,
			MaxRuntime:        10 * time.Minute,
			HeartbeatInterval: 5 * time.Second,
			StaleAfter:        30 * time.Second,
			WaitPollInterval:  500 * time.Millisecond,
			MaxErrorBytes:     2048,
		},
		Cache: CacheConfig{
			MaxRetries: 8,
		},
		Registry: RegistryConfig{
			Policy: "strict",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
			MaxWait: 60 * time.Second,
		},
		Sessions: SessionsConfig{
			TTL: 24 * time.Hour,
		},
	}
}
