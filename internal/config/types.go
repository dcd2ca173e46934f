package config

import "time"

// Config represents the complete crmq configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Queue     QueueConfig     `yaml:"queue"`
	Database  DatabaseConfig  `yaml:"database"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Browser   BrowserConfig   `yaml:"browser"`
	HTTP      HTTPConfig      `yaml:"http"`
	API       APIConfig       `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// QueueConfig controls the poller.
type QueueConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

// DatabaseConfig selects the job store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite file, used when Driver is sqlite.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string, used when Driver is postgres.
	DSN string `yaml:"dsn"`
}

// ArtifactsConfig defines where screenshots are written and how long they live.
type ArtifactsConfig struct {
	Dir             string        `yaml:"dir"`
	URLPrefix       string        `yaml:"url_prefix"`
	Retention       time.Duration `yaml:"retention"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

// BrowserConfig holds headless browser settings for browser-automation connections.
type BrowserConfig struct {
	Headless          bool          `yaml:"headless"`
	NoSandbox         bool          `yaml:"no_sandbox"`
	UserAgent         string        `yaml:"user_agent"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	SelectorTimeout   time.Duration `yaml:"selector_timeout"`
	LoginTimeout      time.Duration `yaml:"login_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
}

// HTTPConfig holds outbound HTTP settings for the REST writers.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	// WebhookSecret signs POST /v1/hooks/submissions. Empty disables the hook.
	WebhookSecret string `yaml:"webhook_secret"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "crmq",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Queue: QueueConfig{
			PollInterval:      5 * time.Second,
			MaxConcurrent:     3,
			DefaultMaxRetries: 3,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/crmq.db",
		},
		Artifacts: ArtifactsConfig{
			Dir:             "./data/screenshots",
			URLPrefix:       "/screenshots",
			Retention:       30 * 24 * time.Hour,
			CleanupSchedule: "@daily",
		},
		Browser: BrowserConfig{
			Headless:          true,
			NoSandbox:         true,
			UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ViewportWidth:     1280,
			ViewportHeight:    800,
			NavigationTimeout: 30 * time.Second,
			SelectorTimeout:   10 * time.Second,
			LoginTimeout:      15 * time.Second,
			SettleDelay:       time.Second,
		},
		HTTP: HTTPConfig{
			Timeout: 15 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
