package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A .env file in the working directory is loaded first so ${VAR} references can use it.
// If a .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

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
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML config bytes, interpolates environment variables,
// applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	// Unmarshal over defaults so keys absent from the file keep their default,
	// including booleans whose zero value is meaningful.
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults merges default values into config where explicitly zeroed.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = defaults.Queue.PollInterval
	}
	if cfg.Queue.MaxConcurrent == 0 {
		cfg.Queue.MaxConcurrent = defaults.Queue.MaxConcurrent
	}
	if cfg.Queue.DefaultMaxRetries == 0 {
		cfg.Queue.DefaultMaxRetries = defaults.Queue.DefaultMaxRetries
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = defaults.Database.Path
	}

	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = defaults.Artifacts.Dir
	}
	if cfg.Artifacts.URLPrefix == "" {
		cfg.Artifacts.URLPrefix = defaults.Artifacts.URLPrefix
	}
	cfg.Artifacts.URLPrefix = "/" + strings.Trim(cfg.Artifacts.URLPrefix, "/")

	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = defaults.Browser.ViewportWidth
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = defaults.Browser.ViewportHeight
	}
	if cfg.Browser.NavigationTimeout == 0 {
		cfg.Browser.NavigationTimeout = defaults.Browser.NavigationTimeout
	}
	if cfg.Browser.SelectorTimeout == 0 {
		cfg.Browser.SelectorTimeout = defaults.Browser.SelectorTimeout
	}
	if cfg.Browser.LoginTimeout == 0 {
		cfg.Browser.LoginTimeout = defaults.Browser.LoginTimeout
	}

	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = defaults.HTTP.Timeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Queue.PollInterval < 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}
	if cfg.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("queue.max_concurrent must be positive")
	}
	if cfg.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
		if err := checkUnresolved("database.dsn", cfg.Database.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", cfg.Database.Driver)
	}

	if cfg.Artifacts.Retention < 0 {
		return fmt.Errorf("artifacts.retention must not be negative")
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if err := checkUnresolved("api.webhook_secret", cfg.API.WebhookSecret); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
