// Package config provides configuration management for the gateway server.
// It handles loading and parsing YAML configuration files, applies
// environment variable overrides, and provides structured access to
// application settings including the listen port, Claude CLI location,
// session retention, timeouts, and client authentication.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when the file and environment leave a
// field unset.
const (
	DefaultPort           = 8000
	DefaultMaxTimeout     = 600 * time.Second
	DefaultSessionTTL     = time.Hour
	DefaultSessionCleanup = 5 * time.Minute
	DefaultHeartbeat      = 15 * time.Second
)

// Config represents the application's configuration, loaded from a YAML file
// with environment variable overrides applied on top.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// APIKeys is a list of bearer keys for authenticating clients to this
	// gateway. Empty means authentication is disabled.
	APIKeys []string `yaml:"api-keys"`

	// APIKeySource records where the API keys came from: "config",
	// "environment", or "none". Derived, never read from the file.
	APIKeySource string `yaml:"-"`

	// CORSOrigins lists the origins allowed for cross-origin requests.
	// Empty allows any origin.
	CORSOrigins []string `yaml:"cors-origins"`

	// Debug enables debug-level logging and the debug endpoints.
	Debug bool `yaml:"debug"`

	// Verbose enables request/response payload logging.
	Verbose bool `yaml:"verbose"`

	// LoggingToFile redirects logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir is where rotated log files are written.
	LogDir string `yaml:"log-dir"`

	// Claude holds subprocess settings.
	Claude ClaudeConfig `yaml:"claude"`

	// Session holds conversation store settings.
	Session SessionConfig `yaml:"session"`

	// MaxTimeout caps the lifetime of one completion end to end.
	MaxTimeout time.Duration `yaml:"max-timeout"`

	// HeartbeatInterval is the SSE keep-alive comment interval.
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`

	// RateLimit holds the optional per-client request rate limit.
	RateLimit RateLimitConfig `yaml:"rate-limit"`
}

// ClaudeConfig holds the Claude CLI subprocess settings.
type ClaudeConfig struct {
	// Path pins the CLI binary location. Empty enables the search path.
	Path string `yaml:"path"`

	// CWD is the working directory for CLI subprocesses.
	CWD string `yaml:"cwd"`
}

// SessionConfig holds the conversation store settings.
type SessionConfig struct {
	// TTL is the sliding expiry window for a session.
	TTL time.Duration `yaml:"ttl"`

	// CleanupInterval is how often expired sessions are swept.
	CleanupInterval time.Duration `yaml:"cleanup-interval"`
}

// RateLimitConfig holds the per-client-IP request rate limit. A zero RPS
// disables limiting.
type RateLimitConfig struct {
	// RPS is the sustained requests-per-second allowance per client IP.
	RPS float64 `yaml:"rps"`

	// Burst is the momentary burst allowance per client IP.
	Burst int `yaml:"burst"`
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies environment variable
// overrides and defaults, and returns it. A missing file is not an error;
// the environment and defaults alone then define the configuration.
func LoadConfig(configFile string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(configFile)
	switch {
	case err == nil:
		if err = yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.applyEnv()
	config.Normalize()
	return &config, nil
}

// applyEnv overrides file settings from the process environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKeys = []string{v}
		c.APIKeySource = "environment"
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("MAX_TIMEOUT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.MaxTimeout = d
		}
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		c.Debug = isTruthy(v)
	}
	if v := os.Getenv("VERBOSE"); v != "" {
		c.Verbose = isTruthy(v)
	}
	if v := os.Getenv("CLAUDE_CLI_PATH"); v != "" {
		c.Claude.Path = v
	}
}

// Normalize fills unset fields with their defaults.
func (c *Config) Normalize() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Session.CleanupInterval <= 0 {
		c.Session.CleanupInterval = DefaultSessionCleanup
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeat
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.APIKeySource == "" {
		if len(c.APIKeys) > 0 {
			c.APIKeySource = "config"
		} else {
			c.APIKeySource = "none"
		}
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RPS)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSecondsOrDuration accepts either a bare number of seconds ("600") or
// a Go duration string ("10m").
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
