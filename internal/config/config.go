// Package config provides configuration loading for agentd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	// envPrefix is stripped from environment variables before mapping
	// them onto config keys (AGENTD_BACKEND_BASE_URL -> backend.base_url).
	envPrefix = "AGENTD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Transport identifies how a remote tool endpoint is reached.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebsocket Transport = "websocket"
	TransportStdio     Transport = "stdio"
)

// EndpointProfile describes one configured remote tool endpoint.
// Profiles are immutable after load.
type EndpointProfile struct {
	Transport          Transport `koanf:"transport"`
	URL                string    `koanf:"url"`
	Command            string    `koanf:"command"`
	Args               []string  `koanf:"args"`
	AuthTokenEnv       string    `koanf:"auth_token_env"`
	RateLimitPerMinute int       `koanf:"rate_limit_per_minute"`
	Enabled            *bool     `koanf:"enabled"`
}

// IsEnabled reports whether the endpoint should be used. Profiles are
// enabled unless explicitly disabled.
func (p EndpointProfile) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Address returns the dial target for display purposes.
func (p EndpointProfile) Address() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Command != "" {
		return strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " "))
	}
	return "unknown"
}

// BackendConfig configures the model backend (OpenAI-compatible).
type BackendConfig struct {
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	Temperature       float64  `koanf:"temperature"`
	MaxTokens         int      `koanf:"max_tokens"`
	MaxRetries        int      `koanf:"max_retries"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Timeout           Duration `koanf:"timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DashboardConfig configures the observability HTTP server.
type DashboardConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// ExecutorConfig bounds the executor's per-step tool loop.
type ExecutorConfig struct {
	MaxToolRounds int      `koanf:"max_tool_rounds"`
	ToolTimeout   Duration `koanf:"tool_timeout"`
}

// Config holds the resolved runtime configuration.
type Config struct {
	Workspace   string `koanf:"workspace"`
	StateDir    string `koanf:"state_dir"`
	PolicyDir   string `koanf:"policy_dir"`
	SecretsFile string `koanf:"secrets_file"`

	Logging   LoggingConfig              `koanf:"logging"`
	Backend   BackendConfig              `koanf:"backend"`
	Dashboard DashboardConfig            `koanf:"dashboard"`
	Executor  ExecutorConfig             `koanf:"executor"`
	Endpoints map[string]EndpointProfile `koanf:"endpoints"`

	secrets map[string]Secret
}

// sections that map compound environment variables onto nested keys.
var envSections = []string{"logging", "backend", "dashboard", "executor"}

// Load reads the settings file and applies environment overrides.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AGENTD_BACKEND_BASE_URL, ...)
//  2. YAML settings file
//  3. Hardcoded defaults
//
// A missing settings file is a startup error; there is no implicit
// default configuration for a run.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join("config", "settings.yaml")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("settings file not found: %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultSettings), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultSettings carries the hardcoded defaults in the same shape as
// the settings file.
var defaultSettings = []byte(`
workspace: /workspace
state_dir: /state
policy_dir: policies
logging:
  level: info
  format: json
backend:
  base_url: http://localhost:1234/v1
  model: gpt-4o-mini
  temperature: 0.1
  max_tokens: 512
  max_retries: 3
  requests_per_second: 2
  timeout: 60s
dashboard:
  host: localhost
  port: 7081
executor:
  max_tool_rounds: 4
  tool_timeout: 120s
`)

// transformEnvKey maps AGENTD_* variables onto config keys.
// Section variables nest one level: AGENTD_BACKEND_BASE_URL ->
// backend.base_url. Everything else maps to a flat key, preserving
// underscores: AGENTD_STATE_DIR -> state_dir.
func transformEnvKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range envSections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

func (c *Config) finalize() error {
	var err error
	if c.Workspace, err = normalizeDir(c.Workspace); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if c.StateDir, err = normalizeDir(c.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	if c.PolicyDir, err = filepath.Abs(c.PolicyDir); err != nil {
		return fmt.Errorf("policy_dir: %w", err)
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend.model is required")
	}

	for name, profile := range c.Endpoints {
		if err := validateProfile(name, profile); err != nil {
			return err
		}
	}

	secrets, err := loadSecrets(c.SecretsFile)
	if err != nil {
		return fmt.Errorf("failed to load secrets file: %w", err)
	}
	c.secrets = secrets
	return nil
}

func normalizeDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	// Resolve symlinks so path containment checks compare canonical paths.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func validateProfile(name string, p EndpointProfile) error {
	switch p.Transport {
	case TransportHTTP, TransportWebsocket:
		if p.URL == "" {
			return fmt.Errorf("endpoint %s: transport %s requires a url", name, p.Transport)
		}
	case TransportStdio:
		if p.Command == "" {
			return fmt.Errorf("endpoint %s: transport stdio requires a command", name)
		}
	default:
		return fmt.Errorf("endpoint %s: unknown transport %q", name, p.Transport)
	}
	if p.RateLimitPerMinute < 0 {
		return fmt.Errorf("endpoint %s: rate_limit_per_minute cannot be negative", name)
	}
	return nil
}

// loadSecrets reads the optional secrets file. The file is either a
// YAML map or KEY=VALUE lines; a missing file yields no secrets.
func loadSecrets(path string) (map[string]Secret, error) {
	if path == "" {
		return map[string]Secret{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Secret{}, nil
		}
		return nil, err
	}

	secrets := make(map[string]Secret)

	var asMap map[string]string
	if err := yaml.Unmarshal(raw, &asMap); err == nil && asMap != nil {
		for key, value := range asMap {
			secrets[key] = Secret(value)
		}
		return secrets, nil
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		secrets[strings.TrimSpace(key)] = Secret(strings.TrimSpace(value))
	}
	return secrets, nil
}

// ResolveSecret returns the value for key, preferring the process
// environment over the secrets file. Empty key resolves to empty.
func (c *Config) ResolveSecret(key string) string {
	if key == "" {
		return ""
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return c.secrets[key].Value()
}

// Snapshot returns a redacted, serialization-friendly view of the
// configuration for operator inspection.
func (c *Config) Snapshot() map[string]any {
	endpoints := make(map[string]any, len(c.Endpoints))
	for name, p := range c.Endpoints {
		endpoints[name] = map[string]any{
			"transport":             string(p.Transport),
			"address":               p.Address(),
			"auth_token_env":        p.AuthTokenEnv,
			"rate_limit_per_minute": p.RateLimitPerMinute,
			"enabled":               p.IsEnabled(),
		}
	}
	return map[string]any{
		"workspace":  c.Workspace,
		"state_dir":  c.StateDir,
		"policy_dir": c.PolicyDir,
		"logging":    map[string]any{"level": c.Logging.Level, "format": c.Logging.Format},
		"backend": map[string]any{
			"base_url":  c.Backend.BaseURL,
			"model":     c.Backend.Model,
			"api_key":   c.Backend.APIKey.String(),
			"timeout":   c.Backend.Timeout.Duration().String(),
			"retries":   c.Backend.MaxRetries,
			"rate_rps":  c.Backend.RequestsPerSecond,
			"max_token": c.Backend.MaxTokens,
		},
		"dashboard": map[string]any{"host": c.Dashboard.Host, "port": c.Dashboard.Port},
		"endpoints": endpoints,
	}
}
