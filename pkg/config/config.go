package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath               = "RELAY_CONFIG"
	envMessengerPageAccessToken = "MESSENGER_PAGE_ACCESS_TOKEN"
	envMessengerAppSecret       = "MESSENGER_APP_SECRET"
	envMessengerVerifyToken     = "MESSENGER_VERIFY_TOKEN"
	envAgentURL                 = "AGENT_URL"
	envTelegramBotToken         = "TELEGRAM_BOT_TOKEN"
)

const (
	PlatformMessenger = "messenger"
	PlatformTelegram  = "telegram"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Platform  string          `json:"platform" yaml:"platform"`
	Messenger MessengerConfig `json:"messenger" yaml:"messenger"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Presence  PresenceConfig  `json:"presence" yaml:"presence"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// MessengerConfig configures the page webhook and the Send API client.
type MessengerConfig struct {
	PageAccessToken string `json:"page_access_token" yaml:"page_access_token"`
	AppSecret       string `json:"app_secret" yaml:"app_secret"`
	VerifyToken     string `json:"verify_token" yaml:"verify_token"`
	GraphAPIURL     string `json:"graph_api_url" yaml:"graph_api_url"`
	APIVersion      string `json:"api_version" yaml:"api_version"`
	TextLimit       int    `json:"text_limit" yaml:"text_limit"`
}

// TelegramConfig configures the Telegram bot used when platform is telegram.
type TelegramConfig struct {
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
	TextLimit int      `json:"text_limit" yaml:"text_limit"`
}

// AgentConfig points the relay at the agent-run endpoint.
type AgentConfig struct {
	URL                   string         `json:"url" yaml:"url"`
	RequestTimeoutSeconds int            `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	MaxDecodeFailures     int            `json:"max_decode_failures" yaml:"max_decode_failures"`
	ForwardedProps        map[string]any `json:"forwarded_props,omitempty" yaml:"forwarded_props,omitempty"`
}

// SessionConfig configures the session record store.
type SessionConfig struct {
	Dir        string `json:"dir" yaml:"dir"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// PresenceConfig controls the typing indicator keep-alive.
type PresenceConfig struct {
	KeepAliveSeconds int `json:"keep_alive_seconds" yaml:"keep_alive_seconds"`
}

// RelayConfig tunes outbound retries and inbound redelivery dedupe.
type RelayConfig struct {
	TextRetryAttempts   int `json:"text_retry_attempts" yaml:"text_retry_attempts"`
	ActionRetryAttempts int `json:"action_retry_attempts" yaml:"action_retry_attempts"`
	RetryStepMillis     int `json:"retry_step_ms" yaml:"retry_step_ms"`
	DedupeTTLSeconds    int `json:"dedupe_ttl_seconds" yaml:"dedupe_ttl_seconds"`
	DedupeSize          int `json:"dedupe_size" yaml:"dedupe_size"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	WebhookPath string `json:"webhook_path" yaml:"webhook_path"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Error reports configuration that cannot be used at startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// LoadConfig resolves the config file, decodes it, applies environment
// overrides and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile decodes one config file. YAML is chosen by extension, JSON otherwise.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides injects secrets and endpoints from the environment on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrides := []struct {
		env    string
		target *string
	}{
		{envMessengerPageAccessToken, &cfg.Messenger.PageAccessToken},
		{envMessengerAppSecret, &cfg.Messenger.AppSecret},
		{envMessengerVerifyToken, &cfg.Messenger.VerifyToken},
		{envAgentURL, &cfg.Agent.URL},
		{envTelegramBotToken, &cfg.Telegram.Token},
	}
	for _, o := range overrides {
		if value := strings.TrimSpace(os.Getenv(o.env)); value != "" {
			*o.target = value
		}
	}
}

// ApplyDefaults fills every unset tunable with its documented default.
func (c *Config) ApplyDefaults() {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	if c.Platform == "" {
		c.Platform = PlatformMessenger
	}

	if c.Messenger.GraphAPIURL == "" {
		c.Messenger.GraphAPIURL = "https://graph.facebook.com"
	}
	if c.Messenger.APIVersion == "" {
		c.Messenger.APIVersion = "v21.0"
	}
	if c.Messenger.TextLimit <= 0 {
		c.Messenger.TextLimit = 2000
	}
	if c.Telegram.TextLimit <= 0 {
		c.Telegram.TextLimit = 4096
	}

	if c.Agent.RequestTimeoutSeconds <= 0 {
		c.Agent.RequestTimeoutSeconds = 10
	}
	if c.Agent.MaxDecodeFailures <= 0 {
		c.Agent.MaxDecodeFailures = 3
	}

	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 24 * 60 * 60
	}
	if c.Presence.KeepAliveSeconds <= 0 {
		c.Presence.KeepAliveSeconds = 5
	}

	if c.Relay.TextRetryAttempts <= 0 {
		c.Relay.TextRetryAttempts = 3
	}
	if c.Relay.ActionRetryAttempts <= 0 {
		c.Relay.ActionRetryAttempts = 2
	}
	if c.Relay.RetryStepMillis <= 0 {
		c.Relay.RetryStepMillis = 100
	}
	if c.Relay.DedupeTTLSeconds <= 0 {
		c.Relay.DedupeTTLSeconds = 10 * 60
	}
	if c.Relay.DedupeSize <= 0 {
		c.Relay.DedupeSize = 4096
	}

	if c.Gateway.Host == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = 18790
	}
	if c.Gateway.WebhookPath == "" {
		c.Gateway.WebhookPath = "/webhook"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "msgrelay"
	}
}

// Validate checks the fields the relay cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.URL) == "" {
		return &Error{Field: "agent.url", Reason: "is required"}
	}

	switch c.Platform {
	case PlatformMessenger:
		if strings.TrimSpace(c.Messenger.PageAccessToken) == "" {
			return &Error{Field: "messenger.page_access_token", Reason: "is required"}
		}
		if strings.TrimSpace(c.Messenger.AppSecret) == "" {
			return &Error{Field: "messenger.app_secret", Reason: "is required"}
		}
	case PlatformTelegram:
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return &Error{Field: "telegram.token", Reason: "is required"}
		}
	default:
		return &Error{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", c.Platform)}
	}

	if !c.Session.InMemory && strings.TrimSpace(c.Session.Dir) == "" {
		return &Error{Field: "session.dir", Reason: "is required unless session.in_memory is set"}
	}

	return nil
}

// IsConfigError reports whether err came from validation.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// findConfigPath resolves the active config file location.
//
// Precedence is RELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
