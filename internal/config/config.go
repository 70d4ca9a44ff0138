// Package config handles Mailroom configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mailroom/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailroom/config.yaml, /etc/mailroom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailroom", "config.yaml"))
	}

	paths = append(paths, "/etc/mailroom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mailroom configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Store     StoreConfig     `yaml:"store"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Tools     ToolsConfig     `yaml:"tools"`
	Email     email.Config    `yaml:"email"`
	Search    SearchConfig    `yaml:"search"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig controls the conversation loop.
type AgentConfig struct {
	// MaxCycles bounds the number of reasoning calls made while
	// handling a single inbound turn. Default 10.
	MaxCycles int `yaml:"max_cycles"`

	// SystemPrompt replaces the built-in instruction text. The tool
	// list is still appended.
	SystemPrompt string `yaml:"system_prompt"`

	// Model is the model name passed to the reasoning backend.
	Model string `yaml:"model"`

	// Tools restricts the registry to the named tools. Empty means
	// every registered tool is offered.
	Tools []string `yaml:"tools"`
}

// ModelsConfig defines model routing settings. Each entry maps a model
// name to the provider that serves it.
type ModelsConfig struct {
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's provider binding.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OpenAIConfig defines settings for OpenAI or any OpenAI-compatible
// chat completions endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig points at a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama URL is set.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// StoreConfig selects and configures the thread store.
type StoreConfig struct {
	// Backend is one of sqlite, mysql, redis, memory. Default sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Defaults to
	// <data_dir>/threads.db.
	Path string `yaml:"path"`

	// DSN is the MySQL data source name used by the mysql backend.
	DSN string `yaml:"dsn"`

	// RedisURL is a redis:// URL used by the redis backend.
	RedisURL string `yaml:"redis_url"`

	// TTL expires idle threads in the redis backend. Zero keeps them
	// forever.
	TTL time.Duration `yaml:"ttl"`
}

// WebhookConfig configures the inbound mail-room webhook.
type WebhookConfig struct {
	// Secret is the shared HMAC key used to verify the X-Signature
	// header. Empty disables verification.
	Secret string `yaml:"secret"`
}

// ToolsConfig holds per-tool behaviour flags.
type ToolsConfig struct {
	// Terminal names tools whose successful execution ends the run in
	// the waiting state.
	Terminal []string `yaml:"terminal"`
}

// SearchConfig configures the web_search tool providers.
type SearchConfig struct {
	// Default is the provider used when the caller names none.
	Default string        `yaml:"default"`
	Exa     ExaConfig     `yaml:"exa"`
	Brave   BraveConfig   `yaml:"brave"`
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// Configured reports whether at least one provider is usable.
func (c SearchConfig) Configured() bool {
	return c.Exa.APIKey != "" || c.Brave.APIKey != "" || c.SearXNG.URL != ""
}

// ExaConfig configures the Exa search API.
type ExaConfig struct {
	APIKey string `yaml:"api_key"`
}

// BraveConfig configures the Brave Search API.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// MQTTConfig configures the optional broker connection used for event
// fan-out.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Agent.MaxCycles == 0 {
		c.Agent.MaxCycles = 10
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "gpt-4o"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreSQLite
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "threads.db")
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "mailroom"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	c.Email.ApplyDefaults()
}

// Validate checks the configuration for values the service cannot run
// with. Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Agent.MaxCycles < 1 {
		return fmt.Errorf("agent.max_cycles must be at least 1, got %d", c.Agent.MaxCycles)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}

	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case StoreMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the mysql backend")
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.backend %q invalid (valid: sqlite, mysql, redis, memory)", c.Store.Backend)
	}

	for i, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("models.available[%d] (%s): unknown provider %q", i, m.Name, m.Provider)
		}
	}

	if c.Email.Configured() || len(c.Email.Accounts) > 0 {
		if err := c.Email.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
