package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	PersistSync       = "sync"
	PersistBackground = "background"
	puristRole        = "product_purist"
)

// Config models keystone.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Settings  Settings        `yaml:"settings"`
	Roster    []RosterMember  `yaml:"roster"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

type EvaluatorConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

type Settings struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxParallel    int           `yaml:"max_parallel"`
	MaxTurns       int           `yaml:"max_turns"`
	HistoryLimit   int           `yaml:"history_limit"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	Persist        string        `yaml:"persist"`
}

type RosterMember struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Description string `yaml:"description,omitempty"`
	Model       string `yaml:"model,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with keystone config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Evaluator.BaseURL) == "" {
		return fmt.Errorf("config.evaluator.base_url is required")
	}
	if strings.TrimSpace(c.Evaluator.Model) == "" {
		return fmt.Errorf("config.evaluator.model is required")
	}
	s := c.Settings
	if s.MaxRetries < 0 {
		return fmt.Errorf("config.settings.max_retries must be >= 0")
	}
	if s.RetryDelay < 0 || s.CallTimeout < 0 || s.RequestTimeout < 0 || s.DrainTimeout < 0 {
		return fmt.Errorf("config.settings durations must not be negative")
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("config.settings.max_parallel must be >= 0")
	}
	if s.MaxTurns < 1 {
		return fmt.Errorf("config.settings.max_turns must be >= 1")
	}
	if s.HistoryLimit < 0 {
		return fmt.Errorf("config.settings.history_limit must be >= 0")
	}
	if s.Persist != PersistSync && s.Persist != PersistBackground {
		return fmt.Errorf("config.settings.persist must be %q or %q", PersistSync, PersistBackground)
	}
	if len(c.Roster) == 0 {
		return fmt.Errorf("config.roster is required")
	}
	seen := map[string]bool{}
	purists := 0
	for i, m := range c.Roster {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("config.roster[%d].name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("config.roster has duplicate name %s", m.Name)
		}
		seen[m.Name] = true
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("config.roster[%d].role is required", i)
		}
		if m.Role == puristRole {
			purists++
		}
	}
	if purists > 1 {
		return fmt.Errorf("config.roster may contain at most one %s", puristRole)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "keystone.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Project.ID = "default"
	cfg.Evaluator = EvaluatorConfig{
		BaseURL:   "https://api.openai.com/v1",
		Model:     "gpt-4o-mini",
		APIKeyEnv: "KEYSTONE_API_KEY",
	}
	cfg.Settings = Settings{
		MaxRetries:     1,
		RetryDelay:     500 * time.Millisecond,
		CallTimeout:    2 * time.Minute,
		RequestTimeout: 10 * time.Minute,
		MaxTurns:       3,
		HistoryLimit:   5,
		DrainTimeout:   5 * time.Second,
		Persist:        PersistSync,
	}
	cfg.Roster = DefaultRoster()
	return cfg
}

// DefaultRoster is the seven-seat board.
func DefaultRoster() []RosterMember {
	return []RosterMember{
		{Name: "Lynx", Role: "product_operator", Description: "Judge whether real users feel this problem and whether the first version solves it."},
		{Name: "Wildfire", Role: "growth_distribution", Description: "Judge how the product reaches its first thousand users and what channel carries it."},
		{Name: "Bedrock", Role: "systems_architecture", Description: "Judge technical feasibility, build cost and what breaks at scale."},
		{Name: "Leverage", Role: "capital_allocator", Description: "Judge whether the time and money spent here beats the alternatives."},
		{Name: "Sentinel", Role: "risk_reality", Description: "Look for legal, security, market and execution risks others overlook."},
		{Name: "Prism", Role: "creative_director", Description: "Judge positioning, naming and whether the experience is memorable."},
		{Name: "Razor", Role: puristRole, Description: "Find the one core promise, cut everything else, and veto scope that dilutes it."},
	}
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields keep defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() (string, error) {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// APIKey resolves the evaluator API key from the configured env var.
func (c *Config) APIKey() string {
	name := c.Evaluator.APIKeyEnv
	if name == "" {
		name = "KEYSTONE_API_KEY"
	}
	return os.Getenv(name)
}
