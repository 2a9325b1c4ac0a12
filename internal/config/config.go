package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agentledger/internal/domain"
)

// Config models a tenant's automation policy. It is stored per tenant in the
// database and seeded from the default template on first use.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"tenant" json:"tenant"`
	Routing    Routing         `yaml:"routing" json:"routing"`
	Tasks      Tasks           `yaml:"tasks" json:"tasks"`
	Patterns   Patterns        `yaml:"patterns" json:"patterns"`
	Validation Validation      `yaml:"validation" json:"validation"`
	Webhooks   []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Routing holds the lower bound (inclusive) of each confidence band.
type Routing struct {
	AutoApprove int `yaml:"auto_approve" json:"auto_approve"`
	Medium      int `yaml:"medium" json:"medium"`
	High        int `yaml:"high" json:"high"`
}

type Tasks struct {
	MaxRetries int                     `yaml:"max_retries" json:"max_retries"`
	Priorities map[domain.TaskType]int `yaml:"priorities" json:"priorities"`
}

type Patterns struct {
	// Boost is added to the base confidence when a suggestion agrees with an
	// active pattern that meets MinSuccessRate.
	Boost          int     `yaml:"boost" json:"boost"`
	MinSuccessRate float64 `yaml:"min_success_rate" json:"min_success_rate"`
}

type Validation struct {
	// Penalty is subtracted from the confidence of an unbalanced entry.
	Penalty int `yaml:"penalty" json:"penalty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	r := c.Routing
	if r.AutoApprove > 100 || r.AutoApprove <= r.Medium || r.Medium <= r.High || r.High <= 0 {
		return fmt.Errorf("config.routing thresholds must satisfy 100 >= auto_approve > medium > high > 0 (got %d/%d/%d)",
			r.AutoApprove, r.Medium, r.High)
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("config.tasks.max_retries must be >= 0")
	}
	for taskType, p := range c.Tasks.Priorities {
		if taskType.Agent() == "" {
			return fmt.Errorf("config.tasks.priorities has unknown task type %s", taskType)
		}
		if p < 1 || p > 10 {
			return fmt.Errorf("priority for task type %s must be between 1 and 10", taskType)
		}
	}
	if c.Patterns.Boost < 0 || c.Patterns.Boost > 100 {
		return fmt.Errorf("config.patterns.boost must be between 0 and 100")
	}
	if c.Patterns.MinSuccessRate < 0 || c.Patterns.MinSuccessRate > 1 {
		return fmt.Errorf("config.patterns.min_success_rate must be between 0 and 1")
	}
	if c.Validation.Penalty < 0 || c.Validation.Penalty > 100 {
		return fmt.Errorf("config.validation.penalty must be between 0 and 100")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if _, err := domain.ParseEventType(strings.TrimSpace(evt)); err != nil {
				return fmt.Errorf("config.webhooks[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// Priority returns the configured priority for a task type, defaulting to 5.
func (c *Config) Priority(t domain.TaskType) int {
	if p, ok := c.Tasks.Priorities[t]; ok {
		return p
	}
	return 5
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `tenant:
  id: %s

routing:
  auto_approve: 85
  medium: 60
  high: 40

tasks:
  max_retries: 3
  priorities:
    parse_invoice: 5
    suggest_booking: 5
    learn_correction: 7
    reinforce_pattern: 3

patterns:
  boost: 10
  min_success_rate: 0.8

validation:
  penalty: 30
`
