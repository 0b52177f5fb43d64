package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/KDLN/aurelian-missions/internal/domain"
)

// Config models missions.yml.
type Config struct {
	Server struct {
		ID string `yaml:"id"`
	} `yaml:"server"`
	Resources struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"resources"`
	Tiers struct {
		Defaults []TierConfig `yaml:"defaults"`
	} `yaml:"tiers"`
	Ledger struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ledger"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type TierConfig struct {
	Tier       string  `yaml:"tier"`
	Multiplier float64 `yaml:"multiplier"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with missiond config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Server.ID == "" {
		return fmt.Errorf("config.server.id is required")
	}
	for key := range c.Resources.Catalog {
		if key == "" {
			return fmt.Errorf("config.resources.catalog contains an empty resource key")
		}
	}
	if err := ValidateTiers(c.Tiers.Defaults); err != nil {
		return fmt.Errorf("config.tiers.defaults: %w", err)
	}
	if c.Ledger.TimeoutSeconds < 0 {
		return fmt.Errorf("config.ledger.timeout_seconds must be >= 0")
	}
	if c.Sweep.IntervalSeconds < 0 {
		return fmt.Errorf("config.sweep.interval_seconds must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ValidateTiers checks a threshold list: non-empty names, positive
// multipliers, strictly ascending, no duplicate tier names.
func ValidateTiers(tiers []TierConfig) error {
	seen := map[string]bool{}
	prev := 0.0
	for i, t := range tiers {
		if t.Tier == "" {
			return fmt.Errorf("tier %d has no name", i)
		}
		if seen[t.Tier] {
			return fmt.Errorf("duplicate tier %s", t.Tier)
		}
		seen[t.Tier] = true
		if t.Multiplier <= 0 {
			return fmt.Errorf("tier %s multiplier must be > 0", t.Tier)
		}
		if t.Multiplier <= prev {
			return fmt.Errorf("tier %s multiplier must ascend (got %.3f after %.3f)", t.Tier, t.Multiplier, prev)
		}
		prev = t.Multiplier
	}
	return nil
}

// KnownResource reports whether a key may appear in mission requirements.
// The reserved keys are always allowed; item keys must be in the catalog
// when one is configured.
func (c *Config) KnownResource(key string) bool {
	if key == domain.ResourceGold || key == domain.ResourceTrades {
		return true
	}
	if len(c.Resources.Catalog) == 0 {
		return true
	}
	_, ok := c.Resources.Catalog[key]
	return ok
}

// DefaultTiers returns the configured default thresholds as domain values.
func (c *Config) DefaultTiers() []domain.TierThreshold {
	out := make([]domain.TierThreshold, 0, len(c.Tiers.Defaults))
	for _, t := range c.Tiers.Defaults {
		out = append(out, domain.TierThreshold{Tier: t.Tier, Multiplier: t.Multiplier})
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missions.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serverID string) string {
	return fmt.Sprintf(defaultTemplate, serverID)
}

// Default returns the default Config struct for a server.
func Default(serverID string) *Config {
	var cfg Config
	cfg.Server.ID = serverID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serverID))).Decode(&cfg)
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

const defaultTemplate = `server:
  id: %s

resources:
  catalog:
    iron_ore:
      description: "Raw iron ore, mined or traded"
    oak_wood:
      description: "Oak timber"
    leather:
      description: "Tanned leather"
    herbs:
      description: "Alchemical herbs"
    gems:
      description: "Cut gemstones"
    pearls:
      description: "Deep-sea pearls"

tiers:
  defaults:
    - tier: bronze
      multiplier: 0.25
    - tier: silver
      multiplier: 0.5
    - tier: gold
      multiplier: 1.0
    - tier: legendary
      multiplier: 2.0

ledger:
  base_url: ""
  token: ""
  timeout_seconds: 10

sweep:
  interval_seconds: 30
`
