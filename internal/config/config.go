package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models permitline.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"site"`
	Autosave struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"autosave"`
	Catalog struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"catalog"`
	Submission struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"submission"`
	DraftSync struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"draft_sync"`
	Geolocation struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"geolocation"`
	Auth struct {
		// Shared secret for minting outbound service tokens. Empty
		// means outbound calls go unauthenticated.
		Secret     string `yaml:"secret"`
		Issuer     string `yaml:"issuer"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"auth"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ptw config init", path)
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
	if c.Autosave.IntervalSeconds < 0 {
		return fmt.Errorf("config.autosave.interval_seconds must not be negative")
	}
	if c.Catalog.TimeoutSeconds < 0 {
		return fmt.Errorf("config.catalog.timeout_seconds must not be negative")
	}
	if c.Submission.TimeoutSeconds < 0 {
		return fmt.Errorf("config.submission.timeout_seconds must not be negative")
	}
	if c.DraftSync.TimeoutSeconds < 0 {
		return fmt.Errorf("config.draft_sync.timeout_seconds must not be negative")
	}
	if c.Auth.TTLSeconds < 0 {
		return fmt.Errorf("config.auth.ttl_seconds must not be negative")
	}
	if c.Auth.Secret != "" && c.Auth.Issuer == "" {
		return fmt.Errorf("config.auth.issuer is required when a secret is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "permitline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `site:
  id: default-site
  name: Default Site

autosave:
  interval_seconds: 30

catalog:
  url: ""
  timeout_seconds: 5

submission:
  url: ""
  timeout_seconds: 15

draft_sync:
  url: ""
  timeout_seconds: 5

geolocation:
  url: ""
  timeout_seconds: 3

auth:
  secret: ""
  issuer: permitline
  ttl_seconds: 300
`
