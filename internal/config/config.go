package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"trackline/internal/engine/auth"
)

// Config models trackline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr" json:"addr"`
		BasePath  string `yaml:"base_path" json:"base_path"`
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"server" json:"server"`
	Store struct {
		Driver    string `yaml:"driver" json:"driver"`
		DSN       string `yaml:"dsn" json:"-"`
		Workspace string `yaml:"workspace" json:"workspace"`
	} `yaml:"store" json:"store"`
	Engine struct {
		KeyAttempts      int `yaml:"key_attempts" json:"key_attempts"`
		KeyScanWindow    int `yaml:"key_scan_window" json:"key_scan_window"`
		RetryBaseDelayMS int `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
		BulkConcurrency  int `yaml:"bulk_concurrency" json:"bulk_concurrency"`
	} `yaml:"engine" json:"engine"`
	Audit struct {
		Buffer int `yaml:"buffer" json:"buffer"`
	} `yaml:"audit" json:"audit"`
	Notify struct {
		Log         bool            `yaml:"log" json:"log"`
		RedisURL    string          `yaml:"redis_url" json:"-"`
		RedisPrefix string          `yaml:"redis_prefix" json:"redis_prefix"`
		Webhooks    []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	} `yaml:"notify" json:"notify"`
	Policy Policy `yaml:"policy" json:"policy"`
}

// Policy is the per project part of the configuration. It is copied into the
// store when a project is created.
type Policy struct {
	Roles    map[string]Role `yaml:"roles" json:"roles"`
	Workflow struct {
		DoneStatuses []string `yaml:"done_statuses" json:"done_statuses"`
	} `yaml:"workflow" json:"workflow"`
}

type Role struct {
	Description string   `yaml:"description" json:"description"`
	Actions     []string `yaml:"actions" json:"actions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres")
	}
	if c.Engine.KeyAttempts < 0 || c.Engine.KeyScanWindow < 0 || c.Engine.BulkConcurrency < 0 {
		return fmt.Errorf("config.engine values must not be negative")
	}
	if c.Audit.Buffer < 0 {
		return fmt.Errorf("config.audit.buffer must not be negative")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	return c.Policy.Validate()
}

// Validate checks role actions against the known permission set.
func (p Policy) Validate() error {
	for roleID, role := range p.Roles {
		if roleID == "" {
			return fmt.Errorf("config.policy.roles contains empty role id")
		}
		for _, action := range role.Actions {
			if !auth.Action(action).IsKnown() {
				return fmt.Errorf("role %s references unknown action %s", roleID, action)
			}
		}
	}
	for _, st := range p.Workflow.DoneStatuses {
		if strings.TrimSpace(st) == "" {
			return fmt.Errorf("config.policy.workflow.done_statuses contains empty status")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""

store:
  driver: sqlite
  dsn: ""
  workspace: .

engine:
  key_attempts: 3
  key_scan_window: 200
  retry_base_delay_ms: 10
  bulk_concurrency: 8

audit:
  buffer: 1024

notify:
  log: false
  redis_url: ""
  redis_prefix: "trackline:"
  webhooks: []

policy:
  roles:
    admin:
      description: "Full control of the project"
      actions: [item.view, item.create, item.edit, item.delete, sprint.view, sprint.create, sprint.edit, sprint.start, sprint.complete, sprint.cancel, sprint.delete, project.admin]
    member:
      description: "Plans and works items"
      actions: [item.view, item.create, item.edit, item.delete, sprint.view, sprint.create, sprint.edit, sprint.start, sprint.complete]
    viewer:
      description: "Read only"
      actions: [item.view, sprint.view]
  workflow:
    done_statuses: []
`
