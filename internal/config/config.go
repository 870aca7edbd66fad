package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
)

const FileName = "crewline.yml"

// Config models crewline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	RBAC struct {
		// CreateRoles may create work items. Editing is open to the creator,
		// admins and anyone who outranks the creator.
		CreateRoles []string `yaml:"create_roles"`
	} `yaml:"rbac"`
	Engine struct {
		CASRetries int `yaml:"cas_retries"`
	} `yaml:"engine"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type NotificationsConfig struct {
	DispatchIntervalSeconds int             `yaml:"dispatch_interval_seconds"`
	BatchSize               int             `yaml:"batch_size"`
	MaxAttempts             int             `yaml:"max_attempts"`
	Log                     *bool           `yaml:"log"`
	Webhooks                []WebhookConfig `yaml:"webhooks"`
	NATS                    *NATSConfig     `yaml:"nats"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogEnabled defaults to true.
func (n NotificationsConfig) LogEnabled() bool {
	return n.Log == nil || *n.Log
}

// CanCreate reports whether role may create work items.
func (c *Config) CanCreate(role domain.Role) bool {
	for _, r := range c.RBAC.CreateRoles {
		if domain.Role(r) == role {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.RBAC.CreateRoles) == 0 {
		return fmt.Errorf("config.rbac.create_roles is required")
	}
	for _, r := range c.RBAC.CreateRoles {
		if !domain.Role(r).Valid() {
			return fmt.Errorf("config.rbac.create_roles has unknown role %q", r)
		}
	}
	if c.Engine.CASRetries < 0 {
		return fmt.Errorf("config.engine.cas_retries must not be negative")
	}
	n := c.Notifications
	if n.DispatchIntervalSeconds < 0 || n.BatchSize < 0 || n.MaxAttempts < 0 {
		return fmt.Errorf("config.notifications values must not be negative")
	}
	for i, hook := range n.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if u, err := url.Parse(hook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, kind := range hook.Events {
			if !domain.KnownNotificationKind(strings.TrimSpace(kind)) {
				return fmt.Errorf("config.notifications.webhooks[%d].events has unknown kind %q (known: %s)",
					i, kind, strings.Join(domain.NotificationKinds, ", "))
			}
		}
	}
	if n.NATS != nil && strings.TrimSpace(n.NATS.URL) == "" {
		return fmt.Errorf("config.notifications.nats.url is required when nats is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
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

const defaultTemplate = `project:
  id: %s

rbac:
  create_roles: [admin, manager, team_lead]

engine:
  cas_retries: 5

notifications:
  dispatch_interval_seconds: 2
  batch_size: 100
  max_attempts: 8
  log: true
  webhooks: []
  # nats:
  #   url: nats://127.0.0.1:4222
  #   subject_prefix: crewline
`
