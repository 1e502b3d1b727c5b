package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	PolicyFlag  = "flag"
	PolicyBlock = "block"
)

// Config models workorder.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" validate:"required"`
	} `yaml:"project"`
	Validation struct {
		Threshold        int      `yaml:"threshold" validate:"gte=0,lte=100"`
		RequiredSections []string `yaml:"required_sections" validate:"dive,oneof=title summary phases success_criteria testing_strategy risks"`
		ForbiddenPaths   []string `yaml:"forbidden_paths" validate:"dive,required"`
	} `yaml:"validation"`
	Partition struct {
		MaxSlots int `yaml:"max_slots" validate:"gte=1,lte=64"`
	} `yaml:"partition"`
	Allocator struct {
		Attempts      int `yaml:"attempts" validate:"gte=1"`
		BaseBackoffMS int `yaml:"base_backoff_ms" validate:"gte=1"`
	} `yaml:"allocator"`
	Ledger struct {
		Path          string `yaml:"path"`
		LockTimeoutMS int    `yaml:"lock_timeout_ms" validate:"gte=1"`
	} `yaml:"ledger"`
	Archive struct {
		Dir string `yaml:"dir"`
	} `yaml:"archive"`
	Verification struct {
		ScopeViolationPolicy string `yaml:"scope_violation_policy" validate:"oneof=flag block"`
	} `yaml:"verification"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions" validate:"dive,required"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled"`
}

var validate = validator.New()

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with wo init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or the defaults for projectID when
// the file does not exist.
func LoadOptional(workspace, projectID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, p := range c.Validation.ForbiddenPaths {
		if filepath.IsAbs(p) {
			return fmt.Errorf("validation.forbidden_paths entry %s must be relative", p)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["coordinator"]; !ok {
			return fmt.Errorf("config.rbac.roles must include coordinator")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workorder.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	var probe struct {
		Project struct {
			ID string `yaml:"id"`
		} `yaml:"project"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default(probe.Project.ID)
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

func (c *Config) AllocatorBackoff() time.Duration {
	return time.Duration(c.Allocator.BaseBackoffMS) * time.Millisecond
}

func (c *Config) LedgerLockTimeout() time.Duration {
	return time.Duration(c.Ledger.LockTimeoutMS) * time.Millisecond
}

// LedgerPath resolves the ledger file, defaulting into the workspace state dir.
func (c *Config) LedgerPath(workspace string) string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(workspace, ".workorder", "ledger.log")
}

func (c *Config) ArchiveDir(workspace string) string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(workspace, ".workorder", "archive")
}

const defaultTemplate = `project:
  id: %s

validation:
  threshold: 90
  required_sections: [title, summary, phases, success_criteria]
  forbidden_paths: [.git, .workorder, .env]

partition:
  max_slots: 10

allocator:
  attempts: 5
  base_backoff_ms: 50

ledger:
  path: ""
  lock_timeout_ms: 2000

archive:
  dir: ""

verification:
  scope_violation_policy: flag

rbac:
  roles:
    coordinator:
      description: "Creates, partitions, aggregates and archives workorders"
      permissions:
        - workorder.create
        - workorder.read
        - plan.write
        - plan.validate
        - workorder.partition
        - workorder.execute
        - slot.verify
        - deliverables.aggregate
        - workorder.document
        - workorder.archive
        - ledger.read
    agent:
      description: "Executes one slot and verifies its own work"
      permissions:
        - workorder.read
        - slot.verify
        - ledger.read
    auditor:
      description: "Read-only access to workorders and the ledger"
      permissions:
        - workorder.read
        - ledger.read
`
