package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      Server       `yaml:"server"`
	Slack       Slack        `yaml:"slack"`
	Git         Git          `yaml:"git"`
	Deploy      Deploy       `yaml:"deploy"`
	Database    Database     `yaml:"database"`
	Logging     Logging      `yaml:"logging"`
	Deployables []Deployable `yaml:"deployables" validate:"required,min=1,dive"`
}

type Server struct {
	Port    int      `yaml:"port"`
	APIKeys []APIKey `yaml:"api_keys"`
}

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type Slack struct {
	Token            string `yaml:"token"`
	ChannelID        string `yaml:"channel_id"`
	ApprovalReaction string `yaml:"approval_reaction"`
	BaseURL          string `yaml:"base_url"`
}

type Git struct {
	WorkDir     string `yaml:"work_dir"`
	SSHKeyPath  string `yaml:"ssh_key_path"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

type Deploy struct {
	ApprovalTimeout string `yaml:"approval_timeout"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Deployable is a named application spanning one or more repositories.
type Deployable struct {
	Name  string `yaml:"name" validate:"required,no_spaces"`
	Repos []Repo `yaml:"repos" validate:"required,min=1,dive"`
}

// Repo is a source repository participating in a deployable.
type Repo struct {
	Name         string        `yaml:"name" validate:"required"`
	URL          string        `yaml:"url" validate:"required"`
	SSHKeyPath   string        `yaml:"ssh_key_path"`
	Environments []Environment `yaml:"environments" validate:"required,min=1,dive"`
}

// Environment is a branch pair plus the users allowed to approve merges into it.
type Environment struct {
	Name         string     `yaml:"name" validate:"required,no_spaces"`
	BaseBranch   string     `yaml:"base_branch" validate:"required"`
	TargetBranch string     `yaml:"target_branch" validate:"required"`
	Approvers    []Approver `yaml:"approvers" validate:"required,min=1,dive"`
}

// Approver is either an individual user or a named group, never both.
type Approver struct {
	UserID  string `yaml:"user_id"`
	GroupID string `yaml:"group_id"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	dataStr := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Slack.ApprovalReaction == "" {
		cfg.Slack.ApprovalReaction = "approve"
	}
	if cfg.Slack.BaseURL == "" {
		cfg.Slack.BaseURL = "https://slack.com/api"
	}
	if cfg.Git.WorkDir == "" {
		cfg.Git.WorkDir = "/data/mergebot-repos"
	}
	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "mergebot"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "mergebot@system.local"
	}
	if cfg.Deploy.ApprovalTimeout == "" {
		cfg.Deploy.ApprovalTimeout = "30m"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/data/mergebot.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks structural rules the YAML schema cannot express.
func (c *Config) Validate() error {
	v := newValidator()
	if err := v.Struct(c); err != nil {
		return err
	}

	if _, err := time.ParseDuration(c.Deploy.ApprovalTimeout); err != nil {
		return fmt.Errorf("deploy.approval_timeout: %w", err)
	}

	// Deployable lookup is case-insensitive, so names must be unique
	// under folding too.
	seen := make(map[string]bool)
	for _, d := range c.Deployables {
		folded := strings.ToLower(d.Name)
		if seen[folded] {
			return fmt.Errorf("duplicate deployable name %q", d.Name)
		}
		seen[folded] = true

		for _, r := range d.Repos {
			for _, env := range r.Environments {
				for _, a := range env.Approvers {
					if (a.UserID == "") == (a.GroupID == "") {
						return fmt.Errorf("deployable %q repo %q environment %q: approver must set exactly one of user_id or group_id",
							d.Name, r.Name, env.Name)
					}
				}
			}
		}
	}

	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("no_spaces", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if r == ' ' || r == '\t' {
				return false
			}
		}
		return true
	})
	return v
}

// ApprovalTimeout returns the parsed session approval deadline.
func (c *Config) ApprovalTimeout() time.Duration {
	d, err := time.ParseDuration(c.Deploy.ApprovalTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

func (c *Config) ValidateAPIKey(key string) bool {
	for _, ak := range c.Server.APIKeys {
		if ak.Key == key {
			return true
		}
	}
	return false
}
