package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models readiness.yml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	SLA        SLAConfig        `yaml:"sla"`
	Rules      []RuleConfig     `yaml:"rules"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type DispatcherConfig struct {
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

type SLAConfig struct {
	Targets map[string]int `yaml:"targets"`
}

// RuleConfig declares one automation rule. When is an equality match over
// event_data.
type RuleConfig struct {
	ID            string            `yaml:"id"`
	EventType     string            `yaml:"event_type"`
	AggregateType string            `yaml:"aggregate_type"`
	When          map[string]string `yaml:"when"`
	Action        ActionConfig      `yaml:"action"`
}

type ActionConfig struct {
	Type   string            `yaml:"type"`
	Params map[string]string `yaml:"params"`
}

type AlertsConfig struct {
	Redis    RedisConfig     `yaml:"redis"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Stream    string        `yaml:"stream"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Events  []string      `yaml:"events"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Env holds the environment overrides.
type Env struct {
	DatabaseDriver  string `env:"READINESS_DATABASE_DRIVER"`
	DatabaseDSN     string `env:"READINESS_DATABASE_DSN"`
	RedisAddr       string `env:"READINESS_REDIS_ADDR"`
	LogLevel        string `env:"READINESS_LOG_LEVEL"`
	LogFormat       string `env:"READINESS_LOG_FORMAT"`
	JWTSecret       string `env:"READINESS_JWT_SECRET"`
	ServerAddr      string `env:"READINESS_SERVER_ADDR"`
	DispatchWorkers int    `env:"READINESS_DISPATCH_WORKERS"`
}

// ApplyEnv overlays set environment variables onto c.
func (c *Config) ApplyEnv() error {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if e.DatabaseDriver != "" {
		c.Database.Driver = e.DatabaseDriver
	}
	if e.DatabaseDSN != "" {
		c.Database.DSN = e.DatabaseDSN
	}
	if e.RedisAddr != "" {
		c.Alerts.Redis.Addr = e.RedisAddr
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		c.Log.Format = e.LogFormat
	}
	if e.JWTSecret != "" {
		c.Server.JWTSecret = e.JWTSecret
	}
	if e.ServerAddr != "" {
		c.Server.Addr = e.ServerAddr
	}
	if e.DispatchWorkers > 0 {
		c.Dispatcher.Workers = e.DispatchWorkers
	}
	return c.Validate()
}

var actionTypes = map[string]bool{"create_task": true, "alert": true, "transition": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "pgx", "postgres":
	default:
		return fmt.Errorf("config.database.driver %q is not supported", c.Database.Driver)
	}
	if (c.Database.Driver == "pgx" || c.Database.Driver == "postgres") && c.Database.DSN == "" {
		return errors.New("config.database.dsn is required for postgres")
	}
	if c.Dispatcher.Workers < 0 || c.Dispatcher.BatchSize < 0 {
		return errors.New("config.dispatcher workers and batch_size must not be negative")
	}
	for taskType, minutes := range c.SLA.Targets {
		if strings.TrimSpace(taskType) == "" {
			return errors.New("config.sla.targets has empty task type")
		}
		if minutes <= 0 {
			return fmt.Errorf("sla target for %s must be positive", taskType)
		}
	}
	seen := map[string]bool{}
	for i, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("config.rules[%d].id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
		if r.EventType == "" {
			return fmt.Errorf("rule %s requires event_type", r.ID)
		}
		if !actionTypes[r.Action.Type] {
			return fmt.Errorf("rule %s has unknown action type %q", r.ID, r.Action.Type)
		}
	}
	for i, w := range c.Alerts.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.alerts.webhooks[%d].url is required", i)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readiness.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads config from path, falling back to the workspace file. A missing
// file yields the defaults. Environment overrides are applied last.
func Load(workspace, path string) (*Config, error) {
	if path == "" {
		path = Path(workspace)
	}
	data, err := os.ReadFile(path)
	var cfg *Config
	switch {
	case err == nil:
		if cfg, err = FromYAML(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case os.IsNotExist(err):
		cfg = Default()
	default:
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Values in data
// override the defaults; a rules list or an sla.targets table replaces the
// default one rather than merging into it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	var file struct {
		SLA struct {
			Targets map[string]int `yaml:"targets"`
		} `yaml:"sla"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if file.SLA.Targets != nil {
		cfg.SLA.Targets = file.SLA.Targets
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

const defaultTemplate = `database:
  driver: sqlite

dispatcher:
  workers: 2
  poll_interval: 1s
  batch_size: 20
  lease_duration: 30s
  retry_delay: 5s
  max_retry_delay: 10m

sla:
  targets:
    intake: 1440
    assessment: 4320
    remediation: 10080

rules:
  - id: intake-completed-assessment
    event_type: TaskStateChanged
    aggregate_type: Task
    when:
      new_state: completed
      task_type: intake
    action:
      type: create_task
      params:
        type: assessment
        priority: high

  - id: plan-activated-alert
    event_type: ActionPlanStateChanged
    aggregate_type: ActionPlan
    when:
      new_state: active
    action:
      type: alert
      params:
        severity: info
        message: action plan activated

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
