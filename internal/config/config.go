package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"roomops/internal/audit"
	"roomops/internal/guardrails"
	"roomops/internal/retry"
)

const (
	FileName              = "roomops.yml"
	DefaultDMVisibility   = "team"
	defaultRuntimeTimeout = 10 * time.Second
)

// Config models roomops.yml.
type Config struct {
	Operator struct {
		Version string `yaml:"version"`
	} `yaml:"operator"`
	Guardrails guardrails.Policy `yaml:"guardrails"`
	Retry      retry.Config      `yaml:"retry"`
	Audit      AuditConfig       `yaml:"audit"`
	Runtime    RuntimeConfig     `yaml:"runtime"`
	// SeedDir is where relative artifact seedFrom paths resolve.
	SeedDir                   string       `yaml:"seed_dir"`
	PolicyDefaultDMVisibility string       `yaml:"policy_default_dm_visibility"`
	StateDir                  string       `yaml:"state_dir"`
	Server                    ServerConfig `yaml:"server"`
	Log                       LogConfig    `yaml:"log"`
}

type AuditConfig struct {
	Capacity         int               `yaml:"capacity"`
	SubscriberBuffer int               `yaml:"subscriber_buffer"`
	ReplayCount      int               `yaml:"replay_count"`
	SQLite           bool              `yaml:"sqlite"`
	Kafka            audit.KafkaConfig `yaml:"kafka"`
	S3               audit.S3Config    `yaml:"s3"`
}

type RuntimeConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	// Memory runs an in-process room runtime instead of calling BaseURL.
	Memory bool `yaml:"memory"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates roomops.yml from dir.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with roomops config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Operator.Version == "" {
		return fmt.Errorf("config.operator.version is required")
	}
	g := c.Guardrails
	if g.MaxEntitiesKickPerCycle < 0 {
		return fmt.Errorf("config.guardrails.max_entities_kick_per_cycle must be >= 0")
	}
	if g.MaxArtifactsDeletePerCycle < 0 {
		return fmt.Errorf("config.guardrails.max_artifacts_delete_per_cycle must be >= 0")
	}
	if g.ChangeThreshold < 0 || g.ChangeThreshold > 1 {
		return fmt.Errorf("config.guardrails.change_threshold must be between 0 and 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config.retry.jitter must be between 0 and 1")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("config.retry.max_delay must be >= initial_delay")
	}
	if c.Audit.Capacity < 1 {
		return fmt.Errorf("config.audit.capacity must be >= 1")
	}
	if c.Audit.ReplayCount < 0 {
		return fmt.Errorf("config.audit.replay_count must be >= 0")
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		return fmt.Errorf("config.audit.kafka.topic is required when brokers are set")
	}
	if c.Runtime.RequestsPerSecond < 0 {
		return fmt.Errorf("config.runtime.requests_per_second must be >= 0")
	}
	if !c.Runtime.Memory && c.Runtime.BaseURL != "" && !strings.HasPrefix(c.Runtime.BaseURL, "http") {
		return fmt.Errorf("config.runtime.base_url must be an http(s) URL")
	}
	switch c.PolicyDefaultDMVisibility {
	case "team", "private", "public":
	default:
		return fmt.Errorf("config.policy_default_dm_visibility must be team, private or public")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// RuntimeTimeout returns the per-call timeout for the room runtime client.
func (c *Config) RuntimeTimeout() time.Duration {
	if c.Runtime.Timeout <= 0 {
		return defaultRuntimeTimeout
	}
	return c.Runtime.Timeout
}

const defaultTemplate = `operator:
  version: 0.3.0

guardrails:
  max_entities_kick_per_cycle: 5
  max_artifacts_delete_per_cycle: 10
  change_threshold: 0.3
  require_confirm_header: true

retry:
  max_attempts: 3
  initial_delay: 200ms
  max_delay: 5s
  jitter: 0.2

audit:
  capacity: 1000
  subscriber_buffer: 64
  replay_count: 100
  sqlite: true

runtime:
  base_url: http://127.0.0.1:7070
  timeout: 10s
  requests_per_second: 0
  burst: 1

seed_dir: .
policy_default_dm_visibility: team
state_dir: .roomops

server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info
  format: text
`
