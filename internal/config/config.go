package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models reviewloop.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Token struct {
		// SecretEnv names the environment variable holding the signing secret.
		// The secret itself never lives in the config file.
		SecretEnv         string `yaml:"secret_env"`
		PreviousSecretEnv string `yaml:"previous_secret_env"`
		TTLDays           int    `yaml:"ttl_days"`
	} `yaml:"token"`
	Links struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"links"`
	Mailer struct {
		BaseURL        string `yaml:"base_url"`
		From           string `yaml:"from"`
		APIKeyEnv      string `yaml:"api_key_env"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"mailer"`
	Dispatch struct {
		Workers int `yaml:"workers"`
	} `yaml:"dispatch"`
	Auth struct {
		JWTSecretEnv           string `yaml:"jwt_secret_env"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

const (
	DefaultTTLDays         = 7
	DefaultDispatchWorkers = 5
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
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
	if strings.TrimSpace(c.Service.Name) == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if strings.TrimSpace(c.Token.SecretEnv) == "" {
		return fmt.Errorf("config.token.secret_env is required")
	}
	if c.Token.TTLDays < 0 {
		return fmt.Errorf("config.token.ttl_days must not be negative")
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("config.dispatch.workers must not be negative")
	}
	if c.Mailer.BaseURL != "" && !strings.HasPrefix(c.Mailer.BaseURL, "http") {
		return fmt.Errorf("config.mailer.base_url must be an http(s) URL")
	}
	return nil
}

// TTLDays returns the configured invite token TTL with the default applied.
func (c *Config) TTLDays() int {
	if c.Token.TTLDays > 0 {
		return c.Token.TTLDays
	}
	return DefaultTTLDays
}

// DispatchWorkers returns the invite fan-out bound with the default applied.
func (c *Config) DispatchWorkers() int {
	if c.Dispatch.Workers > 0 {
		return c.Dispatch.Workers
	}
	return DefaultDispatchWorkers
}

// Secret resolves the current signing secret from the environment.
func (c *Config) Secret() string {
	return os.Getenv(c.Token.SecretEnv)
}

// PreviousSecret resolves the retired signing secret, if configured.
func (c *Config) PreviousSecret() string {
	if c.Token.PreviousSecretEnv == "" {
		return ""
	}
	return os.Getenv(c.Token.PreviousSecretEnv)
}

// JWTSecret resolves the API auth secret from the environment.
func (c *Config) JWTSecret() string {
	if c.Auth.JWTSecretEnv == "" {
		return ""
	}
	return os.Getenv(c.Auth.JWTSecretEnv)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewloop.yml")
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

const defaultTemplate = `service:
  name: reviewloop

token:
  secret_env: REVIEWLOOP_TOKEN_SECRET
  previous_secret_env: REVIEWLOOP_TOKEN_SECRET_PREVIOUS
  ttl_days: 7

links:
  base_url: https://reviews.example.com/r

mailer:
  base_url: https://mail.example.com
  from: reviews@example.com
  api_key_env: REVIEWLOOP_MAILER_KEY
  timeout_seconds: 5

dispatch:
  workers: 5

auth:
  jwt_secret_env: REVIEWLOOP_JWT_SECRET
  allow_legacy_actor_header: false
`
