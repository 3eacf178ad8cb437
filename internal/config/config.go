package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml.
type Config struct {
	Sender struct {
		Name      string `yaml:"name"`
		FromEmail string `yaml:"from_email"`
	} `yaml:"sender"`
	Outreach struct {
		DailyLimit        int             `yaml:"daily_limit"`
		HourlyLimit       int             `yaml:"hourly_limit"`
		FollowupDelayDays int             `yaml:"followup_delay_days"`
		MaxSendAttempts   int             `yaml:"max_send_attempts"`
		RetryBackoff      []time.Duration `yaml:"retry_backoff"`
		SendSpacing       time.Duration   `yaml:"send_spacing"`
	} `yaml:"outreach"`
	Discovery struct {
		MaxResults          int `yaml:"max_results"`
		MaxAnalysisAttempts int `yaml:"max_analysis_attempts"`
	} `yaml:"discovery"`
	Runner struct {
		HeartbeatStaleness time.Duration `yaml:"heartbeat_staleness"`
		ErrorThreshold     int           `yaml:"error_threshold"`
		ErrorWindow        time.Duration `yaml:"error_window"`
		ItemTimeout        time.Duration `yaml:"item_timeout"`
	} `yaml:"runner"`
	Health struct {
		DailyErrorCeiling int `yaml:"daily_error_ceiling"`
	} `yaml:"health"`
	Templates map[string]ObservationTemplate `yaml:"templates"`
}

// ObservationTemplate is the tag-keyed personalization line injected into
// outreach bodies.
type ObservationTemplate struct {
	Observation string `yaml:"observation"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'll config init' or copy the default", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(workspace)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Outreach.DailyLimit <= 0 {
		return fmt.Errorf("config.outreach.daily_limit must be positive")
	}
	if c.Outreach.HourlyLimit <= 0 {
		return fmt.Errorf("config.outreach.hourly_limit must be positive")
	}
	if c.Outreach.HourlyLimit > c.Outreach.DailyLimit {
		return fmt.Errorf("config.outreach.hourly_limit exceeds daily_limit")
	}
	if c.Outreach.FollowupDelayDays <= 0 {
		return fmt.Errorf("config.outreach.followup_delay_days must be positive")
	}
	if c.Outreach.MaxSendAttempts <= 0 {
		return fmt.Errorf("config.outreach.max_send_attempts must be positive")
	}
	if len(c.Outreach.RetryBackoff) == 0 {
		return fmt.Errorf("config.outreach.retry_backoff must not be empty")
	}
	for i, d := range c.Outreach.RetryBackoff {
		if d <= 0 {
			return fmt.Errorf("config.outreach.retry_backoff[%d] must be positive", i)
		}
	}
	if c.Discovery.MaxAnalysisAttempts <= 0 {
		return fmt.Errorf("config.discovery.max_analysis_attempts must be positive")
	}
	if c.Runner.HeartbeatStaleness <= 0 {
		return fmt.Errorf("config.runner.heartbeat_staleness must be positive")
	}
	if c.Runner.ErrorThreshold <= 0 {
		return fmt.Errorf("config.runner.error_threshold must be positive")
	}
	if c.Runner.ErrorWindow <= 0 {
		return fmt.Errorf("config.runner.error_window must be positive")
	}
	if c.Health.DailyErrorCeiling <= 0 {
		return fmt.Errorf("config.health.daily_error_ceiling must be positive")
	}
	return nil
}

// BackoffFor returns the delay before the next attempt after `attempts`
// completed attempts. Past the end of the table the last entry repeats.
func (c *Config) BackoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(c.Outreach.RetryBackoff) {
		attempts = len(c.Outreach.RetryBackoff)
	}
	return c.Outreach.RetryBackoff[attempts-1]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `sender:
  name: "Alex"
  from_email: "alex@example.com"

outreach:
  daily_limit: 20
  hourly_limit: 8
  followup_delay_days: 3
  max_send_attempts: 3
  retry_backoff: [5m, 15m, 1h]
  send_spacing: 30s

discovery:
  max_results: 50
  max_analysis_attempts: 3

runner:
  heartbeat_staleness: 30s
  error_threshold: 5
  error_window: 10m
  item_timeout: 2m

health:
  daily_error_ceiling: 50

templates:
  no_website:
    observation: "I noticed your business doesn't have a website yet"
  outdated_site:
    observation: "I took a look at your current website and noticed it might benefit from a refresh"
  no_cta:
    observation: "I checked out your online presence and noticed there's an opportunity to make it easier for customers to take action"
  unknown:
    observation: "I came across your business and wanted to reach out"
`
