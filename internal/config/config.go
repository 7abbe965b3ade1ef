// Package config loads SentryScope's runtime configuration from a YAML file,
// applies environment variable overrides, and validates the result before
// the pipeline starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the analysis pipeline.
type Config struct {
	Processing ProcessingConfig `yaml:"processing"`
	Policy     PolicyConfig     `yaml:"policy"`
	Cache      CacheConfig      `yaml:"cache"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Logging    LoggingConfig    `yaml:"logging"`
	Effectors  []EffectorConfig `yaml:"effectors"`
}

// ProcessingConfig bounds the pipeline's concurrency and per-call deadlines.
type ProcessingConfig struct {
	MaxConcurrentProcessing int           `yaml:"max_concurrent_processing"`
	MaxConcurrentExpansion  int           `yaml:"max_concurrent_expansion"`
	BackendTimeout          time.Duration `yaml:"backend_timeout"`
	EffectorTimeout         time.Duration `yaml:"effector_timeout"`
	BatchTimeout            time.Duration `yaml:"batch_timeout"`
	MaxConnectionsPerEntity int           `yaml:"max_connections_per_entity"`
	MinConfidence           float64       `yaml:"min_confidence"`

	// Stage toggles. Each defaults to true in Default(); a YAML document that
	// sets one to false disables that stage of the pipeline entirely.
	EnableConnectionExpansion bool `yaml:"enable_connection_expansion"`
	EnableRiskScoring         bool `yaml:"enable_risk_scoring"`
	EnableAutoResponse        bool `yaml:"enable_auto_response"`
}

// ScoreThreshold maps a minimum risk score to the response actions it triggers.
type ScoreThreshold struct {
	MinScore float64  `yaml:"min_score"`
	Actions  []string `yaml:"actions"`
}

// PolicyConfig holds the score-to-action policy table.
type PolicyConfig struct {
	Thresholds []ScoreThreshold `yaml:"thresholds"`
}

// CacheConfig configures the optional Redis-backed expansion/threat-intel cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ResilienceConfig configures the per-backend circuit breakers.
type ResilienceConfig struct {
	MaxFailures      uint32        `yaml:"max_failures"`
	Interval         time.Duration `yaml:"interval"`
	OpenStateTimeout time.Duration `yaml:"open_state_timeout"`
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EffectorConfig configures one response effector's outbound endpoint.
type EffectorConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// Default returns the baseline configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Processing: ProcessingConfig{
			MaxConcurrentProcessing: 10,
			MaxConcurrentExpansion:  4,
			BackendTimeout:          5 * time.Second,
			EffectorTimeout:         10 * time.Second,
			BatchTimeout:            60 * time.Second,
			MaxConnectionsPerEntity: 50,
			MinConfidence:           0.3,

			EnableConnectionExpansion: true,
			EnableRiskScoring:         true,
			EnableAutoResponse:        true,
		},
		Policy: PolicyConfig{
			Thresholds: []ScoreThreshold{
				{MinScore: 30, Actions: []string{"send_alert"}},
				{MinScore: 50, Actions: []string{"send_alert", "collect_evidence"}},
				{MinScore: 70, Actions: []string{"send_alert", "create_ticket", "collect_evidence"}},
				{MinScore: 85, Actions: []string{"block_ip", "send_alert", "create_ticket", "notify_admin"}},
				{MinScore: 95, Actions: []string{"block_ip", "disable_user", "isolate_host", "send_alert", "create_ticket", "notify_admin", "collect_evidence"}},
			},
		},
		Resilience: ResilienceConfig{
			MaxFailures:      5,
			Interval:         60 * time.Second,
			OpenStateTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses a YAML config file, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	loadFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("SENTRYSCOPE_MAX_CONCURRENT_PROCESSING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.MaxConcurrentProcessing = n
		}
	}
	if v := os.Getenv("SENTRYSCOPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTRYSCOPE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
		cfg.Cache.Enabled = true
	}
	if v := os.Getenv("SENTRYSCOPE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
}

func validate(cfg *Config) error {
	if cfg.Processing.MaxConcurrentProcessing <= 0 {
		return fmt.Errorf("processing.max_concurrent_processing must be positive")
	}
	if cfg.Processing.MinConfidence < 0 || cfg.Processing.MinConfidence > 1 {
		return fmt.Errorf("processing.min_confidence must be in [0,1]")
	}
	if cfg.Processing.BackendTimeout <= 0 {
		return fmt.Errorf("processing.backend_timeout must be positive")
	}
	for i, th := range cfg.Policy.Thresholds {
		if th.MinScore < 0 || th.MinScore > 100 {
			return fmt.Errorf("policy.thresholds[%d].min_score must be in [0,100]", i)
		}
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when cache.enabled is true")
	}
	return nil
}
