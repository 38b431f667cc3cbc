// Package config loads and validates the engine's YAML configuration.
// Environment variables in the file (e.g. ${REDIS_URL}) are expanded
// before parsing, so deployments can keep secrets out of the file itself.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/assembler"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/cache"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/classifier"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/monitor"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/predictor"
)

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// QualityDimension configures one gate dimension. The evaluator name must
// match a registered evaluator.
type QualityDimension struct {
	Name      string  `yaml:"name"`
	Evaluator string  `yaml:"evaluator"`
	Threshold float64 `yaml:"threshold"`
	Mandatory bool    `yaml:"mandatory"`
}

// AlertsConfig configures NATS alert publishing. Disabled when URL is empty.
type AlertsConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// TelemetryConfig configures OTLP export. Disabled when Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// FragmentStoreConfig configures the backing fragment store.
type FragmentStoreConfig struct {
	// Dir holds fragment files for the local store; one file per key.
	Dir string `yaml:"dir"`
	// MaxAttempts bounds fetch retries per fragment.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseInterval is the initial retry backoff.
	BaseInterval time.Duration `yaml:"base_interval"`
}

// Config is the root configuration for contextd.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Store      FragmentStoreConfig `yaml:"store"`
	Cache      cache.Config        `yaml:"cache"`
	Classifier classifier.Config   `yaml:"classifier"`
	Assembler  assembler.Config    `yaml:"assembler"`
	Predictor  predictor.Config    `yaml:"predictor"`
	Quality    []QualityDimension  `yaml:"quality"`
	Monitor    monitor.Config      `yaml:"monitor"`
	Alerts     AlertsConfig        `yaml:"alerts"`
	Telemetry  TelemetryConfig     `yaml:"telemetry"`
}

// LoadFromFile loads configuration from a YAML file. Environment variables
// are expanded before parsing. Fields left unset fall back to defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration that runs standalone: in-memory tiers
// only, no redis, no NATS, no telemetry export.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Store: FragmentStoreConfig{
			Dir:          "./fragments",
			MaxAttempts:  3,
			BaseInterval: 100 * time.Millisecond,
		},
		Cache:      *cache.DefaultConfig(),
		Classifier: *classifier.DefaultConfig(),
		Assembler:  *assembler.DefaultConfig(),
		Predictor:  *predictor.DefaultConfig(),
		Quality: []QualityDimension{
			{Name: "completeness", Evaluator: "completeness", Threshold: 0.5, Mandatory: true},
			{Name: "token_density", Evaluator: "token_density", Threshold: 0.2, Mandatory: false},
		},
		Monitor: *monitor.DefaultConfig(),
		Alerts: AlertsConfig{
			Subject: "context.alerts",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "contextd",
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Store.MaxAttempts < 1 {
		return fmt.Errorf("store.max_attempts must be at least 1")
	}
	seen := make(map[int]bool)
	for _, layer := range c.Assembler.Layers {
		if layer.Ordinal < 1 || layer.Ordinal > 3 {
			return fmt.Errorf("assembler layer ordinal %d out of range 1-3", layer.Ordinal)
		}
		if seen[layer.Ordinal] {
			return fmt.Errorf("duplicate assembler layer ordinal %d", layer.Ordinal)
		}
		seen[layer.Ordinal] = true
		if layer.Budget <= 0 {
			return fmt.Errorf("assembler layer %d budget must be positive", layer.Ordinal)
		}
	}
	for _, dim := range c.Quality {
		if dim.Name == "" || dim.Evaluator == "" {
			return fmt.Errorf("quality dimension needs both name and evaluator")
		}
		if dim.Threshold < 0 || dim.Threshold > 1 {
			return fmt.Errorf("quality dimension %s threshold %v out of range 0-1", dim.Name, dim.Threshold)
		}
	}
	if c.Predictor.ConfidenceFloor < 0 || c.Predictor.ConfidenceFloor > 1 {
		return fmt.Errorf("predictor.confidence_floor %v out of range 0-1", c.Predictor.ConfidenceFloor)
	}
	return nil
}
