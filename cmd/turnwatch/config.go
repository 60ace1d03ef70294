package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jfeld/turnwatch/internal/poller"
)

// Config is the turnwatch service configuration, loaded from YAML with
// environment overrides for deployment knobs.
type Config struct {
	HTTPAddr        string `yaml:"http_addr"`
	FetchTimeoutSec int    `yaml:"fetch_timeout_sec"`

	Poll struct {
		IntervalSec          int `yaml:"interval_sec"`
		Workers              int `yaml:"workers"`
		BackoffBaseSec       int `yaml:"backoff_base_sec"`
		BackoffCeilingSec    int `yaml:"backoff_ceiling_sec"`
		UnreachableThreshold int `yaml:"unreachable_threshold"`
	} `yaml:"poll"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

func loadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file is fine; defaults plus env cover everything.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if config.HTTPAddr == "" {
		config.HTTPAddr = ":" + getEnv("PORT", "8080")
	}
	if config.FetchTimeoutSec <= 0 {
		config.FetchTimeoutSec = 10
	}
	if config.Poll.IntervalSec <= 0 {
		config.Poll.IntervalSec = 60
	}
	if config.Poll.Workers <= 0 {
		config.Poll.Workers = 4
	}
	if config.Poll.BackoffBaseSec <= 0 {
		config.Poll.BackoffBaseSec = 60
	}
	if config.Poll.BackoffCeilingSec <= 0 {
		config.Poll.BackoffCeilingSec = 1800
	}
	if config.Poll.UnreachableThreshold <= 0 {
		config.Poll.UnreachableThreshold = 10
	}
	if config.NATS.URL == "" {
		config.NATS.URL = os.Getenv("NATS_URL")
	}
	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = "turnwatch.notify"
	}

	return &config, nil
}

// FetchTimeout returns the transport round-trip bound.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// PollerConfig maps the config onto poller settings.
func (c *Config) PollerConfig() poller.Config {
	return poller.Config{
		Interval:             time.Duration(c.Poll.IntervalSec) * time.Second,
		Workers:              c.Poll.Workers,
		BackoffBase:          time.Duration(c.Poll.BackoffBaseSec) * time.Second,
		BackoffCeiling:       time.Duration(c.Poll.BackoffCeilingSec) * time.Second,
		UnreachableThreshold: c.Poll.UnreachableThreshold,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
