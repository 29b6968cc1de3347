package roadsentry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the pipeline core. Zero values are replaced
// by documented defaults; durations are configured as integer seconds so the
// YAML stays plain.
type Config struct {
	RedisAddr string

	APIKeys         []string
	RateLimit       int64
	RateWindowSecs  int
	FrameInterval   int
	MaxRedeliveries int
	Concurrency     int

	AggregationTimeoutSecs int
	AggregationPollMs      int
	VisibilityTTLSecs      int
	ResultTTLSecs          int
	OpTimeoutSecs          int

	BackoffBaseMs int
	BackoffMaxMs  int
	// PublishAttempts bounds dispatcher publish retries per task before the
	// kind is dropped from the frame's expectation set.
	PublishAttempts int
}

type configFile struct {
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	Auth struct {
		APIKeys        []string `yaml:"api_keys"`
		RateLimit      int64    `yaml:"rate_limit"`
		RateWindowSecs int      `yaml:"rate_window_seconds"`
	} `yaml:"auth"`
	Pipeline struct {
		FrameInterval          int `yaml:"frame_interval"`
		MaxRedeliveries        int `yaml:"max_redeliveries"`
		Concurrency            int `yaml:"concurrency"`
		AggregationTimeoutSecs int `yaml:"aggregation_timeout_seconds"`
		AggregationPollMs      int `yaml:"aggregation_poll_ms"`
		VisibilityTTLSecs      int `yaml:"visibility_ttl_seconds"`
		ResultTTLSecs          int `yaml:"result_ttl_seconds"`
		OpTimeoutSecs          int `yaml:"op_timeout_seconds"`
	} `yaml:"pipeline"`
	Backoff struct {
		BaseMs          int `yaml:"base_ms"`
		MaxMs           int `yaml:"max_ms"`
		PublishAttempts int `yaml:"publish_attempts"`
	} `yaml:"backoff"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.withDefaults()
	return c
}

// LoadConfig reads a YAML config file and applies defaults for anything the
// file leaves unset. A missing file yields the pure defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return nil, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		cfg.RedisAddr = f.Redis.Addr
		cfg.APIKeys = f.Auth.APIKeys
		cfg.RateLimit = f.Auth.RateLimit
		cfg.RateWindowSecs = f.Auth.RateWindowSecs
		cfg.FrameInterval = f.Pipeline.FrameInterval
		cfg.MaxRedeliveries = f.Pipeline.MaxRedeliveries
		cfg.Concurrency = f.Pipeline.Concurrency
		cfg.AggregationTimeoutSecs = f.Pipeline.AggregationTimeoutSecs
		cfg.AggregationPollMs = f.Pipeline.AggregationPollMs
		cfg.VisibilityTTLSecs = f.Pipeline.VisibilityTTLSecs
		cfg.ResultTTLSecs = f.Pipeline.ResultTTLSecs
		cfg.OpTimeoutSecs = f.Pipeline.OpTimeoutSecs
		cfg.BackoffBaseMs = f.Backoff.BaseMs
		cfg.BackoffMaxMs = f.Backoff.MaxMs
		cfg.PublishAttempts = f.Backoff.PublishAttempts
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg.withDefaults()
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindowSecs <= 0 {
		c.RateWindowSecs = 60
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 5
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AggregationTimeoutSecs <= 0 {
		c.AggregationTimeoutSecs = 30
	}
	if c.AggregationPollMs <= 0 {
		c.AggregationPollMs = 200
	}
	if c.VisibilityTTLSecs <= 0 {
		c.VisibilityTTLSecs = 30
	}
	if c.ResultTTLSecs <= 0 {
		c.ResultTTLSecs = 3600
	}
	if c.OpTimeoutSecs <= 0 {
		c.OpTimeoutSecs = 5
	}
	if c.BackoffBaseMs <= 0 {
		c.BackoffBaseMs = 100
	}
	if c.BackoffMaxMs <= 0 {
		c.BackoffMaxMs = 10_000
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 5
	}
}

// RateWindow is the fixed time bucket used for rate-limit accounting.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSecs) * time.Second
}

// AggregationTimeout bounds how long a job waits for missing kinds.
func (c *Config) AggregationTimeout() time.Duration {
	return time.Duration(c.AggregationTimeoutSecs) * time.Second
}

// AggregationPoll is the interval at which watchers re-read the status hash.
func (c *Config) AggregationPoll() time.Duration {
	return time.Duration(c.AggregationPollMs) * time.Millisecond
}

// VisibilityTTL is the lease duration for a dequeued task.
func (c *Config) VisibilityTTL() time.Duration {
	return time.Duration(c.VisibilityTTLSecs) * time.Second
}

// ResultTTL bounds how long payloads, results and annotated frames are kept.
func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSecs) * time.Second
}

// OpTimeout bounds individual store calls so they never block indefinitely.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSecs) * time.Second
}

// BackoffBase is the initial reconnect backoff interval.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax caps the reconnect backoff interval.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
