package tokenrefresh

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig and by withDefaults for zero-valued
// fields.
const (
	defaultRefreshBufferSeconds        = 300
	defaultMaxRetryAttempts            = 3
	defaultRetryBaseDelayMillis        = 100
	defaultRetryMaxDelayMillis         = 5000
	defaultRetryBackoffFactor          = 2.0
	defaultRefreshCheckIntervalSeconds = 30
	defaultLogLevel                    = "info"
)

// Config controls the token lifecycle manager. Duration-like values are
// expressed as integer seconds or milliseconds so the struct round-trips
// through YAML and JSON without custom unmarshalling.
type Config struct {
	// RefreshBufferSeconds is the look-ahead window before expiry: a token
	// needs refresh once expiresAt - now <= buffer.
	RefreshBufferSeconds int `json:"refreshBufferSeconds" yaml:"refreshBufferSeconds"`

	// MaxRetryAttempts is the total number of exchanger calls per failure
	// cycle, the initial attempt included. Reaching it evicts the session.
	MaxRetryAttempts int `json:"maxRetryAttempts" yaml:"maxRetryAttempts"`

	// RetryBaseDelayMillis is the delay before the second attempt. Later
	// attempts scale it by RetryBackoffFactor.
	RetryBaseDelayMillis int `json:"retryBaseDelayMillis" yaml:"retryBaseDelayMillis"`

	// RetryMaxDelayMillis caps the scaled delay.
	RetryMaxDelayMillis int `json:"retryMaxDelayMillis" yaml:"retryMaxDelayMillis"`

	// RetryBackoffFactor multiplies the delay per attempt. Must be >= 1 so
	// delays stay monotonic non-decreasing within a cycle.
	RetryBackoffFactor float64 `json:"retryBackoffFactor" yaml:"retryBackoffFactor"`

	// RetryJitter adds up to +-10% randomization to each delay. With the
	// default backoff factor the delay sequence stays monotonic.
	RetryJitter bool `json:"retryJitter" yaml:"retryJitter"`

	// RefreshCheckIntervalSeconds is the period of the background scan tick.
	RefreshCheckIntervalSeconds int `json:"refreshCheckIntervalSeconds" yaml:"refreshCheckIntervalSeconds"`

	// LogLevel is one of "debug", "info", "error".
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshBufferSeconds:        defaultRefreshBufferSeconds,
		MaxRetryAttempts:            defaultMaxRetryAttempts,
		RetryBaseDelayMillis:        defaultRetryBaseDelayMillis,
		RetryMaxDelayMillis:         defaultRetryMaxDelayMillis,
		RetryBackoffFactor:          defaultRetryBackoffFactor,
		RetryJitter:                 false,
		RefreshCheckIntervalSeconds: defaultRefreshCheckIntervalSeconds,
		LogLevel:                    defaultLogLevel,
	}
}

// withDefaults returns a copy with zero-valued fields replaced by defaults.
// Explicit negative values are left in place for Validate to reject.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.RefreshBufferSeconds == 0 {
		out.RefreshBufferSeconds = defaultRefreshBufferSeconds
	}
	if out.MaxRetryAttempts == 0 {
		out.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if out.RetryBaseDelayMillis == 0 {
		out.RetryBaseDelayMillis = defaultRetryBaseDelayMillis
	}
	if out.RetryMaxDelayMillis == 0 {
		out.RetryMaxDelayMillis = defaultRetryMaxDelayMillis
	}
	if out.RetryBackoffFactor == 0 {
		out.RetryBackoffFactor = defaultRetryBackoffFactor
	}
	if out.RefreshCheckIntervalSeconds == 0 {
		out.RefreshCheckIntervalSeconds = defaultRefreshCheckIntervalSeconds
	}
	if out.LogLevel == "" {
		out.LogLevel = defaultLogLevel
	}
	return &out
}

// Validate reports the first invalid field. It expects a config that already
// went through withDefaults, so zero values are treated as invalid rather
// than as defaults.
func (c *Config) Validate() error {
	if c.RefreshBufferSeconds < 0 {
		return fmt.Errorf("refreshBufferSeconds must not be negative, got %d", c.RefreshBufferSeconds)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("maxRetryAttempts must be at least 1, got %d", c.MaxRetryAttempts)
	}
	if c.RetryBaseDelayMillis < 0 {
		return fmt.Errorf("retryBaseDelayMillis must not be negative, got %d", c.RetryBaseDelayMillis)
	}
	if c.RetryMaxDelayMillis < c.RetryBaseDelayMillis {
		return fmt.Errorf("retryMaxDelayMillis (%d) must not be below retryBaseDelayMillis (%d)",
			c.RetryMaxDelayMillis, c.RetryBaseDelayMillis)
	}
	if c.RetryBackoffFactor < 1.0 {
		return fmt.Errorf("retryBackoffFactor must be at least 1.0, got %g", c.RetryBackoffFactor)
	}
	if c.RefreshCheckIntervalSeconds < 1 {
		return fmt.Errorf("refreshCheckIntervalSeconds must be at least 1, got %d", c.RefreshCheckIntervalSeconds)
	}
	return nil
}

func (c *Config) refreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferSeconds) * time.Second
}

func (c *Config) retryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMillis) * time.Millisecond
}

func (c *Config) retryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMillis) * time.Millisecond
}

func (c *Config) refreshCheckInterval() time.Duration {
	return time.Duration(c.RefreshCheckIntervalSeconds) * time.Second
}

// ParseConfigYAML decodes a YAML document into a Config, fills unset fields
// with defaults, and validates the result.
func ParseConfigYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	out := c.withDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
