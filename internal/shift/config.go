package shift

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds timing and retry settings for a Controller.
type Config struct {
	// TickInterval is how often the push loop checks for a fresh sample.
	// Default: 15s
	TickInterval time.Duration `yaml:"tick_interval"`

	// WriteMaxAttempts bounds the clock-in write.
	// Default: 5
	WriteMaxAttempts int `yaml:"write_max_attempts"`

	// CloseMaxAttempts bounds each step of a close (append, then delete).
	// Default: 5
	CloseMaxAttempts int `yaml:"close_max_attempts"`

	// ReadMaxAttempts bounds reconciliation and the clock-in existence check.
	// Default: 5
	ReadMaxAttempts int `yaml:"read_max_attempts"`

	// InitialBackoff is the first retry delay.
	// Default: 500ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the retry delay.
	// Default: 10s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestAlways asks for background ("always") location access instead of while-in-use.
	RequestAlways bool `yaml:"request_always"`
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.WriteMaxAttempts == 0 {
		c.WriteMaxAttempts = 5
	}
	if c.CloseMaxAttempts == 0 {
		c.CloseMaxAttempts = 5
	}
	if c.ReadMaxAttempts == 0 {
		c.ReadMaxAttempts = 5
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.WriteMaxAttempts < 1 || c.CloseMaxAttempts < 1 || c.ReadMaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff (%s) must not be less than initial backoff (%s)", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

func (c *Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	return b
}
