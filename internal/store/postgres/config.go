package postgres

import (
	"fmt"
)

// SessionStoreConfig holds session-specific configuration for the PostgreSQL store.
// Pool configuration is handled separately via PoolConfig.
type SessionStoreConfig struct {
	PoolConfig `yaml:",inline"`

	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool `yaml:"auto_migrate"`

	// QueryTimeoutSeconds is the maximum time a query can run before timing out.
	// Default: 10 seconds
	// Set to -1 to use context timeouts only (no additional timeout)
	QueryTimeoutSeconds int32 `yaml:"query_timeout_seconds"`

	// ResubscribeMaxSeconds caps the backoff between LISTEN reconnect attempts.
	// Default: 30
	ResubscribeMaxSeconds int32 `yaml:"resubscribe_max_seconds"`
}

// Validate checks that the configuration is valid.
func (c *SessionStoreConfig) Validate() error {
	if err := c.PoolConfig.Validate(); err != nil {
		return err
	}
	if c.ResubscribeMaxSeconds < 0 {
		return fmt.Errorf("resubscribe max seconds must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *SessionStoreConfig) ApplyDefaults() {
	c.PoolConfig.ApplyDefaults()

	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 10 // 10 seconds
	}
	if c.ResubscribeMaxSeconds == 0 {
		c.ResubscribeMaxSeconds = 30
	}
}
