package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolConfig sizes the connection pool shared by session writes, history
// queries and LISTEN subscriptions.
type PoolConfig struct {
	// ConnString is a postgres:// URL or key/value DSN.
	ConnString string `yaml:"conn_string"`

	// MaxConns bounds the pool. Every SubscribeActive pins one connection
	// while it listens, so at least one more is needed for writes.
	// Default: 10
	MaxConns int32 `yaml:"max_conns"`

	// MinConns kept warm so a clock-in does not pay for a dial. Default: 2
	MinConns int32 `yaml:"min_conns"`

	// MaxConnLifetime recycles connections. Default: 1h
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`

	// MaxConnIdleTime closes connections idle longer than this. Default: 30m
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`

	// HealthCheckPeriod between background pings of idle connections. Default: 1m
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`

	// ConnectTimeout for a single dial. Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Validate rejects a pool that cannot serve a listener and a writer at once.
func (c *PoolConfig) Validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("connection string is required")
	}
	if c.MaxConns < 2 {
		return fmt.Errorf("max conns (%d) must leave room for a listener and a writer", c.MaxConns)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns (%d) exceeds max conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *PoolConfig) ApplyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func (c *PoolConfig) pgxConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnLifetime = c.MaxConnLifetime
	pc.MaxConnIdleTime = c.MaxConnIdleTime
	pc.HealthCheckPeriod = c.HealthCheckPeriod
	pc.ConnConfig.ConnectTimeout = c.ConnectTimeout
	return pc, nil
}

// NewPool opens the session store's pool and pings the server before
// returning it.
func NewPool(ctx context.Context, cfg *PoolConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pool config is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	pc, err := cfg.pgxConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("database", pc.ConnConfig.Database).
		Str("host", pc.ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Msg("Session store pool ready")

	return pool, nil
}
