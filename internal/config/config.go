// Package config loads the tracker configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/shift"
	"github.com/wolfeidau/shiftrunner/internal/store/postgres"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Worker WorkerConfig `yaml:"worker"`

	// Timezone names the IANA zone used for day boundaries in history totals.
	// Default: UTC
	Timezone string `yaml:"timezone"`

	Tracker  shift.Config    `yaml:"tracker"`
	Location location.Config `yaml:"location"`
	Route    RouteConfig     `yaml:"route"`
	Store    StoreConfig     `yaml:"store"`

	loc *time.Location
}

// WorkerConfig identifies the worker the tracker runs for.
type WorkerConfig struct {
	ID        string `yaml:"id"`
	CompanyID string `yaml:"company_id"`
}

// RouteConfig describes the route walked by the simulated device.
type RouteConfig struct {
	Waypoints []location.Waypoint `yaml:"waypoints"`

	// SpeedMetersPerSecond is the walking speed along the route.
	// Default: 1.4
	SpeedMetersPerSecond float64 `yaml:"speed_mps"`

	// SampleInterval is how often the device reports a position.
	// Default: 5s
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Type is memory or postgres.
	// Default: memory
	Type string `yaml:"type"`

	Postgres postgres.SessionStoreConfig `yaml:"postgres"`
	Redis    RedisConfig                 `yaml:"redis"`
}

// RedisConfig enables the Redis change feed when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces the pub/sub channels.
	// Default: shift
	Prefix string `yaml:"prefix"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Store.Type == StorePostgres {
		c.Store.Postgres.ApplyDefaults()
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "shift"
	}
	if c.Route.SpeedMetersPerSecond == 0 {
		c.Route.SpeedMetersPerSecond = 1.4
	}
	if c.Route.SampleInterval == 0 {
		c.Route.SampleInterval = 5 * time.Second
	}

	c.Tracker.ApplyDefaults()
	c.Location.ApplyDefaults()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Worker.ID == "" {
		return errors.New("worker.id is required")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	c.loc = loc

	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if err := c.Store.Postgres.Validate(); err != nil {
			return fmt.Errorf("store.postgres: %w", err)
		}
	default:
		return fmt.Errorf("store.type must be %s or %s, got %q", StoreMemory, StorePostgres, c.Store.Type)
	}

	if n := len(c.Route.Waypoints); n == 1 {
		return errors.New("route needs at least two waypoints")
	}
	if c.Route.SpeedMetersPerSecond <= 0 {
		return errors.New("route.speed_mps must be positive")
	}
	if c.Route.SampleInterval <= 0 {
		return errors.New("route.sample_interval must be positive")
	}

	return nil
}

// Zone returns the timezone used for day boundaries. It is only valid
// after Validate has succeeded.
func (c *Config) Zone() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}
