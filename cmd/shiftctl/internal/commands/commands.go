package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/shiftrunner/internal/config"
	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/store"
	memorystore "github.com/wolfeidau/shiftrunner/internal/store/memory"
	postgresstore "github.com/wolfeidau/shiftrunner/internal/store/postgres"
	"github.com/wolfeidau/shiftrunner/internal/store/redisfeed"
)

type Globals struct {
	Debug   bool
	Version string
}

// ConfigFlags are shared by every command that talks to a session store.
// Flags override values read from the config file.
type ConfigFlags struct {
	Config    string `help:"path to YAML config file" type:"path" env:"SHIFT_CONFIG"`
	Worker    string `help:"worker id" env:"SHIFT_WORKER_ID"`
	Company   string `help:"company id" env:"SHIFT_COMPANY_ID"`
	Timezone  string `help:"IANA timezone for day boundaries" env:"SHIFT_TIMEZONE"`
	StoreType string `help:"store type (memory or postgres)" env:"SHIFT_STORE_TYPE"`

	PostgresConnString  string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	PostgresAutoMigrate bool   `help:"run database migrations on startup" default:"false" env:"SHIFT_POSTGRES_AUTO_MIGRATE"`

	RedisAddr     string `help:"Redis address for the active session feed" env:"SHIFT_REDIS_ADDR"`
	RedisPassword string `help:"Redis password" env:"SHIFT_REDIS_PASSWORD"`
}

// load reads the config file if one is given and applies flag overrides.
func (f *ConfigFlags) load() (*config.Config, error) {
	cfg := &config.Config{}
	if f.Config != "" {
		loaded, err := config.Load(f.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.Worker != "" {
		cfg.Worker.ID = f.Worker
	}
	if f.Company != "" {
		cfg.Worker.CompanyID = f.Company
	}
	if f.Timezone != "" {
		cfg.Timezone = f.Timezone
	}
	if f.StoreType != "" {
		cfg.Store.Type = f.StoreType
	}
	if f.PostgresConnString != "" {
		cfg.Store.Postgres.ConnString = f.PostgresConnString
	}
	if f.PostgresAutoMigrate {
		cfg.Store.Postgres.AutoMigrate = true
	}
	if f.RedisAddr != "" {
		cfg.Store.Redis.Addr = f.RedisAddr
	}
	if f.RedisPassword != "" {
		cfg.Store.Redis.Password = f.RedisPassword
	}
	if len(cfg.Route.Waypoints) == 0 {
		cfg.Route.Waypoints = defaultRoute
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultRoute is a short walk north from downtown Austin.
var defaultRoute = []location.Waypoint{
	{Lat: 30.2672, Lng: -97.7431},
	{Lat: 30.2700, Lng: -97.7431},
	{Lat: 30.2700, Lng: -97.7400},
}

// openStore builds the configured session store. The returned close function
// releases every connection it opened.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.SessionStore, func(), error) {
	var (
		st      store.SessionStore
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Type {
	case config.StorePostgres:
		log.Info().Bool("auto_migrate", cfg.Store.Postgres.AutoMigrate).Msg("Using PostgreSQL session store")
		pg, err := postgresstore.NewSessionStore(ctx, &cfg.Store.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create PostgreSQL store: %w", err)
		}
		if err := pg.Start(); err != nil {
			_ = pg.Stop()
			return nil, nil, fmt.Errorf("failed to start PostgreSQL store: %w", err)
		}
		closers = append(closers, func() {
			if err := pg.Stop(); err != nil {
				log.Error().Err(err).Msg("Failed to stop PostgreSQL store")
			}
		})
		st = pg
	default:
		log.Info().Msg("Using in-memory session store")
		st = memorystore.NewSessionStore()
	}

	if cfg.Store.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Store.Redis.Addr, err)
		}

		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Redis client")
			}
		})

		log.Info().Str("addr", cfg.Store.Redis.Addr).Str("prefix", cfg.Store.Redis.Prefix).Msg("Publishing active sessions to Redis")
		st = redisfeed.New(st, client, redisfeed.WithPrefix(cfg.Store.Redis.Prefix))
	}

	return st, closeAll, nil
}
