// Package config loads tenancyd settings from the environment. A .env file
// in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Routing strategies.
const (
	// StrategySession binds connections of one shared pool with search_path.
	StrategySession = "session"
	// StrategyRegistry keeps a dedicated pool per tenant.
	StrategyRegistry = "registry"
)

// ErrInvalidConfig is returned when parsed settings fail validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	HTTP     HTTP     `envPrefix:"HTTP_"`
	Postgres Postgres `envPrefix:"PG_"`
	Tenancy  Tenancy  `envPrefix:"TENANCY_"`
	JWT      JWT      `envPrefix:"JWT_"`
	AMQP     AMQP     `envPrefix:"AMQP_"`
	Log      Log      `envPrefix:"LOG_"`
}

type HTTP struct {
	Addr            string        `env:"ADDR" envDefault:":3000"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	TenantHeader    string        `env:"TENANT_HEADER" envDefault:"X-Tenant-ID"`
	AdminKey        string        `env:"ADMIN_KEY,required"`
}

type Postgres struct {
	ConnURL           string        `env:"CONN_URL,required"`
	Username          string        `env:"USER"`
	Password          string        `env:"PASSWORD"`
	MaxConns          int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns          int32         `env:"MIN_CONNS" envDefault:"1"`
	MaxConnIdleTime   time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	MaxConnLifetime   time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	HealthCheckPeriod time.Duration `env:"HEALTHCHECK_PERIOD" envDefault:"15s"`
	ApplicationName   string        `env:"APPLICATION_NAME" envDefault:"tenancyd"`
	Timezone          string        `env:"TIMEZONE"`
	MigrateOnStart    bool          `env:"MIGRATE_ON_START" envDefault:"true"`
}

type Tenancy struct {
	Strategy       string        `env:"STRATEGY" envDefault:"session"`
	TemplateSchema string        `env:"TEMPLATE_SCHEMA" envDefault:"public"`
	DrainGrace     time.Duration `env:"DRAIN_GRACE" envDefault:"30s"`
	// TenantMaxConns sizes each dedicated pool under the registry strategy.
	TenantMaxConns int32 `env:"TENANT_MAX_CONNS" envDefault:"5"`
	HashCost       int   `env:"HASH_COST" envDefault:"10"`
}

type JWT struct {
	Secret string        `env:"SECRET,required"`
	Issuer string        `env:"ISSUER" envDefault:"tenancyd"`
	TTL    time.Duration `env:"TTL" envDefault:"1h"`
}

// AMQP settings. Events are disabled when URL is empty.
type AMQP struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"tenancy.events"`
	Prefetch int    `env:"PREFETCH" envDefault:"5"`
	Workers  int    `env:"WORKERS" envDefault:"2"`
}

// Log settings. Format is one of json, console or logfmt.
type Log struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Format      string `env:"FORMAT" envDefault:"json"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

var dotenv sync.Once

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	dotenv.Do(func() {
		// the .env file is optional
		_ = godotenv.Load()
	})
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Join(ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings env tags cannot express.
func (c Config) Validate() error {
	switch c.Tenancy.Strategy {
	case StrategySession, StrategyRegistry:
	default:
		return fmt.Errorf("%w: unknown tenancy strategy %q", ErrInvalidConfig, c.Tenancy.Strategy)
	}
	switch c.Log.Format {
	case "json", "console", "logfmt":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if len(c.JWT.Secret) < 16 {
		return fmt.Errorf("%w: JWT secret must be at least 16 bytes", ErrInvalidConfig)
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("%w: PG_MIN_CONNS exceeds PG_MAX_CONNS", ErrInvalidConfig)
	}
	return nil
}
