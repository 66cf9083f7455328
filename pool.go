package multitenancy

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DSNConfig describes how to reach the database that hosts a tenant schema.
type DSNConfig struct {
	// ConnectionURL is a postgres:// URL or key=value DSN without credentials.
	// Example: "postgres://db.internal:5432/school?sslmode=disable"
	ConnectionURL string

	// Username for the PostgreSQL connection
	Username string

	// Password for the PostgreSQL connection
	Password string

	// Schema is pinned as the search_path runtime parameter of every
	// connection the pool opens.
	Schema ID
}

// PoolSettings holds sizing and lifetime settings shared by tenant pools.
type PoolSettings struct {
	// MaxConns is the maximum number of connections per tenant pool
	MaxConns int32

	// MinConns is the minimum number of connections per tenant pool
	MinConns int32

	MaxConnIdleTime   time.Duration
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration

	DefaultQueryExecMode pgx.QueryExecMode

	// ApplicationName is the application name to use for the connection
	ApplicationName string

	// Timezone is the timezone to use for the connection
	Timezone string
}

func (s PoolSettings) withDefaults() PoolSettings {
	if s.MaxConns == 0 {
		s.MaxConns = 5
	}
	if s.MinConns == 0 {
		s.MinConns = 1
	}
	if s.MaxConnIdleTime == 0 {
		s.MaxConnIdleTime = 5 * time.Minute
	}
	if s.MaxConnLifetime == 0 {
		s.MaxConnLifetime = 30 * time.Minute
	}
	if s.HealthCheckPeriod == 0 {
		s.HealthCheckPeriod = 15 * time.Second
	}
	return s
}

// NewPgxPool opens a dedicated pool for one tenant schema and verifies it
// with a ping.
func NewPgxPool(ctx context.Context, dsn DSNConfig, settings PoolSettings) (Pool, error) {
	pool, err := OpenPgxPool(ctx, dsn, settings)
	if err != nil {
		return nil, err
	}
	return WrapPgxPool(pool), nil
}

// OpenPgxPool is NewPgxPool for callers that need the concrete pgx pool,
// such as the shared pool behind a Provider or the migration runner.
func OpenPgxPool(ctx context.Context, dsn DSNConfig, settings PoolSettings) (*pgxpool.Pool, error) {
	poolConfig, err := buildPoolConfig(dsn, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool config for tenant %s: %w", dsn.Schema, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %s: %w", ErrConnectionUnavailable, dsn.Schema, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: tenant %s: %w", ErrConnectionUnavailable, dsn.Schema, err)
	}
	return pool, nil
}

// buildPoolConfig creates a connection pool configuration for the tenant.
func buildPoolConfig(dsn DSNConfig, settings PoolSettings) (*pgxpool.Config, error) {
	settings = settings.withDefaults()

	connString, err := withCredentials(dsn.ConnectionURL, dsn.Username, dsn.Password)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = settings.MaxConns
	poolConfig.MinConns = settings.MinConns
	poolConfig.MaxConnIdleTime = settings.MaxConnIdleTime
	poolConfig.MaxConnLifetime = settings.MaxConnLifetime
	poolConfig.HealthCheckPeriod = settings.HealthCheckPeriod
	if settings.DefaultQueryExecMode != 0 {
		poolConfig.ConnConfig.DefaultQueryExecMode = settings.DefaultQueryExecMode
	}

	params := poolConfig.ConnConfig.RuntimeParams
	if params == nil {
		params = map[string]string{}
		poolConfig.ConnConfig.RuntimeParams = params
	}
	schema := Parse(string(dsn.Schema))
	params["search_path"] = pgx.Identifier{string(schema)}.Sanitize()
	if settings.ApplicationName != "" {
		params["application_name"] = settings.ApplicationName
	}
	if settings.Timezone != "" {
		params["timezone"] = settings.Timezone
	}

	return poolConfig, nil
}

// withCredentials injects user and password into a postgres URL. Key=value
// DSNs are extended instead.
func withCredentials(connURL, username, password string) (string, error) {
	if connURL == "" {
		return "", fmt.Errorf("connection url is required")
	}

	u, err := url.Parse(connURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		dsn := connURL
		if username != "" {
			dsn += " user=" + quoteDSNValue(username)
		}
		if password != "" {
			dsn += " password=" + quoteDSNValue(password)
		}
		return dsn, nil
	}

	switch {
	case username != "" && password != "":
		u.User = url.UserPassword(username, password)
	case username != "":
		u.User = url.User(username)
	}
	return u.String(), nil
}

func quoteDSNValue(v string) string {
	out := make([]byte, 0, len(v)+2)
	out = append(out, '\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(append(out, '\''))
}
