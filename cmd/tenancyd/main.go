// Command tenancyd serves tenant-scoped HTTP traffic over PostgreSQL
// schemas and provisions new tenant schemas on request.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/catalog"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/config"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/events"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/httpapi"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/migrations"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/provision"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("tenancyd stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := multitenancy.DSNConfig{
		ConnectionURL: cfg.Postgres.ConnURL,
		Username:      cfg.Postgres.Username,
		Password:      cfg.Postgres.Password,
	}
	settings := multitenancy.PoolSettings{
		MaxConns:          cfg.Postgres.MaxConns,
		MinConns:          cfg.Postgres.MinConns,
		MaxConnIdleTime:   cfg.Postgres.MaxConnIdleTime,
		MaxConnLifetime:   cfg.Postgres.MaxConnLifetime,
		HealthCheckPeriod: cfg.Postgres.HealthCheckPeriod,
		ApplicationName:   cfg.Postgres.ApplicationName,
		Timezone:          cfg.Postgres.Timezone,
	}
	template := multitenancy.Parse(cfg.Tenancy.TemplateSchema)

	if cfg.Postgres.MigrateOnStart {
		if err := migrate(ctx, dsn, template, settings, logger); err != nil {
			return err
		}
	}

	shared, err := multitenancy.OpenPgxPool(ctx, dsn, settings)
	if err != nil {
		return err
	}
	defer shared.Close()

	mc := multitenancy.NewMetricsCollector()
	qt := multitenancy.NewQueryTracker()
	qt.AddPostHook(multitenancy.LoggingHook(logger.Named("query")))
	qt.AddPostHook(multitenancy.MetricsHook(mc))

	provider := multitenancy.NewProvider(multitenancy.WrapPgxPool(shared),
		multitenancy.WithLogger(logger),
		multitenancy.WithMetrics(mc),
		multitenancy.WithQueryTracker(qt),
	)
	store := catalog.NewStore(shared)

	var conns multitenancy.ConnSource = provider
	var registry *multitenancy.Registry
	if cfg.Tenancy.Strategy == config.StrategyRegistry {
		registry, err = openRegistry(ctx, cfg, shared, store, settings, mc, qt, logger)
		if err != nil {
			return err
		}
		defer registry.Close()
		conns = registry
	}

	var publisher provision.Publisher
	var consumers sync.WaitGroup
	if cfg.AMQP.URL != "" {
		broker, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		defer broker.Close()

		if publisher, err = openPublisher(broker, cfg.AMQP, logger); err != nil {
			return err
		}

		if registry != nil {
			ch, err := broker.Channel()
			if err != nil {
				return fmt.Errorf("open consumer channel: %w", err)
			}
			defer ch.Close()
			deliveries, err := events.Subscribe(ch, cfg.AMQP.Exchange, cfg.AMQP.Prefetch)
			if err != nil {
				return err
			}
			consumer := events.NewConsumer(registry, logger.Named("events"))
			consumers.Add(1)
			go func() {
				defer consumers.Done()
				consumer.Run(ctx, deliveries, cfg.AMQP.Workers)
			}()
		}
	}
	if registry != nil {
		// lifecycle changes reach this node's registry without a broker round trip
		publisher = events.NewLocalPublisher(registry, publisher, logger.Named("events"))
	}

	provisioner, err := provision.New(provision.Config{
		Conns:    provider,
		Catalog:  store,
		Template: template,
		Target: provision.Target{
			ConnectionURL: cfg.Postgres.ConnURL,
			Username:      cfg.Postgres.Username,
			Credential:    cfg.Postgres.Password,
		},
		Publisher: publisher,
		Logger:    logger.Named("provision"),
		HashCost:  cfg.Tenancy.HashCost,
	})
	if err != nil {
		return err
	}

	tokens := security.TokenConfig{
		Secret: []byte(cfg.JWT.Secret),
		Issuer: cfg.JWT.Issuer,
		TTL:    cfg.JWT.TTL,
	}
	issuer, err := security.NewIssuer(tokens)
	if err != nil {
		return err
	}
	binder, err := security.NewBinder(tokens)
	if err != nil {
		return err
	}

	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		mc,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := httpapi.New(httpapi.Deps{
		Conns:         conns,
		Schemas:       provisioner,
		Authenticator: security.NewAuthenticator(conns, logger.Named("auth")),
		Issuer:        issuer,
		Verifier:      binder,
		Gatherer:      gatherer,
		Health:        shared.Ping,
		TenantHeader:  cfg.HTTP.TenantHeader,
		AdminKey:      cfg.HTTP.AdminKey,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
		Logger:        logger.Named("http"),
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("strategy", cfg.Tenancy.Strategy))
		listenErr <- app.Listen(cfg.HTTP.Addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownErr := app.ShutdownWithTimeout(cfg.HTTP.ShutdownTimeout)
	cancel()
	consumers.Wait()
	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return nil
}

// migrate applies the embedded migrations through a short-lived pool pinned
// to the template schema, so unqualified template DDL lands there.
func migrate(ctx context.Context, dsn multitenancy.DSNConfig, template multitenancy.ID, settings multitenancy.PoolSettings, logger *zap.Logger) error {
	dsn.Schema = template
	settings.MaxConns, settings.MinConns = 2, 1
	pool, err := multitenancy.OpenPgxPool(ctx, dsn, settings)
	if err != nil {
		return err
	}
	defer pool.Close()
	return migrations.Up(ctx, pool, logger.Named("migrations"))
}

func openRegistry(
	ctx context.Context,
	cfg config.Config,
	shared *pgxpool.Pool,
	store *catalog.Store,
	settings multitenancy.PoolSettings,
	mc *multitenancy.MetricsCollector,
	qt *multitenancy.QueryTracker,
	logger *zap.Logger,
) (*multitenancy.Registry, error) {
	tenantSettings := settings
	tenantSettings.MaxConns = cfg.Tenancy.TenantMaxConns
	tenantSettings.MinConns = min(settings.MinConns, tenantSettings.MaxConns)

	open := catalog.OpenFunc(multitenancy.NewPgxPool)
	registry, err := multitenancy.NewRegistry(multitenancy.RegistryConfig{
		Fallback:   multitenancy.WrapPgxPool(shared),
		Opener:     store.Opener(open, tenantSettings),
		DrainGrace: cfg.Tenancy.DrainGrace,
		Logger:     logger.Named("registry"),
		Metrics:    mc,
		Tracker:    qt,
	})
	if err != nil {
		return nil, err
	}
	if _, err := catalog.Hydrate(ctx, store, registry, open, tenantSettings, logger.Named("catalog")); err != nil {
		registry.Close()
		return nil, fmt.Errorf("hydrate registry: %w", err)
	}
	return registry, nil
}

func openPublisher(broker *amqp.Connection, cfg config.AMQP, logger *zap.Logger) (*events.Publisher, error) {
	ch, err := broker.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return events.NewPublisher(ch, cfg.Exchange, logger.Named("events")), nil
}
