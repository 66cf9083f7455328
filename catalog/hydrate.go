package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// OpenFunc builds a pool from connection settings. multitenancy.NewPgxPool
// is the production implementation.
type OpenFunc func(ctx context.Context, dsn multitenancy.DSNConfig, settings multitenancy.PoolSettings) (multitenancy.Pool, error)

// Opener returns a registry Opener that reads the tenant's entry and opens a
// dedicated pool for it. A tenant without an entry reports
// multitenancy.ErrUnknownSchema.
func (s *Store) Opener(open OpenFunc, settings multitenancy.PoolSettings) multitenancy.Opener {
	return func(ctx context.Context, id multitenancy.ID) (multitenancy.Pool, error) {
		e, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", multitenancy.ErrUnknownSchema, id)
			}
			return nil, err
		}
		return open(ctx, e.DSN(), settings)
	}
}

// Hydrate registers a dedicated pool for every catalog entry. Entries whose
// pool cannot be opened are logged and skipped; they are retried lazily by
// the registry on first use.
func Hydrate(ctx context.Context, s *Store, r *multitenancy.Registry, open OpenFunc, settings multitenancy.PoolSettings, logger *zap.Logger) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, e := range entries {
		pool, err := open(ctx, e.DSN(), settings)
		if err != nil {
			logger.Warn("skipping tenant during hydration",
				zap.String("schema", e.Schema.String()), zap.Error(err))
			continue
		}
		r.Register(e.Schema, pool)
		loaded++
	}
	logger.Info("registry hydrated", zap.Int("tenants", loaded), zap.Int("catalog", len(entries)))
	return loaded, nil
}
