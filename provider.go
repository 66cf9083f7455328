package multitenancy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Provider binds connections from one shared pool to the tenant schema named
// by the request context, using a session-level search_path.
type Provider struct {
	pool    Pool
	logger  *zap.Logger
	metrics *MetricsCollector
	tracker *QueryTracker
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records connection activity in mc.
func WithMetrics(mc *MetricsCollector) ProviderOption {
	return func(p *Provider) { p.metrics = mc }
}

// WithQueryTracker routes every statement through qt.
func WithQueryTracker(qt *QueryTracker) ProviderOption {
	return func(p *Provider) { p.tracker = qt }
}

// NewProvider creates a Provider over pool.
func NewProvider(pool Pool, opts ...ProviderOption) *Provider {
	p := &Provider{
		pool:   pool,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a connection bound to the tenant in ctx. The connection is
// never handed out unless its current_schema is confirmed to be the tenant's.
func (p *Provider) Acquire(ctx context.Context) (*TenantConn, error) {
	tenant := FromContext(ctx)

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		p.metrics.recordError(tenant)
		return nil, fmt.Errorf("%w: tenant %s: %w", ErrConnectionUnavailable, tenant, err)
	}

	if err := bind(ctx, conn, tenant); err != nil {
		p.metrics.recordError(tenant)
		p.logger.Warn("schema binding failed",
			zap.String("tenant", tenant.String()), zap.Error(err))
		p.reclaim(conn, tenant)
		return nil, err
	}

	p.metrics.RecordConnectionAcquired(tenant)

	return &TenantConn{
		conn:    conn,
		tenant:  tenant,
		tracker: p.tracker,
		release: func(c PoolConn) {
			p.reclaim(c, tenant)
			p.metrics.RecordConnectionReleased(tenant)
		},
	}, nil
}

// bind points the session at the tenant schema and verifies it took effect.
// PostgreSQL accepts a search_path naming a missing schema, in which case
// current_schema() is NULL.
func bind(ctx context.Context, conn PoolConn, tenant ID) error {
	if _, err := conn.Exec(ctx, bindStatement(tenant)); err != nil {
		return fmt.Errorf("%w: tenant %s: %w", ErrSchemaBinding, tenant, err)
	}

	var current *string
	if err := conn.QueryRow(ctx, currentSchemaQuery).Scan(&current); err != nil {
		return fmt.Errorf("%w: tenant %s: %w", ErrSchemaBinding, tenant, err)
	}
	if current == nil || *current != string(tenant) {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, tenant)
	}
	return nil
}

// reclaim resets the session and returns conn to the pool. A connection
// whose reset fails is discarded rather than leaked to the next borrower.
func (p *Provider) reclaim(conn PoolConn, tenant ID) {
	if err := reset(conn); err != nil {
		p.logger.Warn("discarding connection after failed reset",
			zap.String("tenant", tenant.String()), zap.Error(err))
		p.metrics.RecordConnectionDiscarded(tenant)
		conn.Discard()
		return
	}
	conn.Release()
}

func reset(conn PoolConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if _, err := conn.Exec(ctx, resetStatement); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errors.Join(ErrSchemaBinding, ctx.Err())
	}
	return nil
}
