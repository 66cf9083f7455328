package multitenancy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Opener builds a dedicated pool for a tenant, typically from its catalog
// entry. It is used to rehydrate tenants first seen at runtime.
type Opener func(ctx context.Context, id ID) (Pool, error)

// RegistryConfig holds the configuration for the Registry.
type RegistryConfig struct {
	// Fallback serves tenants without a registered pool, including Default.
	Fallback Pool

	// Opener loads pools on demand. Optional.
	Opener Opener

	// DrainGrace is how long a replaced pool keeps serving in-flight
	// borrowers before it is closed. Defaults to 30s.
	DrainGrace time.Duration

	// LoadTimeout bounds a single Opener call. The open is detached from
	// the caller's cancellation since concurrent loads share it. Defaults
	// to 30s.
	LoadTimeout time.Duration

	Logger  *zap.Logger
	Metrics *MetricsCollector
	Tracker *QueryTracker
}

// Registry routes each request to a dedicated pool per tenant.
//
// The pool map is copy-on-write: writers build a new map under mu and publish
// it atomically, so readers always see a complete snapshot. Replaced pools are
// closed after DrainGrace. This is a best-effort drain, not a reference
// count; for pgx pools Close further blocks until borrowed connections are
// returned.
type Registry struct {
	config RegistryConfig
	pools  atomic.Pointer[map[ID]Pool]
	mu     sync.Mutex
	group  singleflight.Group

	retiring sync.WaitGroup
	closed   atomic.Bool
	done     chan struct{}
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Fallback == nil {
		return nil, fmt.Errorf("fallback pool is required")
	}
	if config.DrainGrace == 0 {
		config.DrainGrace = 30 * time.Second
	}
	if config.LoadTimeout == 0 {
		config.LoadTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	r := &Registry{config: config, done: make(chan struct{})}
	empty := make(map[ID]Pool)
	r.pools.Store(&empty)
	return r, nil
}

// Resolve returns the pool for the tenant in ctx, or the fallback pool.
//
// Falling back keeps bootstrap traffic flowing; callers running
// tenant-scoped work must not treat the fallback as the tenant's pool.
func (r *Registry) Resolve(ctx context.Context) Pool {
	if pool, ok := r.Lookup(FromContext(ctx)); ok {
		return pool
	}
	return r.config.Fallback
}

// Lookup returns the pool registered for id.
func (r *Registry) Lookup(id ID) (Pool, bool) {
	pool, ok := (*r.pools.Load())[id]
	return pool, ok
}

// Tenants returns the IDs with a registered pool.
func (r *Registry) Tenants() []ID {
	snapshot := *r.pools.Load()
	ids := make([]ID, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	return ids
}

// Register adds or replaces the pool for id. A replaced pool is retired.
func (r *Registry) Register(id ID, pool Pool) {
	r.swap(Parse(string(id)), pool)
}

// Deregister swaps out the pool for id. A nil replacement removes the
// tenant. The old pool is closed after the new map is visible and the drain
// grace has passed.
func (r *Registry) Deregister(id ID, replacement Pool) {
	r.swap(Parse(string(id)), replacement)
}

func (r *Registry) swap(id ID, pool Pool) {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		// a closed registry takes no new pools
		if pool != nil {
			pool.Close()
		}
		r.config.Logger.Warn("tenant pool swap after close", zap.String("tenant", id.String()))
		return
	}
	current := *r.pools.Load()
	next := make(map[ID]Pool, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	old, existed := current[id]
	if pool == nil {
		delete(next, id)
	} else {
		next[id] = pool
	}
	r.pools.Store(&next)
	retire := existed && old != pool
	if retire {
		r.retiring.Add(1)
	}
	r.mu.Unlock()

	if retire {
		go r.retire(id, old)
	}
	r.config.Logger.Info("tenant pool swapped",
		zap.String("tenant", id.String()), zap.Bool("removed", pool == nil))
}

// storeIfAbsent publishes pool for id unless another writer got there
// first, in which case the existing pool is returned. Once the registry is
// closed nothing is stored and the returned pool is nil.
func (r *Registry) storeIfAbsent(id ID, pool Pool) (Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return nil, false
	}
	current := *r.pools.Load()
	if existing, ok := current[id]; ok {
		return existing, false
	}
	next := make(map[ID]Pool, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = pool
	r.pools.Store(&next)
	return pool, true
}

// retire closes pool once the drain grace has passed or the registry
// closes. The caller has already counted it in r.retiring.
func (r *Registry) retire(id ID, pool Pool) {
	defer r.retiring.Done()

	timer := time.NewTimer(r.config.DrainGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.done:
	}
	pool.Close()
	r.config.Logger.Info("retired tenant pool closed", zap.String("tenant", id.String()))
}

// Load returns the pool for id, opening and registering it through the
// Opener when absent. Concurrent loads of one tenant share a single open,
// which survives any one caller giving up: a cancelled ctx only ends that
// caller's wait.
func (r *Registry) Load(ctx context.Context, id ID) (Pool, error) {
	id = Parse(string(id))
	if pool, ok := r.Lookup(id); ok {
		return pool, nil
	}
	if id.IsDefault() {
		return r.config.Fallback, nil
	}
	if r.config.Opener == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, id)
	}

	results := r.group.DoChan(string(id), func() (any, error) {
		if pool, ok := r.Lookup(id); ok {
			return pool, nil
		}
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.LoadTimeout)
		defer cancel()
		pool, err := r.config.Opener(openCtx, id)
		if err != nil {
			return nil, err
		}
		if existing, stored := r.storeIfAbsent(id, pool); !stored {
			pool.Close()
			if existing == nil {
				return nil, ErrPoolClosed
			}
			return existing, nil
		}
		r.config.Logger.Info("tenant pool loaded", zap.String("tenant", id.String()))
		return pool, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Pool), nil
	}
}

// Acquire borrows a connection from the tenant's dedicated pool, loading it
// on first use, or from the fallback for the default tenant. The pool pins
// search_path at connect time, so no per-borrow binding is needed.
func (r *Registry) Acquire(ctx context.Context) (*TenantConn, error) {
	if r.closed.Load() {
		return nil, ErrPoolClosed
	}
	tenant := FromContext(ctx)

	pool, err := r.Load(ctx, tenant)
	if err != nil {
		r.config.Metrics.recordError(tenant)
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		r.config.Metrics.recordError(tenant)
		return nil, fmt.Errorf("%w: tenant %s: %w", ErrConnectionUnavailable, tenant, err)
	}
	r.config.Metrics.RecordConnectionAcquired(tenant)

	return &TenantConn{
		conn:    conn,
		tenant:  tenant,
		tracker: r.config.Tracker,
		release: func(c PoolConn) {
			c.Release()
			r.config.Metrics.RecordConnectionReleased(tenant)
		},
	}, nil
}

// Close closes every registered pool and waits for retiring pools. The
// fallback pool belongs to the caller and is left open.
func (r *Registry) Close() {
	r.mu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return
	}
	close(r.done)
	current := *r.pools.Load()
	empty := make(map[ID]Pool)
	r.pools.Store(&empty)
	r.mu.Unlock()

	for _, pool := range current {
		pool.Close()
	}
	r.retiring.Wait()
}
