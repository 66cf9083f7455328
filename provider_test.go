package multitenancy_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/internal/fakepg"
)

func tenantCtx(id string) context.Context {
	return multitenancy.WithTenant(context.Background(), multitenancy.ID(id))
}

func currentSchema(t *testing.T, conn *multitenancy.TenantConn) string {
	t.Helper()
	var schema *string
	require.NoError(t, conn.QueryRow(context.Background(), "SELECT current_schema()").Scan(&schema))
	require.NotNil(t, schema)
	return *schema
}

func TestProviderAcquireBindsTenantSchema(t *testing.T) {
	pool := fakepg.NewPool(2, fakepg.Session("public", "acme"))
	provider := multitenancy.NewProvider(pool)

	conn, err := provider.Acquire(tenantCtx("acme"))
	require.NoError(t, err)

	assert.Equal(t, multitenancy.ID("acme"), conn.Tenant())
	assert.Equal(t, "acme", currentSchema(t, conn))

	conn.Release()
	conn.Release()

	raw := pool.Conns()[0]
	assert.Equal(t, "public", raw.SearchPath, "released connection must be reset")
	assert.Equal(t, 1, raw.Released)
	assert.Equal(t, []string{
		`SET search_path TO "acme"`,
		"SELECT current_schema()",
		"SELECT current_schema()",
		"RESET search_path",
	}, raw.Statements())
}

func TestProviderDefaultTenant(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Session("public"))
	provider := multitenancy.NewProvider(pool)

	conn, err := provider.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	assert.Equal(t, multitenancy.Default, conn.Tenant())
	assert.Equal(t, "public", currentSchema(t, conn))
}

func TestProviderReacquireForOtherTenantDoesNotLeak(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Session("public", "acme", "other"))
	provider := multitenancy.NewProvider(pool)

	first, err := provider.Acquire(tenantCtx("acme"))
	require.NoError(t, err)
	assert.Equal(t, "acme", currentSchema(t, first))
	first.Release()

	second, err := provider.Acquire(tenantCtx("other"))
	require.NoError(t, err)
	defer second.Release()

	require.Len(t, pool.Conns(), 1, "the same physical connection must be reused")
	assert.Equal(t, "other", currentSchema(t, second))
}

func TestProviderUnknownSchemaFailsClosed(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Session("public"))
	metrics := multitenancy.NewMetricsCollector()
	provider := multitenancy.NewProvider(pool, multitenancy.WithMetrics(metrics))

	conn, err := provider.Acquire(tenantCtx("ghost"))
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, multitenancy.ErrUnknownSchema)
	assert.True(t, multitenancy.IsRetryable(err))

	raw := pool.Conns()[0]
	assert.Equal(t, "public", raw.SearchPath)
	assert.Equal(t, 1, raw.Released)
	assert.False(t, raw.Discarded)
	assert.Len(t, pool.Idle(), 1)

	m := metrics.GetTenantMetrics("ghost")
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int32(0), m.ActiveConnectionCount)
}

func TestProviderBindErrorDiscardsWhenResetFails(t *testing.T) {
	broken := errors.New("connection reset by peer")
	pool := fakepg.NewPool(1, func(_ *fakepg.Conn, sql string, _ []any) (fakepg.Result, bool) {
		return fakepg.Result{Err: broken}, true
	})
	metrics := multitenancy.NewMetricsCollector()
	provider := multitenancy.NewProvider(pool, multitenancy.WithMetrics(metrics))

	_, err := provider.Acquire(tenantCtx("acme"))
	require.Error(t, err)
	assert.ErrorIs(t, err, multitenancy.ErrSchemaBinding)
	assert.ErrorIs(t, err, broken)

	raw := pool.Conns()[0]
	assert.True(t, raw.Discarded)
	assert.Empty(t, pool.Idle())
	assert.Equal(t, int64(1), metrics.GetTenantMetrics("acme").DiscardedCount)
}

func TestProviderReleaseDiscardsWhenResetFails(t *testing.T) {
	var failReset bool
	pool := fakepg.NewPool(1, fakepg.Chain(
		func(_ *fakepg.Conn, sql string, _ []any) (fakepg.Result, bool) {
			if failReset && sql == "RESET search_path" {
				return fakepg.Result{Err: errors.New("server closed the connection")}, true
			}
			return fakepg.Result{}, false
		},
		fakepg.Session("public", "acme"),
	))
	provider := multitenancy.NewProvider(pool)

	conn, err := provider.Acquire(tenantCtx("acme"))
	require.NoError(t, err)

	failReset = true
	conn.Release()

	raw := pool.Conns()[0]
	assert.True(t, raw.Discarded, "a connection still bound to acme must not return to the pool")
	assert.Empty(t, pool.Idle())
	assert.Equal(t, "acme", raw.SearchPath)
}

func TestProviderAcquireError(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Session("public"))
	pool.AcquireErr = errors.New("too many clients")
	provider := multitenancy.NewProvider(pool)

	_, err := provider.Acquire(tenantCtx("acme"))
	assert.ErrorIs(t, err, multitenancy.ErrConnectionUnavailable)
	assert.True(t, multitenancy.IsRetryable(err))
}

func TestProviderReleaseAfterCancellation(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Session("public", "acme"))
	provider := multitenancy.NewProvider(pool)

	ctx, cancel := context.WithCancel(tenantCtx("acme"))
	conn, err := provider.Acquire(ctx)
	require.NoError(t, err)

	cancel()
	conn.Release()

	raw := pool.Conns()[0]
	assert.Equal(t, "public", raw.SearchPath)
	assert.Len(t, pool.Idle(), 1)
}

func TestProviderQueryTracker(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Chain(
		fakepg.Session("public", "acme"),
		func(_ *fakepg.Conn, sql string, _ []any) (fakepg.Result, bool) {
			if strings.HasPrefix(sql, "INSERT") {
				return fakepg.Result{Tag: "INSERT 0 1"}, true
			}
			return fakepg.Result{}, false
		},
	))
	metrics := multitenancy.NewMetricsCollector()
	tracker := multitenancy.NewQueryTracker()
	tracker.AddPostHook(multitenancy.MetricsHook(metrics))

	provider := multitenancy.NewProvider(pool,
		multitenancy.WithMetrics(metrics),
		multitenancy.WithQueryTracker(tracker))

	conn, err := provider.Acquire(tenantCtx("acme"))
	require.NoError(t, err)
	tag, err := conn.Exec(context.Background(), "INSERT INTO courses DEFAULT VALUES")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tag.RowsAffected())
	_, err = conn.Exec(context.Background(), "DELETE FROM nowhere")
	require.Error(t, err)
	conn.Release()

	m := metrics.GetTenantMetrics("acme")
	assert.Equal(t, int64(2), m.QueryCount)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int64(1), m.AcquiredCount)
	assert.Equal(t, int32(0), m.ActiveConnectionCount)
}

func TestProviderQueryRowOutcomeIsTracked(t *testing.T) {
	pool := fakepg.NewPool(1, fakepg.Chain(
		fakepg.Session("public", "acme"),
		func(_ *fakepg.Conn, sql string, _ []any) (fakepg.Result, bool) {
			switch sql {
			case "SELECT name FROM courses WHERE id = $1":
				return fakepg.Result{Rows: [][]any{{"algebra"}}}, true
			case "SELECT name FROM courses WHERE id = 0":
				return fakepg.Result{}, true
			}
			return fakepg.Result{}, false
		},
	))
	metrics := multitenancy.NewMetricsCollector()
	tracker := multitenancy.NewQueryTracker()
	tracker.AddPostHook(multitenancy.MetricsHook(metrics))
	var failures []string
	tracker.AddPostHook(func(_ context.Context, op, _ string, _ []any, _ time.Time, err error) {
		if err != nil {
			failures = append(failures, op)
		}
	})

	provider := multitenancy.NewProvider(pool, multitenancy.WithQueryTracker(tracker))
	conn, err := provider.Acquire(tenantCtx("acme"))
	require.NoError(t, err)
	defer conn.Release()
	ctx := context.Background()

	var name string
	require.NoError(t, conn.QueryRow(ctx, "SELECT name FROM courses WHERE id = $1", 1).Scan(&name))
	assert.Equal(t, "algebra", name)

	err = conn.QueryRow(ctx, "SELECT name FROM courses WHERE id = 0").Scan(&name)
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	err = conn.QueryRow(ctx, "SELECT name FROM missing").Scan(&name)
	assert.ErrorIs(t, err, fakepg.ErrUnhandled)

	m := metrics.GetTenantMetrics("acme")
	assert.Equal(t, int64(3), m.QueryCount)
	assert.Equal(t, int64(1), m.ErrorCount, "only the failed statement counts as an error")
	assert.Equal(t, []string{"query_row"}, failures)
}

// Requests for two tenants interleave on a two-worker pool over a
// two-connection database pool; each must only ever see its own schema.
func TestProviderConcurrentTenantsIsolated(t *testing.T) {
	pool := fakepg.NewPool(2, fakepg.Session("public", "a", "b"))
	provider := multitenancy.NewProvider(pool)

	var mu sync.Mutex
	seen := map[string][]string{}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(2)
	for i := 0; i < 200; i++ {
		tenant := []string{"a", "b"}[i%2]
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(tenantCtx(tenant), 5*time.Second)
			defer cancel()

			conn, err := provider.Acquire(ctx)
			if err != nil {
				return err
			}
			defer conn.Release()

			var schema *string
			if err := conn.QueryRow(ctx, "SELECT current_schema()").Scan(&schema); err != nil {
				return err
			}
			if schema == nil {
				return fmt.Errorf("tenant %s: no schema", tenant)
			}
			mu.Lock()
			seen[tenant] = append(seen[tenant], *schema)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for tenant, schemas := range seen {
		assert.Len(t, schemas, 100)
		for _, s := range schemas {
			assert.Equal(t, tenant, s)
		}
	}
	assert.LessOrEqual(t, len(pool.Conns()), 2)
	for _, c := range pool.Idle() {
		assert.Equal(t, "public", c.SearchPath)
	}
}
