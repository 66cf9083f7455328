package multitenancy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RecordConnectionAcquired("acme")
	mc.RecordConnectionAcquired("acme")
	mc.RecordConnectionReleased("acme")
	mc.RecordQuery("acme", 10*time.Millisecond, true)
	mc.RecordQuery("acme", 30*time.Millisecond, false)
	mc.RecordConnectionDiscarded("other")

	m := mc.GetTenantMetrics("acme")
	assert.Equal(t, int64(2), m.QueryCount)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int32(1), m.ActiveConnectionCount)
	assert.Equal(t, int64(2), m.AcquiredCount)
	assert.Equal(t, 20*time.Millisecond, m.AverageQueryDuration)

	all := mc.GetAllTenantMetrics()
	assert.Len(t, all, 2)
	assert.Equal(t, int64(1), all["other"].DiscardedCount)

	mc.RecordConnectionReleased("acme")
	mc.RecordConnectionReleased("acme")
	assert.Equal(t, int32(0), mc.GetTenantMetrics("acme").ActiveConnectionCount)

	mc.Reset()
	assert.Empty(t, mc.GetAllTenantMetrics())
}

func TestNilMetricsCollectorIsNoop(t *testing.T) {
	var mc *MetricsCollector
	mc.RecordConnectionAcquired("acme")
	mc.RecordConnectionReleased("acme")
	mc.RecordConnectionDiscarded("acme")
	mc.RecordQuery("acme", time.Millisecond, false)
	mc.recordError("acme")
}

func TestMetricsCollectorPrometheus(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordConnectionAcquired("acme")
	mc.RecordConnectionAcquired("other")

	// six series per tenant
	assert.Equal(t, 12, testutil.CollectAndCount(mc))

	expected := `
# HELP tenancy_connections_active Tenant-bound connections currently borrowed.
# TYPE tenancy_connections_active gauge
tenancy_connections_active{tenant="acme"} 1
tenancy_connections_active{tenant="other"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(mc, strings.NewReader(expected), "tenancy_connections_active"))
}

func TestQueryTrackerHooks(t *testing.T) {
	qt := NewQueryTracker()
	var order []string
	qt.AddPreHook(func(context.Context, string, string, []any, time.Time, error) {
		order = append(order, "pre")
	})
	qt.AddPostHook(func(_ context.Context, _ string, _ string, _ []any, _ time.Time, err error) {
		order = append(order, "post")
		assert.ErrorIs(t, err, assert.AnError)
	})

	err := qt.TrackQuery(context.Background(), "exec", "SELECT 1", nil, func() error {
		order = append(order, "fn")
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"pre", "fn", "post"}, order)
}

func TestLoggingHook(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	hook := LoggingHook(zap.New(core))
	ctx := WithTenant(context.Background(), "acme")

	hook(ctx, "exec", "SELECT 1", nil, time.Now(), nil)
	hook(ctx, "exec", "SELECT broken", nil, time.Now(), assert.AnError)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, "acme", entries[0].ContextMap()["tenant"])
		assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
		assert.Equal(t, "SELECT broken", entries[1].ContextMap()["query"])
	}
}
