package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(embedded, "sql/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, name := range names {
		body, err := fs.ReadFile(embedded, name)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestTemplateTablesAreUnqualified(t *testing.T) {
	body, err := fs.ReadFile(embedded, "sql/00002_template_tables.sql")
	require.NoError(t, err)

	for _, table := range []string{"roles", "users", "user_roles"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.NotContains(t, string(body), "public.")
	assert.NotContains(t, string(body), "tenancy.")
}

func TestGooseLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := newGooseLogger(zap.New(core))

	l.Printf("OK   %s (%v)\n", "00001_schema_catalog.sql", "1ms")
	l.Fatalf("failed to run %s", "00002")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "goose", entries[0].LoggerName)
	assert.False(t, strings.HasSuffix(entries[0].Message, "\n"))
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "failed to run 00002", entries[1].Message)
}
