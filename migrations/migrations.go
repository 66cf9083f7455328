// Package migrations creates the tenancy catalog and the template tables
// every tenant schema is cloned from.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var embedded embed.FS

// VersionTable lives beside the catalog so the template schema holds only
// tables that are cloned into tenants.
const VersionTable = "tenancy.goose_db_version"

// ErrMigrate wraps every failure to apply migrations.
var ErrMigrate = errors.New("migrations: failed to apply")

// Up applies pending migrations. pool must default its search_path to the
// template schema, where the unqualified template tables are created.
func Up(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS tenancy"); err != nil {
		return errors.Join(ErrMigrate, err)
	}

	// goose needs database/sql; this shares the pool's connections.
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close migration handle", zap.Error(err))
		}
	}()

	goose.SetBaseFS(embedded)
	goose.SetLogger(newGooseLogger(logger))
	goose.SetTableName(VersionTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	if err := goose.UpContext(ctx, db, "sql"); err != nil {
		return errors.Join(ErrMigrate, err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return errors.Join(ErrMigrate, err)
	}
	logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// gooseLogger routes goose output through zap.
type gooseLogger struct {
	logger *zap.Logger
}

func newGooseLogger(logger *zap.Logger) goose.Logger {
	return &gooseLogger{logger: logger.Named("goose")}
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
