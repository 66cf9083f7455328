package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the statement surface shared by pooled connections and pools.
// *pgxpool.Pool, *pgxpool.Conn and *TenantConn satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolConn is a physical connection borrowed from a Pool.
type PoolConn interface {
	Querier

	// Release returns the connection to its pool.
	Release()

	// Discard closes the connection instead of returning it, for sessions
	// whose state cannot be trusted anymore.
	Discard()
}

// Pool hands out physical connections.
type Pool interface {
	Acquire(ctx context.Context) (PoolConn, error)
	Close()
}

// ConnSource supplies tenant-bound connections for the tenant in ctx.
// Both Provider and Registry implement it.
type ConnSource interface {
	Acquire(ctx context.Context) (*TenantConn, error)
}

// WrapPgxPool adapts a pgxpool.Pool to Pool.
func WrapPgxPool(p *pgxpool.Pool) Pool {
	return &pgxPool{Pool: p}
}

type pgxPool struct {
	*pgxpool.Pool
}

func (p *pgxPool) Acquire(ctx context.Context) (PoolConn, error) {
	c, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{Conn: c}, nil
}

type pgxConn struct {
	*pgxpool.Conn
}

func (c *pgxConn) Discard() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = c.Conn.Hijack().Close(ctx)
}

// releaseTimeout bounds the statements run while giving a connection back.
// It does not derive from the request context so a cancelled request still
// resets and returns its connection.
const releaseTimeout = 2 * time.Second

// TenantConn is a connection bound to one tenant's schema for the duration
// of a borrow. Release must be called exactly once; extra calls are no-ops.
type TenantConn struct {
	conn    PoolConn
	tenant  ID
	tracker *QueryTracker
	release func(PoolConn)
	once    sync.Once
}

// Tenant returns the tenant the connection is bound to.
func (tc *TenantConn) Tenant() ID {
	return tc.tenant
}

// Exec runs sql against the tenant schema.
func (tc *TenantConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := tc.track(ctx, "exec", sql, args, func() error {
		var err error
		tag, err = tc.conn.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

// Query runs sql against the tenant schema.
func (tc *TenantConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := tc.track(ctx, "query", sql, args, func() error {
		var err error
		rows, err = tc.conn.Query(ctx, sql, args...)
		return err
	})
	return rows, err
}

// QueryRow runs sql against the tenant schema. Errors surface on Scan, and
// with a tracker the statement is reported when Scan returns. pgx.ErrNoRows
// is reported as success.
func (tc *TenantConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tc.tracker == nil {
		return tc.conn.QueryRow(ctx, sql, args...)
	}
	return &trackedRow{tc: tc, ctx: ctx, sql: sql, args: args}
}

// trackedRow defers a QueryRow until Scan so the tracker sees its outcome.
type trackedRow struct {
	tc   *TenantConn
	ctx  context.Context
	sql  string
	args []any
}

func (r *trackedRow) Scan(dest ...any) error {
	var scanErr error
	_ = r.tc.track(r.ctx, "query_row", r.sql, r.args, func() error {
		scanErr = r.tc.conn.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		return scanErr
	})
	return scanErr
}

// Release resets the session and returns the connection.
func (tc *TenantConn) Release() {
	tc.once.Do(func() {
		tc.release(tc.conn)
	})
}

func (tc *TenantConn) track(ctx context.Context, op, sql string, args []any, fn func() error) error {
	if tc.tracker == nil {
		return fn()
	}
	return tc.tracker.TrackQuery(WithTenant(ctx, tc.tenant), op, sql, args, fn)
}

func bindStatement(id ID) string {
	return fmt.Sprintf("SET search_path TO %s", pgx.Identifier{string(id)}.Sanitize())
}

const (
	currentSchemaQuery = "SELECT current_schema()"
	resetStatement     = "RESET search_path"
)
