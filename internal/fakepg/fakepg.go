// Package fakepg is a scriptable stand-in for a pgx connection pool. Each
// connection keeps a simulated search_path so tests can observe session
// state surviving, or not surviving, a trip through the pool.
package fakepg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// ErrUnhandled is returned for statements no handler recognised.
var ErrUnhandled = errors.New("fakepg: unhandled statement")

// Result is what a handler returns for one statement.
type Result struct {
	Tag  string
	Rows [][]any
	Err  error
}

// Handler answers a statement. It reports false when it does not recognise
// sql so that the next handler in a Chain can try.
type Handler func(conn *Conn, sql string, args []any) (Result, bool)

// Chain tries handlers in order.
func Chain(handlers ...Handler) Handler {
	return func(conn *Conn, sql string, args []any) (Result, bool) {
		for _, h := range handlers {
			if res, ok := h(conn, sql, args); ok {
				return res, true
			}
		}
		return Result{}, false
	}
}

// Session handles search_path statements against a fixed set of existing
// schemas, the way PostgreSQL does: setting a missing schema succeeds but
// current_schema() then reports NULL.
func Session(schemas ...string) Handler {
	known := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		known[s] = true
	}
	return SessionFunc(func(schema string) bool { return known[schema] })
}

// SessionFunc is Session for a schema set that changes while the test runs.
func SessionFunc(exists func(schema string) bool) Handler {
	return func(conn *Conn, sql string, _ []any) (Result, bool) {
		switch {
		case strings.HasPrefix(sql, "SET search_path TO "):
			conn.SearchPath = strings.Trim(strings.TrimPrefix(sql, "SET search_path TO "), `"`)
			return Result{Tag: "SET"}, true
		case sql == "RESET search_path":
			conn.SearchPath = "public"
			return Result{Tag: "RESET"}, true
		case sql == "SELECT current_schema()":
			if !exists(conn.SearchPath) {
				return Result{Rows: [][]any{{nil}}}, true
			}
			return Result{Rows: [][]any{{conn.SearchPath}}}, true
		}
		return Result{}, false
	}
}

// Pool is a fixed-size pool of fake connections. Acquire blocks while every
// connection is borrowed.
type Pool struct {
	handler Handler
	slots   chan struct{}

	mu     sync.Mutex
	idle   []*Conn
	all    []*Conn
	closed bool

	// AcquireErr, when set, fails every Acquire.
	AcquireErr error
}

// NewPool creates a pool holding at most size connections.
func NewPool(size int, handler Handler) *Pool {
	return &Pool{
		handler: handler,
		slots:   make(chan struct{}, size),
	}
}

// Acquire implements multitenancy.Pool. Idle connections are reused most
// recently released first.
func (p *Pool) Acquire(ctx context.Context) (multitenancy.PoolConn, error) {
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return nil, errors.New("fakepg: pool closed")
	}
	var c *Conn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		c = &Conn{ID: len(p.all) + 1, SearchPath: "public", pool: p}
		p.all = append(p.all, c)
	}
	c.borrowed = true
	return c, nil
}

// Close implements multitenancy.Pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Conns returns every connection the pool ever opened.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.all...)
}

// Idle returns the connections currently sitting in the pool.
func (p *Pool) Idle() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.idle...)
}

func (p *Pool) giveBack(c *Conn, discard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !c.borrowed {
		panic(fmt.Sprintf("fakepg: connection %d returned twice", c.ID))
	}
	c.borrowed = false
	if discard {
		c.Discarded = true
	} else {
		c.Released++
		p.idle = append(p.idle, c)
	}
	<-p.slots
}

// Conn is a fake physical connection.
type Conn struct {
	ID         int
	SearchPath string
	Released   int
	Discarded  bool

	pool     *Pool
	borrowed bool

	mu  sync.Mutex
	log []string
}

// Statements returns the SQL executed on this connection, in order.
func (c *Conn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *Conn) run(sql string, args []any) Result {
	c.mu.Lock()
	c.log = append(c.log, sql)
	c.mu.Unlock()

	res, ok := c.pool.handler(c, sql, args)
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnhandled, sql)}
	}
	return res
}

// Exec implements multitenancy.Querier.
func (c *Conn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	res := c.run(sql, args)
	return pgconn.NewCommandTag(res.Tag), res.Err
}

// Query implements multitenancy.Querier.
func (c *Conn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	res := c.run(sql, args)
	if res.Err != nil {
		return nil, res.Err
	}
	return &Rows{rows: res.Rows, tag: res.Tag}, nil
}

// QueryRow implements multitenancy.Querier.
func (c *Conn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	res := c.run(sql, args)
	if res.Err != nil {
		return Row{err: res.Err}
	}
	if len(res.Rows) == 0 {
		return Row{err: pgx.ErrNoRows}
	}
	return Row{values: res.Rows[0]}
}

// Release implements multitenancy.PoolConn.
func (c *Conn) Release() { c.pool.giveBack(c, false) }

// Discard implements multitenancy.PoolConn.
func (c *Conn) Discard() { c.pool.giveBack(c, true) }

// Row implements pgx.Row.
type Row struct {
	values []any
	err    error
}

// Scan copies the row into dest.
func (r Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

// Rows implements pgx.Rows over a fixed result set.
type Rows struct {
	rows [][]any
	tag  string
	pos  int
	err  error
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag(r.tag) }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.rows) {
		return errors.New("fakepg: scan outside row")
	}
	if err := scanInto(r.rows[r.pos-1], dest); err != nil {
		r.err = err
		return err
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.rows) {
		return nil, errors.New("fakepg: values outside row")
	}
	return r.rows[r.pos-1], nil
}

// scanInto assigns values to pointer destinations, converting between
// compatible kinds. A nil value zeroes the destination.
func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("fakepg: %d values for %d destinations", len(values), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("fakepg: destination %d is not a pointer", i)
		}
		target := dv.Elem()
		if values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		src := reflect.ValueOf(values[i])
		if target.Kind() == reflect.Pointer {
			ptr := reflect.New(target.Type().Elem())
			if err := assign(ptr.Elem(), src, i); err != nil {
				return err
			}
			target.Set(ptr)
			continue
		}
		if err := assign(target, src, i); err != nil {
			return err
		}
	}
	return nil
}

func assign(target, src reflect.Value, i int) error {
	switch {
	case src.Type().AssignableTo(target.Type()):
		target.Set(src)
	case src.Type().ConvertibleTo(target.Type()):
		target.Set(src.Convert(target.Type()))
	default:
		return fmt.Errorf("fakepg: cannot scan %s into %s (column %d)", src.Type(), target.Type(), i)
	}
	return nil
}

// NewDB returns a single borrowed connection for code that takes a plain
// multitenancy.Querier, such as a store written against *pgxpool.Pool.
func NewDB(handler Handler) *Conn {
	p := NewPool(1, handler)
	c, _ := p.Acquire(context.Background())
	return c.(*Conn)
}
