// Package mysqlconn adapts go-sql-driver/mysql connections to the generic
// pool. Each Conn is one raw driver connection, bypassing database/sql's own
// pool so that admission, maintenance and availability are the pool's.
package mysqlconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/pool"
)

// ErrUnsupported is returned when the underlying driver connection lacks a
// context-aware interface.
var ErrUnsupported = errors.New("mysqlconn: operation not supported by driver connection")

// Connector opens MySQL connections.
type Connector struct {
	connector driver.Connector
	addr      string
}

// New parses dsn and returns a connector. A DSN without a dial timeout gets
// a 2 second one.
func New(dsn string) (*Connector, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql dsn: %v", apperrors.ErrConfiguration, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	dc, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql connector: %v", apperrors.ErrConfiguration, err)
	}
	return newConnector(dc, cfg.Addr), nil
}

func newConnector(dc driver.Connector, addr string) *Connector {
	return &Connector{connector: dc, addr: addr}
}

// Addr returns the server address from the DSN.
func (c *Connector) Addr() string {
	return c.addr
}

// Connect opens one connection. Failures are *errors.ConnectError.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	raw, err := c.connector.Connect(ctx)
	if err != nil {
		log.WithField("addr", c.addr).WithError(err).Debug("mysql connect failed")
		return nil, &apperrors.ConnectError{Addr: c.addr, Err: err}
	}
	return &Conn{raw: raw, addr: c.addr}, nil
}

// Factory returns a pool factory for this connector.
func (c *Connector) Factory() pool.Factory[*Conn] {
	return c.Connect
}

// Conn is one pooled MySQL connection.
type Conn struct {
	raw    driver.Conn
	addr   string
	broken atomic.Bool
}

// observe marks the connection broken on errors after which the driver
// cannot continue on the same socket.
func (c *Conn) observe(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		if c.broken.CompareAndSwap(false, true) {
			log.WithField("addr", c.addr).WithError(err).Debug("mysql connection marked broken")
		}
	}
	return err
}

// IsBroken reports whether the connection must not be reused.
func (c *Conn) IsBroken() bool {
	if c.broken.Load() {
		return true
	}
	if v, ok := c.raw.(driver.Validator); ok && !v.IsValid() {
		c.broken.Store(true)
		return true
	}
	return false
}

// Ping checks the connection with a COM_PING round trip.
func (c *Conn) Ping(ctx context.Context) error {
	p, ok := c.raw.(driver.Pinger)
	if !ok {
		return ErrUnsupported
	}
	return c.observe(p.Ping(ctx))
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	e, ok := c.raw.(driver.ExecerContext)
	if !ok {
		return nil, ErrUnsupported
	}
	nv, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	res, err := e.ExecContext(ctx, query, nv)
	if errors.Is(err, driver.ErrSkip) {
		return c.execPrepared(ctx, query, nv)
	}
	return res, c.observe(err)
}

func (c *Conn) execPrepared(ctx context.Context, query string, nv []driver.NamedValue) (driver.Result, error) {
	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	se, ok := stmt.(driver.StmtExecContext)
	if !ok {
		return nil, ErrUnsupported
	}
	res, err := se.ExecContext(ctx, nv)
	return res, c.observe(err)
}

func (c *Conn) prepare(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.raw.(driver.ConnPrepareContext)
	if !ok {
		return nil, ErrUnsupported
	}
	stmt, err := pc.PrepareContext(ctx, query)
	return stmt, c.observe(err)
}

// Rows is a fully read result set.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Query runs a statement and reads every row.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	q, ok := c.raw.(driver.QueryerContext)
	if !ok {
		return nil, ErrUnsupported
	}
	nv, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, nv)
	if errors.Is(err, driver.ErrSkip) {
		rows, err = c.queryPrepared(ctx, query, nv)
	}
	if err != nil {
		return nil, c.observe(err)
	}
	defer rows.Close()

	out := &Rows{Columns: rows.Columns()}
	for {
		dest := make([]driver.Value, len(out.Columns))
		err := rows.Next(dest)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, c.observe(err)
		}
		out.Values = append(out.Values, dest)
	}
}

func (c *Conn) queryPrepared(ctx context.Context, query string, nv []driver.NamedValue) (driver.Rows, error) {
	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	sq, ok := stmt.(driver.StmtQueryContext)
	if !ok {
		_ = stmt.Close()
		return nil, ErrUnsupported
	}
	rows, err := sq.QueryContext(ctx, nv)
	if err != nil {
		_ = stmt.Close()
		return nil, err
	}
	return &stmtRows{Rows: rows, stmt: stmt}, nil
}

// stmtRows closes its statement along with the rows.
type stmtRows struct {
	driver.Rows
	stmt driver.Stmt
}

func (r *stmtRows) Close() error {
	err := r.Rows.Close()
	if serr := r.stmt.Close(); err == nil {
		err = serr
	}
	return err
}

// Close closes the driver connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

func namedValues(args []any) ([]driver.NamedValue, error) {
	if len(args) == 0 {
		return nil, nil
	}
	nv := make([]driver.NamedValue, len(args))
	for i, a := range args {
		v, err := driver.DefaultParameterConverter.ConvertValue(a)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", apperrors.ErrInvalidInput, i+1, err)
		}
		nv[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return nv, nil
}
