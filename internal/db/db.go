// Package db manages named database connections. Every persistence scope in
// the unit runs through Conn.WithTx: begin, run, commit on nil error and
// rollback otherwise, with the configured warning/exception thresholds applied
// as explicit timeouts.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vmlab/lmunit/internal/logging"
)

// ErrConnectionLost is returned when a transaction cannot be started even
// after one reconnect. Loop owners treat it as fatal.
var ErrConnectionLost = errors.New("db: connection lost")

// ReuseNever opens a fresh physical connection per scope instead of drawing
// from the pool.
const ReuseNever = "never"

// Options configures one named connection.
type Options struct {
	// SocketReusability is "pool" (default) or ReuseNever.
	SocketReusability string
	// WarningTime logs a warning once a scope runs longer than this.
	WarningTime time.Duration
	// ExceptionTime is the hard deadline of a scope.
	ExceptionTime time.Duration
	MaxConns      int32
}

// Conn is one named connection handle.
type Conn struct {
	name string
	dsn  string
	opts Options
	pool *pgxpool.Pool
}

// Manager holds named connections.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewManager() *Manager {
	return &Manager{conns: make(map[string]*Conn)}
}

// Connect registers a named connection and verifies it with a ping. In pool
// mode the pool is created eagerly; in ReuseNever mode connections are dialed
// per scope and Connect only records the DSN after a probe.
func (m *Manager) Connect(ctx context.Context, name, dsn string, opts Options) (*Conn, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db %s: DSN is required", name)
	}
	c := &Conn{name: name, dsn: dsn, opts: opts}

	if opts.SocketReusability == ReuseNever {
		probe, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("db %s: connect: %w", name, err)
		}
		_ = probe.Close(ctx)
	} else {
		pcfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("db %s: parse DSN: %w", name, err)
		}
		if opts.MaxConns > 0 {
			pcfg.MaxConns = opts.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("db %s: create pool: %w", name, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db %s: ping: %w", name, err)
		}
		c.pool = pool
	}

	m.mu.Lock()
	m.conns[name] = c
	m.mu.Unlock()
	return c, nil
}

// Use returns a previously registered connection.
func (m *Manager) Use(name string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	if !ok {
		return nil, fmt.Errorf("db: no connection named %q", name)
	}
	return c, nil
}

// Close releases all registered connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.pool != nil {
			c.pool.Close()
		}
	}
	m.conns = make(map[string]*Conn)
}

func (c *Conn) Name() string { return c.name }

// WithTx runs fn inside a transaction: commit on nil error, rollback
// otherwise. The scope carries ExceptionTime as a context deadline; a timer
// logs a warning once it outlives WarningTime. A failed begin reconnects once
// before surfacing ErrConnectionLost.
func (c *Conn) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if c.opts.ExceptionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ExceptionTime)
		defer cancel()
	}
	if c.opts.WarningTime > 0 {
		started := time.Now()
		warn := time.AfterFunc(c.opts.WarningTime, func() {
			logging.Op().Warn("db scope running long",
				"conn", c.name, "elapsed", time.Since(started))
		})
		defer warn.Stop()
	}

	tx, closeConn, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logging.Op().Error("rollback failed", "conn", c.name, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db %s: commit: %w", c.name, err)
	}
	return nil
}

// begin starts a transaction, reconnecting once when the first attempt fails.
func (c *Conn) begin(ctx context.Context) (pgx.Tx, func(), error) {
	if c.opts.SocketReusability == ReuseNever {
		conn, err := pgx.Connect(ctx, c.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %s", ErrConnectionLost, c.name, err)
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			_ = conn.Close(ctx)
			return nil, nil, fmt.Errorf("%w: %s: begin: %s", ErrConnectionLost, c.name, err)
		}
		return tx, func() { _ = conn.Close(context.Background()) }, nil
	}

	tx, err := c.pool.Begin(ctx)
	if err == nil {
		return tx, func() {}, nil
	}
	logging.Op().Warn("begin failed, reconnecting", "conn", c.name, "error", err)
	if pingErr := c.pool.Ping(ctx); pingErr != nil {
		return nil, nil, fmt.Errorf("%w: %s: %s", ErrConnectionLost, c.name, pingErr)
	}
	tx, err = c.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: begin: %s", ErrConnectionLost, c.name, err)
	}
	return tx, func() {}, nil
}
