// Package connpool keeps a bounded set of reusable broker connections.
//
// Connections are created lazily on Acquire, never eagerly, so a broker
// outage does not turn into a reconnect storm. A connection observed to be
// broken is destroyed on Release and replaced on a later Acquire.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/metrics"
)

var (
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrConnectFailed = errors.New("broker connect failed")
	ErrPoolClosed    = errors.New("connection pool closed")
)

const (
	DefaultMaxConns       = 10
	DefaultAcquireTimeout = 5 * time.Second
)

type Config struct {
	MaxConns       int32         `mapstructure:"max_conns"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// Dialer opens one new connection.
type Dialer func(ctx context.Context) (*Conn, error)

type Pool struct {
	pool           *puddle.Pool[*Conn]
	dial           Dialer
	breaker        *breaker.Breaker
	acquireTimeout time.Duration
	logger         *slog.Logger
}

type Option func(*Pool)

// WithBreaker routes every dial through b so failed connects count against the dependency.
func WithBreaker(b *breaker.Breaker) Option {
	return func(p *Pool) { p.breaker = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func New(cfg Config, dial Dialer, opts ...Option) (*Pool, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	p := &Pool{
		dial:           dial,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	pool, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: p.construct,
		Destructor: func(c *Conn) {
			if err := c.close(); err != nil {
				p.logger.Warn("failed to close broker connection", slog.String("error", err.Error()))
			}
		},
		MaxSize: cfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	p.pool = pool
	return p, nil
}

func (p *Pool) construct(ctx context.Context) (*Conn, error) {
	// puddle keeps constructing after the acquirer gives up; bound the dial
	// so an abandoned one cannot hang.
	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	var conn *Conn
	dial := func(ctx context.Context) error {
		c, err := p.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, dial)
	} else {
		err = dial(ctx)
	}

	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, breaker.ErrCircuitOpen):
		return nil, err
	default:
		p.logger.Warn("broker dial failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
}

// Acquire blocks for at most the configured acquire timeout. It fails with
// ErrPoolExhausted when every connection stays checked out, ErrConnectFailed
// when a new connection cannot be dialed, and breaker.ErrCircuitOpen when the
// broker breaker refuses the dial.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	res, err := p.pool.Acquire(actx)
	if err != nil {
		switch {
		case errors.Is(err, ErrConnectFailed), errors.Is(err, breaker.ErrCircuitOpen):
			return nil, err
		case errors.Is(err, puddle.ErrClosedPool):
			return nil, ErrPoolClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// With a free slot the wait was on a dial, not on another holder.
			if s := p.pool.Stat(); s.AcquiredResources() < s.MaxResources() {
				return nil, fmt.Errorf("%w: dial did not finish within %s", ErrConnectFailed, p.acquireTimeout)
			}
			return nil, ErrPoolExhausted
		default:
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}

	conn := res.Value()
	conn.res = res
	p.report()
	return conn, nil
}

// Release returns c to the pool, or destroys it when it was marked broken.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.res == nil {
		return
	}

	res := c.res
	c.res = nil
	if c.Broken() {
		p.logger.Info("discarding broken broker connection")
		res.Destroy()
	} else {
		res.Release()
	}
	p.report()
}

// WithConn acquires a connection, runs fn, notes whether fn saw a broken socket, and releases.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	return conn.Observe(fn(conn))
}

// Reset drops every connection. Idle ones go now, checked-out ones when released.
func (p *Pool) Reset() {
	p.pool.Reset()
	p.report()
}

// Ping acquires a connection and checks it end to end.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(c *Conn) error {
		return c.Client().Ping(ctx).Err()
	})
}

type Stats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

func (p *Pool) Stats() Stats {
	s := p.pool.Stat()
	return Stats{
		Total:    s.TotalResources(),
		Idle:     s.IdleResources(),
		Acquired: s.AcquiredResources(),
		Max:      s.MaxResources(),
	}
}

func (p *Pool) report() {
	s := p.Stats()
	metrics.UpdatePoolConnections(s.Total, s.Idle, s.Acquired)
}

func (p *Pool) Close() {
	p.pool.Close()
}
