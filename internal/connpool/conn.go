package connpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/redis/go-redis/v9"
)

// Conn is a single broker connection. It is held by one caller at a time.
type Conn struct {
	client *redis.Client
	broken atomic.Bool
	res    *puddle.Resource[*Conn]
}

func NewConn(client *redis.Client) *Conn {
	return &Conn{client: client}
}

func (c *Conn) Client() *redis.Client {
	return c.client
}

func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// Observe marks the connection broken when err came from the socket rather
// than from a Redis reply, and returns err unchanged.
func (c *Conn) Observe(err error) error {
	if isConnectionError(err) {
		c.MarkBroken()
	}

	return err
}

func (c *Conn) close() error {
	return c.client.Close()
}

func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, redis.ErrClosed)
}

// RedisDialer dials one dedicated socket per pooled connection. The client's
// own pool is pinned to a single connection so this pool stays the only bound.
// The client dials and sends each command once: retrying is left to the
// breaker and the callers, and a failed dial must surface within the acquire
// timeout.
func RedisDialer(opts *redis.Options) Dialer {
	return func(ctx context.Context) (*Conn, error) {
		o := *opts
		o.PoolSize = 1
		o.MinIdleConns = 0
		o.MaxIdleConns = 1
		o.MaxRetries = -1
		o.DialerRetries = 1
		o.DialerRetryTimeout = time.Millisecond

		client := redis.NewClient(&o)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping %s: %w", o.Addr, err)
		}

		return NewConn(client), nil
	}
}
