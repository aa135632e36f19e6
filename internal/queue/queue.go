// Package queue is the Redis-backed broker between the router and the workers.
//
// Task bodies live in one hash keyed by task id. The four priority lists,
// the in-flight set and the delayed set only hold ids, so moving a task
// between them never rewrites its body.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/connpool"
	"github.com/nadmax/taskforge/internal/task"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when a task is no longer in flight under the caller,
// typically because the reaper already reclaimed it.
var ErrLeaseLost = errors.New("task lease lost")

const (
	DefaultPrefix            = "taskforge"
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultPromoteBatch      = 100
)

type Config struct {
	Prefix            string        `mapstructure:"prefix"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PromoteBatch      int64         `mapstructure:"promote_batch"`
}

// Names lists the queue names in the order workers serve them.
var Names = func() []string {
	names := make([]string, len(task.Priorities))
	for i, p := range task.Priorities {
		names[i] = p.String()
	}
	return names
}()

// NameFor maps a priority onto its queue.
func NameFor(p task.TaskPriority) string {
	return p.String()
}

type Delivery struct {
	Message *task.Message
	Queue   string
}

type DeadLetter struct {
	Message *task.Message `json:"message"`
	Reason  string        `json:"reason"`
	DeadAt  time.Time     `json:"dead_at"`
}

type Depths struct {
	Queues     map[string]int64 `json:"queues"`
	InFlight   int64            `json:"in_flight"`
	Delayed    int64            `json:"delayed"`
	DeadLetter int64            `json:"dead_letter"`
}

// Pending is the number of tasks waiting in the priority queues.
func (d Depths) Pending() int64 {
	var total int64
	for _, n := range d.Queues {
		total += n
	}
	return total
}

// pullScript pops the first id found scanning the queues in order, records
// it as in flight and returns {queue index, body}. Ids without a body are dropped.
var pullScript = redis.NewScript(`
local n = #KEYS
for i = 1, n - 2 do
  local id = redis.call('RPOP', KEYS[i])
  while id do
    local body = redis.call('HGET', KEYS[n], id)
    if body then
      redis.call('ZADD', KEYS[n - 1], ARGV[1], id)
      return {i, body}
    end
    id = redis.call('RPOP', KEYS[i])
  end
end
return false
`)

var publishScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
  redis.call('LPUSH', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

var deadLetterScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('LPUSH', KEYS[3], ARGV[2])
  return 1
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// claimScript takes over an expired lease so only one reaper handles it.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

type Broker struct {
	pool    *connpool.Pool
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Broker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func NewBroker(pool *connpool.Pool, cb *breaker.Breaker, cfg Config, opts ...Option) *Broker {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = DefaultPromoteBatch
	}

	b := &Broker{
		pool:    pool,
		breaker: cb,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) VisibilityTimeout() time.Duration {
	return b.cfg.VisibilityTimeout
}

func (b *Broker) queueKey(name string) string {
	return b.cfg.Prefix + ":queue:" + name
}

func (b *Broker) messagesKey() string   { return b.cfg.Prefix + ":messages" }
func (b *Broker) inFlightKey() string   { return b.cfg.Prefix + ":inflight" }
func (b *Broker) delayedKey() string    { return b.cfg.Prefix + ":delayed" }
func (b *Broker) deadLetterKey() string { return b.cfg.Prefix + ":dead" }

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// do acquires a pooled connection and runs fn inside the broker breaker.
// The acquire happens outside the breaker: an exhausted pool is local
// back-pressure, not a broker failure.
func (b *Broker) do(ctx context.Context, fn func(ctx context.Context, rdb *redis.Client) error) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Release(conn)

	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return conn.Observe(fn(ctx, conn.Client()))
	})
}

// Publish places msg on queue. It reports false when the broker already holds
// a message for the same task, in which case nothing is written.
func (b *Broker) Publish(ctx context.Context, queue string, msg *task.Message) (bool, error) {
	if !knownQueue(queue) {
		return false, fmt.Errorf("unknown queue %q", queue)
	}

	body, err := msg.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}

	var published bool
	err = b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		n, err := publishScript.Run(ctx, rdb, []string{b.queueKey(queue), b.messagesKey()}, msg.TaskID, body).Int()
		published = n == 1
		return err
	})
	if err != nil {
		return false, err
	}

	return published, nil
}

// Pull takes the next task from the highest-priority non-empty queue and
// leases it for the visibility timeout. It returns nil, nil when every queue is empty.
func (b *Broker) Pull(ctx context.Context) (*Delivery, error) {
	keys := make([]string, 0, len(Names)+2)
	for _, name := range Names {
		keys = append(keys, b.queueKey(name))
	}
	keys = append(keys, b.inFlightKey(), b.messagesKey())
	deadline := score(b.now().Add(b.cfg.VisibilityTimeout))

	var reply []any
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		res, err := pullScript.Run(ctx, rdb, keys, deadline).Slice()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		reply = res
		return err
	})
	if err != nil || reply == nil {
		return nil, err
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("unexpected pull reply of length %d", len(reply))
	}

	idx, _ := reply[0].(int64)
	body, _ := reply[1].(string)
	if idx < 1 || int(idx) > len(Names) {
		return nil, fmt.Errorf("unexpected queue index %d", idx)
	}

	msg, err := task.DecodeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	return &Delivery{Message: msg, Queue: Names[idx-1]}, nil
}

// Ack removes a finished task from the broker.
func (b *Broker) Ack(ctx context.Context, taskID string) error {
	return b.leased(ctx, ackScript, []string{b.inFlightKey(), b.messagesKey()}, taskID)
}

// Requeue releases the lease on msg and schedules it to become visible again after delay.
// msg is stored as given, so callers pass the next attempt.
func (b *Broker) Requeue(ctx context.Context, msg *task.Message, delay time.Duration) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return b.leased(ctx, requeueScript,
		[]string{b.inFlightKey(), b.messagesKey(), b.delayedKey()},
		msg.TaskID, body, score(b.now().Add(delay)))
}

// DeadLetter moves msg to the dead-letter list. Nothing ever pulls from there.
func (b *Broker) DeadLetter(ctx context.Context, msg *task.Message, reason string) error {
	entry, err := encodeDeadLetter(&DeadLetter{Message: msg, Reason: reason, DeadAt: b.now().UTC()})
	if err != nil {
		return err
	}

	return b.leased(ctx, deadLetterScript,
		[]string{b.inFlightKey(), b.messagesKey(), b.deadLetterKey()},
		msg.TaskID, entry)
}

// Extend pushes the visibility deadline of an in-flight task forward.
func (b *Broker) Extend(ctx context.Context, taskID string) error {
	return b.leased(ctx, extendScript, []string{b.inFlightKey()},
		taskID, score(b.now().Add(b.cfg.VisibilityTimeout)))
}

func (b *Broker) leased(ctx context.Context, script *redis.Script, keys []string, args ...any) error {
	var held bool
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		n, err := script.Run(ctx, rdb, keys, args...).Int()
		held = n == 1
		return err
	})
	if err != nil {
		return err
	}
	if !held {
		return ErrLeaseLost
	}

	return nil
}

// PromoteDelayed moves delayed tasks whose ready time has passed back onto their queues.
func (b *Broker) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ids, err := rdb.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   score(now),
			Count: b.cfg.PromoteBatch,
		}).Result()
		if err != nil || len(ids) == 0 {
			return err
		}

		bodies, err := rdb.HMGet(ctx, b.messagesKey(), ids...).Result()
		if err != nil {
			return err
		}

		for i, id := range ids {
			body, ok := bodies[i].(string)
			if !ok {
				b.logger.Warn("delayed task has no body, dropping", slog.String("task_id", id))
				if err := rdb.ZRem(ctx, b.delayedKey(), id).Err(); err != nil {
					return err
				}
				continue
			}

			queue := NameFor(task.NormalPriority)
			if msg, err := task.DecodeMessage(body); err == nil {
				queue = NameFor(msg.Priority)
			}

			n, err := promoteScript.Run(ctx, rdb, []string{b.delayedKey(), b.queueKey(queue)}, id).Int()
			if err != nil {
				return err
			}
			promoted += n
		}

		return nil
	})

	return promoted, err
}

// ReclaimExpired takes over every in-flight lease whose deadline is at or
// before now and returns those messages. The caller owns the new lease and
// must Requeue or DeadLetter each one.
func (b *Broker) ReclaimExpired(ctx context.Context, now time.Time) ([]*task.Message, error) {
	var claimed []*task.Message
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		ids, err := rdb.ZRangeByScore(ctx, b.inFlightKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   score(now),
			Count: b.cfg.PromoteBatch,
		}).Result()
		if err != nil || len(ids) == 0 {
			return err
		}

		lease := score(now.Add(b.cfg.VisibilityTimeout))
		for _, id := range ids {
			n, err := claimScript.Run(ctx, rdb, []string{b.inFlightKey()}, id, score(now), lease).Int()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			body, err := rdb.HGet(ctx, b.messagesKey(), id).Result()
			if errors.Is(err, redis.Nil) {
				b.logger.Warn("in-flight task has no body, dropping", slog.String("task_id", id))
				if err := rdb.ZRem(ctx, b.inFlightKey(), id).Err(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			msg, err := task.DecodeMessage(body)
			if err != nil {
				b.logger.Error("failed to decode in-flight task",
					slog.String("task_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			claimed = append(claimed, msg)
		}

		return nil
	})

	return claimed, err
}

func (b *Broker) Depths(ctx context.Context) (*Depths, error) {
	d := &Depths{Queues: make(map[string]int64, len(Names))}
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		queueLens := make(map[string]*redis.IntCmd, len(Names))
		var inFlight, delayed, dead *redis.IntCmd
		_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, name := range Names {
				queueLens[name] = pipe.LLen(ctx, b.queueKey(name))
			}
			inFlight = pipe.ZCard(ctx, b.inFlightKey())
			delayed = pipe.ZCard(ctx, b.delayedKey())
			dead = pipe.LLen(ctx, b.deadLetterKey())
			return nil
		})
		if err != nil {
			return err
		}

		for name, cmd := range queueLens {
			d.Queues[name] = cmd.Val()
		}
		d.InFlight = inFlight.Val()
		d.Delayed = delayed.Val()
		d.DeadLetter = dead.Val()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

// DeadLetters returns up to limit entries, newest first.
func (b *Broker) DeadLetters(ctx context.Context, limit int64) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	var raw []string
	err := b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		raw, err = rdb.LRange(ctx, b.deadLetterKey(), 0, limit-1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*DeadLetter, 0, len(raw))
	for _, r := range raw {
		entry, err := decodeDeadLetter(r)
		if err != nil {
			b.logger.Warn("skipping undecodable dead letter", slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Ping checks the broker end to end through the breaker.
func (b *Broker) Ping(ctx context.Context) error {
	return b.do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Ping(ctx).Err()
	})
}

// ResetConnections drops every pooled connection so the next operation redials.
func (b *Broker) ResetConnections() {
	b.pool.Reset()
}

func knownQueue(name string) bool {
	return slices.Contains(Names, name)
}
