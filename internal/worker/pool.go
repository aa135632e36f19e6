// Package worker runs the pool of workers that pull tasks from the broker,
// execute them and record every lifecycle step in the event store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/handlers"
	"github.com/nadmax/taskforge/internal/metrics"
	"github.com/nadmax/taskforge/internal/queue"
	"github.com/nadmax/taskforge/internal/task"
)

var ErrNotStarted = errors.New("worker pool not started")

const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultTaskTimeout       = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultCircuitBackoff    = 5 * time.Second
)

// Broker is the part of the queue broker workers and the reaper use.
type Broker interface {
	Pull(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, taskID string) error
	Requeue(ctx context.Context, msg *task.Message, delay time.Duration) error
	DeadLetter(ctx context.Context, msg *task.Message, reason string) error
	Extend(ctx context.Context, taskID string) error
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
	ReclaimExpired(ctx context.Context, now time.Time) ([]*task.Message, error)
}

type Config struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	TaskTimeout       time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// CircuitBackoff is how long a pulled task is parked while the task-execution breaker is open.
	CircuitBackoff time.Duration `mapstructure:"circuit_backoff"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CircuitBackoff <= 0 {
		c.CircuitBackoff = DefaultCircuitBackoff
	}

	return c
}

// Pool owns every worker of this process. Spawn, Drain and Reap are the only
// operations that change the set of workers; Resize and Restart are built on them.
type Pool struct {
	cfg        Config
	broker     Broker
	store      eventstore.Store
	registry   *handlers.Registry
	execution  *breaker.Breaker
	retry      breaker.RetryPolicy
	complexity *ComplexityTracker
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*handle
	target  int
	seq     int
	wg      sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithRetryPolicy(r breaker.RetryPolicy) Option {
	return func(p *Pool) { p.retry = r }
}

func WithComplexityTracker(t *ComplexityTracker) Option {
	return func(p *Pool) { p.complexity = t }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func NewPool(cfg Config, b Broker, store eventstore.Store, registry *handlers.Registry, execution *breaker.Breaker, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		broker:     b,
		store:      store,
		registry:   registry,
		execution:  execution,
		retry:      breaker.DefaultRetryPolicy(),
		complexity: NewComplexityTracker(DefaultComplexityWindow),
		logger:     slog.Default(),
		now:        time.Now,
		workers:    make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start spawns the configured number of workers. Workers stop when ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.target = p.cfg.Workers
	p.mu.Unlock()

	for range p.cfg.Workers {
		if _, err := p.Spawn(); err != nil {
			return err
		}
	}

	p.logger.Info("worker pool started", slog.Int("workers", p.cfg.Workers))
	return nil
}

// Spawn starts one worker and returns its id.
func (p *Pool) Spawn() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return "", ErrNotStarted
	}

	p.seq++
	id := fmt.Sprintf("worker-%d", p.seq)
	ctx, cancel := context.WithCancel(p.ctx)
	now := p.now()
	h := &handle{
		record: Record{ID: id, Status: StatusIdle, LastHeartbeat: now, StartedAt: now},
		cancel: cancel,
		drain:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.workers[id] = h

	p.wg.Add(1)
	go p.run(ctx, h)

	p.reportLocked()
	p.logger.Info("worker spawned", slog.String("worker_id", id))
	return id, nil
}

// Drain asks a worker to stop after its current task. It returns false for unknown or already stopping workers.
func (p *Pool) Drain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.workers[id]
	if !ok || !h.live() {
		return false
	}

	h.record.Status = StatusDraining
	close(h.drain)
	p.reportLocked()
	p.logger.Info("worker draining", slog.String("worker_id", id))
	return true
}

// Reap forgets workers that have died or finished draining and returns their ids.
func (p *Pool) Reap() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reaped []string
	for id, h := range p.workers {
		if h.record.Status != StatusDead {
			continue
		}
		h.cancel()
		delete(p.workers, id)
		reaped = append(reaped, id)
	}
	sort.Strings(reaped)

	if len(reaped) > 0 {
		p.reportLocked()
		p.logger.Info("workers reaped", slog.Any("worker_ids", reaped))
	}
	return reaped
}

// Resize moves the number of live workers to n, draining idle workers before busy ones.
func (p *Pool) Resize(n int) error {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	p.target = n
	var idle, busy []string
	for id, h := range p.workers {
		switch h.record.Status {
		case StatusIdle:
			idle = append(idle, id)
		case StatusBusy:
			busy = append(busy, id)
		}
	}
	p.mu.Unlock()

	live := len(idle) + len(busy)
	for ; live < n; live++ {
		if _, err := p.Spawn(); err != nil {
			return err
		}
	}

	sort.Strings(idle)
	sort.Strings(busy)
	for _, id := range append(idle, busy...) {
		if live <= n {
			break
		}
		if p.Drain(id) {
			live--
		}
	}

	p.Reap()
	return nil
}

// Restart reaps dead workers and spawns replacements up to the current target size.
func (p *Pool) Restart() (int, error) {
	p.Reap()

	p.mu.Lock()
	missing := p.target - p.liveLocked()
	p.mu.Unlock()

	spawned := 0
	for ; spawned < missing; spawned++ {
		if _, err := p.Spawn(); err != nil {
			return spawned, err
		}
	}

	if spawned > 0 {
		p.logger.Warn("workers restarted", slog.Int("spawned", spawned))
	}
	return spawned, nil
}

// Size is the number of live workers, not counting draining or dead ones.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

func (p *Pool) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

func (p *Pool) Complexity() *ComplexityTracker {
	return p.complexity
}

// Records returns a copy of every worker record, sorted by id.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Record, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, h.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) Counts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

// Stop drains every worker and waits for them until ctx is done, then cancels the rest.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.target = 0
	p.mu.Unlock()

	for _, id := range ids {
		p.Drain(id)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.Reap()
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for _, h := range p.workers {
			h.cancel()
		}
		p.mu.Unlock()
		<-done
		p.Reap()
		return ctx.Err()
	}
}

// MarkStale declares dead every live worker whose last heartbeat is older than staleAfter.
// Their goroutines are cancelled; any task they held stays leased until the reaper reclaims it.
func (p *Pool) MarkStale(staleAfter time.Duration) []string {
	cutoff := p.now().Add(-staleAfter)

	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []string
	for id, h := range p.workers {
		if !h.live() || !h.record.LastHeartbeat.Before(cutoff) {
			continue
		}
		h.record.Status = StatusDead
		h.cancel()
		stale = append(stale, id)
	}
	sort.Strings(stale)

	if len(stale) > 0 {
		p.reportLocked()
		p.logger.Warn("workers missed their heartbeat", slog.Any("worker_ids", stale))
	}
	return stale
}

func (p *Pool) setStatus(h *handle, status Status, taskID *string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !h.live() && status != StatusDead {
		// A draining or dead worker keeps its status; only the task and heartbeat move.
		h.record.CurrentTaskID = taskID
		h.record.LastHeartbeat = p.now()
		return
	}
	h.record.Status = status
	h.record.CurrentTaskID = taskID
	h.record.LastHeartbeat = p.now()
	p.reportLocked()
}

// exit marks a worker whose goroutine has returned. A worker that died
// mid-task keeps the id of the task it was running.
func (p *Pool) exit(h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.record.Status != StatusDead {
		h.record.Status = StatusDead
		h.record.CurrentTaskID = nil
	}
	p.reportLocked()
}

func (p *Pool) heartbeat(h *handle) {
	p.mu.Lock()
	h.record.LastHeartbeat = p.now()
	p.mu.Unlock()
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, h := range p.workers {
		if h.live() {
			n++
		}
	}
	return n
}

func (p *Pool) countsLocked() map[string]int {
	counts := map[string]int{
		string(StatusIdle):     0,
		string(StatusBusy):     0,
		string(StatusDraining): 0,
		string(StatusDead):     0,
	}
	for _, h := range p.workers {
		counts[string(h.record.Status)]++
	}
	return counts
}

func (p *Pool) reportLocked() {
	metrics.UpdateWorkers(p.countsLocked())
}
