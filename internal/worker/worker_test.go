package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/connpool"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/handlers"
	"github.com/nadmax/taskforge/internal/queue"
	"github.com/nadmax/taskforge/internal/router"
	"github.com/nadmax/taskforge/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testType       = "echo"
	testVisibility = 300 * time.Millisecond
	waitFor        = 3 * time.Second
	tick           = 10 * time.Millisecond
)

type testEnv struct {
	pool      *Pool
	broker    *queue.Broker
	store     *eventstore.MemoryStore
	router    *router.Router
	execution *breaker.Breaker
	mr        *miniredis.Miniredis
}

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Now().UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func setupTestPool(t *testing.T, fn func(context.Context, *task.Message) error, workers int, opts ...Option) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	conns, err := connpool.New(connpool.Config{MaxConns: 8, AcquireTimeout: 500 * time.Millisecond},
		connpool.RedisDialer(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	require.NoError(t, err)
	t.Cleanup(conns.Close)

	b := queue.NewBroker(conns, breaker.New(breaker.Broker, breaker.DefaultSettings()),
		queue.Config{Prefix: "test", VisibilityTimeout: testVisibility})
	store := eventstore.NewMemoryStore()
	execution := breaker.New(breaker.TaskExecution, breaker.Settings{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	pool := NewPool(Config{
		Workers:           workers,
		PollInterval:      10 * time.Millisecond,
		TaskTimeout:       time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		CircuitBackoff:    time.Minute,
	}, b, store, handlers.NewRegistry(handlers.Func{Type: testType, Fn: fn}), execution,
		append([]Option{WithRetryPolicy(breaker.RetryPolicy{Base: time.Millisecond, Max: 10 * time.Millisecond})}, opts...)...,
	)

	return &testEnv{
		pool:      pool,
		broker:    b,
		store:     store,
		router:    router.New(store, b, slog.Default()),
		execution: execution,
		mr:        mr,
	}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.pool.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = e.pool.Stop(stopCtx)
		cancel()
	})
}

func (e *testEnv) submit(t *testing.T, taskType string, maxAttempts int) string {
	t.Helper()

	tsk := task.NewTask(taskType, map[string]any{"prompt": "hi"}, task.NormalPriority)
	tsk.MaxAttempts = maxAttempts
	res, err := e.router.Submit(context.Background(), tsk)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	return tsk.ID
}

func (e *testEnv) eventTypes(t *testing.T, id string) []eventstore.EventType {
	t.Helper()

	events, err := e.store.ReadEvents(context.Background(), id)
	require.NoError(t, err)

	types := make([]eventstore.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// waitForStatus promotes due retries while waiting, standing in for the reaper.
func (e *testEnv) waitForStatus(t *testing.T, id string, status eventstore.Status) *eventstore.TaskState {
	t.Helper()

	var state *eventstore.TaskState
	require.Eventually(t, func() bool {
		_, _ = e.broker.PromoteDelayed(context.Background(), time.Now())
		s, err := eventstore.ProjectState(context.Background(), e.store, id)
		if err != nil {
			return false
		}
		state = s
		return s.Status == status
	}, waitFor, tick)

	return state
}

func TestPool_HappyPath(t *testing.T) {
	env := setupTestPool(t, func(context.Context, *task.Message) error { return nil }, 1)
	env.start(t)

	id := env.submit(t, testType, 3)
	state := env.waitForStatus(t, id, eventstore.StatusCompleted)

	assert.Equal(t, 1, state.Attempts)
	assert.Equal(t, []eventstore.EventType{
		eventstore.TaskEnqueued, eventstore.TaskStarted, eventstore.TaskCompleted,
	}, env.eventTypes(t, id))

	events, err := env.store.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, events[1].WorkerID)
	assert.Equal(t, "worker-1", *events[1].WorkerID)

	assert.Eventually(t, func() bool {
		d, err := env.broker.Depths(context.Background())
		return err == nil && d.InFlight == 0 && d.Pending() == 0
	}, waitFor, tick)
}

func TestPool_TransientFailure(t *testing.T) {
	var calls atomic.Int32
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("upstream hiccup")
		}
		return nil
	}, 1)
	env.start(t)

	id := env.submit(t, testType, 3)
	state := env.waitForStatus(t, id, eventstore.StatusCompleted)

	assert.Equal(t, 2, state.Attempts)
	assert.Equal(t, []eventstore.EventType{
		eventstore.TaskEnqueued,
		eventstore.TaskStarted, eventstore.TaskFailed, eventstore.TaskRetried,
		eventstore.TaskStarted, eventstore.TaskCompleted,
	}, env.eventTypes(t, id))
}

func TestPool_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		calls.Add(1)
		return errors.New("always broken")
	}, 1)
	env.start(t)

	id := env.submit(t, testType, 3)
	state := env.waitForStatus(t, id, eventstore.StatusDeadLettered)

	assert.Equal(t, 3, state.Attempts)
	assert.Equal(t, "always broken", state.LastError)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []eventstore.EventType{
		eventstore.TaskEnqueued,
		eventstore.TaskStarted, eventstore.TaskFailed, eventstore.TaskRetried,
		eventstore.TaskStarted, eventstore.TaskFailed, eventstore.TaskRetried,
		eventstore.TaskStarted, eventstore.TaskFailed, eventstore.TaskDeadLettered,
	}, env.eventTypes(t, id))

	dead, err := env.broker.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Message.TaskID)
}

func TestPool_BreakerTripStopsInvokingHandler(t *testing.T) {
	var calls atomic.Int32
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		calls.Add(1)
		return errors.New("model unavailable")
	}, 1)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = env.submit(t, testType, 1)
	}
	env.start(t)

	for _, id := range ids[:5] {
		env.waitForStatus(t, id, eventstore.StatusDeadLettered)
	}
	assert.Equal(t, breaker.StateOpen, env.execution.State())

	require.Eventually(t, func() bool {
		d, err := env.broker.Depths(context.Background())
		return err == nil && d.Delayed == 1 && d.Pending() == 0 && d.InFlight == 0
	}, waitFor, tick)

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []eventstore.EventType{eventstore.TaskEnqueued}, env.eventTypes(t, ids[5]))
}

func TestPool_Timeout(t *testing.T) {
	env := setupTestPool(t, func(ctx context.Context, _ *task.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	env.pool.cfg.TaskTimeout = 50 * time.Millisecond
	env.start(t)

	id := env.submit(t, testType, 1)
	env.waitForStatus(t, id, eventstore.StatusDeadLettered)

	events, err := env.store.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, ReasonTimeout, events[2].Payload["reason"])
}

func TestPool_UnknownTaskType(t *testing.T) {
	var calls atomic.Int32
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		calls.Add(1)
		return nil
	}, 1)
	env.start(t)

	id := env.submit(t, "mystery", 3)
	env.waitForStatus(t, id, eventstore.StatusDeadLettered)

	assert.Zero(t, calls.Load())
	assert.Equal(t, []eventstore.EventType{
		eventstore.TaskEnqueued, eventstore.TaskFailed, eventstore.TaskDeadLettered,
	}, env.eventTypes(t, id))
}

func TestPool_SettledRedeliveryIsDropped(t *testing.T) {
	var calls atomic.Int32
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		calls.Add(1)
		return nil
	}, 1)
	ctx := context.Background()

	tsk := task.NewTask(testType, nil, task.HighPriority)
	for _, et := range []eventstore.EventType{eventstore.TaskEnqueued, eventstore.TaskStarted, eventstore.TaskCompleted} {
		_, err := env.store.Append(ctx, tsk.ID, et, nil, "")
		require.NoError(t, err)
	}
	_, err := env.broker.Publish(ctx, queue.NameFor(tsk.Priority), task.NewMessage(tsk))
	require.NoError(t, err)

	env.start(t)

	require.Eventually(t, func() bool {
		d, err := env.broker.Depths(ctx)
		return err == nil && d.Pending() == 0 && d.InFlight == 0
	}, waitFor, tick)
	assert.Zero(t, calls.Load())
	assert.Len(t, env.eventTypes(t, tsk.ID), 3)
}

func TestPool_PanicIsolationAndRedelivery(t *testing.T) {
	var calls atomic.Int32
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		return nil
	}, 1)
	env.start(t)
	reaper := NewReaper(env.pool, ReaperConfig{})

	id := env.submit(t, testType, 3)

	require.Eventually(t, func() bool { return env.pool.Size() == 0 }, waitFor, tick)
	records := env.pool.Records()
	require.Len(t, records, 1)
	assert.Equal(t, StatusDead, records[0].Status)
	require.NotNil(t, records[0].CurrentTaskID)
	assert.Equal(t, id, *records[0].CurrentTaskID)

	// The message stays leased until its visibility deadline passes.
	d, err := env.broker.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.InFlight)

	require.Eventually(t, func() bool {
		res, err := reaper.Sweep(context.Background())
		return err == nil && res.Reclaimed == 1
	}, waitFor, 50*time.Millisecond)

	state := env.waitForStatus(t, id, eventstore.StatusCompleted)
	assert.Equal(t, 2, state.Attempts)
	assert.Equal(t, 1, env.pool.Size())

	events, err := env.store.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, eventstore.TaskFailed, events[2].Type)
	assert.Equal(t, ReasonLeaseExpired, events[2].Payload["reason"])
	assert.Equal(t, eventstore.TaskRetried, events[3].Type)
}

func TestReaper_RequeuesUnstartedLease(t *testing.T) {
	env := setupTestPool(t, func(context.Context, *task.Message) error { return nil }, 1)
	ctx := context.Background()
	reaper := NewReaper(env.pool, ReaperConfig{})

	id := env.submit(t, testType, 3)
	delivery, err := env.broker.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.Eventually(t, func() bool {
		res, err := reaper.Sweep(ctx)
		return err == nil && res.Reclaimed == 1
	}, waitFor, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		_, _ = env.broker.PromoteDelayed(ctx, time.Now())
		d, err := env.broker.Depths(ctx)
		return err == nil && d.Pending() == 1
	}, waitFor, tick)

	delivery, err = env.broker.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, id, delivery.Message.TaskID)
	assert.Equal(t, 0, delivery.Message.AttemptCount)
	assert.Equal(t, []eventstore.EventType{eventstore.TaskEnqueued}, env.eventTypes(t, id))
}

func TestPool_ResizeAndRestart(t *testing.T) {
	env := setupTestPool(t, func(context.Context, *task.Message) error { return nil }, 2)

	_, err := env.pool.Spawn()
	require.ErrorIs(t, err, ErrNotStarted)

	env.start(t)
	assert.Equal(t, 2, env.pool.Size())

	require.NoError(t, env.pool.Resize(4))
	assert.Equal(t, 4, env.pool.Size())
	assert.Equal(t, 4, env.pool.Target())

	require.NoError(t, env.pool.Resize(1))
	assert.Equal(t, 1, env.pool.Size())
	assert.Equal(t, 1, env.pool.Target())
	require.Eventually(t, func() bool {
		env.pool.Reap()
		return len(env.pool.Records()) == 1
	}, waitFor, tick)

	spawned, err := env.pool.Restart()
	require.NoError(t, err)
	assert.Zero(t, spawned)

	id := env.pool.Records()[0].ID
	require.True(t, env.pool.Drain(id))
	assert.False(t, env.pool.Drain(id))
	assert.False(t, env.pool.Drain("worker-404"))

	// Drain alone does not lower the target, so Restart replaces the worker.
	spawned, err = env.pool.Restart()
	require.NoError(t, err)
	assert.Equal(t, 1, spawned)
	assert.Equal(t, 1, env.pool.Size())
}

func TestPool_MarkStale(t *testing.T) {
	clock := newFakeClock()
	env := setupTestPool(t, func(ctx context.Context, _ *task.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1, WithClock(clock.Now))
	env.pool.cfg.TaskTimeout = time.Minute
	env.pool.cfg.HeartbeatInterval = time.Hour
	env.start(t)

	id := env.submit(t, testType, 3)
	require.Eventually(t, func() bool {
		records := env.pool.Records()
		return len(records) == 1 && records[0].Status == StatusBusy
	}, waitFor, tick)

	assert.Empty(t, env.pool.MarkStale(time.Hour))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{"worker-1"}, env.pool.MarkStale(time.Hour))
	assert.Equal(t, 0, env.pool.Size())
	assert.Equal(t, StatusDead, env.pool.Records()[0].Status)

	// The cancelled attempt is settled as cancelled and not held against the handler.
	require.Eventually(t, func() bool {
		return len(env.eventTypes(t, id)) == 4
	}, waitFor, tick)
	events, err := env.store.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, eventstore.TaskFailed, events[2].Type)
	assert.Equal(t, ReasonCancelled, events[2].Payload["reason"])
	assert.Equal(t, eventstore.TaskRetried, events[3].Type)
	assert.Zero(t, env.execution.Stats().TotalFailures)
	assert.Equal(t, breaker.StateClosed, env.execution.State())
}

func TestPool_HeartbeatsWhileBrokerIsDown(t *testing.T) {
	clock := newFakeClock()
	env := setupTestPool(t, func(context.Context, *task.Message) error { return nil }, 1, WithClock(clock.Now))
	env.pool.cfg.CircuitBackoff = 10 * time.Millisecond
	env.mr.Close()
	env.start(t)

	clock.Advance(2 * time.Hour)
	require.Eventually(t, func() bool {
		records := env.pool.Records()
		return len(records) == 1 && !records[0].LastHeartbeat.Before(clock.Now())
	}, waitFor, tick)

	assert.Empty(t, env.pool.MarkStale(time.Hour))
	assert.Equal(t, 1, env.pool.Size())
}

func TestPool_OutcomeDroppedAfterReaperTakeover(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	release := make(chan struct{})
	env := setupTestPool(t, func(context.Context, *task.Message) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}, 1, WithClock(clock.Now))
	env.pool.cfg.HeartbeatInterval = time.Hour
	env.start(t)
	reaper := NewReaper(env.pool, ReaperConfig{})

	id := env.submit(t, testType, 3)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	// worker-1 stops heartbeating; the reaper settles its attempt and a replacement finishes the task.
	clock.Advance(time.Hour)
	res, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, []string{"worker-1"}, res.Stale)
	env.waitForStatus(t, id, eventstore.StatusCompleted)

	close(release)
	stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, env.pool.Stop(stopCtx))

	assert.Equal(t, []eventstore.EventType{
		eventstore.TaskEnqueued,
		eventstore.TaskStarted, eventstore.TaskFailed, eventstore.TaskRetried,
		eventstore.TaskStarted, eventstore.TaskCompleted,
	}, env.eventTypes(t, id))
	assert.Equal(t, int32(2), calls.Load())
}

func TestComplexityTracker(t *testing.T) {
	hint := 4.0
	withHint := &task.Message{ComplexityHint: &hint}
	empty := &task.Message{}
	big := &task.Message{Payload: map[string]any{"blob": string(make([]byte, 2048))}}

	assert.Equal(t, 4.0, ScoreOf(withHint))
	assert.Equal(t, 1.0, ScoreOf(empty))
	assert.Greater(t, ScoreOf(big), 3.0)

	tr := NewComplexityTracker(2)
	assert.Zero(t, tr.Score())

	tr.Observe(withHint)
	assert.Equal(t, 4.0, tr.Score())
	tr.Observe(empty)
	assert.Equal(t, 2.5, tr.Score())
	tr.Observe(empty)
	assert.Equal(t, 1.0, tr.Score())
}
