package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/metrics"
)

const DefaultAppendRetries = 5

// AppendWithRetry appends and, when another writer took the version slot,
// retries with backoff. Every retry re-reads the current version inside Append.
func AppendWithRetry(ctx context.Context, store Store, policy breaker.RetryPolicy, maxRetries uint64,
	aggregateID string, eventType EventType, payload map[string]any, workerID string,
) (int, error) {
	var version int
	err := policy.Do(ctx, maxRetries, isConcurrentModification, func(ctx context.Context) error {
		v, err := store.Append(ctx, aggregateID, eventType, payload, workerID)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordTaskEvent(string(eventType))
	return version, nil
}

func isConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// GuardedStore runs every call on the wrapped store through the database
// breaker. Reads are retried on any failure. Appends are retried only on
// version races: an append whose reply was lost may have committed, and
// sending it again would record the event twice. A missing aggregate is an
// answer, not a failure.
type GuardedStore struct {
	inner  Store
	guard  breaker.Guard
	policy breaker.RetryPolicy
}

func NewGuardedStore(inner Store, guard breaker.Guard) *GuardedStore {
	return &GuardedStore{inner: inner, guard: guard, policy: guard.Retry}
}

func (g *GuardedStore) Append(ctx context.Context, aggregateID string, eventType EventType, payload map[string]any, workerID string) (int, error) {
	var version int
	err := g.once(ctx, func(ctx context.Context) error {
		v, err := AppendWithRetry(ctx, g.inner, g.policy, DefaultAppendRetries, aggregateID, eventType, payload, workerID)
		version = v
		return err
	})

	return version, err
}

func (g *GuardedStore) ReadEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	var events []Event
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		events, err = g.inner.ReadEvents(ctx, aggregateID)
		return err
	})

	return events, err
}

func (g *GuardedStore) QueryMetrics(ctx context.Context, window time.Duration) (*Metrics, error) {
	var m *Metrics
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		m, err = g.inner.QueryMetrics(ctx, window)
		return err
	})

	return m, err
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}

// call keeps domain answers out of the breaker's failure count and out of the retry loop.
func (g *GuardedStore) call(ctx context.Context, fn func(context.Context) error) error {
	var answer error
	err := g.guard.Do(ctx, sortAnswer(fn, &answer))
	if err != nil {
		return err
	}

	return answer
}

// once is call without the retry loop.
func (g *GuardedStore) once(ctx context.Context, fn func(context.Context) error) error {
	var answer error
	err := g.guard.Breaker.Execute(ctx, sortAnswer(fn, &answer))
	if err != nil {
		return err
	}

	return answer
}

func sortAnswer(fn func(context.Context) error, answer *error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrAggregateNotFound) || errors.Is(err, ErrConcurrentModification) {
			*answer = err
			return nil
		}
		*answer = nil
		return err
	}
}
