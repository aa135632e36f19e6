// Package eventstore is the append-only, per-task log of lifecycle events.
//
// Every state change a task goes through is recorded as an Event with a
// version assigned by the store at append time. Versions of one aggregate
// form the contiguous sequence 1..N. Current state is never stored; it is
// folded from the events by Project.
package eventstore

import (
	"context"
	"errors"
	"time"
)

type EventType string

const (
	TaskEnqueued     EventType = "TaskEnqueued"
	TaskStarted      EventType = "TaskStarted"
	TaskCompleted    EventType = "TaskCompleted"
	TaskFailed       EventType = "TaskFailed"
	TaskRetried      EventType = "TaskRetried"
	TaskDeadLettered EventType = "TaskDeadLettered"
	// TaskRejected closes a submission whose publish failed after the enqueue was recorded.
	TaskRejected EventType = "TaskRejected"
)

var (
	// ErrConcurrentModification means another writer took the next version slot first.
	// The append can be retried with a fresh version lookup.
	ErrConcurrentModification = errors.New("concurrent modification of aggregate")
	ErrAggregateNotFound      = errors.New("aggregate not found")
)

type Event struct {
	AggregateID string         `json:"aggregate_id"`
	Type        EventType      `json:"event_type"`
	Version     int            `json:"version"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkerID    *string        `json:"worker_id,omitempty"`
}

// Metrics summarizes the events appended within a trailing window.
type Metrics struct {
	Window          time.Duration `json:"-"`
	Started         int64         `json:"started"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	DeadLettered    int64         `json:"dead_lettered"`
	CompletionRate  float64       `json:"completion_rate"`
	FailureRate     float64       `json:"failure_rate"`
	AverageDuration time.Duration `json:"-"`
}

// Finalize derives the rates from the raw counts.
func (m *Metrics) Finalize() {
	if m.Started == 0 {
		m.CompletionRate = 0
		m.FailureRate = 0
		return
	}

	m.CompletionRate = float64(m.Completed) / float64(m.Started)
	m.FailureRate = float64(m.Failed) / float64(m.Started)
}

type Store interface {
	// Append records one event and returns the version it was assigned.
	// An empty workerID is stored as null.
	Append(ctx context.Context, aggregateID string, eventType EventType, payload map[string]any, workerID string) (int, error)
	// ReadEvents returns the full history of one aggregate in version order.
	ReadEvents(ctx context.Context, aggregateID string) ([]Event, error)
	QueryMetrics(ctx context.Context, window time.Duration) (*Metrics, error)
	Close() error
}

// ProjectState reads the history of aggregateID and folds it into its current state.
func ProjectState(ctx context.Context, store Store, aggregateID string) (*TaskState, error) {
	events, err := store.ReadEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	return Project(events)
}
