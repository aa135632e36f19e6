package eventstore

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
	StatusRejected     Status = "rejected"
)

// Terminal reports whether no further events are expected for the task.
// A rejected task only moves again when it is resubmitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered || s == StatusRejected
}

type TaskState struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Version     int        `json:"version"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Project folds events into the current state of their task. It depends on
// nothing but its input, so replaying the same events always gives the same
// state. Events must be in version order starting at 1.
func Project(events []Event) (*TaskState, error) {
	if len(events) == 0 {
		return nil, ErrAggregateNotFound
	}

	state := &TaskState{TaskID: events[0].AggregateID, Status: StatusPending}
	for i, e := range events {
		if e.AggregateID != state.TaskID {
			return nil, fmt.Errorf("event %d belongs to %s, not %s", e.Version, e.AggregateID, state.TaskID)
		}
		if e.Version != i+1 {
			return nil, fmt.Errorf("aggregate %s: expected version %d, got %d", state.TaskID, i+1, e.Version)
		}

		apply(state, e)
	}

	return state, nil
}

func apply(s *TaskState, e Event) {
	ts := e.Timestamp
	s.Version = e.Version

	switch e.Type {
	case TaskEnqueued:
		s.Status = StatusPending
		s.EnqueuedAt = &ts
		s.FinishedAt = nil
		s.LastError = ""
		if p, ok := e.Payload["priority"].(string); ok {
			s.Priority = p
		}
		if n, ok := intValue(e.Payload["max_attempts"]); ok {
			s.MaxAttempts = n
		}
	case TaskStarted:
		s.Status = StatusRunning
		s.Attempts++
		s.StartedAt = &ts
		s.FinishedAt = nil
		s.WorkerID = e.WorkerID
	case TaskCompleted:
		s.Status = StatusCompleted
		s.FinishedAt = &ts
		s.LastError = ""
	case TaskFailed:
		s.Status = StatusFailed
		if msg, ok := e.Payload["error"].(string); ok {
			s.LastError = msg
		}
	case TaskRetried:
		s.Status = StatusPending
		s.WorkerID = nil
	case TaskDeadLettered:
		s.Status = StatusDeadLettered
		s.FinishedAt = &ts
	case TaskRejected:
		s.Status = StatusRejected
		s.FinishedAt = &ts
		if msg, ok := e.Payload["error"].(string); ok {
			s.LastError = msg
		}
	}
}

// intValue accepts both native ints and the float64 JSON decoding produces.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
