package worker

import (
	"context"
	"time"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusDraining Status = "draining"
	StatusDead     Status = "dead"
)

// Record is the externally visible state of one worker. It lives only in
// memory and is never written to the event store.
type Record struct {
	ID            string    `json:"worker_id"`
	Status        Status    `json:"status"`
	CurrentTaskID *string   `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	StartedAt     time.Time `json:"started_at"`
}

// handle is the pool's private bookkeeping for a worker goroutine. All
// fields except the channels are guarded by Pool.mu.
type handle struct {
	record Record
	cancel context.CancelFunc
	drain  chan struct{}
	done   chan struct{}
}

func (h *handle) live() bool {
	return h.record.Status == StatusIdle || h.record.Status == StatusBusy
}
