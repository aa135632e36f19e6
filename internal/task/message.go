package task

import (
	"encoding/json"
	"time"
)

// Message is the body carried on a priority queue.
type Message struct {
	TaskID         string         `json:"task_id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Priority       TaskPriority   `json:"priority"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	ComplexityHint *float64       `json:"complexity_hint,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

func NewMessage(t *Task) *Message {
	return &Message{
		TaskID:         t.ID,
		Type:           t.Type,
		Payload:        t.Payload,
		Priority:       t.Priority,
		MaxAttempts:    t.MaxAttempts,
		ComplexityHint: t.ComplexityHint,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// Attempt is the 1-based number of the execution about to run.
func (m *Message) Attempt() int {
	return m.AttemptCount + 1
}

// Exhausted reports whether the attempt that just failed was the last one allowed.
func (m *Message) Exhausted() bool {
	return m.Attempt() >= m.MaxAttempts
}

// NextAttempt returns a copy to be re-enqueued after a failed attempt.
func (m *Message) NextAttempt() *Message {
	next := *m
	next.AttemptCount = m.AttemptCount + 1
	next.EnqueuedAt = time.Now().UTC()
	return &next
}

// PayloadSize approximates the encoded payload size, used when no complexity hint is given.
func (m *Message) PayloadSize() int {
	if len(m.Payload) == 0 {
		return 0
	}

	data, err := json.Marshal(m.Payload)
	if err != nil {
		return 0
	}

	return len(data)
}

func (m *Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func DecodeMessage(data string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}

	return &m, nil
}
