// Package task defines the task domain model shared by the router, the broker and the workers.
// It contains task metadata, the priority enum, the queue wire message and serialization helpers.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type (
	TaskPriority int
	Task         struct {
		ID             string         `json:"id" validate:"required,max=128"`
		Type           string         `json:"type" validate:"required,max=64"`
		Payload        map[string]any `json:"payload"`
		Priority       TaskPriority   `json:"priority" validate:"gte=0,lte=3"`
		CreatedAt      time.Time      `json:"created_at"`
		ComplexityHint *float64       `json:"complexity_hint,omitempty" validate:"omitempty,gte=0"`
		MaxAttempts    int            `json:"max_attempts" validate:"gte=1,lte=100"`
	}
)

const (
	LowPriority TaskPriority = iota
	NormalPriority
	HighPriority
	CriticalPriority
)

const (
	DefaultType        = "generate"
	DefaultMaxAttempts = 3
)

// Priorities lists every priority from highest to lowest, the order in which workers serve queues.
var Priorities = []TaskPriority{CriticalPriority, HighPriority, NormalPriority, LowPriority}

var validate = validator.New()

// ValidationError reports a task that cannot be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

func NewTask(taskType string, payload map[string]any, priority TaskPriority) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     payload,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks the struct constraints and returns a *ValidationError for the first violation.
func (t *Task) Validate() error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: strings.ToLower(verrs[0].Field()), Reason: "failed " + verrs[0].Tag()}
	}

	return err
}

func (p TaskPriority) String() string {
	switch p {
	case LowPriority:
		return "low"
	case NormalPriority:
		return "normal"
	case HighPriority:
		return "high"
	case CriticalPriority:
		return "critical"
	default:
		return "unknown"
	}
}

func ParsePriority(s string) (TaskPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LowPriority, nil
	case "normal", "":
		return NormalPriority, nil
	case "high":
		return HighPriority, nil
	case "critical":
		return CriticalPriority, nil
	default:
		return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", s)}
	}
}

func (p TaskPriority) MarshalText() ([]byte, error) {
	if p < LowPriority || p > CriticalPriority {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}

	return []byte(p.String()), nil
}

func (p *TaskPriority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}

	*p = parsed
	return nil
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
