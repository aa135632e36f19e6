// Package handlers holds the task handlers workers dispatch to, keyed by task type.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nadmax/taskforge/internal/task"
)

var ErrNoHandler = errors.New("no handler registered for task type")

// Handler runs one attempt of a task. It must be idempotent: a task can be
// delivered again after a worker dies mid-attempt.
type Handler interface {
	Handle(ctx context.Context, msg *task.Message) error
	TaskType() string
}

// Func adapts a plain function to Handler.
type Func struct {
	Type string
	Fn   func(ctx context.Context, msg *task.Message) error
}

func (f Func) TaskType() string { return f.Type }

func (f Func) Handle(ctx context.Context, msg *task.Message) error {
	return f.Fn(ctx, msg)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.Register(h)
	}

	return r
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskType()] = h
}

func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, taskType)
	}

	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	return types
}
