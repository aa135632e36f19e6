// Package router accepts task submissions and places them on their priority queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/connpool"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/metrics"
	"github.com/nadmax/taskforge/internal/queue"
	"github.com/nadmax/taskforge/internal/task"
)

// Rejection reasons reported back to the submitter.
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonPoolExhausted = "pool_exhausted"
	ReasonInvalid       = "invalid"
	ReasonDuplicate     = "duplicate"
	ReasonUnavailable   = "unavailable"
)

type Result struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"task_id,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, queue string, msg *task.Message) (bool, error)
}

type Router struct {
	store       eventstore.Store
	publisher   Publisher
	logger      *slog.Logger
	maxAttempts int
}

type Option func(*Router)

// WithDefaultMaxAttempts sets the attempt budget given to tasks submitted without one.
func WithDefaultMaxAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func New(store eventstore.Store, publisher Publisher, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{store: store, publisher: publisher, logger: logger, maxAttempts: task.DefaultMaxAttempts}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Route names the queue a task belongs on. It only looks at the priority.
func Route(t *task.Task) string {
	return queue.NameFor(t.Priority)
}

// Submit records TaskEnqueued and publishes the task. A rejected submission
// comes back with Accepted false, a reason, and the error behind it; the
// caller decides whether to retry. Nothing is dropped silently. When the
// publish fails after the enqueue was recorded, TaskRejected closes the
// stream so its projected state agrees with the answer.
func (r *Router) Submit(ctx context.Context, t *task.Task) (Result, error) {
	ctx, span := otel.Tracer("router").Start(ctx, "router.submit")
	defer span.End()

	r.fillDefaults(t)
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.priority", t.Priority.String()),
	)
	log := r.logger.With(
		slog.String("task_id", t.ID),
		slog.String("priority", t.Priority.String()),
	)

	reject := func(reason string, err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		metrics.RecordSubmission(t.Priority.String(), reason)
		log.Warn("task rejected", slog.String("reason", reason), slog.String("error", err.Error()))
		return Result{Accepted: false, TaskID: t.ID, Reason: reason}, err
	}

	if err := t.Validate(); err != nil {
		return reject(ReasonInvalid, err)
	}

	fresh, err := r.checkHistory(ctx, t.ID)
	if err != nil {
		if errors.Is(err, errDuplicate) {
			return reject(ReasonDuplicate, err)
		}
		return reject(ReasonUnavailable, err)
	}

	if fresh {
		if _, err := r.store.Append(ctx, t.ID, eventstore.TaskEnqueued, enqueuedPayload(t), ""); err != nil {
			return reject(ReasonUnavailable, fmt.Errorf("record enqueue: %w", err))
		}
	}

	name := Route(t)
	published, err := r.publisher.Publish(ctx, name, task.NewMessage(t))
	if err != nil {
		reason := ReasonUnavailable
		switch {
		case errors.Is(err, breaker.ErrCircuitOpen):
			reason = ReasonCircuitOpen
		case errors.Is(err, connpool.ErrPoolExhausted):
			reason = ReasonPoolExhausted
		}
		r.recordRejection(ctx, log, t.ID, reason, err)
		return reject(reason, err)
	}

	metrics.RecordSubmission(t.Priority.String(), "accepted")
	log.Info("task enqueued", slog.String("queue", name), slog.Bool("republished", !fresh), slog.Bool("already_queued", !published))

	return Result{Accepted: true, TaskID: t.ID, Queue: name}, nil
}

// recordRejection appends TaskRejected. If that append fails too the stream
// is left holding only TaskEnqueued, which a resubmission republishes.
func (r *Router) recordRejection(ctx context.Context, log *slog.Logger, id, reason string, cause error) {
	payload := map[string]any{"reason": reason, "error": cause.Error()}
	if _, err := r.store.Append(context.WithoutCancel(ctx), id, eventstore.TaskRejected, payload, ""); err != nil {
		log.Error("failed to record rejection", slog.Any("error", err))
	}
}

var errDuplicate = errors.New("task id already in use")

// checkHistory reports whether TaskEnqueued has to be recorded for the id.
// A new id and a rejected one need it. An id whose history holds only
// TaskEnqueued belongs to a submission whose publish never landed, so it may
// be published again without recording a second enqueue.
func (r *Router) checkHistory(ctx context.Context, id string) (bool, error) {
	events, err := r.store.ReadEvents(ctx, id)
	switch {
	case errors.Is(err, eventstore.ErrAggregateNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("read history: %w", err)
	case events[len(events)-1].Type == eventstore.TaskRejected:
		return true, nil
	case len(events) == 1 && events[0].Type == eventstore.TaskEnqueued:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", errDuplicate, id)
	}
}

func (r *Router) fillDefaults(t *task.Task) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Type == "" {
		t.Type = task.DefaultType
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = r.maxAttempts
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
}

func enqueuedPayload(t *task.Task) map[string]any {
	p := map[string]any{
		"type":         t.Type,
		"priority":     t.Priority.String(),
		"max_attempts": t.MaxAttempts,
		"created_at":   t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.ComplexityHint != nil {
		p["complexity_hint"] = *t.ComplexityHint
	}

	return p
}
