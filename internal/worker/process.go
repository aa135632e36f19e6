package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/handlers"
	"github.com/nadmax/taskforge/internal/metrics"
	"github.com/nadmax/taskforge/internal/queue"
	"github.com/nadmax/taskforge/internal/task"
)

// Failure reasons recorded on TaskFailed and TaskDeadLettered events.
const (
	ReasonHandlerError = "handler_error"
	ReasonTimeout      = "timeout"
	ReasonCircuitOpen  = "circuit_open"
	ReasonNoHandler    = "no_handler"
	ReasonLeaseExpired = "lease_expired"
	ReasonPanic        = "panic"
	ReasonCancelled    = "cancelled"
)

func (p *Pool) run(ctx context.Context, h *handle) {
	defer p.wg.Done()
	defer close(h.done)
	defer p.exit(h)

	id := h.record.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.drain:
			p.logger.Info("worker drained", slog.String("worker_id", id))
			return
		default:
		}

		delivery, err := p.broker.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := p.cfg.PollInterval
			if errors.Is(err, breaker.ErrCircuitOpen) {
				wait = p.cfg.CircuitBackoff
			}
			p.logger.Warn("pull failed", slog.String("worker_id", id), slog.Any("error", err))
			p.heartbeat(h)
			p.sleep(ctx, h, wait)
			continue
		}
		if delivery == nil {
			p.heartbeat(h)
			p.sleep(ctx, h, p.cfg.PollInterval)
			continue
		}

		if !p.process(ctx, h, delivery) {
			// The lease the worker held is left for the reaper.
			return
		}
	}
}

func (p *Pool) sleep(ctx context.Context, h *handle, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-h.drain:
	case <-t.C:
	}
}

// process runs one delivery to a settled outcome. It returns false when the
// handler panicked and the worker must stop.
func (p *Pool) process(ctx context.Context, h *handle, d *queue.Delivery) bool {
	msg := d.Message
	workerID := h.record.ID

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", msg.TaskID),
		attribute.String("task.type", msg.Type),
		attribute.String("task.queue", d.Queue),
		attribute.Int("task.attempt", msg.Attempt()),
		attribute.String("worker.id", workerID),
	)

	logger := p.logger.With(slog.String("task_id", msg.TaskID), slog.String("worker_id", workerID))
	// Bookkeeping must finish even if the worker is being cancelled.
	bg := context.WithoutCancel(ctx)

	state, err := eventstore.ProjectState(bg, p.store, msg.TaskID)
	switch {
	case errors.Is(err, eventstore.ErrAggregateNotFound):
		logger.Warn("task has no history, running it anyway")
	case err != nil:
		logger.Error("failed to load task history", slog.Any("error", err))
		p.park(bg, logger, msg)
		return true
	case state.Status.Terminal():
		logger.Info("task already settled, dropping redelivery", slog.String("status", string(state.Status)))
		if err := p.broker.Ack(bg, msg.TaskID); err != nil {
			logger.Warn("failed to ack settled task", slog.Any("error", err))
		}
		return true
	}

	handler, err := p.registry.Get(msg.Type)
	if err != nil {
		logger.Error("no handler for task type", slog.String("type", msg.Type))
		if err := p.append(bg, msg.TaskID, eventstore.TaskFailed, map[string]any{
			"attempt": msg.Attempt(),
			"error":   fmt.Sprintf("no handler for task type %q", msg.Type),
			"reason":  ReasonNoHandler,
		}, workerID); err != nil {
			logger.Error("failed to record failure", slog.Any("error", err))
			return true
		}
		if err := p.deadLetter(bg, msg, ReasonNoHandler, workerID); err != nil {
			logger.Error("failed to dead-letter task", slog.Any("error", err))
		}
		return true
	}

	metrics.RecordTaskWaitTime(msg.Priority.String(), p.now().Sub(msg.EnqueuedAt))
	p.complexity.Observe(msg)

	// Parking while the breaker is open does not consume an attempt.
	if p.execution.State() == breaker.StateOpen {
		logger.Warn("task execution circuit open, parking task")
		p.park(bg, logger, msg)
		return true
	}

	taskID := msg.TaskID
	p.setStatus(h, StatusBusy, &taskID)

	if err := p.append(bg, msg.TaskID, eventstore.TaskStarted, map[string]any{
		"attempt": msg.Attempt(),
		"queue":   d.Queue,
	}, workerID); err != nil {
		logger.Error("failed to record start", slog.Any("error", err))
		p.park(bg, logger, msg)
		p.setStatus(h, StatusIdle, nil)
		return true
	}

	start := p.now()
	recovered, err := p.execute(ctx, h, handler, msg)
	duration := p.now().Sub(start)

	if recovered != nil {
		span.RecordError(recovered.AsError())
		span.SetStatus(codes.Error, "handler panicked")
		metrics.RecordTaskDuration(msg.Type, ReasonPanic, duration)
		logger.Error("handler panicked, stopping worker",
			slog.Any("panic", recovered.Value),
			slog.String("stack", string(recovered.Stack)),
		)
		p.setStatus(h, StatusDead, &taskID)
		return false
	}

	defer p.setStatus(h, StatusIdle, nil)

	if !p.holdsLease(bg, logger, msg.TaskID, workerID) {
		metrics.RecordTaskDuration(msg.Type, ReasonLeaseExpired, duration)
		return true
	}

	if err == nil {
		metrics.RecordTaskDuration(msg.Type, "success", duration)
		if err := p.append(bg, msg.TaskID, eventstore.TaskCompleted, map[string]any{
			"attempt":     msg.Attempt(),
			"duration_ms": duration.Milliseconds(),
		}, workerID); err != nil {
			// Leave the lease to expire rather than ack work the log does not show as done.
			logger.Error("failed to record completion", slog.Any("error", err))
			return true
		}
		if err := p.broker.Ack(bg, msg.TaskID); err != nil {
			logger.Warn("failed to ack task", slog.Any("error", err))
		}
		logger.Info("task completed", slog.Duration("duration", duration))
		return true
	}

	reason := failureReason(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	metrics.RecordTaskDuration(msg.Type, reason, duration)
	logger.Warn("task attempt failed",
		slog.Int("attempt", msg.Attempt()),
		slog.String("reason", reason),
		slog.Any("error", err),
	)

	if err := p.settleFailure(bg, msg, err.Error(), reason, workerID, true); err != nil {
		logger.Error("failed to settle task failure", slog.Any("error", err))
	}
	return true
}

// execute runs the handler inside the task-execution breaker with the task
// timeout, heartbeating while it runs. A panic is caught and returned as recovered.
func (p *Pool) execute(ctx context.Context, h *handle, handler handlers.Handler, msg *task.Message) (*panics.Recovered, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	stop := make(chan struct{})
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		p.beat(execCtx, h, msg.TaskID, stop)
	}()
	defer func() {
		close(stop)
		<-beating
	}()

	var recovered *panics.Recovered
	var herr error
	err := p.execution.Execute(execCtx, func(ctx context.Context) error {
		var catcher panics.Catcher
		catcher.Try(func() { herr = handler.Handle(ctx, msg) })
		if r := catcher.Recovered(); r != nil {
			recovered = r
			return r.AsError()
		}
		if errors.Is(herr, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
			// The worker gave up on the handler; the dependency did not fail.
			return nil
		}
		return herr
	})
	if err == nil {
		err = herr
	}

	return recovered, err
}

// holdsLease reports whether the worker may still settle its task. The
// broker lease has to be extendable and the log has to show the task running
// under this worker; otherwise the reaper has already settled the attempt.
// When either check cannot be made the worker goes ahead.
func (p *Pool) holdsLease(ctx context.Context, logger *slog.Logger, taskID, workerID string) bool {
	if err := p.broker.Extend(ctx, taskID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("task lease lost before settling, leaving the outcome to the reaper")
			return false
		}
		logger.Warn("could not confirm task lease", slog.Any("error", err))
	}

	state, err := eventstore.ProjectState(ctx, p.store, taskID)
	if err != nil {
		logger.Warn("could not confirm task ownership", slog.Any("error", err))
		return true
	}
	if state.Status != eventstore.StatusRunning || state.WorkerID == nil || *state.WorkerID != workerID {
		logger.Warn("task taken over while running, dropping this attempt's outcome",
			slog.String("status", string(state.Status)))
		return false
	}

	return true
}

// beat touches the worker record and extends the broker lease until stop is
// closed or the task runs past its timeout.
func (p *Pool) beat(ctx context.Context, h *handle, taskID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat(h)
			if err := p.broker.Extend(context.WithoutCancel(ctx), taskID); err != nil {
				p.logger.Warn("failed to extend task lease",
					slog.String("task_id", taskID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// settleFailure records the outcome of a failed attempt and moves the
// message accordingly: back to the delayed set while attempts remain,
// otherwise to the dead-letter queue. Events are appended before the broker
// is touched; if an append fails the message is left leased.
func (p *Pool) settleFailure(ctx context.Context, msg *task.Message, cause, reason, workerID string, recordFailure bool) error {
	if recordFailure {
		if err := p.append(ctx, msg.TaskID, eventstore.TaskFailed, map[string]any{
			"attempt": msg.Attempt(),
			"error":   cause,
			"reason":  reason,
		}, workerID); err != nil {
			return err
		}
	}

	if msg.Exhausted() {
		return p.deadLetter(ctx, msg, reason, workerID)
	}

	delay := p.retry.Delay(msg.AttemptCount)
	next := msg.NextAttempt()
	if err := p.append(ctx, msg.TaskID, eventstore.TaskRetried, map[string]any{
		"next_attempt": next.Attempt(),
		"delay_ms":     delay.Milliseconds(),
	}, workerID); err != nil {
		return err
	}

	if err := p.broker.Requeue(ctx, next, delay); err != nil {
		return fmt.Errorf("requeue task %s: %w", msg.TaskID, err)
	}

	return nil
}

func (p *Pool) deadLetter(ctx context.Context, msg *task.Message, reason, workerID string) error {
	if err := p.append(ctx, msg.TaskID, eventstore.TaskDeadLettered, map[string]any{
		"attempts": msg.Attempt(),
		"reason":   reason,
	}, workerID); err != nil {
		return err
	}

	if err := p.broker.DeadLetter(ctx, msg, reason); err != nil {
		return fmt.Errorf("dead-letter task %s: %w", msg.TaskID, err)
	}

	p.logger.Warn("task dead-lettered",
		slog.String("task_id", msg.TaskID),
		slog.Int("attempts", msg.Attempt()),
		slog.String("reason", reason),
	)
	return nil
}

// park puts the message back unchanged after CircuitBackoff.
func (p *Pool) park(ctx context.Context, logger *slog.Logger, msg *task.Message) {
	if err := p.broker.Requeue(ctx, msg, p.cfg.CircuitBackoff); err != nil {
		logger.Warn("failed to park task", slog.Any("error", err))
	}
}

func (p *Pool) append(ctx context.Context, taskID string, eventType eventstore.EventType, payload map[string]any, workerID string) error {
	if _, err := p.store.Append(ctx, taskID, eventType, payload, workerID); err != nil {
		return fmt.Errorf("append %s for task %s: %w", eventType, taskID, err)
	}

	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, breaker.ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonHandlerError
	}
}
