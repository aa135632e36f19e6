package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/task"
)

const (
	DefaultReapInterval = 15 * time.Second
	DefaultStaleAfter   = 60 * time.Second
)

type ReaperConfig struct {
	Interval time.Duration `mapstructure:"reap_interval"`
	// StaleAfter is how long a worker may go without a heartbeat before it is declared dead.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// SweepResult summarizes what one reaper pass did.
type SweepResult struct {
	Reclaimed int
	Promoted  int
	Stale     []string
	Restarted int
}

// Reaper redelivers tasks whose lease expired, promotes delayed tasks that
// are due, and replaces workers that stopped heartbeating.
type Reaper struct {
	pool   *Pool
	cfg    ReaperConfig
	logger *slog.Logger
}

func NewReaper(pool *Pool, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	return &Reaper{pool: pool, cfg: cfg, logger: pool.logger}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one reaper pass. Errors from individual steps are joined; a
// failing step does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	now := r.pool.now()

	msgs, err := r.pool.broker.ReclaimExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, msg := range msgs {
		if err := r.redeliver(ctx, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Reclaimed++
	}

	promoted, err := r.pool.broker.PromoteDelayed(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Promoted = promoted

	res.Stale = r.pool.MarkStale(r.cfg.StaleAfter)

	restarted, err := r.pool.Restart()
	if err != nil {
		errs = append(errs, err)
	}
	res.Restarted = restarted

	if res.Reclaimed > 0 || res.Promoted > 0 || len(res.Stale) > 0 || res.Restarted > 0 {
		r.logger.Info("reaper sweep",
			slog.Int("reclaimed", res.Reclaimed),
			slog.Int("promoted", res.Promoted),
			slog.Int("stale_workers", len(res.Stale)),
			slog.Int("restarted", res.Restarted),
		)
	}

	return res, errors.Join(errs...)
}

// redeliver settles one message whose lease expired, based on what its event
// history says happened before the holder disappeared.
func (r *Reaper) redeliver(ctx context.Context, msg *task.Message) error {
	logger := r.logger.With(slog.String("task_id", msg.TaskID))

	state, err := eventstore.ProjectState(ctx, r.pool.store, msg.TaskID)
	if errors.Is(err, eventstore.ErrAggregateNotFound) {
		return r.pool.broker.Requeue(ctx, msg, 0)
	}
	if err != nil {
		return err
	}

	// The broker copy may lag the log; the number of starts is authoritative.
	current := *msg
	switch state.Status {
	case eventstore.StatusCompleted, eventstore.StatusDeadLettered, eventstore.StatusRejected:
		logger.Info("expired lease on settled task, acking")
		return r.pool.broker.Ack(ctx, msg.TaskID)
	case eventstore.StatusRunning:
		current.AttemptCount = max(state.Attempts-1, 0)
		logger.Warn("task lease expired while running", slog.Int("attempt", current.Attempt()))
		return r.pool.settleFailure(ctx, &current, "lease expired", ReasonLeaseExpired, "", true)
	case eventstore.StatusFailed:
		current.AttemptCount = max(state.Attempts-1, 0)
		return r.pool.settleFailure(ctx, &current, state.LastError, ReasonLeaseExpired, "", false)
	default:
		current.AttemptCount = state.Attempts
		return r.pool.broker.Requeue(ctx, &current, 0)
	}
}
