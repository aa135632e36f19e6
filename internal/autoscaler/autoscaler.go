// Package autoscaler grows and shrinks the worker pool from queue depth,
// host utilization and the complexity of recently pulled tasks.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/taskforge/internal/metrics"
	"github.com/nadmax/taskforge/internal/queue"
)

const DefaultInterval = 30 * time.Second

type DepthSource interface {
	Depths(ctx context.Context) (*queue.Depths, error)
}

type ComplexitySource interface {
	Score() float64
}

// Scaler is the worker pool as seen by the autoscaler.
type Scaler interface {
	Size() int
	Resize(n int) error
}

type Autoscaler struct {
	policy     *Policy
	depths     DepthSource
	sampler    ResourceSampler
	complexity ComplexitySource
	scaler     Scaler
	interval   time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	last *Decision
}

type AutoscalerOption func(*Autoscaler)

func WithInterval(d time.Duration) AutoscalerOption {
	return func(a *Autoscaler) { a.interval = d }
}

func WithLogger(l *slog.Logger) AutoscalerOption {
	return func(a *Autoscaler) { a.logger = l }
}

func New(policy *Policy, depths DepthSource, sampler ResourceSampler, complexity ComplexitySource, scaler Scaler, opts ...AutoscalerOption) *Autoscaler {
	a := &Autoscaler{
		policy:     policy,
		depths:     depths,
		sampler:    sampler,
		complexity: complexity,
		scaler:     scaler,
		interval:   DefaultInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Run evaluates on every interval tick until ctx is done.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Evaluate(ctx); err != nil {
				a.logger.Error("autoscaler evaluation failed", slog.Any("error", err))
			}
		}
	}
}

// Evaluate gathers signals, asks the policy for a decision and applies it.
// Without a queue depth there is no decision; a failed utilization sample
// only drops those two signals.
func (a *Autoscaler) Evaluate(ctx context.Context) (Decision, error) {
	depths, err := a.depths.Depths(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("read queue depths: %w", err)
	}

	signals := Signals{
		QueueDepth:      depths.Pending(),
		ComplexityScore: a.complexity.Score(),
	}
	if usage, err := a.sampler.Sample(ctx); err != nil {
		a.logger.Warn("resource sample failed", slog.Any("error", err))
	} else {
		signals.CPUUtilization = usage.CPU
		signals.MemoryUtilization = usage.Memory
	}

	d := a.policy.Evaluate(signals, a.scaler.Size())
	metrics.RecordScalingDecision(d.Action.String(), d.ComplexityScore)

	a.mu.Lock()
	a.last = &d
	a.mu.Unlock()

	attrs := []any{
		slog.String("action", d.Action.String()),
		slog.Int("current", d.Current),
		slog.Int("target", d.Target()),
		slog.Int64("queue_depth", d.QueueDepth),
		slog.Float64("cpu", d.CPUUtilization),
		slog.Float64("memory", d.MemoryUtilization),
		slog.Float64("complexity", d.ComplexityScore),
		slog.String("reason", d.Reason),
	}
	if d.Action == ActionHold {
		a.logger.Debug("scaling decision", attrs...)
		return d, nil
	}

	a.logger.Info("scaling decision", attrs...)
	if err := a.scaler.Resize(d.Target()); err != nil {
		return d, fmt.Errorf("resize worker pool to %d: %w", d.Target(), err)
	}

	return d, nil
}

// LastDecision returns the most recent decision, or nil before the first evaluation.
func (a *Autoscaler) LastDecision() *Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last == nil {
		return nil
	}
	d := *a.last
	return &d
}
