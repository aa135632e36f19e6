// Package recovery periodically checks the breakers of registered
// dependencies and runs their remediation when one stays open too long.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/nadmax/taskforge/internal/alert"
	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/metrics"
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultGracePeriod   = 30 * time.Second
	DefaultActionTimeout = 30 * time.Second
	DefaultEscalateAfter = 3
)

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// GracePeriod is how long a breaker may stay open before remediation starts.
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	EscalateAfter int           `mapstructure:"escalate_after"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = DefaultEscalateAfter
	}

	return c
}

// Dependency is one external collaborator watched by the coordinator.
// Probe runs through Breaker on every sweep so a recovered dependency closes
// its breaker without waiting for real traffic. Remediate must be idempotent.
// Either may be nil.
type Dependency struct {
	Name      string
	Breaker   *breaker.Breaker
	Probe     func(ctx context.Context) error
	Remediate func(ctx context.Context) error
}

// Report is the outcome of one sweep for one dependency.
type Report struct {
	Dependency          string        `json:"dependency"`
	State               breaker.State `json:"state"`
	OpenFor             time.Duration `json:"open_for_ns"`
	ProbeError          string        `json:"probe_error,omitempty"`
	Remediated          bool          `json:"remediated"`
	RemediationError    string        `json:"remediation_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Escalated           bool          `json:"escalated"`
}

type tracked struct {
	dep       Dependency
	failures  int
	escalated bool
	last      *Report
}

type Coordinator struct {
	cfg     Config
	alerter alert.Alerter
	logger  *slog.Logger
	now     func() time.Time

	// sweepMu serializes sweeps; the per-dependency counters belong to whoever holds it.
	sweepMu sync.Mutex
	mu      sync.Mutex
	deps    []*tracked
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithAlerter(a alert.Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alerter == nil {
		c.alerter = alert.LogAlerter{Logger: c.logger}
	}

	return c
}

func (c *Coordinator) Register(dep Dependency) error {
	if dep.Name == "" || dep.Breaker == nil {
		return errors.New("dependency needs a name and a breaker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.deps {
		if t.dep.Name == dep.Name {
			return fmt.Errorf("dependency %q already registered", dep.Name)
		}
	}
	c.deps = append(c.deps, &tracked{dep: dep})
	return nil
}

func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep checks every dependency once, in registration order.
func (c *Coordinator) Sweep(ctx context.Context) []Report {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	c.mu.Lock()
	deps := make([]*tracked, len(c.deps))
	copy(deps, c.deps)
	c.mu.Unlock()

	reports := make([]Report, 0, len(deps))
	for _, t := range deps {
		reports = append(reports, c.check(ctx, t))
	}

	return reports
}

// Reports returns the result of the latest sweep for each dependency.
func (c *Coordinator) Reports() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Report, 0, len(c.deps))
	for _, t := range c.deps {
		if t.last != nil {
			out = append(out, *t.last)
		}
	}
	return out
}

func (c *Coordinator) check(ctx context.Context, t *tracked) Report {
	dep := t.dep
	logger := c.logger.With(slog.String("dependency", dep.Name))
	report := Report{Dependency: dep.Name}

	if dep.Probe != nil {
		if err := c.bounded(ctx, func(ctx context.Context) error {
			return dep.Breaker.Execute(ctx, dep.Probe)
		}); err != nil && !errors.Is(err, breaker.ErrCircuitOpen) {
			report.ProbeError = err.Error()
			logger.Warn("dependency probe failed", slog.Any("error", err))
		}
	}

	report.State = dep.Breaker.State()
	report.OpenFor = dep.Breaker.OpenFor()

	switch {
	case report.State == breaker.StateClosed:
		if t.failures > 0 || t.escalated {
			logger.Info("dependency recovered")
		}
		t.failures = 0
		t.escalated = false
	case report.State != breaker.StateOpen || report.OpenFor < c.cfg.GracePeriod:
	case t.escalated:
		logger.Debug("dependency escalated, waiting for its breaker to close")
	case dep.Remediate == nil:
		logger.Warn("dependency open with no remediation", slog.Duration("open_for", report.OpenFor))
	default:
		c.remediate(ctx, t, &report, logger)
	}

	report.ConsecutiveFailures = t.failures
	report.Escalated = t.escalated

	c.mu.Lock()
	t.last = &report
	c.mu.Unlock()

	return report
}

func (c *Coordinator) remediate(ctx context.Context, t *tracked, report *Report, logger *slog.Logger) {
	logger.Warn("remediating dependency", slog.Duration("open_for", report.OpenFor))

	err := c.bounded(ctx, t.dep.Remediate)
	report.Remediated = true
	if err == nil {
		t.failures = 0
		metrics.RecordRemediation(t.dep.Name, "success")
		logger.Info("remediation succeeded")
		return
	}

	t.failures++
	report.RemediationError = err.Error()
	metrics.RecordRemediation(t.dep.Name, "failure")
	logger.Error("remediation failed", slog.Int("consecutive_failures", t.failures), slog.Any("error", err))

	if t.failures < c.cfg.EscalateAfter {
		return
	}

	t.escalated = true
	metrics.RecordRemediation(t.dep.Name, "escalated")
	a := alert.Alert{
		Dependency: t.dep.Name,
		Level:      alert.LevelFatal,
		Summary:    fmt.Sprintf("%s remediation failed %d times in a row", t.dep.Name, t.failures),
		Details:    fmt.Sprintf("breaker open for %s; last error: %v", report.OpenFor.Round(time.Second), err),
		At:         c.now(),
	}
	if err := c.alerter.Alert(context.WithoutCancel(ctx), a); err != nil {
		logger.Error("failed to deliver alert", slog.Any("error", err))
	}
}

// bounded runs fn with the action timeout and turns a panic into an error.
func (c *Coordinator) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	var err error
	var catcher panics.Catcher
	catcher.Try(func() { err = fn(ctx) })
	if r := catcher.Recovered(); r != nil {
		return r.AsError()
	}

	return err
}
