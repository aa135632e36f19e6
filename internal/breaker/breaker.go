// Package breaker guards calls to unreliable dependencies with a three-state circuit breaker
// and pairs it with an exponential retry policy.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/taskforge/internal/metrics"
	"github.com/sony/gobreaker"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultRecentWindow     = 5 * time.Minute
)

type Settings struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	RecentWindow     time.Duration `mapstructure:"recent_window"`
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		RecentWindow:     DefaultRecentWindow,
	}
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.RecentWindow <= 0 {
		s.RecentWindow = DefaultRecentWindow
	}

	return s
}

// Stats is a point-in-time view of one breaker, consumed by health reporting and recovery.
type Stats struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int64      `json:"total_failures"`
	TotalSuccesses      int64      `json:"total_successes"`
	Rejected            int64      `json:"rejected"`
	RecentFailures      int        `json:"recent_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Breaker wraps calls to one named dependency. It is safe for concurrent use.
//
// The state machine itself lives in gobreaker: MaxRequests is pinned to 1 so
// only a single trial runs in half-open, and tripping happens on a run of
// consecutive failures. Breaker keeps the counters gobreaker resets on every
// generation change.
type Breaker struct {
	name     string
	settings Settings
	cb       *gobreaker.CircuitBreaker
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	consecutive    int
	totalFailures  int64
	totalSuccesses int64
	rejected       int64
	recent         []time.Time
	lastFailureAt  time.Time
	openedAt       time.Time
	trippedAt      time.Time
}

type Option func(*Breaker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

func New(name string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := uint32(b.settings.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})
	metrics.UpdateBreakerState(name, string(StateClosed))

	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker is open, in which case ErrCircuitOpen is
// returned without calling fn. Errors from fn are returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	invoked := false
	_, err := b.cb.Execute(func() (interface{}, error) {
		invoked = true
		return nil, fn(ctx)
	})

	if !invoked {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.mu.Lock()
			b.rejected++
			b.mu.Unlock()
			metrics.RecordBreakerRejection(b.name)
			return ErrCircuitOpen
		}

		return err
	}

	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		b.totalSuccesses++
		return
	}

	b.consecutive++
	b.totalFailures++
	b.lastFailureAt = now
	b.recent = append(b.pruneRecent(now), now)
}

// pruneRecent drops failures older than the recent window. Callers hold b.mu.
func (b *Breaker) pruneRecent(now time.Time) []time.Time {
	cutoff := now.Add(-b.settings.RecentWindow)
	i := 0
	for i < len(b.recent) && b.recent[i].Before(cutoff) {
		i++
	}

	return b.recent[i:]
}

// onStateChange is invoked by gobreaker while it holds its own lock; it must not call back into b.cb.
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	now := b.now()

	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = now
		if from == gobreaker.StateClosed {
			b.trippedAt = now
		}
	}
	if to == gobreaker.StateClosed {
		b.consecutive = 0
		b.openedAt = time.Time{}
		b.trippedAt = time.Time{}
	}
	b.mu.Unlock()

	state := convertState(to)
	metrics.UpdateBreakerState(name, string(state))
	b.logger.Warn("circuit breaker state changed",
		slog.String("dependency", name),
		slog.String("from", string(convertState(from))),
		slog.String("to", string(state)),
	)
}

func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

func (b *Breaker) Stats() Stats {
	state := b.State()
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = b.pruneRecent(now)
	stats := Stats{
		Name:                b.name,
		State:               state,
		ConsecutiveFailures: b.consecutive,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		Rejected:            b.rejected,
		RecentFailures:      len(b.recent),
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		stats.LastFailureAt = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		stats.OpenedAt = &t
	}

	return stats
}

// OpenFor reports how long the breaker has been away from closed since it last tripped.
// Failed half-open trials do not restart the clock. Zero while closed.
func (b *Breaker) OpenFor() time.Duration {
	if b.State() == StateClosed {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.trippedAt.IsZero() {
		return 0
	}

	return b.now().Sub(b.trippedAt)
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
