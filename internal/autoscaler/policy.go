package autoscaler

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMinWorkers           = 1
	DefaultMaxWorkers           = 10
	DefaultScaleUpDepth         = 3
	DefaultCPUThreshold         = 70.0
	DefaultMemoryThreshold      = 70.0
	DefaultComplexityThreshold  = 2.0
	DefaultScaleDownUtilization = 30.0
	DefaultScaleUpQuorum        = 0.6
	DefaultMinSpacing           = 30 * time.Second
	idleEvaluationsForScaleDown = 2
	scaleUpSignalCount          = 4
)

type Option func(*Policy)

func WithMinWorkers(n int) Option {
	return func(p *Policy) { p.minWorkers = n }
}

func WithMaxWorkers(n int) Option {
	return func(p *Policy) { p.maxWorkers = n }
}

// WithScaleUpDepth sets the queue depth above which depth counts as a scale-up signal.
func WithScaleUpDepth(n int64) Option {
	return func(p *Policy) { p.scaleUpDepth = n }
}

func WithCPUThreshold(pct float64) Option {
	return func(p *Policy) { p.cpuThreshold = pct }
}

func WithMemoryThreshold(pct float64) Option {
	return func(p *Policy) { p.memoryThreshold = pct }
}

func WithComplexityThreshold(score float64) Option {
	return func(p *Policy) { p.complexityThreshold = score }
}

// WithScaleDownUtilization sets the utilization both CPU and memory must stay under to scale down.
func WithScaleDownUtilization(pct float64) Option {
	return func(p *Policy) { p.scaleDownUtilization = pct }
}

// WithScaleUpQuorum sets the fraction of scale-up signals that must hold at once.
func WithScaleUpQuorum(q float64) Option {
	return func(p *Policy) { p.quorum = q }
}

// WithMinSpacing sets the minimum time between two scaling actions.
func WithMinSpacing(d time.Duration) Option {
	return func(p *Policy) { p.minSpacing = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// Policy turns signals into scaling decisions. It remembers the last action
// and how many evaluations in a row saw an empty queue. It is safe for concurrent use.
type Policy struct {
	mu                   sync.Mutex
	minWorkers           int
	maxWorkers           int
	scaleUpDepth         int64
	cpuThreshold         float64
	memoryThreshold      float64
	complexityThreshold  float64
	scaleDownUtilization float64
	quorum               float64
	minSpacing           time.Duration
	now                  func() time.Time

	lastAction time.Time
	idleStreak int
}

func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		minWorkers:           DefaultMinWorkers,
		maxWorkers:           DefaultMaxWorkers,
		scaleUpDepth:         DefaultScaleUpDepth,
		cpuThreshold:         DefaultCPUThreshold,
		memoryThreshold:      DefaultMemoryThreshold,
		complexityThreshold:  DefaultComplexityThreshold,
		scaleDownUtilization: DefaultScaleDownUtilization,
		quorum:               DefaultScaleUpQuorum,
		minSpacing:           DefaultMinSpacing,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.minWorkers < 0 {
		p.minWorkers = 0
	}
	if p.maxWorkers < p.minWorkers {
		p.maxWorkers = p.minWorkers
	}

	return p
}

func (p *Policy) Bounds() (int, int) {
	return p.minWorkers, p.maxWorkers
}

// Evaluate decides whether to add or remove a worker given the current signals
// and worker count. The returned target always lies within [min, max].
func (p *Policy) Evaluate(s Signals, current int) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	d := Decision{
		Timestamp:         now,
		QueueDepth:        s.QueueDepth,
		CPUUtilization:    s.CPUUtilization,
		MemoryUtilization: s.MemoryUtilization,
		ComplexityScore:   s.ComplexityScore,
		Action:            ActionHold,
		Current:           current,
	}

	if s.QueueDepth == 0 {
		p.idleStreak++
	} else {
		p.idleStreak = 0
	}

	// Out-of-bounds counts are corrected regardless of spacing.
	switch {
	case current < p.minWorkers:
		return p.act(d, ActionScaleUp, p.minWorkers-current, fmt.Sprintf("below minimum of %d workers", p.minWorkers))
	case current > p.maxWorkers:
		return p.act(d, ActionScaleDown, p.maxWorkers-current, fmt.Sprintf("above maximum of %d workers", p.maxWorkers))
	}

	if !p.lastAction.IsZero() && now.Sub(p.lastAction) < p.minSpacing {
		d.Reason = fmt.Sprintf("last action %s ago, minimum spacing %s", now.Sub(p.lastAction).Round(time.Second), p.minSpacing)
		return d
	}

	held := p.scaleUpSignals(s)
	if float64(held)/scaleUpSignalCount >= p.quorum {
		if current >= p.maxWorkers {
			d.Reason = fmt.Sprintf("%d/%d scale-up signals but already at maximum of %d", held, scaleUpSignalCount, p.maxWorkers)
			return d
		}
		return p.act(d, ActionScaleUp, 1, fmt.Sprintf("%d/%d scale-up signals (depth %d)", held, scaleUpSignalCount, s.QueueDepth))
	}

	utilization := max(s.CPUUtilization, s.MemoryUtilization)
	if p.idleStreak >= idleEvaluationsForScaleDown && utilization < p.scaleDownUtilization {
		if current <= p.minWorkers {
			d.Reason = fmt.Sprintf("idle but already at minimum of %d", p.minWorkers)
			return d
		}
		return p.act(d, ActionScaleDown, -1, fmt.Sprintf("queue empty for %d evaluations, utilization %.0f%%", p.idleStreak, utilization))
	}

	d.Reason = fmt.Sprintf("%d/%d scale-up signals, no scaling needed", held, scaleUpSignalCount)
	return d
}

func (p *Policy) scaleUpSignals(s Signals) int {
	n := 0
	if s.QueueDepth > p.scaleUpDepth {
		n++
	}
	if s.CPUUtilization > p.cpuThreshold {
		n++
	}
	if s.MemoryUtilization > p.memoryThreshold {
		n++
	}
	if s.ComplexityScore > p.complexityThreshold {
		n++
	}
	return n
}

// act records an action. Callers hold p.mu.
func (p *Policy) act(d Decision, action Action, delta int, reason string) Decision {
	p.lastAction = d.Timestamp
	d.Action = action
	d.Delta = delta
	d.Reason = reason
	return d
}
