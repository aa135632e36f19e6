package autoscaler

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPolicy(opts ...Option) (*Policy, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithMinWorkers(1), WithMaxWorkers(5), WithClock(clock.Now)}, opts...)
	return NewPolicy(opts...), clock
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy()
	assert.Equal(t, DefaultMinWorkers, p.minWorkers)
	assert.Equal(t, DefaultMaxWorkers, p.maxWorkers)
	assert.Equal(t, int64(DefaultScaleUpDepth), p.scaleUpDepth)
	assert.Equal(t, DefaultScaleUpQuorum, p.quorum)
	assert.Equal(t, DefaultMinSpacing, p.minSpacing)
}

func TestNewPolicy_MaxBelowMin(t *testing.T) {
	p := NewPolicy(WithMinWorkers(4), WithMaxWorkers(2))
	lo, hi := p.Bounds()
	assert.Equal(t, 4, lo)
	assert.Equal(t, 4, hi)
}

func TestPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name       string
		signals    Signals
		current    int
		wantAction Action
		wantDelta  int
	}{
		{
			name:       "three of four signals scale up",
			signals:    Signals{QueueDepth: 10, CPUUtilization: 80, MemoryUtilization: 75},
			current:    2,
			wantAction: ActionScaleUp,
			wantDelta:  1,
		},
		{
			name:       "all four signals still add a single worker",
			signals:    Signals{QueueDepth: 100, CPUUtilization: 99, MemoryUtilization: 99, ComplexityScore: 9},
			current:    2,
			wantAction: ActionScaleUp,
			wantDelta:  1,
		},
		{
			name:       "two of four signals is below the quorum",
			signals:    Signals{QueueDepth: 10, ComplexityScore: 3},
			current:    2,
			wantAction: ActionHold,
		},
		{
			name:       "depth equal to threshold is not a signal",
			signals:    Signals{QueueDepth: 3, CPUUtilization: 80, ComplexityScore: 0.5},
			current:    2,
			wantAction: ActionHold,
		},
		{
			name:       "at maximum holds",
			signals:    Signals{QueueDepth: 100, CPUUtilization: 99, MemoryUtilization: 99, ComplexityScore: 9},
			current:    5,
			wantAction: ActionHold,
		},
		{
			name:       "below minimum is corrected",
			signals:    Signals{},
			current:    0,
			wantAction: ActionScaleUp,
			wantDelta:  1,
		},
		{
			name:       "above maximum is corrected",
			signals:    Signals{QueueDepth: 100, CPUUtilization: 99, MemoryUtilization: 99},
			current:    8,
			wantAction: ActionScaleDown,
			wantDelta:  -3,
		},
		{
			name:       "single idle evaluation holds",
			signals:    Signals{QueueDepth: 0, CPUUtilization: 5, MemoryUtilization: 5},
			current:    3,
			wantAction: ActionHold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPolicy()
			d := p.Evaluate(tt.signals, tt.current)

			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantDelta, d.Delta)
			assert.Equal(t, tt.current, d.Current)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestPolicy_ScaleDownNeedsTwoIdleEvaluations(t *testing.T) {
	p, clock := newTestPolicy()
	idle := Signals{CPUUtilization: 10, MemoryUtilization: 20}

	assert.Equal(t, ActionHold, p.Evaluate(idle, 3).Action)

	clock.Advance(time.Minute)
	d := p.Evaluate(idle, 3)
	assert.Equal(t, ActionScaleDown, d.Action)
	assert.Equal(t, -1, d.Delta)
	assert.Equal(t, 2, d.Target())
}

func TestPolicy_ScaleDownResetByWork(t *testing.T) {
	p, clock := newTestPolicy()
	idle := Signals{CPUUtilization: 10, MemoryUtilization: 20}

	p.Evaluate(idle, 3)
	clock.Advance(time.Minute)
	p.Evaluate(Signals{QueueDepth: 1}, 3)
	clock.Advance(time.Minute)

	assert.Equal(t, ActionHold, p.Evaluate(idle, 3).Action)
}

func TestPolicy_ScaleDownNeedsLowUtilization(t *testing.T) {
	p, clock := newTestPolicy()
	busy := Signals{CPUUtilization: 10, MemoryUtilization: 45}

	p.Evaluate(busy, 3)
	clock.Advance(time.Minute)
	assert.Equal(t, ActionHold, p.Evaluate(busy, 3).Action)
}

func TestPolicy_NeverBelowMinimum(t *testing.T) {
	p, clock := newTestPolicy()
	idle := Signals{}

	p.Evaluate(idle, 1)
	clock.Advance(time.Minute)
	d := p.Evaluate(idle, 1)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, 1, d.Target())
}

func TestPolicy_MinSpacing(t *testing.T) {
	p, clock := newTestPolicy(WithMinSpacing(30 * time.Second))
	hot := Signals{QueueDepth: 10, CPUUtilization: 90, MemoryUtilization: 90}

	require.Equal(t, ActionScaleUp, p.Evaluate(hot, 2).Action)

	clock.Advance(10 * time.Second)
	d := p.Evaluate(hot, 3)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reason, "spacing")

	clock.Advance(21 * time.Second)
	assert.Equal(t, ActionScaleUp, p.Evaluate(hot, 3).Action)
}

func TestPolicy_BoundsHoldUnderRandomSignals(t *testing.T) {
	p, clock := newTestPolicy(WithMinSpacing(time.Second))
	rng := rand.New(rand.NewPCG(1, 2))

	current := 1
	var lastAction time.Time
	for range 2000 {
		clock.Advance(time.Duration(rng.IntN(3000)) * time.Millisecond)
		s := Signals{
			QueueDepth:        int64(rng.IntN(3)) * int64(rng.IntN(50)),
			CPUUtilization:    rng.Float64() * 100,
			MemoryUtilization: rng.Float64() * 100,
			ComplexityScore:   rng.Float64() * 5,
		}

		d := p.Evaluate(s, current)
		if d.Action != ActionHold {
			if !lastAction.IsZero() {
				assert.GreaterOrEqual(t, d.Timestamp.Sub(lastAction), time.Second)
			}
			lastAction = d.Timestamp
		}

		current = d.Target()
		require.GreaterOrEqual(t, current, 1)
		require.LessOrEqual(t, current, 5)
	}
}
