package worker

import (
	"sync"

	"github.com/nadmax/taskforge/internal/task"
)

const (
	DefaultComplexityWindow = 50
	// bytesPerComplexityUnit scores a hint-less task one point per KiB of payload on top of a base of 1.
	bytesPerComplexityUnit = 1024
)

// ComplexityTracker keeps a rolling average of the complexity of recently pulled tasks.
type ComplexityTracker struct {
	mu     sync.Mutex
	scores []float64
	next   int
	filled bool
}

func NewComplexityTracker(window int) *ComplexityTracker {
	if window <= 0 {
		window = DefaultComplexityWindow
	}

	return &ComplexityTracker{scores: make([]float64, window)}
}

// ScoreOf uses the submitter's hint when present, otherwise derives a score from payload size.
func ScoreOf(msg *task.Message) float64 {
	if msg.ComplexityHint != nil {
		return *msg.ComplexityHint
	}

	return 1 + float64(msg.PayloadSize())/bytesPerComplexityUnit
}

func (t *ComplexityTracker) Observe(msg *task.Message) {
	score := ScoreOf(msg)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.scores[t.next] = score
	t.next = (t.next + 1) % len(t.scores)
	if t.next == 0 {
		t.filled = true
	}
}

// Score returns the rolling average, or 0 before any task was observed.
func (t *ComplexityTracker) Score() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.filled {
		n = len(t.scores)
	}
	if n == 0 {
		return 0
	}

	var sum float64
	for _, s := range t.scores[:n] {
		sum += s
	}

	return sum / float64(n)
}
