package autoscaler

import "time"

type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
)

func (a Action) String() string {
	return string(a)
}

// Signals are the inputs of one evaluation. Utilizations are percentages in [0, 100].
type Signals struct {
	QueueDepth        int64
	CPUUtilization    float64
	MemoryUtilization float64
	ComplexityScore   float64
}

// Decision is the outcome of one evaluation. It is logged and exported as a
// metric, never persisted.
type Decision struct {
	Timestamp         time.Time `json:"timestamp"`
	QueueDepth        int64     `json:"queue_depth"`
	CPUUtilization    float64   `json:"cpu_utilization"`
	MemoryUtilization float64   `json:"memory_utilization"`
	ComplexityScore   float64   `json:"complexity_score"`
	Action            Action    `json:"action"`
	// Delta is the change in worker count: positive to add, negative to remove, zero on hold.
	Delta   int    `json:"delta"`
	Current int    `json:"current"`
	Reason  string `json:"reason"`
}

// Target is the worker count the decision asks for.
func (d Decision) Target() int {
	return d.Current + d.Delta
}
