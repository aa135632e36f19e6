package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/taskforge/internal/metrics"
	"github.com/nadmax/taskforge/internal/queue"
)

const DefaultCollectInterval = 10 * time.Second

type DepthSource interface {
	Depths(ctx context.Context) (*queue.Depths, error)
}

// DepthCollector keeps the queue depth gauges current.
type DepthCollector struct {
	source   DepthSource
	interval time.Duration
	logger   *slog.Logger
}

func NewDepthCollector(source DepthSource, interval time.Duration, logger *slog.Logger) *DepthCollector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DepthCollector{source: source, interval: interval, logger: logger}
}

func (c *DepthCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect reads the depths once and publishes them. In-flight and delayed
// messages are reported as pseudo-queues next to the priority queues.
func (c *DepthCollector) Collect(ctx context.Context) {
	d, err := c.source.Depths(ctx)
	if err != nil {
		c.logger.Warn("failed to collect queue depths", slog.Any("error", err))
		return
	}

	gauges := make(map[string]int64, len(d.Queues)+2)
	for name, depth := range d.Queues {
		gauges[name] = depth
	}
	gauges["in_flight"] = d.InFlight
	gauges["delayed"] = d.Delayed

	metrics.UpdateQueueDepths(gauges)
	metrics.UpdateDeadLetterQueueDepth(d.DeadLetter)
}
