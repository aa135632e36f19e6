// Package dashboard aggregates health and throughput views of a running node
// for the monitoring endpoints.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/taskforge/internal/autoscaler"
	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/connpool"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/httputil"
	"github.com/nadmax/taskforge/internal/queue"
	"github.com/nadmax/taskforge/internal/recovery"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	DefaultWindow          = 5 * time.Minute
	MaxWindow              = 24 * time.Hour
	DefaultDeadLetterLimit = 50
	MaxDeadLetterLimit     = 500
)

type BreakerSource interface {
	Snapshot() []breaker.Stats
}

type QueueSource interface {
	Depths(ctx context.Context) (*queue.Depths, error)
	DeadLetters(ctx context.Context, limit int64) ([]*queue.DeadLetter, error)
}

type WorkerSource interface {
	Counts() map[string]int
	Target() int
}

type ConnSource interface {
	Stats() connpool.Stats
}

type RecoverySource interface {
	Reports() []recovery.Report
}

type DecisionSource interface {
	LastDecision() *autoscaler.Decision
}

// Sources are the components a node exposes. Any of them may be nil on a
// node that does not run that component.
type Sources struct {
	Breakers BreakerSource
	Queue    QueueSource
	Workers  WorkerSource
	Conns    ConnSource
	Recovery RecoverySource
	Scaling  DecisionSource
	Store    eventstore.Store
}

type Dashboard struct {
	src    Sources
	logger *slog.Logger
	now    func() time.Time
}

type WorkerSummary struct {
	Target   int            `json:"target"`
	ByStatus map[string]int `json:"by_status"`
}

type Health struct {
	Status       string               `json:"status"`
	Problems     []string             `json:"problems,omitempty"`
	Breakers     []breaker.Stats      `json:"breakers,omitempty"`
	Queues       *queue.Depths        `json:"queues,omitempty"`
	Workers      *WorkerSummary       `json:"workers,omitempty"`
	Connections  *connpool.Stats      `json:"connections,omitempty"`
	Recovery     []recovery.Report    `json:"recovery,omitempty"`
	LastDecision *autoscaler.Decision `json:"last_scaling_decision,omitempty"`
	CheckedAt    time.Time            `json:"checked_at"`
}

type Stats struct {
	Window            string  `json:"window"`
	Started           int64   `json:"started"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	DeadLettered      int64   `json:"dead_lettered"`
	CompletionRate    float64 `json:"completion_rate"`
	FailureRate       float64 `json:"failure_rate"`
	AverageDurationMS int64   `json:"average_duration_ms"`
}

type Option func(*Dashboard)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dashboard) { d.now = now }
}

func NewDashboard(src Sources, opts ...Option) *Dashboard {
	d := &Dashboard{src: src, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Health collects a snapshot. Any open breaker or unreadable queue makes the
// node degraded; a half-open breaker does not.
func (d *Dashboard) Health(ctx context.Context) Health {
	h := Health{Status: StatusOK, CheckedAt: d.now().UTC()}

	if d.src.Breakers != nil {
		h.Breakers = d.src.Breakers.Snapshot()
		for _, s := range h.Breakers {
			if s.State == breaker.StateOpen {
				h.Problems = append(h.Problems, fmt.Sprintf("breaker %s is open", s.Name))
			}
		}
	}

	if d.src.Queue != nil {
		depths, err := d.src.Queue.Depths(ctx)
		if err != nil {
			d.logger.Warn("health: queue depths unavailable", slog.Any("error", err))
			h.Problems = append(h.Problems, "queue depths unavailable")
		} else {
			h.Queues = depths
		}
	}

	if d.src.Workers != nil {
		h.Workers = &WorkerSummary{Target: d.src.Workers.Target(), ByStatus: d.src.Workers.Counts()}
	}

	if d.src.Conns != nil {
		s := d.src.Conns.Stats()
		h.Connections = &s
	}

	if d.src.Recovery != nil {
		h.Recovery = d.src.Recovery.Reports()
		for _, r := range h.Recovery {
			if r.Escalated {
				h.Problems = append(h.Problems, fmt.Sprintf("%s remediation escalated", r.Dependency))
			}
		}
	}

	if d.src.Scaling != nil {
		h.LastDecision = d.src.Scaling.LastDecision()
	}

	if len(h.Problems) > 0 {
		h.Status = StatusDegraded
	}

	return h
}

// GetHealth answers 200 when the node is ok and 503 when it is degraded.
func (d *Dashboard) GetHealth(w http.ResponseWriter, r *http.Request) {
	h := d.Health(r.Context())

	status := http.StatusOK
	if h.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, status, h)
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	if d.src.Store == nil {
		httputil.WriteJSONError(w, "event store not configured", http.StatusNotFound)
		return
	}

	window, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := d.src.Store.QueryMetrics(r.Context(), window)
	if err != nil {
		d.logger.Error("failed to query task metrics", slog.Any("error", err))
		httputil.WriteJSONError(w, "failed to query task metrics", http.StatusServiceUnavailable)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, Stats{
		Window:            window.String(),
		Started:           m.Started,
		Completed:         m.Completed,
		Failed:            m.Failed,
		DeadLettered:      m.DeadLettered,
		CompletionRate:    m.CompletionRate,
		FailureRate:       m.FailureRate,
		AverageDurationMS: m.AverageDuration.Milliseconds(),
	})
}

// GetDeadLetters lists the newest dead letters first.
func (d *Dashboard) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	if d.src.Queue == nil {
		httputil.WriteJSONError(w, "broker not configured", http.StatusNotFound)
		return
	}

	limit := int64(DefaultDeadLetterLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > MaxDeadLetterLimit {
			httputil.WriteJSONError(w, fmt.Sprintf("limit must be between 1 and %d", MaxDeadLetterLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	letters, err := d.src.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		d.logger.Error("failed to list dead letters", slog.Any("error", err))
		httputil.WriteJSONError(w, "failed to list dead letters", http.StatusServiceUnavailable)
		return
	}
	if letters == nil {
		letters = []*queue.DeadLetter{}
	}

	httputil.WriteJSON(w, http.StatusOK, letters)
}

func parseWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return DefaultWindow, nil
	}

	window, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("window must be a duration such as 5m")
	}
	if window <= 0 || window > MaxWindow {
		return 0, fmt.Errorf("window must be positive and at most %s", MaxWindow)
	}

	return window, nil
}
