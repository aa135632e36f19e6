package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Well-known dependency names.
const (
	Broker        = "broker"
	Database      = "database"
	TaskExecution = "task-execution"
)

// Registry hands out exactly one Breaker per dependency name.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	overrides map[string]Settings
	defaults  Settings
	logger    *slog.Logger
}

func NewRegistry(defaults Settings, overrides map[string]Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		breakers:  make(map[string]*Breaker),
		overrides: overrides,
		defaults:  defaults,
		logger:    logger,
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	settings := r.defaults
	if override, ok := r.overrides[name]; ok {
		settings = override
	}

	b := New(name, settings, WithLogger(r.logger))
	r.breakers[name] = b
	return b
}

// Snapshot returns the stats of every breaker created so far, sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })

	return stats
}
