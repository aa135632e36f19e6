package eventstore

import (
	"context"
	"maps"
	"sync"
	"time"
)

type stream struct {
	mu     sync.Mutex
	events []Event
}

// MemoryStore keeps events in process. Each aggregate has its own lock, so
// appends to different tasks never wait on each other.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*stream
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

func (s *MemoryStore) stream(aggregateID string, create bool) *stream {
	s.mu.RLock()
	st, ok := s.streams[aggregateID]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.streams[aggregateID]; !ok {
		st = &stream{}
		s.streams[aggregateID] = st
	}

	return st
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID string, eventType EventType, payload map[string]any, workerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	st := s.stream(aggregateID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	e := Event{
		AggregateID: aggregateID,
		Type:        eventType,
		Version:     len(st.events) + 1,
		Payload:     maps.Clone(payload),
		Timestamp:   s.now().UTC(),
	}
	if workerID != "" {
		id := workerID
		e.WorkerID = &id
	}
	st.events = append(st.events, e)

	return e.Version, nil
}

func (s *MemoryStore) ReadEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.stream(aggregateID, false)
	if st == nil {
		return nil, ErrAggregateNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.events) == 0 {
		return nil, ErrAggregateNotFound
	}

	out := make([]Event, len(st.events))
	copy(out, st.events)
	return out, nil
}

func (s *MemoryStore) QueryMetrics(ctx context.Context, window time.Duration) (*Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	since := s.now().Add(-window)
	m := &Metrics{Window: window}
	var durations time.Duration
	var paired int64

	s.mu.RLock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		st.mu.Lock()
		var lastStarted *time.Time
		for _, e := range st.events {
			inWindow := !e.Timestamp.Before(since)
			switch e.Type {
			case TaskStarted:
				ts := e.Timestamp
				lastStarted = &ts
				if inWindow {
					m.Started++
				}
			case TaskCompleted:
				if inWindow {
					m.Completed++
					if lastStarted != nil {
						durations += e.Timestamp.Sub(*lastStarted)
						paired++
					}
				}
				lastStarted = nil
			case TaskFailed:
				if inWindow {
					m.Failed++
				}
			case TaskDeadLettered:
				if inWindow {
					m.DeadLettered++
				}
			}
		}
		st.mu.Unlock()
	}

	if paired > 0 {
		m.AverageDuration = durations / time.Duration(paired)
	}
	m.Finalize()

	return m, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
