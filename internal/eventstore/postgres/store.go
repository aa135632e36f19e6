// Package postgres stores task events in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/taskforge/internal/eventstore"
)

const uniqueViolationCode = "23505"

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return db, nil
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Append takes the next version with a single statement. Two writers racing
// for the same slot collide on the (aggregate_id, version) unique key and the
// loser gets ErrConcurrentModification.
func (s *Store) Append(ctx context.Context, aggregateID string, eventType eventstore.EventType, payload map[string]any, workerID string) (int, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO task_events (aggregate_id, version, event_type, payload, worker_id, occurred_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2::text, $3::jsonb, $4::text, $5::timestamptz
		FROM task_events
		WHERE aggregate_id = $1
		RETURNING version
	`

	var worker sql.NullString
	if workerID != "" {
		worker = sql.NullString{String: workerID, Valid: true}
	}

	var version int
	err = s.db.QueryRowContext(ctx, query, aggregateID, string(eventType), body, worker, s.now().UTC()).Scan(&version)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", eventstore.ErrConcurrentModification, aggregateID)
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	return version, nil
}

func (s *Store) ReadEvents(ctx context.Context, aggregateID string) ([]eventstore.Event, error) {
	query := `
		SELECT aggregate_id, version, event_type, payload, worker_id, occurred_at
		FROM task_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var events []eventstore.Event
	for rows.Next() {
		var e eventstore.Event
		var eventType string
		var payload []byte
		var worker sql.NullString

		if err := rows.Scan(
			&e.AggregateID,
			&e.Version,
			&eventType,
			&payload,
			&worker,
			&e.Timestamp,
		); err != nil {
			return nil, err
		}

		e.Type = eventstore.EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		if worker.Valid {
			id := worker.String
			e.WorkerID = &id
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, eventstore.ErrAggregateNotFound
	}

	return events, nil
}

// QueryMetrics counts lifecycle events in the window. The average duration
// pairs each completion with the event right before it, which is always the
// start of the same attempt.
func (s *Store) QueryMetrics(ctx context.Context, window time.Duration) (*eventstore.Metrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'TaskStarted'),
			COUNT(*) FILTER (WHERE event_type = 'TaskCompleted'),
			COUNT(*) FILTER (WHERE event_type = 'TaskFailed'),
			COUNT(*) FILTER (WHERE event_type = 'TaskDeadLettered'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (occurred_at - prev_at)))
				FILTER (WHERE event_type = 'TaskCompleted' AND prev_type = 'TaskStarted'), 0)
		FROM (
			SELECT event_type, occurred_at,
				LAG(event_type) OVER w AS prev_type,
				LAG(occurred_at) OVER w AS prev_at
			FROM task_events
			WHERE aggregate_id IN (SELECT aggregate_id FROM task_events WHERE occurred_at >= $1)
			WINDOW w AS (PARTITION BY aggregate_id ORDER BY version)
		) e
		WHERE occurred_at >= $1
	`

	since := s.now().Add(-window).UTC()
	m := &eventstore.Metrics{Window: window}
	var avgSeconds float64

	if err := s.db.QueryRowContext(ctx, query, since).Scan(
		&m.Started,
		&m.Completed,
		&m.Failed,
		&m.DeadLettered,
		&avgSeconds,
	); err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	m.AverageDuration = time.Duration(avgSeconds * float64(time.Second))
	m.Finalize()
	return m, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}
