package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nadmax/taskforge/internal/alert"
	"github.com/nadmax/taskforge/internal/autoscaler"
	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/nadmax/taskforge/internal/config"
	"github.com/nadmax/taskforge/internal/connpool"
	"github.com/nadmax/taskforge/internal/eventstore"
	"github.com/nadmax/taskforge/internal/eventstore/postgres"
	"github.com/nadmax/taskforge/internal/handlers"
	"github.com/nadmax/taskforge/internal/queue"
	"github.com/nadmax/taskforge/internal/recovery"
	"github.com/nadmax/taskforge/internal/worker"
)

const (
	connectTimeout = 10 * time.Second
	storeRetries   = 2
)

// node holds the shared dependencies of one process.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	breakers *breaker.Registry
	conns    *connpool.Pool
	broker   *queue.Broker
	db       *sql.DB
	events   *postgres.Store
	store    *eventstore.GuardedStore
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	breakers := breaker.NewRegistry(breaker.DefaultSettings(), cfg.Breakers, logger)

	conns, err := connpool.New(cfg.Pool,
		connpool.RedisDialer(&redis.Options{Addr: cfg.RedisAddr}),
		connpool.WithBreaker(breakers.Get(breaker.Broker)),
		connpool.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := postgres.Open(initCtx, cfg.PostgresDSN, cfg.Database)
	if err != nil {
		conns.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	events := postgres.NewStore(db, postgres.WithLogger(logger))
	store := eventstore.NewGuardedStore(events, breaker.Guard{
		Breaker:    breakers.Get(breaker.Database),
		Retry:      breaker.DefaultRetryPolicy(),
		MaxRetries: storeRetries,
	})

	b := queue.NewBroker(conns, breakers.Get(breaker.Broker), cfg.QueueConfig(), queue.WithLogger(logger))
	if err := b.Ping(initCtx); err != nil {
		logger.Warn("broker not reachable at startup", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
	}

	return &node{
		cfg:      cfg,
		logger:   logger,
		breakers: breakers,
		conns:    conns,
		broker:   b,
		db:       db,
		events:   events,
		store:    store,
	}, nil
}

func (r *node) Close() {
	r.conns.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close event store", slog.Any("error", err))
	}
}

func (r *node) handlerRegistry() *handlers.Registry {
	registry := handlers.NewRegistry()
	if r.cfg.Generate.Endpoint != "" {
		registry.Register(handlers.NewGenerateHandler(r.cfg.Generate.Endpoint, handlers.WithAPIKey(r.cfg.Generate.APIKey)))
	} else {
		r.logger.Warn("generate.endpoint not set; generate tasks will be dead-lettered")
	}

	return registry
}

func (r *node) workerPool() *worker.Pool {
	return worker.NewPool(r.cfg.WorkerConfig(), r.broker, r.store, r.handlerRegistry(), r.breakers.Get(breaker.TaskExecution),
		worker.WithLogger(r.logger),
		worker.WithRetryPolicy(r.cfg.RetryPolicy()),
	)
}

func (r *node) autoscaler(pool *worker.Pool) *autoscaler.Autoscaler {
	return autoscaler.New(
		autoscaler.NewPolicy(r.cfg.AutoscalerOptions()...),
		r.broker,
		autoscaler.HostSampler{},
		pool.Complexity(),
		pool,
		autoscaler.WithInterval(r.cfg.Autoscaler.Interval),
		autoscaler.WithLogger(r.logger),
	)
}

func (r *node) alerter() (alert.Alerter, error) {
	alerters := alert.Multi{alert.LogAlerter{Logger: r.logger}}
	if r.cfg.Alert.SendGridAPIKey != "" {
		sg, err := alert.NewSendGridAlerter(r.cfg.Alert.SendGridAPIKey, r.cfg.Alert.From, r.cfg.Alert.To)
		if err != nil {
			return nil, fmt.Errorf("sendgrid alerter: %w", err)
		}
		alerters = append(alerters, sg)
	}

	return alerters, nil
}

// recovery registers the broker and database with their remediations, and
// the task-execution breaker when this node runs workers.
func (r *node) recovery(pool *worker.Pool) (*recovery.Coordinator, error) {
	alerter, err := r.alerter()
	if err != nil {
		return nil, err
	}
	coord := recovery.New(r.cfg.Recovery, recovery.WithLogger(r.logger), recovery.WithAlerter(alerter))

	deps := []recovery.Dependency{
		{
			Name:    breaker.Broker,
			Breaker: r.breakers.Get(breaker.Broker),
			Probe:   r.broker.Ping,
			Remediate: func(ctx context.Context) error {
				r.broker.ResetConnections()
				return r.conns.Ping(ctx)
			},
		},
		{
			Name:    breaker.Database,
			Breaker: r.breakers.Get(breaker.Database),
			Probe:   r.events.Ping,
			Remediate: func(ctx context.Context) error {
				// Dropping the idle connections forces fresh dials.
				r.db.SetMaxIdleConns(0)
				r.db.SetMaxIdleConns(r.cfg.Database.MaxIdleConns)
				return r.events.Ping(ctx)
			},
		},
	}
	if pool != nil {
		deps = append(deps, recovery.Dependency{
			Name:    breaker.TaskExecution,
			Breaker: r.breakers.Get(breaker.TaskExecution),
			Remediate: func(context.Context) error {
				restarted, err := pool.Restart()
				if err != nil {
					return err
				}
				r.logger.Info("worker pool restarted", slog.Int("spawned", restarted))
				return nil
			},
		})
	}

	for _, dep := range deps {
		if err := coord.Register(dep); err != nil {
			return nil, err
		}
	}

	return coord, nil
}
