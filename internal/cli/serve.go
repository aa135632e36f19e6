package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nadmax/taskforge/internal/api"
	"github.com/nadmax/taskforge/internal/autoscaler"
	"github.com/nadmax/taskforge/internal/config"
	"github.com/nadmax/taskforge/internal/dashboard"
	"github.com/nadmax/taskforge/internal/router"
	"github.com/nadmax/taskforge/internal/telemetry"
	"github.com/nadmax/taskforge/internal/worker"
)

type mode int

const (
	modeServer mode = iota
	modeWorker
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func newServeCmd(v *viper.Viper, m mode) *cobra.Command {
	var noWorkers bool

	short := "Start the API, the router and an embedded worker pool"
	if m == modeWorker {
		short = "Start the worker pool"
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNode(ctx, cfg, m, !noWorkers || m == modeWorker)
		},
	}

	cmd.Flags().String("http-addr", "", "HTTP listen address for the API, health and /metrics")
	bindFlag(v, "http_addr", cmd.Flags(), "http-addr")
	if m == modeServer {
		cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "run only the API and router, without an embedded worker pool")
	}

	return cmd
}

func runNode(ctx context.Context, cfg *config.Config, m mode, runWorkers bool) error {
	service := "taskforge-server"
	if m == modeWorker {
		service = "taskforge-worker"
	}
	logger := buildLogger(cfg.LogLevel, service)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(ctx, service, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	rt, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var (
		pool   *worker.Pool
		reaper *worker.Reaper
		scaler *autoscaler.Autoscaler
	)
	if runWorkers {
		pool = rt.workerPool()
		reaper = worker.NewReaper(pool, cfg.ReaperConfig())
		scaler = rt.autoscaler(pool)

		// Workers outlive the signal so Stop can drain them.
		workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelWork()
		if err := pool.Start(workCtx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	coord, err := rt.recovery(pool)
	if err != nil {
		return err
	}

	src := dashboard.Sources{
		Breakers: rt.breakers,
		Queue:    rt.broker,
		Conns:    rt.conns,
		Recovery: coord,
		Store:    rt.store,
	}
	if pool != nil {
		src.Workers = pool
		src.Scaling = scaler
	}
	dash := dashboard.NewDashboard(src, dashboard.WithLogger(logger))

	var submitter api.Submitter
	if m == modeServer {
		submitter = router.New(rt.store, rt.broker, logger, router.WithDefaultMaxAttempts(cfg.Tasks.MaxAttempts))
	}
	handler := api.NewAPI(submitter, rt.store, dash, api.WithLogger(logger))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var loops conc.WaitGroup
	loops.Go(func() { coord.Run(ctx) })
	loops.Go(func() { telemetry.NewDepthCollector(rt.broker, 0, logger).Run(ctx) })
	if runWorkers {
		loops.Go(func() { reaper.Run(ctx) })
		loops.Go(func() { scaler.Run(ctx) })
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.HTTPAddr), slog.Bool("workers", runWorkers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("http server failed", slog.Any("error", err))
		runErr = fmt.Errorf("http server: %w", err)
	}
	cancelLoops()

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	loops.Wait()

	if pool != nil {
		drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), cfg.Tasks.Timeout+shutdownTimeout)
		defer cancelDrain()
		if err := pool.Stop(drainCtx); err != nil {
			logger.Warn("worker pool did not drain in time", slog.Any("error", err))
		}
	}

	if runErr == nil {
		logger.Info("stopped cleanly")
	}

	return runErr
}
