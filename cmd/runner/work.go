package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"forgescan/tool-runner/internal/api"
	"forgescan/tool-runner/internal/config"
	"forgescan/tool-runner/internal/manifest"
	"forgescan/tool-runner/internal/observability"
	"forgescan/tool-runner/internal/report"
	"forgescan/tool-runner/internal/sandbox"
	"forgescan/tool-runner/internal/worker"
)

var workCmd = &cobra.Command{
	Use:     "work",
	Aliases: []string{"serve"},
	Short:   "Consume jobs and serve the operational HTTP endpoints",
	RunE:    runWork,
}

func runWork(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.NewTracerSetup(ctx, cfg.Tracing)
	if err != nil {
		return errors.Wrap(err, "setting up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()
	metrics := observability.NewMetrics()

	store := manifest.NewStore(cfg.Manifests.Dir, logger)
	if err := store.Load(); err != nil {
		return errors.Wrap(err, "loading manifests")
	}
	logger.Info().Strs("tools", store.Names()).Msg("manifests loaded")

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	checks := []api.Check{}
	if c, ok := backend.(sandbox.Checker); ok {
		if err := c.Check(ctx); err != nil {
			logger.Warn().Err(err).Str("backend", backend.Name()).Msg("sandbox backend not ready")
		}
		checks = append(checks, api.Check{Name: "sandbox", Fn: c.Check})
	}

	tr, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()
	if tr.redis != nil {
		checks = append(checks, api.Check{Name: "redis", Fn: tr.redis.Ping})
	}

	engine := sandbox.NewEngine(backend, sandbox.EngineConfig{
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		SetupAttempts:  cfg.Sandbox.CreateAttempts,
	}, logger)
	pipeline := worker.NewPipeline(store, engine, cfg.Bounds(), logger, metrics, tracing.Tracer())
	reporter := report.NewReporter(tr.results, report.ReporterConfig{
		Attempts: cfg.Reporter.Attempts,
		Delay:    cfg.Reporter.InitialBackoff,
		MaxDelay: cfg.Reporter.MaxBackoff,
	}, logger, metrics)
	runtime := worker.NewRuntime(tr.queue, pipeline, reporter, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		RateLimit:     cfg.Worker.RateLimit,
		RateWindow:    cfg.Worker.RateWindow,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		LeaseRefresh:  cfg.Queue.Redis.LeaseTTL / 3,
	}, logger, metrics)

	srv := api.NewServer(cfg.HTTP.Addr, &api.Handlers{
		Queue:     tr.queue,
		Results:   tr.results,
		Manifests: store,
		Checks:    checks,
		Metrics:   metrics.Handler(),
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Watch(gctx, cfg.Manifests.Refresh)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return runtime.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
