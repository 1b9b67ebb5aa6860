package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/config"
	"forgescan/tool-runner/internal/docker"
	"forgescan/tool-runner/internal/queue"
	"forgescan/tool-runner/internal/redisclient"
	"forgescan/tool-runner/internal/report"
	"forgescan/tool-runner/internal/sandbox"
)

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "tool-runner").Logger()
}

func newBackend(cfg *config.Config, logger zerolog.Logger) (sandbox.Backend, error) {
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		cli, err := docker.New(cfg.Sandbox.Docker.Host)
		if err != nil {
			return nil, errors.Wrap(err, "creating docker client")
		}
		return docker.NewBackend(cli, docker.Config{
			User:              cfg.Sandbox.Docker.User,
			RestrictedNetwork: cfg.Sandbox.Docker.RestrictedNetwork,
			TmpfsSize:         cfg.Sandbox.Docker.TmpfsSize,
		}, logger), nil
	case config.BackendProcess:
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{
			BwrapPath:        cfg.Sandbox.Process.Bwrap,
			RequireIsolation: cfg.Sandbox.Process.RequireIsolation,
		}, logger), nil
	}
	return nil, errors.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
}

// transport bundles the queue and result store for the configured driver.
type transport struct {
	queue   queue.Queue
	results report.Store
	redis   *redisclient.Client
}

func (t *transport) Close() {
	t.queue.Close()
	if t.redis != nil {
		t.redis.Close()
	}
}

func newTransport(ctx context.Context, cfg *config.Config) (*transport, error) {
	if cfg.Queue.Driver == config.DriverMemory {
		return &transport{queue: queue.NewMemory(), results: report.NewMemory(cfg.Queue.Redis.RecentSize)}, nil
	}

	rc := cfg.Queue.Redis
	client := redisclient.New(rc.URL, rc.Password, 2*cfg.Worker.Concurrency+4)
	if err := client.Init(ctx); err != nil {
		return nil, errors.Wrap(err, "connecting to redis")
	}
	sink := report.NewRedis(client, report.RedisConfig{
		Prefix:     rc.Prefix,
		Retention:  rc.Retention,
		RecentSize: rc.RecentSize,
	})
	q := queue.NewRedis(client, queue.RedisConfig{Key: rc.JobsKey, WorkerID: cfg.Worker.ID, LeaseTTL: rc.LeaseTTL})
	return &transport{queue: q, results: sink, redis: client}, nil
}
