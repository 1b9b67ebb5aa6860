package docker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/sandbox"
)

// Config configures the container backend.
type Config struct {
	// User runs the tool as a non-root uid:gid.
	User string
	// RestrictedNetwork is the docker network used for restricted egress.
	RestrictedNetwork string
	TmpfsSize         string
	// CleanupTimeout bounds kill, log collection and removal after the run context ends.
	CleanupTimeout time.Duration
}

// Backend runs every command in a fresh, hardened container that is always
// force-removed afterwards.
type Backend struct {
	api    ContainerAPI
	cfg    Config
	logger zerolog.Logger
}

func NewBackend(api ContainerAPI, cfg Config, logger zerolog.Logger) *Backend {
	if cfg.User == "" {
		cfg.User = "1000:1000"
	}
	if cfg.TmpfsSize == "" {
		cfg.TmpfsSize = "64m"
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	return &Backend{api: api, cfg: cfg, logger: logger.With().Str("backend", "docker").Logger()}
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) Check(ctx context.Context) error {
	if _, err := b.api.Ping(ctx); err != nil {
		return errors.Wrapf(sandbox.ErrBackendUnavailable, "docker ping: %v", err)
	}
	return nil
}

func (b *Backend) Execute(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
	if len(spec.Argv) == 0 {
		return nil, sandbox.ErrEmptyCommand
	}
	if spec.Manifest == nil || spec.Manifest.Image == "" {
		return nil, errors.New("manifest declares no image")
	}

	resp, err := b.api.ContainerCreate(
		ctx,
		ContainerConfig(spec.RunID, spec.Argv, spec.Manifest, b.cfg),
		HostConfig(spec.Manifest, spec.Limits, b.cfg),
		nil,
		nil,
		containerName(spec.RunID),
	)
	if err != nil {
		return nil, errors.Wrapf(sandbox.ErrBackendUnavailable, "container create: %v", err)
	}
	id := resp.ID
	log := b.logger.With().Str("run_id", spec.RunID).Str("container", shortID(id)).Logger()
	defer b.remove(id, log)

	if err := b.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return b.interrupted(ctx, id, spec.MaxOutputBytes, log)
		}
		return nil, errors.Wrapf(sandbox.ErrBackendUnavailable, "container start: %v", err)
	}
	if spec.OnStart != nil {
		spec.OnStart()
	}

	out := &sandbox.Outcome{}
	waitCh, errCh := b.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return nil, errors.Errorf("container wait: %s", w.Error.Message)
		}
		out.ExitCode = int(w.StatusCode)
	case err := <-errCh:
		if ctx.Err() == nil {
			return nil, errors.Wrap(err, "container wait")
		}
		return b.interrupted(ctx, id, spec.MaxOutputBytes, log)
	case <-ctx.Done():
		return b.interrupted(ctx, id, spec.MaxOutputBytes, log)
	}

	if err := b.collect(id, spec.MaxOutputBytes, out); err != nil {
		log.Warn().Err(err).Msg("failed to collect container logs")
	}
	return out, nil
}

// interrupted kills the container once the run context ended and reports a
// timeout with whatever output was produced so far.
func (b *Backend) interrupted(ctx context.Context, id string, limit int, log zerolog.Logger) (*sandbox.Outcome, error) {
	killCtx, cancel := context.WithTimeout(context.Background(), b.cfg.CleanupTimeout)
	defer cancel()
	if err := b.api.ContainerKill(killCtx, id, "KILL"); err != nil {
		log.Warn().Err(err).Msg("container kill failed")
	}
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	out := &sandbox.Outcome{TimedOut: true}
	if err := b.collect(id, limit, out); err != nil {
		log.Debug().Err(err).Msg("no logs after kill")
	}
	return out, nil
}

func (b *Backend) collect(id string, limit int, out *sandbox.Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CleanupTimeout)
	defer cancel()
	rc, err := b.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer rc.Close()

	stdout := sandbox.NewCappedBuffer(limit)
	stderr := sandbox.NewCappedBuffer(limit)
	_, err = stdcopy.StdCopy(stdout, stderr, rc)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.StdoutTruncated = stdout.Truncated()
	out.StderrTruncated = stderr.Truncated()
	return err
}

func (b *Backend) remove(id string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CleanupTimeout)
	defer cancel()
	err := b.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		log.Error().Err(err).Msg("container remove failed")
	}
}

func containerName(runID string) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return "toolrunner-" + runID + "-" + hex.EncodeToString(suffix)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
