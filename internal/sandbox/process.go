package sandbox

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/model"
)

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	// BwrapPath enables bubblewrap isolation. Empty disables it.
	BwrapPath string
	// RequireIsolation refuses to run anything when bubblewrap is unavailable.
	RequireIsolation bool
	// TempDir is the parent of per-run working directories.
	TempDir string
	// WaitDelay bounds how long Wait blocks on pipes after the process group is killed.
	WaitDelay time.Duration
}

// ProcessBackend runs each command as its own process group with a sanitized
// environment, ulimit caps and, when configured, a bubblewrap namespace sandbox.
type ProcessBackend struct {
	cfg    ProcessConfig
	logger zerolog.Logger
}

func NewProcessBackend(cfg ProcessConfig, logger zerolog.Logger) *ProcessBackend {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &ProcessBackend{cfg: cfg, logger: logger.With().Str("backend", "process").Logger()}
}

func (p *ProcessBackend) Name() string { return "process" }

// Check verifies bubblewrap is callable when isolation is required.
func (p *ProcessBackend) Check(_ context.Context) error {
	if p.cfg.BwrapPath == "" {
		if p.cfg.RequireIsolation {
			return errors.Wrap(ErrBackendUnavailable, "bwrap not configured")
		}
		return nil
	}
	if _, err := exec.LookPath(p.cfg.BwrapPath); err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "bwrap: %v", err)
	}
	return nil
}

func (p *ProcessBackend) Execute(ctx context.Context, spec Spec) (*Outcome, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := p.Check(ctx); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp(p.cfg.TempDir, "toolrunner-*")
	if err != nil {
		return nil, errors.Wrapf(ErrBackendUnavailable, "creating work dir: %v", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			p.logger.Warn().Err(rmErr).Str("dir", tmpDir).Msg("failed to remove work dir")
		}
	}()

	workDir := tmpDir
	if spec.Manifest != nil && spec.Manifest.WorkingDirectory != "" {
		workDir = spec.Manifest.WorkingDirectory
	}
	env := buildEnv(tmpDir, spec.Manifest)

	name, args, err := p.command(spec, workDir, env)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	cmd.Env = flattenEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = p.cfg.WaitDelay

	stdout := NewCappedBuffer(spec.MaxOutputBytes)
	stderr := NewCappedBuffer(spec.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting process")
	}
	if spec.OnStart != nil {
		spec.OnStart()
	}
	runErr := cmd.Wait()
	// Reap anything the tool left behind in its group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)

	out := &Outcome{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		return out, nil
	case ctx.Err() != nil:
		return out, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return out, errors.Wrap(runErr, "waiting for process")
		}
		out.ExitCode = exitErr.ExitCode()
	}
	return out, nil
}

// command wraps argv in the ulimit shell and, if enabled, bubblewrap. argv is
// passed as positional parameters and never interpolated into the script.
func (p *ProcessBackend) command(spec Spec, workDir string, env map[string]string) (string, []string, error) {
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memoryKB(spec.Limits), cpuSeconds(spec.Limits))
	wrapped := append([]string{"/bin/sh", "-c", script, "_"}, spec.Argv...)

	if p.cfg.BwrapPath == "" {
		p.logger.Warn().Str("run_id", spec.RunID).Msg("running without namespace isolation")
		return wrapped[0], wrapped[1:], nil
	}

	opts := &BwrapOptions{
		Network: model.NetworkNone,
		WorkDir: workDir,
		Env:     env,
		Command: wrapped,
	}
	if spec.Manifest != nil {
		opts.Network = spec.Manifest.Network()
		opts.Capabilities = spec.Manifest.Security.KeepCapabilities
	}
	args, err := NewBwrapBuilder().Build(opts)
	if err != nil {
		return "", nil, err
	}
	return p.cfg.BwrapPath, args, nil
}

func memoryKB(l model.Limits) int64 {
	if l.MemoryMB <= 0 {
		return 512 * 1024
	}
	return l.MemoryMB * 1024
}

// cpuSeconds converts a fractional CPU share into a CPU-time budget over the
// wall-clock timeout.
func cpuSeconds(l model.Limits) int64 {
	cpus := l.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	secs := int64(math.Ceil(cpus * l.Timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// buildEnv never inherits the worker's environment.
func buildEnv(tmpDir string, m *model.ToolManifest) map[string]string {
	env := map[string]string{
		"PATH":   "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME":   tmpDir,
		"TMPDIR": tmpDir,
		"LANG":   "C.UTF-8",
		"TERM":   "dumb",
	}
	if m != nil {
		for k, v := range m.Environment {
			env[k] = v
		}
	}
	return env
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
