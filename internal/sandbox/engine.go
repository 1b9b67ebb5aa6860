package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/model"
)

const defaultTimeout = 5 * time.Minute

// EngineConfig tunes the Engine. Zero values pick defaults.
type EngineConfig struct {
	MaxOutputBytes int
	// SetupAttempts bounds retries of backend setup failures.
	SetupAttempts uint
	SetupBackoff  time.Duration
}

// Request is one command to run.
type Request struct {
	RunID    string
	ToolName string
	Argv     []string
	Manifest *model.ToolManifest
	Limits   model.Limits
}

// TransitionFunc observes state changes of every execution.
type TransitionFunc func(runID string, from, to State)

// Engine drives a Backend through the execution state machine and converts
// whatever happens into a redacted Result. It never returns an error.
type Engine struct {
	backend      Backend
	cfg          EngineConfig
	logger       zerolog.Logger
	onTransition TransitionFunc
}

func NewEngine(backend Backend, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.SetupAttempts == 0 {
		cfg.SetupAttempts = 3
	}
	if cfg.SetupBackoff <= 0 {
		cfg.SetupBackoff = 200 * time.Millisecond
	}
	return &Engine{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "sandbox").Str("backend", backend.Name()).Logger(),
	}
}

// OnTransition registers an observer. It must be set before the first Run.
func (e *Engine) OnTransition(fn TransitionFunc) { e.onTransition = fn }

func (e *Engine) Backend() Backend { return e.backend }

// Run executes req and always returns a Result. The wall-clock deadline
// starts when the execution enters Starting.
func (e *Engine) Run(ctx context.Context, req Request) *model.Result {
	x := &execution{runID: req.RunID, state: StateCreated, notify: e.onTransition}
	res := &model.Result{RunID: req.RunID, ToolName: req.ToolName}

	var rules []string
	if req.Manifest != nil {
		rules = req.Manifest.RedactionRules
	}
	redactor := NewRedactor(rules)

	timeout := req.Limits.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	x.to(StateStarting)
	start := time.Now()
	res.StartedAt = start
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := Spec{
		RunID:          req.RunID,
		Argv:           req.Argv,
		Manifest:       req.Manifest,
		Limits:         req.Limits,
		MaxOutputBytes: e.cfg.MaxOutputBytes,
		OnStart:        func() { x.to(StateRunning) },
	}

	var out *Outcome
	err := retry.Do(
		func() error {
			o, err := e.backend.Execute(runCtx, spec)
			out = o
			return err
		},
		retry.Context(runCtx),
		retry.Attempts(e.cfg.SetupAttempts),
		retry.Delay(e.cfg.SetupBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrBackendUnavailable) }),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn().Err(err).Str("run_id", req.RunID).Uint("attempt", n+1).Msg("sandbox setup failed, retrying")
		}),
	)

	if err == nil && out == nil {
		err = errors.New("backend returned no outcome")
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(start).Milliseconds()

	if out != nil {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		if out.StdoutTruncated {
			res.Stdout += truncatedMarker
			res.Truncated = true
		}
		if out.StderrTruncated {
			res.Stderr += truncatedMarker
			res.Truncated = true
		}
	}

	deadlineHit := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case (out != nil && out.TimedOut) || (err != nil && deadlineHit):
		res.Status = model.StatusTimeout
		res.Error = fmt.Sprintf("execution timed out after %s", timeout)
		x.to(StateTimedOut)
	case err != nil && ctx.Err() != nil:
		res.Status = model.StatusFailed
		res.Error = "execution cancelled"
		x.to(StateFailed)
	case errors.Is(err, ErrBackendUnavailable):
		res.Status = model.StatusFailed
		res.Error = ErrBackendUnavailable.Error()
		x.to(StateFailed)
	case err != nil:
		res.Status = model.StatusFailed
		res.Error = "execution failed: " + err.Error()
		x.to(StateFailed)
	case out.ExitCode == 0:
		res.Status = model.StatusCompleted
		res.ExitCode = model.ExitCodePtr(0)
		x.to(StateCompleted)
	default:
		res.Status = model.StatusFailed
		res.ExitCode = model.ExitCodePtr(out.ExitCode)
		res.Error = fmt.Sprintf("exited with code %d", out.ExitCode)
		x.to(StateFailed)
	}

	res.Stdout = redactor.Apply(res.Stdout)
	res.Stderr = redactor.Apply(res.Stderr)
	res.Error = redactor.Apply(res.Error)

	e.logger.Info().
		Str("run_id", req.RunID).
		Str("tool", req.ToolName).
		Str("status", string(res.Status)).
		Int64("duration_ms", res.Duration).
		Bool("truncated", res.Truncated).
		Msg("execution finished")
	return res
}

var transitions = map[State][]State{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateFailed, StateTimedOut},
	StateRunning:  {StateCompleted, StateFailed, StateTimedOut},
}

type execution struct {
	mu     sync.Mutex
	runID  string
	state  State
	notify TransitionFunc
}

// to moves to next if the transition is legal; anything else is ignored.
func (x *execution) to(next State) {
	x.mu.Lock()
	from := x.state
	ok := false
	for _, s := range transitions[from] {
		if s == next {
			ok = true
			break
		}
	}
	if ok {
		x.state = next
	}
	x.mu.Unlock()
	if ok && x.notify != nil {
		x.notify(x.runID, from, next)
	}
}
