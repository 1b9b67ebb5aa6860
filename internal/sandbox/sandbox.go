// Package sandbox runs rendered tool commands inside an isolated, resource
// capped execution context and turns the outcome into a Result.
//
// The Engine owns the per-job state machine (Created, Starting, Running, then
// Completed, Failed or TimedOut), the wall-clock deadline, retries of
// isolation setup, and redaction. Backends own the isolation itself: a docker
// container (package docker) or a process group optionally wrapped in
// bubblewrap (ProcessBackend).
package sandbox

import (
	"context"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
)

var (
	// ErrBackendUnavailable marks failures to create the isolation context.
	// The Engine retries these with backoff before failing the job.
	ErrBackendUnavailable = errors.New("sandbox unavailable")

	ErrEmptyCommand = errors.New("empty command")
)

// Spec is everything a backend needs to run one command.
type Spec struct {
	RunID          string
	Argv           []string
	Manifest       *model.ToolManifest
	Limits         model.Limits
	MaxOutputBytes int

	// OnStart is called once the command is running inside its isolation context.
	OnStart func()
}

// Outcome is a backend's raw result. TimedOut is set when the context deadline
// fired and the execution context was torn down; ExitCode is then meaningless.
type Outcome struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
}

// Backend creates an isolation context, runs argv in it and destroys it.
// Execute must honour ctx: on deadline it kills the whole process tree and
// returns an Outcome with TimedOut set. Setup failures wrap ErrBackendUnavailable.
type Backend interface {
	Name() string
	Execute(ctx context.Context, spec Spec) (*Outcome, error)
}

// Checker is implemented by backends that can report their own health.
type Checker interface {
	Check(ctx context.Context) error
}

type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}
