package security

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
)

// ValidateJob checks the job envelope. Params, target and scope are checked
// later by the pipeline, each with its own failure message.
func ValidateJob(job *model.Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	if _, err := uuid.Parse(job.RunID); err != nil {
		return errors.New("invalid runId")
	}
	if job.ToolName == "" {
		return errors.New("missing toolName")
	}
	if job.Target == "" {
		return errors.New("empty target")
	}
	if job.Timeout < 0 {
		return errors.New("invalid timeout")
	}
	if job.MemoryLimit < 0 {
		return errors.New("invalid memoryLimit")
	}
	if job.CPULimit < 0 {
		return errors.New("invalid cpuLimit")
	}
	return nil
}

// Bounds are the administrator-configured defaults and maxima for job limits.
type Bounds struct {
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	DefaultMemoryMB int64
	MaxMemoryMB     int64
	DefaultCPUs     float64
	MaxCPUs         float64
	MaxPids         int64
}

// ClampLimits resolves the effective limits for a job. A zero job value falls
// back to the manifest default, then to the configured default. Anything above
// the configured maximum is clamped down rather than rejected.
func ClampLimits(job *model.Job, res model.Resources, b Bounds) model.Limits {
	timeout := time.Duration(job.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(res.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = b.DefaultTimeout
	}
	if b.MaxTimeout > 0 && timeout > b.MaxTimeout {
		timeout = b.MaxTimeout
	}

	memory := job.MemoryLimit
	if memory <= 0 {
		memory = res.MemoryMB
	}
	if memory <= 0 {
		memory = b.DefaultMemoryMB
	}
	if b.MaxMemoryMB > 0 && memory > b.MaxMemoryMB {
		memory = b.MaxMemoryMB
	}

	cpus := job.CPULimit
	if cpus <= 0 {
		cpus = res.CPUs
	}
	if cpus <= 0 {
		cpus = b.DefaultCPUs
	}
	if b.MaxCPUs > 0 && cpus > b.MaxCPUs {
		cpus = b.MaxCPUs
	}

	pids := res.PidsLimit
	if pids <= 0 || (b.MaxPids > 0 && pids > b.MaxPids) {
		pids = b.MaxPids
	}

	return model.Limits{
		Timeout:   timeout,
		MemoryMB:  memory,
		CPUs:      cpus,
		PidsLimit: pids,
	}
}
