package model

import "time"

// Job is a request to run one tool once against one target. It is immutable
// once enqueued; the worker only ever supersedes it with a Result.
type Job struct {
	RunID    string `json:"runId"`
	ToolName string `json:"toolName"`

	// Binary and CommandTemplate are informational copies of the manifest taken
	// at submission time. Execution always uses the manifest loaded by the worker.
	Binary          string   `json:"binary,omitempty"`
	CommandTemplate []string `json:"commandTemplate,omitempty"`

	Params map[string]any `json:"params,omitempty"`
	Target string         `json:"target"`

	Timeout     int64   `json:"timeout,omitempty"`     // milliseconds
	MemoryLimit int64   `json:"memoryLimit,omitempty"` // megabytes
	CPULimit    float64 `json:"cpuLimit,omitempty"`    // cores

	ScopeCIDRs []string `json:"scopeCidrs"`
	ScopeHosts []string `json:"scopeHosts"`

	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

// Limits are the resource ceilings applied to one sandboxed execution after
// clamping against the configured maxima.
type Limits struct {
	Timeout   time.Duration
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
}
