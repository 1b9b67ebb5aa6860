package model

import "time"

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Result is the terminal outcome of a Job. Exactly one is reported per RunID;
// duplicates caused by redelivery are reconciled by RunID downstream.
type Result struct {
	RunID    string `json:"runId"`
	ToolName string `json:"toolName,omitempty"`
	Status   Status `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`

	// ExitCode is nil when the process never started or was killed before exit.
	ExitCode *int   `json:"exitCode"`
	Duration int64  `json:"duration"` // milliseconds
	Error    string `json:"error,omitempty"`

	Truncated  bool      `json:"truncated,omitempty"`
	Findings   []Finding `json:"findings,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// FailedResult builds a failed Result for a job that never reached execution.
func FailedResult(runID, toolName, msg string) *Result {
	now := time.Now().UTC()
	return &Result{
		RunID:      runID,
		ToolName:   toolName,
		Status:     StatusFailed,
		Error:      msg,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// ExitCodePtr returns a pointer to a copy of code.
func ExitCodePtr(code int) *int {
	return &code
}
