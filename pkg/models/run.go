package models

import (
	"time"
)

// ErrorKind classifies why a task or the process failed.
type ErrorKind string

const (
	// Task level: recorded, the run continues.
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindNonZeroExit    ErrorKind = "NON_ZERO_EXIT"
	KindExecutionError ErrorKind = "EXECUTION_ERROR"

	// Process level.
	KindConfigError          ErrorKind = "CONFIG_ERROR"
	KindTimezoneError        ErrorKind = "TIMEZONE_ERROR"
	KindErrorLogWriteFailure ErrorKind = "ERROR_LOG_WRITE_FAILURE"
)

// TriggerSource records what caused a run.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerMisfire  TriggerSource = "misfire" // fired late, inside the grace window
	TriggerManual   TriggerSource = "manual"
)

// Outcome is the result of executing one task once.
type Outcome struct {
	Task     Task          `json:"task"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"` // empty input, nothing launched
	Kind     ErrorKind     `json:"kind,omitempty"`
	Output   string        `json:"output,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	ExitCode int           `json:"exit_code"`
	Artifact string        `json:"artifact,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded builds a successful outcome carrying the task's stdout.
func Succeeded(task Task, output string) Outcome {
	return Outcome{Task: task, Success: true, Output: output}
}

// Failed builds a failed outcome of the given kind.
func Failed(task Task, kind ErrorKind, detail string) Outcome {
	return Outcome{Task: task, Kind: kind, Detail: detail, ExitCode: -1}
}

// TaskResult is the per-task line of a run summary.
type TaskResult struct {
	Name    string    `json:"name"`
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// RunSummary aggregates the outcomes of one run in configured task order.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	Trigger    TriggerSource `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Results    []TaskResult  `json:"results"`
}

// Failed returns the number of tasks that did not succeed.
func (s RunSummary) Failed() int {
	return s.Total - s.Succeeded
}

// AllSucceeded reports whether every task in the run succeeded.
func (s RunSummary) AllSucceeded() bool {
	return s.Total == s.Succeeded
}
