package runner

import (
	"context"
	"time"
)

// Command describes one subprocess launch.
type Command struct {
	Path string   // binary, looked up in PATH when not absolute
	Args []string // positional arguments
	Dir  string   // working directory
}

// Result captures the outcome of a subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool  // the context deadline expired and the process tree was killed
	Canceled bool  // the context was canceled and the process tree was killed
	Err      error // set when the process could not be started or waited on
}

// ProcessRunner defines the interface for executing a single subprocess.
type ProcessRunner interface {
	// Run executes the command within the context. Stdout and stderr are
	// captured in full. It never panics on launch failures; they are
	// reported through Result.Err.
	Run(ctx context.Context, cmd Command) Result
}
