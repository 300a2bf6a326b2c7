package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to drain
// after the process tree has been killed.
const DefaultWaitDelay = 10 * time.Second

type ShellRunner struct {
	log       *zap.Logger
	waitDelay time.Duration
}

func NewShellRunner(log *zap.Logger) *ShellRunner {
	return &ShellRunner{log: log, waitDelay: DefaultWaitDelay}
}

func (s *ShellRunner) Run(ctx context.Context, c Command) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	// The child leads its own process group so that a timeout can take down
	// everything the download script spawned, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return s.killTree(cmd.Process.Pid)
	}
	cmd.WaitDelay = s.waitDelay

	err := cmd.Run()

	result := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Failed to start, or output could not be collected.
			result.ExitCode = -1
			result.Err = err
		}
	}

	// A process that finished cleanly right at the deadline still counts as finished.
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			result.TimedOut = true
		case context.Canceled:
			result.Canceled = true
		}
	}

	return result
}

// killTree sends SIGKILL to every descendant of pid and then to its process
// group. Descendants that moved to another group are found through the
// process table.
func (s *ShellRunner) killTree(pid int) error {
	if root, err := process.NewProcess(int32(pid)); err == nil {
		for _, child := range descendants(root) {
			if err := child.Kill(); err != nil {
				s.log.Debug("Failed to kill child process", zap.Int32("pid", child.Pid), zap.Error(err))
			}
		}
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return errors.Wrapf(err, "kill process group %d", pid)
	}
	return nil
}

// descendants walks the process tree below p, deepest first.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, child := range children {
		out = append(out, descendants(child)...)
		out = append(out, child)
	}
	return out
}
