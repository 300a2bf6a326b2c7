package executor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tidalsched/pkg/executor/runner"
	"tidalsched/pkg/metrics"
	"tidalsched/pkg/models"
	tracing "tidalsched/pkg/observability"
	"tidalsched/pkg/storage"
)

// DefaultTaskTimeout is the hard limit on one download script invocation.
const DefaultTaskTimeout = 2 * time.Hour

// ErrorRecorder appends entries to the durable error log.
type ErrorRecorder interface {
	Record(message string, detail error)
}

// TaskConfig describes how a task is turned into a subprocess.
type TaskConfig struct {
	AppDir   string         // working directory of the download script
	Shell    string         // interpreter, e.g. "bash"; empty runs Script directly
	Script   string         // absolute path of the download script
	Timeout  time.Duration  // hard limit per task
	Location *time.Location // timezone of artifact timestamps
}

// TaskRunner executes a single task and classifies its outcome. Every fault
// ends up in the returned Outcome; Execute never panics.
type TaskRunner struct {
	cfg       TaskConfig
	proc      runner.ProcessRunner
	artifacts storage.ArtifactStore
	errs      ErrorRecorder
	log       *zap.Logger
	tracer    trace.Tracer
}

func NewTaskRunner(cfg TaskConfig, proc runner.ProcessRunner, artifacts storage.ArtifactStore, errs ErrorRecorder, log *zap.Logger, tracer trace.Tracer) *TaskRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTaskTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if tracer == nil {
		tracer = tracing.Noop().Tracer()
	}
	return &TaskRunner{
		cfg:       cfg,
		proc:      proc,
		artifacts: artifacts,
		errs:      errs,
		log:       log,
		tracer:    tracer,
	}
}

// Execute runs the download script for task.
func (r *TaskRunner) Execute(ctx context.Context, task models.Task) (out models.Outcome) {
	ctx, span := r.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.name", task.Name),
	))
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err := errors.Newf("panic: %v", p)
			r.errs.Record(fmt.Sprintf("Exception while running download for %s", task.Name), err)
			out = models.Failed(task, models.KindExecutionError, err.Error())
		}
		out.Duration = time.Since(start)
		metrics.RecordTask(task.Name, out.Success, string(out.Kind), out.Duration.Seconds())
		span.SetAttributes(
			attribute.Bool("task.success", out.Success),
			attribute.String("task.kind", string(out.Kind)),
			attribute.Int("task.exit_code", out.ExitCode),
		)
		if !out.Success {
			tracing.RecordFailure(span, errors.Newf("%s: %s", out.Kind, task.Name))
		}
		span.End()
	}()

	info, err := os.Stat(task.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		msg := fmt.Sprintf("File not found: %s", task.Name)
		r.errs.Record(msg, nil)
		return models.Failed(task, models.KindNotFound, msg)
	case err != nil:
		r.errs.Record(fmt.Sprintf("Exception while running download for %s", task.Name), err)
		return models.Failed(task, models.KindExecutionError, err.Error())
	case info.Size() == 0:
		r.log.Info(fmt.Sprintf("Skipping %s: file is empty", task.Name))
		out = models.Succeeded(task, "File is empty, skipping")
		out.Skipped = true
		return out
	}

	r.log.Info(fmt.Sprintf("Starting download for: %s", task.Name))
	startedAt := start.In(r.cfg.Location)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res := r.launch(runCtx, task)

	switch {
	case res.TimedOut:
		msg := fmt.Sprintf("Download script timed out for %s (exceeded %s)", task.Name, humanDuration(r.cfg.Timeout))
		r.errs.Record(msg, nil)
		out = models.Failed(task, models.KindTimeout, "Timeout")
		return out
	case res.Canceled:
		r.errs.Record(fmt.Sprintf("Download interrupted for %s", task.Name), ctx.Err())
		return models.Failed(task, models.KindExecutionError, "interrupted")
	case res.Err != nil:
		r.errs.Record(fmt.Sprintf("Exception while running download for %s", task.Name), res.Err)
		return models.Failed(task, models.KindExecutionError, res.Err.Error())
	}

	meta := storage.ArtifactMeta{
		TaskName:  task.Name,
		Stem:      task.Stem(),
		StartedAt: startedAt,
		ExitCode:  res.ExitCode,
	}
	ref, err := r.artifacts.Store(ctx, meta, storage.RenderArtifact(meta, res.Stdout, res.Stderr))
	if err != nil {
		r.errs.Record(fmt.Sprintf("Failed to write download log for %s", task.Name), err)
	}

	if res.ExitCode == 0 {
		r.log.Info(fmt.Sprintf("✓ Successfully completed download for: %s", task.Name), zap.Duration("duration", res.Duration))
		out = models.Succeeded(task, res.Stdout)
		out.Artifact = ref
		return out
	}

	r.errs.Record(fmt.Sprintf("Download script failed for %s (exit code: %d)", task.Name, res.ExitCode), nil)
	out = models.Failed(task, models.KindNonZeroExit, res.Stderr)
	out.ExitCode = res.ExitCode
	out.Artifact = ref
	return out
}

func (r *TaskRunner) launch(ctx context.Context, task models.Task) runner.Result {
	metrics.TaskRunning.Inc()
	defer metrics.TaskRunning.Dec()
	return r.proc.Run(ctx, r.command(task))
}

func (r *TaskRunner) command(task models.Task) runner.Command {
	if r.cfg.Shell == "" {
		return runner.Command{Path: r.cfg.Script, Args: []string{task.Name}, Dir: r.cfg.AppDir}
	}
	return runner.Command{Path: r.cfg.Shell, Args: []string{r.cfg.Script, task.Name}, Dir: r.cfg.AppDir}
}

// humanDuration renders whole hours and minutes the way operators write them.
func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	default:
		return d.String()
	}
}
