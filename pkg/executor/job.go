package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tidalsched/pkg/metrics"
	"tidalsched/pkg/models"
	tracing "tidalsched/pkg/observability"
)

var banner = strings.Repeat("=", 60)

// TaskExecutor runs one task. Implementations must not panic.
type TaskExecutor interface {
	Execute(ctx context.Context, task models.Task) models.Outcome
}

// Job runs every configured task once, strictly in order.
type Job struct {
	tasks    models.TaskList
	runner   TaskExecutor
	location *time.Location
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewJob(tasks models.TaskList, runner TaskExecutor, location *time.Location, log *zap.Logger, tracer trace.Tracer) *Job {
	if location == nil {
		location = time.UTC
	}
	if tracer == nil {
		tracer = tracing.Noop().Tracer()
	}
	return &Job{
		tasks:    tasks,
		runner:   runner,
		location: location,
		log:      log,
		tracer:   tracer,
	}
}

// Run executes all tasks sequentially. A failed task never stops the run.
func (j *Job) Run(ctx context.Context, trigger models.TriggerSource) models.RunSummary {
	runID := uuid.New().String()
	log := j.log.With(zap.String("run_id", runID))

	ctx, span := j.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.trigger", string(trigger)),
		attribute.Int("run.tasks", j.tasks.Len()),
	))
	defer span.End()

	summary := models.RunSummary{
		RunID:     runID,
		Trigger:   trigger,
		StartedAt: time.Now().In(j.location),
	}

	log.Info(banner)
	log.Info("Starting scheduled download job", zap.String("trigger", string(trigger)))
	log.Info(fmt.Sprintf("Timezone: %s", j.location))
	log.Info(fmt.Sprintf("Files to process: %s", strings.Join(j.tasks.Names(), ", ")))
	log.Info(banner)

	for _, task := range j.tasks.Tasks() {
		outcome := j.runner.Execute(ctx, task)

		summary.Total++
		if outcome.Success {
			summary.Succeeded++
		} else {
			log.Warn(fmt.Sprintf("Failed to process %s, continuing to next file...", task.Name),
				zap.String("kind", string(outcome.Kind)))
		}
		summary.Results = append(summary.Results, models.TaskResult{
			Name:    task.Name,
			Success: outcome.Success,
			Kind:    outcome.Kind,
		})
	}

	summary.FinishedAt = time.Now().In(j.location)
	j.logSummary(log, summary)

	span.SetAttributes(attribute.Int("run.succeeded", summary.Succeeded))
	metrics.RecordRun(string(trigger), summary.Failed(),
		summary.FinishedAt.Sub(summary.StartedAt).Seconds(), float64(summary.FinishedAt.Unix()))

	return summary
}

func (j *Job) logSummary(log *zap.Logger, s models.RunSummary) {
	log.Info(banner)
	log.Info("Download job completed", zap.Duration("duration", s.FinishedAt.Sub(s.StartedAt)))
	log.Info(fmt.Sprintf("Results: %d/%d successful", s.Succeeded, s.Total))
	for _, r := range s.Results {
		status := "✓"
		if !r.Success {
			status = "✗"
		}
		log.Info(fmt.Sprintf("  %s %s", status, r.Name))
	}
	log.Info(banner)
}
