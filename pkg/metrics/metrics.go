package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the scheduler.
// Using promauto for automatic registration with default registry.
var (
	// --- Run Metrics ---

	// RunsTotal counts job runs by trigger source.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidalsched",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of job runs by trigger source",
		},
		[]string{"trigger"},
	)

	// RunDuration tracks wall time of a whole run.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tidalsched",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of job runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
	)

	// LastRunTimestamp is the unix time the last run finished.
	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tidalsched",
			Subsystem: "runs",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time at which the last run finished",
		},
	)

	// LastRunFailedTasks is the number of failed tasks in the last run.
	LastRunFailedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tidalsched",
			Subsystem: "runs",
			Name:      "last_failed_tasks",
			Help:      "Number of tasks that failed in the last run",
		},
	)

	// --- Task Metrics ---

	// TaskOutcomes counts task outcomes by task, result and error kind.
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidalsched",
			Subsystem: "tasks",
			Name:      "outcomes_total",
			Help:      "Total number of task outcomes",
		},
		[]string{"task", "result", "kind"},
	)

	// TaskDuration tracks how long the download script ran.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tidalsched",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Duration of task executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 17), // 0.1s to ~3.6h
		},
		[]string{"task"},
	)

	// TaskRunning is 1 while a download subprocess is alive.
	TaskRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tidalsched",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Number of download subprocesses currently running",
		},
	)

	// --- Scheduler Metrics ---

	// NextFireTimestamp is the unix time of the next scheduled run.
	NextFireTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tidalsched",
			Subsystem: "scheduler",
			Name:      "next_fire_timestamp_seconds",
			Help:      "Unix time of the next scheduled run",
		},
	)

	// FireLag measures delay between the scheduled time and the actual start.
	FireLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tidalsched",
			Subsystem: "scheduler",
			Name:      "fire_lag_seconds",
			Help:      "Delay between scheduled fire time and actual run start",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
		},
	)

	// MisfiresSkipped counts occurrences dropped for being later than the grace window.
	MisfiresSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tidalsched",
			Subsystem: "scheduler",
			Name:      "misfires_skipped_total",
			Help:      "Total number of scheduled runs skipped because they were missed by more than the grace window",
		},
	)

	// --- Error Log Metrics ---

	// ErrorLogEntries counts entries appended to the error log.
	ErrorLogEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tidalsched",
			Subsystem: "error_log",
			Name:      "entries_total",
			Help:      "Total number of entries appended to the error log",
		},
	)

	// ErrorLogWriteFailures counts failed appends to the error log.
	ErrorLogWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tidalsched",
			Subsystem: "error_log",
			Name:      "write_failures_total",
			Help:      "Total number of failed writes to the error log",
		},
	)

	// ArchiveUploads counts artifact uploads to object storage by result.
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidalsched",
			Subsystem: "archive",
			Name:      "uploads_total",
			Help:      "Total number of run log artifact uploads by result",
		},
		[]string{"result"},
	)
)

// RecordTask records metrics for a finished task.
func RecordTask(task string, success bool, kind string, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	TaskOutcomes.WithLabelValues(task, result, kind).Inc()
	TaskDuration.WithLabelValues(task).Observe(durationSeconds)
}

// RecordRun records metrics for a finished run.
func RecordRun(trigger string, failed int, durationSeconds float64, finishedUnix float64) {
	RunsTotal.WithLabelValues(trigger).Inc()
	RunDuration.Observe(durationSeconds)
	LastRunTimestamp.Set(finishedUnix)
	LastRunFailedTasks.Set(float64(failed))
}
