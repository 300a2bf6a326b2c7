package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	config "tidalsched/configs"
	"tidalsched/pkg/errlog"
	"tidalsched/pkg/executor"
	"tidalsched/pkg/executor/runner"
	"tidalsched/pkg/logger"
	"tidalsched/pkg/models"
	tracing "tidalsched/pkg/observability"
	"tidalsched/pkg/resilience"
	"tidalsched/pkg/scheduler"
	"tidalsched/pkg/storage"
)

const serviceName = "tidalsched"

var banner = strings.Repeat("=", 60)

// app is the fully wired process: every component is built once here and
// handed its dependencies explicitly.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	errs   *errlog.Recorder
	tasks  models.TaskList
	job    *executor.Job
	engine *scheduler.Engine
	tracer *tracing.Provider
	tzErr  error
}

// bootstrap loads configuration and wires the job and the trigger engine.
// The engine is returned unconfigured.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithViper(v)
	if err != nil {
		// No logger yet; the entry still reaches the error log when its directory exists.
		partial := &config.Config{ConfigDir: v.GetString("config_dir")}
		errlog.NewRecorder(partial.ErrorLogFile(), zap.NewNop()).
			Record("Failed to start scheduler: invalid configuration", err)
		return nil, errors.Wrap(err, "load configuration")
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logCfg := logger.DefaultConfig(serviceName)
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}

	errs := errlog.NewRecorder(cfg.ErrorLogFile(), log)

	tasks, err := models.NewTaskList(cfg.ConfigDir, cfg.DownloadFiles...)
	if err != nil {
		errs.Record("Failed to start scheduler: invalid DOWNLOAD_FILES", err)
		return nil, err
	}

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Enabled = cfg.OTelEnabled
	traceCfg.Endpoint = cfg.OTelEndpoint
	traceCfg.SamplingRate = cfg.OTelSamplingRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		tp = tracing.Noop()
	}

	artifacts, err := newArtifactStore(ctx, cfg, log)
	if err != nil {
		errs.Record("Failed to create download log directory", err)
		return nil, err
	}

	loc, tzErr := scheduler.ResolveLocation(cfg.Timezone)

	taskRunner := executor.NewTaskRunner(executor.TaskConfig{
		AppDir:   cfg.AppDir,
		Shell:    cfg.DownloadShell,
		Script:   cfg.ScriptPath(),
		Timeout:  cfg.TaskTimeout,
		Location: loc,
	}, runner.NewShellRunner(log), artifacts, errs, log, tp.Tracer())

	job := executor.NewJob(tasks, taskRunner, loc, log, tp.Tracer())

	engine := scheduler.NewEngine(scheduler.Config{
		Expression:   cfg.CronSchedule,
		Timezone:     cfg.Timezone,
		MisfireGrace: cfg.MisfireGrace,
	}, job, errs, log)

	return &app{
		cfg:    cfg,
		log:    log,
		errs:   errs,
		tasks:  tasks,
		job:    job,
		engine: engine,
		tracer: tp,
		tzErr:  tzErr,
	}, nil
}

// warnTimezone reports a UTC fallback for commands that run the job without
// configuring the engine, which otherwise reports it.
func (a *app) warnTimezone() {
	if a.tzErr == nil {
		return
	}
	a.log.Warn(fmt.Sprintf("Invalid timezone: %s, falling back to UTC", a.cfg.Timezone),
		zap.String("kind", string(models.KindTimezoneError)), zap.Error(a.tzErr))
}

// newArtifactStore writes run logs under the config directory and, when a
// bucket is configured, mirrors them to S3 behind a circuit breaker.
func newArtifactStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.ArtifactStore, error) {
	local, err := storage.NewLocalArtifactStore(cfg.LogDir())
	if err != nil {
		return nil, err
	}
	if cfg.S3Bucket == "" {
		return local, nil
	}

	archive, err := storage.NewS3ArtifactArchive(ctx, storage.S3ArchiveConfig{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Warn("Run log archive disabled", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		return local, nil
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		log.Warn("Circuit breaker state changed", zap.String("breaker", name),
			zap.Stringer("from", from), zap.Stringer("to", to))
	}
	breaker := resilience.NewCircuitBreaker("s3-archive", breakerCfg)

	log.Info("Archiving run logs", zap.String("local_dir", local.Dir()),
		zap.String("bucket", cfg.S3Bucket), zap.String("prefix", cfg.S3Prefix))
	return storage.NewTeeStore(local, archive, breaker, log), nil
}

func (a *app) logBanner() {
	a.log.Info(banner)
	a.log.Info("Download Scheduler Starting")
	a.log.Info(banner)
	a.log.Info(fmt.Sprintf("Cron schedule: %s", a.cfg.CronSchedule))
	a.log.Info(fmt.Sprintf("Timezone: %s", a.cfg.Timezone))
	a.log.Info(fmt.Sprintf("Config directory: %s", a.cfg.ConfigDir))
	a.log.Info(fmt.Sprintf("Log directory: %s", a.cfg.LogDir()))
	a.log.Info(fmt.Sprintf("Error log: %s", a.errs.Path()))
	a.log.Info(fmt.Sprintf("Files to process: %s", strings.Join(a.tasks.Names(), ", ")))
	if vm, err := mem.VirtualMemory(); err == nil {
		a.log.Info(fmt.Sprintf("Host memory: %d MiB available of %d MiB", vm.Available>>20, vm.Total>>20))
	}
	a.log.Info(banner)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warn("Failed to flush traces", zap.Error(err))
	}
	_ = a.log.Sync()
}
