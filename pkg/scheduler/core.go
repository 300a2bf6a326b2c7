package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tidalsched/pkg/metrics"
	"tidalsched/pkg/models"
)

const (
	// DefaultMisfireGrace is how late a missed fire time may still run.
	DefaultMisfireGrace = time.Hour

	// onTimeTolerance separates ordinary timer latency from a real misfire.
	onTimeTolerance = time.Second

	scheduleFields = 5
)

var (
	// ErrInvalidSchedule marks every schedule expression parse failure.
	ErrInvalidSchedule = errors.New("invalid cron schedule format")
	// ErrTriggerPending is returned when a manual run is already queued.
	ErrTriggerPending = errors.New("a manual run is already pending")
	// ErrNotScheduled is returned by operations that need a parsed schedule.
	ErrNotScheduled = errors.New("scheduler is not in the scheduled state")
)

// State is the trigger engine lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateConfigured
	StateScheduled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateScheduled:
		return "scheduled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// JobRunner executes one run of the job.
type JobRunner interface {
	Run(ctx context.Context, trigger models.TriggerSource) models.RunSummary
}

// ErrorRecorder appends entries to the durable error log.
type ErrorRecorder interface {
	Record(message string, detail error)
}

// Config is the schedule as read from the environment.
type Config struct {
	Expression   string
	Timezone     string
	MisfireGrace time.Duration
}

// Engine fires the job on a cron schedule. Runs execute on the engine's own
// loop, one at a time, so a fire time is never evaluated while a run is in
// progress.
type Engine struct {
	cfg    Config
	job    JobRunner
	errs   ErrorRecorder
	log    *zap.Logger
	clock  clock.Clock
	parser cron.Parser

	manual chan struct{}

	mu       sync.Mutex
	state    State
	location *time.Location
	schedule cron.Schedule
	next     time.Time
	running  bool
	abort    context.CancelFunc
	last     *models.RunSummary
}

// NewEngine creates an engine in the Uninitialized state.
func NewEngine(cfg Config, job JobRunner, errs ErrorRecorder, log *zap.Logger) *Engine {
	return NewEngineForTesting(cfg, job, errs, log, clock.New())
}

// NewEngineForTesting creates an engine driven by clk.
func NewEngineForTesting(cfg Config, job JobRunner, errs ErrorRecorder, log *zap.Logger, clk clock.Clock) *Engine {
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	return &Engine{
		cfg:    cfg,
		job:    job,
		errs:   errs,
		log:    log,
		clock:  clk,
		parser: newParser(),
		manual: make(chan struct{}, 1),
		state:  StateUninitialized,
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// ResolveLocation loads an IANA timezone. On failure it returns UTC together
// with the error so the caller can warn and carry on.
func ResolveLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return time.UTC, errors.Wrapf(err, "invalid timezone %q", name)
	}
	return loc, nil
}

// ParseSchedule parses a standard five-field cron expression whose fire times
// are computed in loc.
func ParseSchedule(expr string, loc *time.Location) (cron.Schedule, error) {
	return parseSchedule(newParser(), expr, loc)
}

func parseSchedule(parser cron.Parser, expr string, loc *time.Location) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != scheduleFields {
		return nil, errors.Mark(
			errors.Newf("invalid cron format: %q has %d fields, want %d", expr, len(fields), scheduleFields),
			ErrInvalidSchedule)
	}

	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron format: %q", expr), ErrInvalidSchedule)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched, nil
}

// Configure resolves the timezone and parses the schedule. An unknown
// timezone only produces a warning; an invalid expression is recorded in the
// error log and returned, and the engine stays Configured.
func (e *Engine) Configure() error {
	loc, err := ResolveLocation(e.cfg.Timezone)
	if err != nil {
		e.log.Warn(fmt.Sprintf("Invalid timezone: %s, falling back to UTC", e.cfg.Timezone),
			zap.String("kind", string(models.KindTimezoneError)), zap.Error(err))
	}

	e.mu.Lock()
	e.location = loc
	e.state = StateConfigured
	e.mu.Unlock()

	sched, err := parseSchedule(e.parser, e.cfg.Expression, loc)
	if err != nil {
		e.log.Error(fmt.Sprintf("Invalid cron schedule format: %v", err),
			zap.String("kind", string(models.KindConfigError)))
		e.errs.Record("Failed to start scheduler: Invalid cron schedule format", err)
		return err
	}

	next := sched.Next(e.clock.Now().In(loc))
	e.mu.Lock()
	e.schedule = sched
	e.next = next
	e.state = StateScheduled
	e.mu.Unlock()

	if next.IsZero() {
		e.log.Warn(fmt.Sprintf("Schedule %q has no upcoming run time; only manual runs will fire", e.cfg.Expression),
			zap.String("kind", string(models.KindConfigError)))
	}
	setNextFireMetric(next)
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Location returns the resolved timezone, or nil before Configure.
func (e *Engine) Location() *time.Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.location
}

// Expression returns the configured cron expression.
func (e *Engine) Expression() string {
	return e.cfg.Expression
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LastRun returns the summary of the most recent completed run.
func (e *Engine) LastRun() (models.RunSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return models.RunSummary{}, false
	}
	return *e.last, true
}

// NextFireTimes returns up to n upcoming fire times, starting with the one
// the engine is currently waiting for.
func (e *Engine) NextFireTimes(n int) ([]time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateScheduled {
		return nil, ErrNotScheduled
	}

	out := make([]time.Time, 0, n)
	t := e.next
	for i := 0; i < n && !t.IsZero(); i++ {
		out = append(out, t)
		t = e.schedule.Next(t)
	}
	return out, nil
}

// Trigger queues a manual run on the engine loop.
func (e *Engine) Trigger() error {
	if e.State() != StateScheduled {
		return ErrNotScheduled
	}
	select {
	case e.manual <- struct{}{}:
		return nil
	default:
		return ErrTriggerPending
	}
}

// Abort cancels the run in progress, if any. Its running task is killed and
// the remaining tasks fail fast.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abort != nil {
		e.log.Warn("Aborting the run in progress")
		e.abort()
	}
}

// Run blocks, firing the job at each fire time, until ctx is canceled. A run
// in progress when ctx is canceled is allowed to finish. A panic escaping a
// run is recorded in the error log and returned as an error.
func (e *Engine) Run(ctx context.Context) (err error) {
	if e.State() != StateScheduled {
		return ErrNotScheduled
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("scheduler crashed: %v", p)
			e.errs.Record("Scheduler crashed", err)
		}
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
	}()

	e.log.Info("Scheduler started", zap.String("schedule", e.cfg.Expression),
		zap.String("timezone", e.Location().String()), zap.Time("next_run", e.nextFire()))

	for {
		fire, stop := e.wait(e.nextFire())

		select {
		case <-ctx.Done():
			stop()
			e.log.Info("Scheduler stopped")
			return nil

		case <-e.manual:
			stop()
			e.log.Info("Manual run requested")
			e.runOnce(ctx, models.TriggerManual)

		case <-fire:
			e.fire(ctx, e.clock.Now())
		}
	}
}

// wait returns a channel that delivers once next is reached. A zero next
// yields a nil channel, which never delivers.
func (e *Engine) wait(next time.Time) (<-chan time.Time, func()) {
	if next.IsZero() {
		return nil, func() {}
	}
	d := next.Sub(e.clock.Now())
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- e.clock.Now()
		return ch, func() {}
	}
	timer := e.clock.Timer(d)
	return timer.C, func() { timer.Stop() }
}

// fire handles a timer expiry at now: it runs the job for the latest due
// occurrence when that is within the grace window, then moves next past now.
func (e *Engine) fire(ctx context.Context, now time.Time) {
	e.mu.Lock()
	sched, next := e.schedule, e.next
	e.mu.Unlock()

	due, coalesced, ok := latestDue(sched, next, now)
	if !ok {
		return
	}

	lateness := now.Sub(due)
	if lateness > e.cfg.MisfireGrace {
		metrics.MisfiresSkipped.Inc()
		e.log.Warn(fmt.Sprintf("Run time of job was missed by %s, skipping", lateness.Round(time.Second)),
			zap.Time("scheduled", due), zap.Int("coalesced", coalesced))
		e.setNext(sched.Next(now))
		return
	}

	trigger := models.TriggerSchedule
	if lateness > onTimeTolerance {
		trigger = models.TriggerMisfire
		e.log.Warn(fmt.Sprintf("Run time of job was missed by %s, running within grace window", lateness.Round(time.Second)),
			zap.Time("scheduled", due), zap.Int("coalesced", coalesced))
	}

	metrics.FireLag.Observe(lateness.Seconds())
	e.runOnce(ctx, trigger)
	e.setNext(sched.Next(due))
}

// runOnce runs the job synchronously. The run outlives cancellation of ctx;
// only Abort cancels it.
func (e *Engine) runOnce(ctx context.Context, trigger models.TriggerSource) models.RunSummary {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.abort = cancel
	e.running = true
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.abort = nil
		e.running = false
		e.mu.Unlock()
	}()

	summary := e.job.Run(runCtx, trigger)
	e.mu.Lock()
	e.last = &summary
	e.mu.Unlock()
	return summary
}

func (e *Engine) nextFire() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

func (e *Engine) setNext(t time.Time) {
	e.mu.Lock()
	e.next = t
	e.mu.Unlock()

	setNextFireMetric(t)
	if t.IsZero() {
		e.log.Warn("Schedule has no further run time; only manual runs will fire")
		return
	}
	e.log.Info("Next run scheduled", zap.Time("next_run", t))
}

func setNextFireMetric(t time.Time) {
	if t.IsZero() {
		metrics.NextFireTimestamp.Set(0)
		return
	}
	metrics.NextFireTimestamp.Set(float64(t.Unix()))
}

// latestDue finds the most recent occurrence at or before now, starting from
// next. Overdue occurrences collapse into that one; coalesced counts the
// dropped ones. ok is false when next has not been reached yet.
func latestDue(sched cron.Schedule, next, now time.Time) (due time.Time, coalesced int, ok bool) {
	if next.IsZero() || next.After(now) {
		return time.Time{}, 0, false
	}
	due = next
	for {
		n := sched.Next(due)
		if n.IsZero() || n.After(now) {
			return due, coalesced, true
		}
		due = n
		coalesced++
	}
}
