package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tidalsched/pkg/models"
)

type fakeJob struct {
	mu         sync.Mutex
	triggers   []models.TriggerSource
	running    int
	maxRunning int
	ctxErrs    []error

	release chan struct{} // when set, Run waits for it or for ctx cancellation
	panics  bool
}

func (f *fakeJob) Run(ctx context.Context, trigger models.TriggerSource) models.RunSummary {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	release, panics := f.release, f.panics
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.ctxErrs = append(f.ctxErrs, ctx.Err())
		f.mu.Unlock()
	}()

	if panics {
		panic("job exploded")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	return models.RunSummary{RunID: "run", Trigger: trigger, Total: 1, Succeeded: 1}
}

func (f *fakeJob) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *fakeJob) calls() []models.TriggerSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TriggerSource(nil), f.triggers...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeRecorder) Record(message string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeRecorder) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

var start = time.Date(2024, 1, 2, 12, 0, 30, 0, time.UTC)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeJob, *fakeRecorder, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(start)
	job := &fakeJob{}
	errs := &fakeRecorder{}
	return NewEngineForTesting(cfg, job, errs, zap.NewNop(), clk), job, errs, clk
}

func TestConfigure_InvalidFieldCountIsFatal(t *testing.T) {
	for _, expr := range []string{"0 15 * *", "0 15 * * * *", ""} {
		e, _, errs, _ := newTestEngine(t, Config{Expression: expr, Timezone: "UTC"})

		err := e.Configure()
		require.Error(t, err, expr)
		assert.True(t, errors.Is(err, ErrInvalidSchedule))
		assert.Equal(t, StateConfigured, e.State())
		assert.Equal(t, []string{"Failed to start scheduler: Invalid cron schedule format"}, errs.all())
	}
}

func TestConfigure_InvalidFieldValueIsFatal(t *testing.T) {
	e, _, errs, _ := newTestEngine(t, Config{Expression: "61 15 * * *", Timezone: "UTC"})

	err := e.Configure()
	assert.True(t, errors.Is(err, ErrInvalidSchedule))
	assert.Len(t, errs.all(), 1)

	_, err = e.NextFireTimes(1)
	assert.ErrorIs(t, err, ErrNotScheduled)
}

func TestConfigure_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	clk := clock.NewMock()
	clk.Set(start)
	errs := &fakeRecorder{}
	e := NewEngineForTesting(Config{Expression: "0 15 * * *", Timezone: "Mars/Olympus_Mons"}, &fakeJob{}, errs, zap.New(core), clk)

	require.NoError(t, e.Configure())
	assert.Equal(t, StateScheduled, e.State())
	assert.Equal(t, time.UTC, e.Location())
	assert.Equal(t, 1, logs.FilterMessage("Invalid timezone: Mars/Olympus_Mons, falling back to UTC").Len())
	assert.Empty(t, errs.all())
}

func TestNextFireTimes_UseScheduleTimezone(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "America/New_York"})
	require.NoError(t, e.Configure())

	next, err := e.NextFireTimes(3)
	require.NoError(t, err)
	require.Len(t, next, 3)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	for i, want := range []time.Time{
		time.Date(2024, 1, 2, 15, 0, 0, 0, ny),
		time.Date(2024, 1, 3, 15, 0, 0, 0, ny),
		time.Date(2024, 1, 4, 15, 0, 0, 0, ny),
	} {
		assert.True(t, want.Equal(next[i]), "fire %d: got %s want %s", i, next[i], want)
	}
}

func TestParseSchedule_DayOfWeek(t *testing.T) {
	sched, err := ParseSchedule("30 6 * * 1-5", time.UTC)
	require.NoError(t, err)

	// 2024-01-06 is a Saturday.
	next := sched.Next(time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 1, 8, 6, 30, 0, 0, time.UTC), next)
}

func TestLatestDue(t *testing.T) {
	sched, err := ParseSchedule("0 * * * *", time.UTC)
	require.NoError(t, err)
	next := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	_, _, ok := latestDue(sched, next, next.Add(-time.Second))
	assert.False(t, ok)

	due, coalesced, ok := latestDue(sched, next, next)
	require.True(t, ok)
	assert.Equal(t, next, due)
	assert.Zero(t, coalesced)

	due, coalesced, ok = latestDue(sched, next, next.Add(3*time.Hour+time.Minute))
	require.True(t, ok)
	assert.Equal(t, next.Add(3*time.Hour), due)
	assert.Equal(t, 3, coalesced)
}

func TestFire_OnTime(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	due := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	e.fire(context.Background(), due.Add(200*time.Millisecond))

	assert.Equal(t, []models.TriggerSource{models.TriggerSchedule}, job.calls())
	assert.Equal(t, due.Add(24*time.Hour), e.nextFire())
}

func TestFire_WithinGraceRunsOnce(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "*/10 * * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	first := e.nextFire()

	// Three occurrences were missed; only the latest runs.
	now := first.Add(25 * time.Minute)
	e.fire(context.Background(), now)

	assert.Equal(t, []models.TriggerSource{models.TriggerMisfire}, job.calls())
	assert.Equal(t, first.Add(30*time.Minute), e.nextFire())
}

func TestFire_BeyondGraceIsSkipped(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	due := e.nextFire()

	e.fire(context.Background(), due.Add(time.Hour+time.Second))

	assert.Empty(t, job.calls())
	assert.Equal(t, due.Add(24*time.Hour), e.nextFire())
}

func TestFire_CustomGrace(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC", MisfireGrace: time.Minute})
	require.NoError(t, e.Configure())

	e.fire(context.Background(), e.nextFire().Add(2*time.Minute))
	assert.Empty(t, job.calls())
}

func TestRun_RequiresScheduled(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{Expression: "bad", Timezone: "UTC"})
	assert.ErrorIs(t, e.Run(context.Background()), ErrNotScheduled)
	assert.ErrorIs(t, e.Trigger(), ErrNotScheduled)
}

func runEngine(t *testing.T, e *Engine) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRun_FiresOnSchedule(t *testing.T) {
	e, job, _, clk := newTestEngine(t, Config{Expression: "* * * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())

	cancel, done := runEngine(t, e)

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		return len(job.calls()) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 1, job.peak())
}

func TestRun_ManualTrigger(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())

	require.NoError(t, e.Trigger())
	assert.ErrorIs(t, e.Trigger(), ErrTriggerPending)

	cancel, done := runEngine(t, e)
	require.Eventually(t, func() bool {
		return len(job.calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := e.LastRun()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	summary, _ := e.LastRun()
	assert.Equal(t, models.TriggerManual, summary.Trigger)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ScheduleWithoutFireTimeIdles(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	clk := clock.NewMock()
	clk.Set(start)
	job := &fakeJob{}
	// February 30th never occurs.
	e := NewEngineForTesting(Config{Expression: "0 0 30 2 *", Timezone: "UTC"}, job, &fakeRecorder{}, zap.New(core), clk)

	require.NoError(t, e.Configure())
	assert.Equal(t, StateScheduled, e.State())
	assert.Equal(t, 1, logs.FilterMessageSnippet("has no upcoming run time").Len())

	next, err := e.NextFireTimes(3)
	require.NoError(t, err)
	assert.Empty(t, next)

	fire, stop := e.wait(time.Time{})
	defer stop()
	assert.Nil(t, fire)

	cancel, done := runEngine(t, e)
	clk.Add(400 * 24 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, job.calls())

	require.NoError(t, e.Trigger())
	require.Eventually(t, func() bool {
		return len(job.calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []models.TriggerSource{models.TriggerManual}, job.calls())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ManualTriggerNeverOverlaps(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	job.release = make(chan struct{})

	cancel, done := runEngine(t, e)
	require.NoError(t, e.Trigger())
	require.Eventually(t, e.Running, 5*time.Second, 10*time.Millisecond)

	// Queued while the first run is still in progress.
	require.NoError(t, e.Trigger())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, job.calls(), 1)

	close(job.release)
	require.Eventually(t, func() bool {
		return len(job.calls()) == 2 && !e.Running()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, job.peak())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_StopWaitsForRunInProgress(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	job.release = make(chan struct{})

	cancel, done := runEngine(t, e)
	require.NoError(t, e.Trigger())
	require.Eventually(t, e.Running, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a run was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(job.release)
	require.NoError(t, <-done)
	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, []error{nil}, job.ctxErrs)
}

func TestAbort_CancelsRunInProgress(t *testing.T) {
	e, job, _, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	job.release = make(chan struct{})

	cancel, done := runEngine(t, e)
	require.NoError(t, e.Trigger())
	require.Eventually(t, e.Running, 5*time.Second, 10*time.Millisecond)

	e.Abort()
	require.Eventually(t, func() bool { return !e.Running() }, 5*time.Second, 10*time.Millisecond)

	job.mu.Lock()
	assert.Equal(t, []error{context.Canceled}, job.ctxErrs)
	job.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestRun_PanicIsRecordedAndReturned(t *testing.T) {
	e, job, errs, _ := newTestEngine(t, Config{Expression: "0 15 * * *", Timezone: "UTC"})
	require.NoError(t, e.Configure())
	job.panics = true

	_, done := runEngine(t, e)
	require.NoError(t, e.Trigger())

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job exploded")
	assert.Equal(t, []string{"Scheduler crashed"}, errs.all())
	assert.Equal(t, StateStopped, e.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
