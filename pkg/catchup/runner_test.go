package catchup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/queue"
	"github.com/jdziat/pipeline-guard/pkg/schedule"
	"github.com/jdziat/pipeline-guard/pkg/worker"
)

func newTestRunner(t *testing.T, opts ...RunnerOption) (*Runner, *Service, *queue.Queue, *recordingSink) {
	t.Helper()
	svc, st, sink := newTestService(t)
	q := queue.New(st)
	r := NewRunner(svc, q, append([]RunnerOption{WithInstanceID("test-instance")}, opts...)...)
	return r, svc, q, sink
}

func TestRunner_RegistersHandler(t *testing.T) {
	r, _, q, _ := newTestRunner(t)

	assert.True(t, q.HasHandler(HandlerName))
	assert.Equal(t, "test-instance", r.InstanceID())
}

func TestRunner_Register(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, r.Register("regression.snapshot", schedule.Daily(3, 0), noop))
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), noop))
	assert.ErrorIs(t, r.Register("9bad", schedule.Every(time.Hour), noop), core.ErrInvalidJobTypeName)
	assert.Error(t, r.Register("nofunc", schedule.Every(time.Hour), nil))

	assert.Equal(t, []string{"discovery", "regression.snapshot"}, r.Jobs())
}

func TestRunner_TickPlansAndCatchesUpStaleJob(t *testing.T) {
	r, svc, q, sink := newTestRunner(t)
	ctx := context.Background()
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), func(context.Context) error { return nil }))

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Planned)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.CatchUps)

	stale := sink.ofType(core.AlertSchedulerStale)
	require.Len(t, stale, 1)
	assert.Equal(t, "discovery", stale[0].EntityID)
	assert.Equal(t, ReasonNoCompletedRuns, stale[0].Details["reason"])

	runs, err := svc.store.ListRuns(ctx, "discovery", []core.RunStatus{core.RunExpected},
		time.Now().Add(-time.Hour), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		job, err := q.Storage().GetJob(ctx, "run:"+run.ID)
		require.NoError(t, err)
		require.NotNil(t, job, "run %s not enqueued", run.ID)
		assert.Equal(t, HandlerName, job.Type)
		require.NotNil(t, job.RunAt)
		assert.True(t, job.RunAt.Equal(run.ScheduledAt))
	}

	// A second pass finds the planned run and the pending catch-up already in place.
	res, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Planned)
	assert.Zero(t, res.CatchUps)
}

func TestRunner_TickMarksPastDueRunsMissed(t *testing.T) {
	r, svc, _, sink := newTestRunner(t, WithGracePeriod(10*time.Minute))
	ctx := context.Background()
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), func(context.Context) error { return nil }))

	late, err := svc.CreateExpectedRun(ctx, "discovery", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	recent, err := svc.CreateExpectedRun(ctx, "discovery", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Missed)

	got, err := svc.GetRun(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunMissed, got.Status)
	assert.Equal(t, ReasonNotStarted, got.ErrorMessage)

	got, err = svc.GetRun(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunExpected, got.Status)

	assert.Len(t, sink.ofType(core.AlertSchedulerMissedRun), 1)
	// The recent run is still within grace, so it serves as the catch-up.
	assert.Zero(t, res.CatchUps)
}

func TestRunner_TickPrunesOldRuns(t *testing.T) {
	r, svc, _, _ := newTestRunner(t, WithRetention(24*time.Hour))
	ctx := context.Background()

	old, err := svc.CreateExpectedRun(ctx, "discovery", time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunMissed(ctx, old.ID, "late"))

	res, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Pruned)
	_, err = svc.GetRun(ctx, old.ID)
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestRunner_Execute(t *testing.T) {
	r, svc, _, _ := newTestRunner(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	run, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)

	require.NoError(t, r.execute(ctx, runArgs{RunID: run.ID, JobType: "discovery"}))
	assert.Equal(t, int32(1), calls.Load())

	got, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, got.Status)
	assert.Equal(t, "test-instance", got.LockHolder)

	// Redelivery of the same run is a no-op.
	require.NoError(t, r.execute(ctx, runArgs{RunID: run.ID, JobType: "discovery"}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunner_ExecuteFailureIsNotRetried(t *testing.T) {
	r, svc, _, _ := newTestRunner(t)
	ctx := context.Background()
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), func(context.Context) error {
		return errors.New("crawler 503")
	}))
	run, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)

	err = r.execute(ctx, runArgs{RunID: run.ID, JobType: "discovery"})
	var noRetry *core.NoRetryError
	require.ErrorAs(t, err, &noRetry)

	got, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, "crawler 503", got.ErrorMessage)
}

func TestRunner_ExecuteUnknownJob(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	err := r.execute(context.Background(), runArgs{RunID: "x", JobType: "nope"})
	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)
}

func TestRunner_ExecuteContentionSkips(t *testing.T) {
	r, svc, _, _ := newTestRunner(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	busy, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)
	require.NoError(t, svc.AcquireLock(ctx, busy.ID, "other-instance"))
	run, err := svc.CreateExpectedRun(ctx, "discovery", slot.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, r.execute(ctx, runArgs{RunID: run.ID, JobType: "discovery"}))
	assert.Zero(t, calls.Load())

	got, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunMissed, got.Status)
}

func TestRunner_CatchUpRunsThroughWorker(t *testing.T) {
	r, svc, q, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, r.Register("discovery", schedule.Every(time.Hour), func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	w := worker.NewWorker(q, worker.PollInterval(10*time.Millisecond), worker.StaleLockReaper(0, 0))
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := r.Tick(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := svc.CheckStaleness(ctx, "discovery")
		return err == nil && !st.IsStale
	}, 5*time.Second, 10*time.Millisecond)
}
