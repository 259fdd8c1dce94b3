package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (s *recordingSink) RaiseAlert(_ context.Context, a core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) ofType(t core.AlertType) []core.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Alert
	for _, a := range s.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func newTestStore(t *testing.T) *storage.GormStorage {
	t.Helper()
	st, err := storage.Open(storage.DriverSQLite, ":memory:", logger.Silent)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := st.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return st
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *storage.GormStorage, *recordingSink) {
	t.Helper()
	st := newTestStore(t)
	sink := &recordingSink{}
	return NewService(st, append([]ServiceOption{WithAlertSink(sink)}, opts...)...), st, sink
}

var slot = time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC)

func TestCreateExpectedRun_Idempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)
	second, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, core.RunExpected, second.Status)

	other, err := svc.CreateExpectedRun(ctx, "discovery", slot.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreateExpectedRun_InvalidJobType(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateExpectedRun(context.Background(), "", slot)
	assert.ErrorIs(t, err, core.ErrInvalidJobTypeName)
}

func TestTransitionToRunning_ExactlyOneWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	run, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)

	var wins, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.TransitionToRunning(ctx, run.ID, fmt.Sprintf("instance-%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrInvalidStateTransition):
				invalid.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), invalid.Load())

	got, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunRunning, got.Status)
	assert.NotEmpty(t, got.LockHolder)
	assert.NotNil(t, got.StartedAt)
}

func TestTransitionToRunning_UnknownRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.TransitionToRunning(context.Background(), "missing", "i1")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestAcquireLock_ContentionMarksLoserMissed(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()
	first, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)
	second, err := svc.CreateExpectedRun(ctx, "discovery", slot.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, svc.AcquireLock(ctx, first.ID, "i1"))

	err = svc.AcquireLock(ctx, second.ID, "i2")
	assert.ErrorIs(t, err, core.ErrLockContention)

	got, err := svc.GetRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunMissed, got.Status)
	assert.Equal(t, ReasonLockContention, got.ErrorMessage)
	assert.Len(t, sink.ofType(core.AlertSchedulerContention), 1)

	// Other job types are unaffected.
	other, err := svc.CreateExpectedRun(ctx, "regression.snapshot", slot)
	require.NoError(t, err)
	assert.NoError(t, svc.AcquireLock(ctx, other.ID, "i2"))
}

func TestAcquireLock_NotExpected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	run, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)
	require.NoError(t, svc.AcquireLock(ctx, run.ID, "i1"))

	err = svc.AcquireLock(ctx, run.ID, "i2")
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	assert.ErrorIs(t, svc.AcquireLock(ctx, "missing", "i1"), core.ErrRunNotFound)
}

func TestReleaseLock(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	run, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)
	require.NoError(t, svc.AcquireLock(ctx, run.ID, "i1"))

	assert.ErrorIs(t, svc.ReleaseLock(ctx, run.ID, "i2", nil), core.ErrLockNotHeld)
	require.NoError(t, svc.ReleaseLock(ctx, run.ID, "i1", nil))
	assert.ErrorIs(t, svc.ReleaseLock(ctx, run.ID, "i1", nil), core.ErrLockNotHeld)

	got, err := svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	failed, err := svc.CreateExpectedRun(ctx, "discovery", slot.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc.AcquireLock(ctx, failed.ID, "i1"))
	require.NoError(t, svc.ReleaseLock(ctx, failed.ID, "i1", errors.New("upstream 503")))

	got, err = svc.GetRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, "upstream 503", got.ErrorMessage)
}

func TestMarkRunMissed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	running, err := svc.CreateExpectedRun(ctx, "discovery", slot)
	require.NoError(t, err)
	require.NoError(t, svc.TransitionToRunning(ctx, running.ID, "i1"))
	assert.ErrorIs(t, svc.MarkRunMissed(ctx, running.ID, "late"), core.ErrInvalidStateTransition)

	require.NoError(t, svc.ReleaseLock(ctx, running.ID, "i1", errors.New("boom")))
	require.NoError(t, svc.MarkRunMissed(ctx, running.ID, "late"))

	assert.ErrorIs(t, svc.MarkRunMissed(ctx, "missing", "late"), core.ErrRunNotFound)
}

func TestDetectMissedRuns(t *testing.T) {
	now := time.Now().UTC()
	svc, st, _ := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	expected, err := svc.CreateExpectedRun(ctx, "discovery", now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = svc.CreateExpectedRun(ctx, "discovery", now.Add(-30*time.Hour))
	require.NoError(t, err)
	_, err = svc.CreateExpectedRun(ctx, "discovery", now.Add(time.Hour))
	require.NoError(t, err)

	failed, err := svc.CreateExpectedRun(ctx, "discovery", now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc.AcquireLock(ctx, failed.ID, "i1"))
	require.NoError(t, svc.ReleaseLock(ctx, failed.ID, "i1", errors.New("boom")))

	completed, err := svc.CreateExpectedRun(ctx, "discovery", now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.DB().Model(&core.SchedulerRun{}).Where("id = ?", completed.ID).
		Update("status", core.RunCompleted).Error)

	missed, err := svc.DetectMissedRuns(ctx, "discovery")
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, expected.ID, missed[0].ID)
	assert.Equal(t, failed.ID, missed[1].ID)
}

func TestCheckStaleness(t *testing.T) {
	now := time.Now().UTC()
	svc, st, _ := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	st0, err := svc.CheckStaleness(ctx, "discovery")
	require.NoError(t, err)
	assert.True(t, st0.IsStale)
	assert.Equal(t, ReasonNoCompletedRuns, st0.Reason)
	assert.Nil(t, st0.LastCompletedAt)

	run, err := svc.CreateExpectedRun(ctx, "discovery", now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc.AcquireLock(ctx, run.ID, "i1"))
	require.NoError(t, svc.ReleaseLock(ctx, run.ID, "i1", nil))

	fresh, err := svc.CheckStaleness(ctx, "discovery")
	require.NoError(t, err)
	assert.False(t, fresh.IsStale)
	assert.Empty(t, fresh.Reason)
	require.NotNil(t, fresh.LastCompletedAt)

	require.NoError(t, st.DB().Model(&core.SchedulerRun{}).Where("id = ?", run.ID).
		Update("completed_at", now.Add(-27*time.Hour)).Error)

	old, err := svc.CheckStaleness(ctx, "discovery")
	require.NoError(t, err)
	assert.True(t, old.IsStale)
	assert.Equal(t, ReasonExceededThreshold, old.Reason)
	assert.InDelta(t, 27, old.HoursSince, 0.01)
}

func TestCheckStaleness_CustomThreshold(t *testing.T) {
	now := time.Now().UTC()
	svc, st, _ := newTestService(t, WithClock(func() time.Time { return now }), WithStaleThreshold(2*time.Hour))
	ctx := context.Background()

	run, err := svc.CreateExpectedRun(ctx, "discovery", now.Add(-4*time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.DB().Model(&core.SchedulerRun{}).Where("id = ?", run.ID).
		Updates(map[string]any{"status": core.RunCompleted, "completed_at": now.Add(-3 * time.Hour)}).Error)

	got, err := svc.CheckStaleness(ctx, "discovery")
	require.NoError(t, err)
	assert.True(t, got.IsStale)
	assert.Equal(t, ReasonExceededThreshold, got.Reason)
}
