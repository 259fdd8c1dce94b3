package catchup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/core"
)

// Reasons recorded on runs and staleness reports.
const (
	ReasonLockContention    = "lock_contention"
	ReasonNotStarted        = "not_started_within_grace"
	ReasonNoCompletedRuns   = "no_completed_runs"
	ReasonExceededThreshold = "exceeded_threshold"
)

// Defaults used by NewService.
const (
	DefaultMissedWindow   = 24 * time.Hour
	DefaultStaleThreshold = 26 * time.Hour
)

// RunStore persists scheduler runs. storage.GormStorage implements it.
type RunStore interface {
	CreateRunIfAbsent(ctx context.Context, run *core.SchedulerRun) (bool, error)
	GetRun(ctx context.Context, runID string) (*core.SchedulerRun, error)
	ClaimRun(ctx context.Context, runID, jobType, instanceID string, exclusive bool) (bool, error)
	FinishRun(ctx context.Context, runID, instanceID string, status core.RunStatus, errMsg string) (bool, error)
	MarkRunMissed(ctx context.Context, runID, reason string) (bool, error)
	ListRuns(ctx context.Context, jobType string, statuses []core.RunStatus, from, to time.Time) ([]core.SchedulerRun, error)
	LatestRun(ctx context.Context, jobType string, status core.RunStatus) (*core.SchedulerRun, error)
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Staleness reports whether a job type completed recently enough.
type Staleness struct {
	JobType         string     `json:"job_type"`
	IsStale         bool       `json:"is_stale"`
	Reason          string     `json:"reason,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	HoursSince      float64    `json:"hours_since"`
}

// Service implements the scheduler run state machine.
type Service struct {
	store          RunStore
	alerts         alert.Sink
	logger         *slog.Logger
	now            func() time.Time
	missedWindow   time.Duration
	staleThreshold time.Duration
}

// ServiceOption configures a Service.
type ServiceOption interface {
	applyService(*Service)
}

type serviceOptionFunc func(*Service)

func (f serviceOptionFunc) applyService(s *Service) { f(s) }

// WithAlertSink sets where contention alerts go.
func WithAlertSink(a alert.Sink) ServiceOption {
	return serviceOptionFunc(func(s *Service) { s.alerts = a })
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return serviceOptionFunc(func(s *Service) { s.logger = l })
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return serviceOptionFunc(func(s *Service) { s.now = now })
}

// WithMissedWindow sets how far back DetectMissedRuns looks.
func WithMissedWindow(d time.Duration) ServiceOption {
	return serviceOptionFunc(func(s *Service) {
		if d > 0 {
			s.missedWindow = d
		}
	})
}

// WithStaleThreshold sets how long after the last completion a job type is stale.
func WithStaleThreshold(d time.Duration) ServiceOption {
	return serviceOptionFunc(func(s *Service) {
		if d > 0 {
			s.staleThreshold = d
		}
	})
}

// NewService creates a Service over store.
func NewService(store RunStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		alerts:         alert.Nop,
		logger:         slog.Default(),
		now:            time.Now,
		missedWindow:   DefaultMissedWindow,
		staleThreshold: DefaultStaleThreshold,
	}
	for _, o := range opts {
		o.applyService(s)
	}
	return s
}

// CreateExpectedRun records that jobType should run at scheduledAt. Calling it
// again for the same slot returns the existing run.
func (s *Service) CreateExpectedRun(ctx context.Context, jobType string, scheduledAt time.Time) (*core.SchedulerRun, error) {
	run := &core.SchedulerRun{JobType: jobType, ScheduledAt: scheduledAt, Status: core.RunExpected}
	if _, err := s.store.CreateRunIfAbsent(ctx, run); err != nil {
		return nil, fmt.Errorf("catchup: create run %s@%s: %w", jobType, scheduledAt.UTC().Format(time.RFC3339), err)
	}
	return run, nil
}

// GetRun loads a run, or returns core.ErrRunNotFound.
func (s *Service) GetRun(ctx context.Context, runID string) (*core.SchedulerRun, error) {
	return s.store.GetRun(ctx, runID)
}

// TransitionToRunning moves an EXPECTED run to RUNNING for instanceID. Of any
// number of concurrent callers exactly one succeeds; the others get
// core.ErrInvalidStateTransition.
func (s *Service) TransitionToRunning(ctx context.Context, runID, instanceID string) error {
	ok, err := s.store.ClaimRun(ctx, runID, "", instanceID, false)
	if err != nil {
		return fmt.Errorf("catchup: claim run %s: %w", runID, err)
	}
	if ok {
		return nil
	}
	return s.transitionError(ctx, runID)
}

func (s *Service) transitionError(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s", core.ErrInvalidStateTransition, runID, run.Status)
}

// AcquireLock is TransitionToRunning that additionally refuses while another
// run of the same job type is RUNNING. The losing run is marked MISSED with
// reason lock_contention and core.ErrLockContention is returned.
func (s *Service) AcquireLock(ctx context.Context, runID, instanceID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != core.RunExpected {
		return fmt.Errorf("%w: run %s is %s", core.ErrInvalidStateTransition, runID, run.Status)
	}

	ok, err := s.store.ClaimRun(ctx, runID, run.JobType, instanceID, true)
	if err != nil {
		return fmt.Errorf("catchup: claim run %s: %w", runID, err)
	}
	if ok {
		s.logger.Debug("run lock acquired", "run_id", runID, "job_type", run.JobType, "instance", instanceID)
		return nil
	}

	// Either another run of this type holds the lock, or another instance
	// claimed this very run first.
	current, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status != core.RunExpected {
		return fmt.Errorf("%w: run %s is %s", core.ErrInvalidStateTransition, runID, current.Status)
	}

	if _, err := s.store.MarkRunMissed(ctx, runID, ReasonLockContention); err != nil {
		return fmt.Errorf("catchup: mark run %s missed: %w", runID, err)
	}
	s.logger.Info("run lost lock contention", "run_id", runID, "job_type", run.JobType, "instance", instanceID)
	s.raise(ctx, core.Alert{
		Type:     core.AlertSchedulerContention,
		EntityID: run.JobType,
		Message:  fmt.Sprintf("%s run %s skipped: another run is in progress", run.JobType, runID),
		Details:  map[string]any{"run_id": runID, "instance_id": instanceID},
	})
	return core.ErrLockContention
}

// ReleaseLock finishes a RUNNING run held by instanceID: COMPLETED when runErr
// is nil, FAILED otherwise. It returns core.ErrLockNotHeld when instanceID
// does not hold the run.
func (s *Service) ReleaseLock(ctx context.Context, runID, instanceID string, runErr error) error {
	status, msg := core.RunCompleted, ""
	if runErr != nil {
		status, msg = core.RunFailed, runErr.Error()
	}
	ok, err := s.store.FinishRun(ctx, runID, instanceID, status, msg)
	if err != nil {
		return fmt.Errorf("catchup: finish run %s: %w", runID, err)
	}
	if !ok {
		return core.ErrLockNotHeld
	}
	return nil
}

// MarkRunMissed moves an EXPECTED or FAILED run to MISSED.
func (s *Service) MarkRunMissed(ctx context.Context, runID, reason string) error {
	ok, err := s.store.MarkRunMissed(ctx, runID, reason)
	if err != nil {
		return fmt.Errorf("catchup: mark run %s missed: %w", runID, err)
	}
	if ok {
		return nil
	}
	return s.transitionError(ctx, runID)
}

// DetectMissedRuns lists runs of jobType scheduled within the missed window
// up to now that are still EXPECTED or have FAILED.
func (s *Service) DetectMissedRuns(ctx context.Context, jobType string) ([]core.SchedulerRun, error) {
	now := s.now().UTC()
	runs, err := s.store.ListRuns(ctx, jobType,
		[]core.RunStatus{core.RunExpected, core.RunFailed},
		now.Add(-s.missedWindow), now)
	if err != nil {
		return nil, fmt.Errorf("catchup: list runs for %s: %w", jobType, err)
	}
	return runs, nil
}

// CheckStaleness reports jobType stale when it has never completed or its
// last completion is older than the stale threshold.
func (s *Service) CheckStaleness(ctx context.Context, jobType string) (Staleness, error) {
	st := Staleness{JobType: jobType}
	last, err := s.store.LatestRun(ctx, jobType, core.RunCompleted)
	if err != nil {
		return st, fmt.Errorf("catchup: latest completed run for %s: %w", jobType, err)
	}
	if last == nil {
		st.IsStale = true
		st.Reason = ReasonNoCompletedRuns
		return st, nil
	}

	completedAt := last.ScheduledAt
	if last.CompletedAt != nil {
		completedAt = *last.CompletedAt
	}
	st.LastCompletedAt = &completedAt
	since := s.now().Sub(completedAt)
	st.HoursSince = since.Hours()
	if since > s.staleThreshold {
		st.IsStale = true
		st.Reason = ReasonExceededThreshold
	}
	return st, nil
}

func (s *Service) raise(ctx context.Context, a core.Alert) {
	if err := s.alerts.RaiseAlert(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to raise alert", "type", a.Type, "error", err)
	}
}
