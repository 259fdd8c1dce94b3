package catchup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jdziat/pipeline-guard/internal/telemetry"
	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/queue"
	"github.com/jdziat/pipeline-guard/pkg/schedule"
	"github.com/jdziat/pipeline-guard/pkg/security"
)

// HandlerName is the queue job type that executes scheduler runs.
const HandlerName = "scheduler.run"

// Defaults used by NewRunner.
const (
	DefaultCheckInterval = time.Hour
	DefaultGracePeriod   = 15 * time.Minute
	DefaultRetention     = 30 * 24 * time.Hour
)

// JobFunc is the body of a periodic job.
type JobFunc func(ctx context.Context) error

// PeriodicJob is a job type the Runner keeps on schedule.
type PeriodicJob struct {
	Name     string
	Schedule schedule.Schedule
	Fn       JobFunc
}

type runArgs struct {
	RunID   string `json:"run_id"`
	JobType string `json:"job_type"`
}

// TickResult summarises one Runner pass.
type TickResult struct {
	Planned  int
	Missed   int
	Stale    int
	CatchUps int
	Pruned   int64
}

// Runner plans, watches and executes periodic jobs on top of Service.
type Runner struct {
	svc        *Service
	queue      *queue.Queue
	logger     *slog.Logger
	instanceID string
	queueName  string
	interval   time.Duration
	grace      time.Duration
	retention  time.Duration

	mu   sync.RWMutex
	jobs map[string]*PeriodicJob
}

// RunnerOption configures a Runner.
type RunnerOption interface {
	applyRunner(*Runner)
}

type runnerOptionFunc func(*Runner)

func (f runnerOptionFunc) applyRunner(r *Runner) { f(r) }

// WithCheckInterval sets how often Start plans and checks. Default 1h.
func WithCheckInterval(d time.Duration) RunnerOption {
	return runnerOptionFunc(func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	})
}

// WithGracePeriod sets how long past its slot a run may stay unstarted
// before it is marked MISSED. Default 15m.
func WithGracePeriod(d time.Duration) RunnerOption {
	return runnerOptionFunc(func(r *Runner) {
		if d >= 0 {
			r.grace = d
		}
	})
}

// WithRetention sets how long terminal runs are kept. Default 30 days.
func WithRetention(d time.Duration) RunnerOption {
	return runnerOptionFunc(func(r *Runner) {
		if d > 0 {
			r.retention = d
		}
	})
}

// WithInstanceID sets the lock holder identity. Defaults to a random UUID.
func WithInstanceID(id string) RunnerOption {
	return runnerOptionFunc(func(r *Runner) { r.instanceID = id })
}

// WithQueue sets the queue runs are enqueued on. Default "default".
func WithQueue(name string) RunnerOption {
	return runnerOptionFunc(func(r *Runner) { r.queueName = name })
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return runnerOptionFunc(func(r *Runner) { r.logger = l })
}

// NewRunner creates a Runner and registers the scheduler.run handler on q.
func NewRunner(svc *Service, q *queue.Queue, opts ...RunnerOption) *Runner {
	r := &Runner{
		svc:        svc,
		queue:      q,
		logger:     slog.Default(),
		instanceID: uuid.New().String(),
		queueName:  "default",
		interval:   DefaultCheckInterval,
		grace:      DefaultGracePeriod,
		retention:  DefaultRetention,
		jobs:       make(map[string]*PeriodicJob),
	}
	for _, o := range opts {
		o.applyRunner(r)
	}
	q.Register(HandlerName, r.execute)
	return r
}

// InstanceID returns the identity this runner locks runs with.
func (r *Runner) InstanceID() string {
	return r.instanceID
}

// Register adds a periodic job.
func (r *Runner) Register(name string, sched schedule.Schedule, fn JobFunc) error {
	if err := security.ValidateJobTypeName(name); err != nil {
		return fmt.Errorf("catchup: job %q: %w", name, err)
	}
	if sched == nil || fn == nil {
		return fmt.Errorf("catchup: job %q needs a schedule and a function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[name] = &PeriodicJob{Name: name, Schedule: sched, Fn: fn}
	return nil
}

// Jobs returns the registered job names, sorted.
func (r *Runner) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) job(name string) (*PeriodicJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[name]
	return j, ok
}

// Start ticks immediately and then every check interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.Tick(ctx); err != nil {
		r.logger.Error("scheduler tick failed", "error", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick plans the next run of every job, marks past-due runs MISSED, raises
// stale alerts, schedules catch-up runs and prunes old runs. Errors for one
// job do not stop the others; they are joined into the returned error.
func (r *Runner) Tick(ctx context.Context) (res TickResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catchup.tick")
	defer func() {
		span.SetAttributes(
			attribute.Int("catchup.planned", res.Planned),
			attribute.Int("catchup.missed", res.Missed),
			attribute.Int("catchup.catch_ups", res.CatchUps),
		)
		telemetry.EndSpan(span, err)
	}()

	var errs []error
	for _, name := range r.Jobs() {
		j, ok := r.job(name)
		if !ok {
			continue
		}
		if jobErr := r.tickJob(ctx, j, &res); jobErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, jobErr))
		}
	}

	pruned, pruneErr := r.svc.store.PruneRuns(ctx, r.svc.now().Add(-r.retention))
	if pruneErr != nil {
		errs = append(errs, fmt.Errorf("prune runs: %w", pruneErr))
	}
	res.Pruned = pruned
	return res, errors.Join(errs...)
}

func (r *Runner) tickJob(ctx context.Context, j *PeriodicJob, res *TickResult) error {
	now := r.svc.now().UTC()

	next, err := r.svc.CreateExpectedRun(ctx, j.Name, j.Schedule.Next(now))
	if err != nil {
		return err
	}
	if err := r.enqueue(ctx, next); err != nil {
		return err
	}
	res.Planned++

	needsCatchUp := false

	missed, err := r.svc.DetectMissedRuns(ctx, j.Name)
	if err != nil {
		return err
	}
	for _, run := range missed {
		if now.Sub(run.ScheduledAt) <= r.grace {
			continue
		}
		reason := ReasonNotStarted
		if run.Status == core.RunFailed {
			reason = "failed: " + run.ErrorMessage
		}
		if err := r.svc.MarkRunMissed(ctx, run.ID, reason); err != nil {
			if errors.Is(err, core.ErrInvalidStateTransition) {
				continue
			}
			return err
		}
		res.Missed++
		needsCatchUp = true
		r.logger.Warn("scheduler run missed", "job_type", j.Name, "run_id", run.ID, "scheduled_at", run.ScheduledAt, "reason", reason)
		r.svc.raise(ctx, core.Alert{
			Type:     core.AlertSchedulerMissedRun,
			EntityID: j.Name,
			Message:  fmt.Sprintf("%s run scheduled at %s did not complete", j.Name, run.ScheduledAt.Format(time.RFC3339)),
			Details:  map[string]any{"run_id": run.ID, "scheduled_at": run.ScheduledAt, "reason": reason},
		})
	}

	st, err := r.svc.CheckStaleness(ctx, j.Name)
	if err != nil {
		return err
	}
	if st.IsStale {
		res.Stale++
		needsCatchUp = true
		details := map[string]any{"reason": st.Reason, "hours_since": st.HoursSince}
		if st.LastCompletedAt != nil {
			details["last_completed_at"] = *st.LastCompletedAt
		}
		r.svc.raise(ctx, core.Alert{
			Type:     core.AlertSchedulerStale,
			EntityID: j.Name,
			Message:  fmt.Sprintf("%s is stale: %s", j.Name, st.Reason),
			Details:  details,
		})
	}

	if !needsCatchUp {
		return nil
	}
	return r.catchUp(ctx, j, now, res)
}

// catchUp schedules an immediate run unless one is already pending.
func (r *Runner) catchUp(ctx context.Context, j *PeriodicJob, now time.Time, res *TickResult) error {
	pending, err := r.svc.store.ListRuns(ctx, j.Name,
		[]core.RunStatus{core.RunExpected, core.RunRunning},
		now.Add(-r.svc.missedWindow), now)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}

	run, err := r.svc.CreateExpectedRun(ctx, j.Name, now)
	if err != nil {
		return err
	}
	if err := r.enqueue(ctx, run); err != nil {
		return err
	}
	res.CatchUps++
	r.logger.Info("catch-up run scheduled", "job_type", j.Name, "run_id", run.ID)
	return nil
}

// enqueue puts run on the queue at its slot. The job ID makes it idempotent.
func (r *Runner) enqueue(ctx context.Context, run *core.SchedulerRun) error {
	if run.Status != core.RunExpected {
		return nil
	}
	_, err := r.queue.Enqueue(ctx, HandlerName,
		runArgs{RunID: run.ID, JobType: run.JobType},
		queue.JobID("run:"+run.ID),
		queue.QueueOpt(r.queueName),
		queue.At(run.ScheduledAt),
	)
	if errors.Is(err, core.ErrDuplicateJob) {
		return nil
	}
	return err
}

// execute is the scheduler.run queue handler.
func (r *Runner) execute(ctx context.Context, args runArgs) error {
	j, ok := r.job(args.JobType)
	if !ok {
		return core.NoRetry(fmt.Errorf("catchup: no periodic job registered for %q", args.JobType))
	}

	ctx, span := telemetry.StartSpan(ctx, "catchup.run",
		attribute.String("catchup.job_type", args.JobType),
		attribute.String("catchup.run_id", args.RunID),
	)
	defer span.End()

	err := r.svc.AcquireLock(ctx, args.RunID, r.instanceID)
	switch {
	case errors.Is(err, core.ErrLockContention), errors.Is(err, core.ErrInvalidStateTransition):
		r.logger.Info("scheduler run skipped", "job_type", args.JobType, "run_id", args.RunID, "reason", err)
		return nil
	case err != nil:
		return fmt.Errorf("catchup: acquire lock: %w", err)
	}

	start := time.Now()
	runErr := j.Fn(ctx)
	if relErr := r.svc.ReleaseLock(ctx, args.RunID, r.instanceID, runErr); relErr != nil {
		r.logger.Error("failed to release run lock", "job_type", args.JobType, "run_id", args.RunID, "error", relErr)
		if runErr == nil {
			return core.NoRetry(relErr)
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
		r.logger.Error("scheduler run failed", "job_type", args.JobType, "run_id", args.RunID, "error", runErr)
		return core.NoRetry(runErr)
	}
	r.logger.Info("scheduler run completed", "job_type", args.JobType, "run_id", args.RunID, "duration", time.Since(start))
	return nil
}
