// Package guard is the reliability layer for LLM-driven regulatory
// extraction pipelines.
//
// It re-exports the public types of the pkg/ packages for a single import:
// the budget governor that gates every LLM call, scheduler catch-up with
// run locking and staleness checks, the DLQ healer with its error
// classifier, confidence calibration, and authority-based conflict
// detection. A durable job queue backs the scheduler and the DLQ.
//
// Basic usage:
//
//	store, _ := guard.OpenStorage("sqlite", "guard.db")
//	store.Migrate(ctx)
//	q := guard.New(store)
//
//	gov := guard.NewGovernor(guard.WithBudgetAlertSink(sink))
//	decision := gov.CheckBudget("eur-lex", "doc-42", 12_000)
//	if !decision.Allowed {
//	    return nil // try again later
//	}
//
//	healer := guard.NewHealer(store, q)
//	healer.Attach(q)
//	go healer.Start(ctx)
//
//	worker := q.NewWorker(guard.WorkerQueue("llm", guard.Concurrency(4)))
//	worker.Start(ctx)
package guard

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/pipeline-guard/pkg/alert"
	"github.com/jdziat/pipeline-guard/pkg/budget"
	"github.com/jdziat/pipeline-guard/pkg/calibration"
	"github.com/jdziat/pipeline-guard/pkg/catchup"
	"github.com/jdziat/pipeline-guard/pkg/classify"
	"github.com/jdziat/pipeline-guard/pkg/conflict"
	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/dlq"
	"github.com/jdziat/pipeline-guard/pkg/jobctx"
	"github.com/jdziat/pipeline-guard/pkg/queue"
	"github.com/jdziat/pipeline-guard/pkg/schedule"
	"github.com/jdziat/pipeline-guard/pkg/security"
	"github.com/jdziat/pipeline-guard/pkg/storage"
	"github.com/jdziat/pipeline-guard/pkg/worker"
)

func init() {
	// Register the worker factory to enable queue.NewWorker()
	queue.WorkerFactory = func(q *queue.Queue, opts ...any) core.Starter {
		workerOpts := make([]worker.WorkerOption, 0, len(opts))
		for _, opt := range opts {
			if wo, ok := opt.(worker.WorkerOption); ok {
				workerOpts = append(workerOpts, wo)
			}
		}
		return worker.NewWorker(q, workerOpts...)
	}
}

// Queue engine types
type (
	Job             = core.Job
	JobStatus       = core.JobStatus
	Storage         = core.Storage
	Event           = core.Event
	JobStarted      = core.JobStarted
	JobCompleted    = core.JobCompleted
	JobFailed       = core.JobFailed
	JobRetrying     = core.JobRetrying
	JobDeadLettered = core.JobDeadLettered
	JobReplayed     = core.JobReplayed
	NoRetryError    = core.NoRetryError
	RetryAfterError = core.RetryAfterError
	Queue           = queue.Queue
	Option          = queue.Option
	Options         = queue.Options
	Worker          = worker.Worker
	WorkerOption    = worker.WorkerOption
	WorkerConfig    = worker.WorkerConfig
	Schedule        = schedule.Schedule
	GormStorage     = storage.GormStorage
)

// Reliability layer types
type (
	// Alert is an operator-facing notification; AlertSink receives them.
	Alert     = core.Alert
	AlertType = core.AlertType
	AlertSink = alert.Sink

	Governor       = budget.Governor
	BudgetConfig   = budget.Config
	BudgetDecision = budget.Decision
	SpendRecord    = budget.SpendRecord
	Provider       = budget.Provider

	SchedulerRun = core.SchedulerRun
	RunStatus    = core.RunStatus
	Scheduler    = catchup.Service
	Runner       = catchup.Runner
	Staleness    = catchup.Staleness

	DeadLetter    = core.DeadLetter
	Healer        = dlq.Healer
	HealDecision  = dlq.Decision
	CycleResult   = dlq.CycleResult
	ErrorCategory = classify.Category

	ReviewOutcome     = core.ReviewOutcome
	CalibrationParams = core.CalibrationParams
	CalibrationData   = calibration.Data
	CalibrationResult = calibration.Result
	Recalibrator      = calibration.Recalibrator
	SourcePointer     = calibration.Pointer

	RuleCandidate  = core.RuleCandidate
	AuthorityLevel = core.AuthorityLevel
	ConflictReport = conflict.Report
	Conflict       = conflict.Conflict
	Arbiter        = conflict.Arbiter
)

// Status constants
const (
	StatusPending      = core.StatusPending
	StatusRunning      = core.StatusRunning
	StatusCompleted    = core.StatusCompleted
	StatusFailed       = core.StatusFailed
	StatusDeadLettered = core.StatusDeadLettered
)

// Scheduler run states
const (
	RunExpected  = core.RunExpected
	RunRunning   = core.RunRunning
	RunCompleted = core.RunCompleted
	RunFailed    = core.RunFailed
	RunMissed    = core.RunMissed
)

// Security limits
const (
	MaxJobTypeNameLength  = security.MaxJobTypeNameLength
	MaxJobArgsSize        = security.MaxJobArgsSize
	MaxRetries            = security.MaxRetries
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxQueueNameLength    = security.MaxQueueNameLength
	MaxJobIDLength        = security.MaxJobIDLength
)

// MaxAutoRetries is the DLQ replay budget per job lineage.
const MaxAutoRetries = dlq.MaxAutoRetries

// Error variables
var (
	ErrInvalidJobTypeName     = core.ErrInvalidJobTypeName
	ErrJobTypeNameTooLong     = core.ErrJobTypeNameTooLong
	ErrInvalidQueueName       = core.ErrInvalidQueueName
	ErrQueueNameTooLong       = core.ErrQueueNameTooLong
	ErrJobArgsTooLarge        = core.ErrJobArgsTooLarge
	ErrJobNotOwned            = core.ErrJobNotOwned
	ErrDuplicateJob           = core.ErrDuplicateJob
	ErrRunNotFound            = core.ErrRunNotFound
	ErrInvalidStateTransition = core.ErrInvalidStateTransition
	ErrLockContention         = core.ErrLockContention
	ErrLockNotHeld            = core.ErrLockNotHeld
	ErrUnknownAlertType       = core.ErrUnknownAlertType
)

// New creates a new Queue with the given storage backend.
func New(s Storage) *Queue {
	return queue.New(s)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// OpenStorage connects to driver ("sqlite", "sqlite-pure", "postgres" or
// "mysql") with GORM logging silenced.
func OpenStorage(driver, dsn string) (*GormStorage, error) {
	return storage.Open(driver, dsn, logger.Silent)
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// SanitizeErrorMessage truncates error messages and redacts credentials.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// Job option functions

// QueueOpt sets the queue name.
func QueueOpt(name string) Option {
	return queue.QueueOpt(name)
}

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return queue.Priority(p)
}

// Retries sets the engine retry budget.
func Retries(n int) Option {
	return queue.Retries(n)
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return queue.At(t)
}

// JobID sets the job ID; enqueueing an existing ID returns ErrDuplicateJob.
func JobID(id string) Option {
	return queue.JobID(id)
}

// Timeout bounds each handler execution.
func Timeout(d time.Duration) Option {
	return queue.Timeout(d)
}

// Worker option functions

// Concurrency sets the concurrency for a queue.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(name, opts...)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// Budget governor

// NewGovernor creates a budget governor.
func NewGovernor(opts ...budget.Option) *Governor {
	return budget.New(opts...)
}

// WithBudgetAlertSink routes governor alerts to s.
func WithBudgetAlertSink(s AlertSink) budget.Option {
	return budget.WithAlertSink(s)
}

// Scheduler catch-up

// NewScheduler creates the scheduler run state machine over store.
func NewScheduler(store catchup.RunStore, opts ...catchup.ServiceOption) *Scheduler {
	return catchup.NewService(store, opts...)
}

// NewRunner creates the periodic job runner with catch-up.
func NewRunner(svc *Scheduler, q *Queue, opts ...catchup.RunnerOption) *Runner {
	return catchup.NewRunner(svc, q, opts...)
}

// DLQ healing

// NewHealer creates a DLQ healer that replays through q.
func NewHealer(store dlq.Store, q *Queue, opts ...dlq.Option) *Healer {
	return dlq.NewHealer(store, q, opts...)
}

// ClassifyError maps an error message to its category.
func ClassifyError(msg string) ErrorCategory {
	return classify.Classify(msg)
}

// Calibration

// CollectCalibrationData buckets review outcomes by raw confidence.
func CollectCalibrationData(outcomes []ReviewOutcome) CalibrationData {
	return calibration.CollectCalibrationData(outcomes)
}

// BuildCalibrationCurve fits Platt parameters, or returns nil below the
// minimum sample size.
func BuildCalibrationCurve(d CalibrationData) *CalibrationParams {
	return calibration.BuildCalibrationCurve(d)
}

// ApplyPlattScaling maps raw through the fitted curve.
func ApplyPlattScaling(raw float64, p *CalibrationParams) float64 {
	return calibration.ApplyPlattScaling(raw, p)
}

// CalibrateConfidence calibrates raw, reporting whether a curve was used.
func CalibrateConfidence(raw float64, p *CalibrationParams) CalibrationResult {
	return calibration.CalibrateConfidence(raw, p)
}

// ComputeDerivedConfidence combines source pointers into one confidence.
func ComputeDerivedConfidence(pointers []SourcePointer, llmConfidence float64) float64 {
	return calibration.ComputeDerivedConfidence(pointers, llmConfidence)
}

// Conflicts

// DetectConflicts groups rule candidates and reports disagreements.
func DetectConflicts(rules []RuleCandidate) ConflictReport {
	return conflict.DetectConflicts(rules)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}
