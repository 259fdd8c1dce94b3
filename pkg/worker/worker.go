package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/pipeline-guard/pkg/classify"
	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/internal/handler"
	"github.com/jdziat/pipeline-guard/pkg/jobctx"
	"github.com/jdziat/pipeline-guard/pkg/queue"
)

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval:      DefaultPollInterval,
		WorkerID:          uuid.New().String(),
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReapInterval:      DefaultReapInterval,
		StaleGrace:        DefaultStaleGrace,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Queues == nil {
		config.Queues = map[string]int{"default": DefaultQueueConcurrency}
	}
	if config.StorageRetry == nil {
		cfg := DefaultRetryConfig()
		config.StorageRetry = &cfg
	}
	if config.DequeueRetry == nil {
		cfg := DefaultDequeueRetryConfig()
		config.DequeueRetry = &cfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
	}
}

// ID returns the lease holder identity of this worker.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Start begins processing jobs. Blocks until context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	queues := make([]string, 0, len(w.config.Queues))
	for q := range w.config.Queues {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	totalConcurrency := 0
	for _, c := range w.config.Queues {
		totalConcurrency += c
	}

	jobsChan := make(chan *core.Job, totalConcurrency)

	if w.config.ReapInterval > 0 {
		go w.runReaper(ctx)
	}

	for i := 0; i < totalConcurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	w.logger.Info("worker started", "queues", queues, "concurrency", totalConcurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			job, err := w.dequeueWithRetry(ctx, queues)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "error", err)
				}
				continue
			}
			if job != nil {
				select {
				case jobsChan <- job:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (w *Worker) dequeueWithRetry(ctx context.Context, queues []string) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()

	for job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()

	h, ok := w.queue.GetHandler(job.Type)
	if !ok {
		w.logger.Error("no handler for job", "job_id", job.ID, "type", job.Type)
		w.handleError(ctx, job, fmt.Errorf("no handler registered for %s", job.Type))
		return
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	err := w.executeHandler(ctx, job, h)

	cancelHeartbeat()

	if err != nil {
		w.handleError(ctx, job, err)
		return
	}

	if err := w.completeWithRetry(ctx, job.ID); err != nil {
		w.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", err)
		return
	}
	w.queue.CallCompleteHooks(ctx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler) error {
	runCtx := jobctx.WithJob(ctx, job, w.config.WorkerID)
	if timeout := w.queue.HandlerTimeout(job.Type); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}
	return h.Execute(runCtx, job.Args)
}

func (w *Worker) completeWithRetry(ctx context.Context, jobID string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID)
	})
}

// runHeartbeat extends the job lease while the handler runs. A lost lease
// stops the heartbeat; the job's eventual Complete or Fail will be rejected.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			switch {
			case err == nil:
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			case errors.Is(err, core.ErrJobNotOwned):
				w.logger.Warn("lease lost, stopping heartbeat", "job_id", job.ID)
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

// runReaper returns jobs whose lease expired more than StaleGrace ago to pending.
func (w *Worker) runReaper(ctx context.Context) {
	ticker := time.NewTicker(w.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.Storage().ReleaseStaleLocks(ctx, w.config.StaleGrace)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Error("failed to release stale locks", "error", err)
				}
				continue
			}
			if n > 0 {
				w.logger.Info("released stale locks", "count", n)
			}
		}
	}
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.failPermanently(ctx, job, err)
		return
	}

	if job.Attempt < job.MaxRetries {
		delay := jobBackoff(job.Attempt)
		var retryAfter *core.RetryAfterError
		if errors.As(err, &retryAfter) {
			delay = retryAfter.Delay
		}
		retryAt := time.Now().Add(delay)
		if failErr := w.failWithRetry(ctx, job.ID, err.Error(), &retryAt); failErr != nil {
			return
		}
		w.logger.Info("job failed, retrying", "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "next_run_at", retryAt, "error", err)
		w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
		w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
		return
	}

	w.deadLetter(ctx, job, err)
}

// failPermanently marks a job failed without a DLQ copy. NoRetry errors are
// deliberate outcomes, not candidates for healing.
func (w *Worker) failPermanently(ctx context.Context, job *core.Job, err error) {
	if failErr := w.failWithRetry(ctx, job.ID, err.Error(), nil); failErr != nil {
		return
	}
	w.queue.CallFailHooks(ctx, job, err)
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// deadLetter moves a job whose retry budget is spent into the DLQ.
func (w *Worker) deadLetter(ctx context.Context, job *core.Job, err error) {
	entry := NewDeadLetter(job, err)
	storeErr := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().DeadLetter(ctx, job.ID, w.config.WorkerID, entry)
	})
	if storeErr != nil {
		w.logger.Error("failed to dead-letter job after retries", "job_id", job.ID, "error", storeErr)
		return
	}

	w.logger.Warn("job dead-lettered",
		"job_id", job.ID,
		"type", job.Type,
		"category", entry.ErrorCategory,
		"replay_count", entry.RetryCount,
		"error", entry.Error,
	)
	w.queue.CallDeadLetterHooks(ctx, job, entry)
	w.queue.CallFailHooks(ctx, job, err)
	now := time.Now()
	w.queue.Emit(&core.JobDeadLettered{Job: job, Entry: entry, Timestamp: now})
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: now})
}

// NewDeadLetter builds the DLQ entry for a job that failed with err. The
// entry carries the job's replay counter so the healer can enforce its
// replay budget across generations.
func NewDeadLetter(job *core.Job, err error) *core.DeadLetter {
	retryCount := job.ReplayCount
	if n, ok := core.ReplayCountFromPayload(job.Args); ok && n > retryCount {
		retryCount = n
	}
	return &core.DeadLetter{
		ID:             uuid.New().String(),
		OriginalJobID:  job.ID,
		OriginalQueue:  job.Queue,
		JobType:        job.Type,
		JobData:        job.Args,
		Error:          err.Error(),
		ErrorCategory:  string(classify.ClassifyError(err)),
		FailedAt:       time.Now(),
		RetryCount:     retryCount,
		IdempotencyKey: core.IdempotencyKey(job.ID, job.Args),
		Status:         core.DeadLetterWaiting,
	}
}

func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, retryAt *time.Time) error {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
	return err
}
