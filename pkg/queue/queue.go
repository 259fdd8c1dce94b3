package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/internal/handler"
	"github.com/jdziat/pipeline-guard/pkg/security"
)

// Queue manages job registration, enqueueing, and processing.
type Queue struct {
	storage  core.Storage
	handlers map[string]*handler.Handler
	timeouts map[string]time.Duration
	mu       sync.RWMutex

	// Hooks
	onStart      []func(context.Context, *core.Job)
	onComplete   []func(context.Context, *core.Job)
	onFail       []func(context.Context, *core.Job, error)
	onRetry      []func(context.Context, *core.Job, int, error)
	onDeadLetter []func(context.Context, *core.Job, *core.DeadLetter)

	eventSubs []chan core.Event
}

// New creates a new Queue with the given storage backend.
func New(s core.Storage) *Queue {
	return &Queue{
		storage:  s,
		handlers: make(map[string]*handler.Handler),
		timeouts: make(map[string]time.Duration),
	}
}

// Register registers a job handler function.
// The function must have signature: func(ctx context.Context, args T) error
// Job type names must start with a letter, max 255 chars.
func (q *Queue) Register(name string, fn any, opts ...Option) {
	if err := security.ValidateJobTypeName(name); err != nil {
		panic(fmt.Sprintf("queue: invalid handler name %q: %v", name, err))
	}

	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("queue: handler for %q: %v", name, err))
	}

	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
	if o.Timeout > 0 {
		q.timeouts[name] = o.Timeout
	} else {
		delete(q.timeouts, name)
	}
}

// HasHandler checks if a handler is registered.
func (q *Queue) HasHandler(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok
}

// GetHandler returns a handler by name.
func (q *Queue) GetHandler(name string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// HandlerTimeout returns the per-execution timeout registered for name, or 0.
func (q *Queue) HandlerTimeout(name string) time.Duration {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.timeouts[name]
}

// Enqueue marshals args and adds a job for a registered handler.
// With the JobID option a duplicate returns core.ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...Option) (string, error) {
	if !q.HasHandler(name) {
		return "", fmt.Errorf("queue: no handler registered for %q", name)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal args: %w", err)
	}

	job := &core.Job{
		ID:         options.JobID,
		Type:       name,
		Args:       argsBytes,
		Queue:      options.Queue,
		Priority:   options.Priority,
		MaxRetries: options.MaxRetries,
	}
	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueJob adds a fully formed job, such as a DLQ replay carrying its
// original payload. The handler may live in another process, so none needs to
// be registered here.
func (q *Queue) EnqueueJob(ctx context.Context, job *core.Job) error {
	if err := security.ValidateJobTypeName(job.Type); err != nil {
		return err
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	if err := security.ValidateQueueName(job.Queue); err != nil {
		return err
	}
	if err := security.ValidateJobID(job.ID); err != nil {
		return err
	}
	if len(job.Args) > security.MaxJobArgsSize {
		return core.ErrJobArgsTooLarge
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.MaxRetries = security.ClampRetries(job.MaxRetries)
	job.Status = core.StatusPending

	if err := q.storage.Enqueue(ctx, job); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			return err
		}
		return fmt.Errorf("queue: failed to enqueue: %w", err)
	}
	return nil
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is retried.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// OnDeadLetter registers a callback for when a job is moved to the DLQ.
func (q *Queue) OnDeadLetter(fn func(context.Context, *core.Job, *core.DeadLetter)) {
	q.mu.Lock()
	q.onDeadLetter = append(q.onDeadLetter, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers miss events
// rather than block the worker.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := slices.Clone(q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := slices.Clone(q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := slices.Clone(q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := slices.Clone(q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}

// CallDeadLetterHooks calls all registered dead-letter hooks.
func (q *Queue) CallDeadLetterHooks(ctx context.Context, job *core.Job, entry *core.DeadLetter) {
	q.mu.RLock()
	hooks := slices.Clone(q.onDeadLetter)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, entry)
	}
}

// WorkerFactory is set by the root package to create workers.
// This avoids import cycles between queue and worker packages.
var WorkerFactory func(q *Queue, opts ...any) core.Starter

// NewWorker creates a new worker for this queue.
// Options should be worker.WorkerOption values.
func (q *Queue) NewWorker(opts ...any) core.Starter {
	if WorkerFactory == nil {
		panic("queue: WorkerFactory not initialized - import github.com/jdziat/pipeline-guard to initialize")
	}
	return WorkerFactory(q, opts...)
}
