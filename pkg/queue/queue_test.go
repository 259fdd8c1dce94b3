package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// mockStorage implements core.Storage for testing.
type mockStorage struct {
	mu   sync.Mutex
	jobs map[string]*core.Job
}

func newMockStorage() *mockStorage {
	return &mockStorage{jobs: make(map[string]*core.Job)}
}

func (m *mockStorage) Migrate(ctx context.Context) error { return nil }

func (m *mockStorage) Enqueue(ctx context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return core.ErrDuplicateJob
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStorage) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Job, error) {
	return nil, nil
}

func (m *mockStorage) Complete(ctx context.Context, jobID, workerID string) error { return nil }

func (m *mockStorage) Fail(ctx context.Context, jobID, workerID, errMsg string, retryAt *time.Time) error {
	return nil
}

func (m *mockStorage) DeadLetter(ctx context.Context, jobID, workerID string, entry *core.DeadLetter) error {
	return nil
}

func (m *mockStorage) Heartbeat(ctx context.Context, jobID, workerID string) error { return nil }

func (m *mockStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID], nil
}

func (m *mockStorage) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	return nil, nil
}

type extractArgs struct {
	DocumentID string `json:"document_id"`
}

func newTestQueue(t *testing.T) (*Queue, *mockStorage) {
	t.Helper()
	store := newMockStorage()
	q := New(store)
	q.Register("extract.rules", func(ctx context.Context, args extractArgs) error { return nil }, Timeout(2*time.Minute))
	return q, store
}

func TestQueue_Register(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.True(t, q.HasHandler("extract.rules"))
	assert.False(t, q.HasHandler("missing"))
	_, ok := q.GetHandler("extract.rules")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, q.HandlerTimeout("extract.rules"))
	assert.Zero(t, q.HandlerTimeout("missing"))

	assert.Panics(t, func() { q.Register("1-bad name", func(ctx context.Context) error { return nil }) })
	assert.Panics(t, func() { q.Register("ok.name", "not a func") })
}

func TestQueue_Enqueue(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "unregistered", nil)
	assert.ErrorContains(t, err, "no handler registered")

	id, err := q.Enqueue(ctx, "extract.rules", extractArgs{DocumentID: "d1"}, QueueOpt("llm"), Priority(3), Delay(time.Minute))
	require.NoError(t, err)

	job := store.jobs[id]
	require.NotNil(t, job)
	assert.Equal(t, "llm", job.Queue)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, DefaultJobRetries, job.MaxRetries)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.JSONEq(t, `{"document_id":"d1"}`, string(job.Args))
	require.NotNil(t, job.RunAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *job.RunAt, 5*time.Second)
}

func TestQueue_Enqueue_JobIDDedup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "extract.rules", extractArgs{}, JobID("run:42"))
	require.NoError(t, err)
	assert.Equal(t, "run:42", id)

	_, err = q.Enqueue(ctx, "extract.rules", extractArgs{}, JobID("run:42"))
	assert.ErrorIs(t, err, core.ErrDuplicateJob)
}

func TestQueue_EnqueueJob_Validation(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, q.EnqueueJob(ctx, &core.Job{Type: ""}), core.ErrInvalidJobTypeName)
	assert.ErrorIs(t, q.EnqueueJob(ctx, &core.Job{Type: "x", Queue: "bad queue"}), core.ErrInvalidQueueName)
	assert.ErrorIs(t, q.EnqueueJob(ctx, &core.Job{Type: "x", Args: make([]byte, 1<<20+1)}), core.ErrJobArgsTooLarge)

	// Replays need no local handler.
	job := &core.Job{ID: "dlq:k1", Type: "remote.only", Args: []byte(`{"_dlq_retry_count":1}`), ReplayCount: 1, MaxRetries: 99}
	require.NoError(t, q.EnqueueJob(ctx, job))
	assert.Equal(t, "default", store.jobs["dlq:k1"].Queue)
	assert.Equal(t, 25, store.jobs["dlq:k1"].MaxRetries)
}

func TestQueue_Events(t *testing.T) {
	q, _ := newTestQueue(t)
	events := q.Events()
	defer q.Unsubscribe(events)

	job := &core.Job{ID: "j"}
	q.Emit(&core.JobStarted{Job: job, Timestamp: time.Now()})

	select {
	case e := <-events:
		started, ok := e.(*core.JobStarted)
		require.True(t, ok)
		assert.Same(t, job, started.Job)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestQueue_Emit_DropsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t)
	events := q.Events()
	defer q.Unsubscribe(events)

	done := make(chan struct{})
	go func() {
		for range 500 {
			q.Emit(&core.JobStarted{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	assert.Len(t, events, 100)
}

func TestQueue_Unsubscribe(t *testing.T) {
	q, _ := newTestQueue(t)
	events := q.Events()
	q.Unsubscribe(events)
	q.Unsubscribe(make(chan core.Event)) // unknown channel is a no-op

	q.Emit(&core.JobStarted{})
	assert.Empty(t, events)
}

func TestQueue_Hooks(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls []string
	q.OnJobStart(func(context.Context, *core.Job) { calls = append(calls, "start") })
	q.OnJobComplete(func(context.Context, *core.Job) { calls = append(calls, "complete") })
	q.OnJobFail(func(context.Context, *core.Job, error) { calls = append(calls, "fail") })
	q.OnRetry(func(context.Context, *core.Job, int, error) { calls = append(calls, "retry") })
	q.OnDeadLetter(func(context.Context, *core.Job, *core.DeadLetter) { calls = append(calls, "dlq") })

	ctx := context.Background()
	job := &core.Job{ID: "test"}
	q.CallStartHooks(ctx, job)
	q.CallRetryHooks(ctx, job, 1, nil)
	q.CallDeadLetterHooks(ctx, job, &core.DeadLetter{})
	q.CallFailHooks(ctx, job, nil)
	q.CallCompleteHooks(ctx, job)

	assert.Equal(t, []string{"start", "retry", "dlq", "fail", "complete"}, calls)
}

type mockStarter struct{}

func (m *mockStarter) Start(ctx context.Context) error { return nil }

func TestWorkerFactory(t *testing.T) {
	q, _ := newTestQueue(t)

	saved := WorkerFactory
	defer func() { WorkerFactory = saved }()

	WorkerFactory = nil
	assert.Panics(t, func() { q.NewWorker() })

	var gotOpts []any
	WorkerFactory = func(queue *Queue, opts ...any) core.Starter {
		assert.Same(t, q, queue)
		gotOpts = opts
		return &mockStarter{}
	}
	assert.NotNil(t, q.NewWorker("a", 1))
	assert.Equal(t, []any{"a", 1}, gotOpts)
}

func TestQueue_HookMayRegisterHook(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls int
	q.OnJobComplete(func(context.Context, *core.Job) {
		calls++
		q.OnJobComplete(func(context.Context, *core.Job) { calls += 10 })
	})

	ctx := context.Background()
	q.CallCompleteHooks(ctx, &core.Job{ID: "a"})
	assert.Equal(t, 1, calls, "hooks added during a call run from the next call")

	q.CallCompleteHooks(ctx, &core.Job{ID: "b"})
	assert.Equal(t, 12, calls)
}
