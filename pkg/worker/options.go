package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/pipeline-guard/pkg/security"
)

// Defaults used by NewWorker.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultHeartbeatInterval = 2 * time.Minute
	DefaultReapInterval      = time.Minute
	DefaultStaleGrace        = time.Minute
	DefaultQueueConcurrency  = 10
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues            map[string]int // queue name -> concurrency
	PollInterval      time.Duration
	WorkerID          string
	HeartbeatInterval time.Duration

	// ReapInterval is how often expired leases are released; 0 disables the reaper.
	ReapInterval time.Duration
	// StaleGrace is how long past lease expiry a job is left alone.
	StaleGrace time.Duration

	StorageRetry *RetryConfig
	DequeueRetry *RetryConfig
	Logger       *slog.Logger
}

// Concurrency sets the concurrency for a queue.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		sub := WorkerConfig{Queues: map[string]int{name: DefaultQueueConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&sub)
		}
		c.Queues[name] = sub.Queues[name]
	})
}

// WithWorkerID sets the lease holder identity. Defaults to a random UUID.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// PollInterval sets how often the worker asks storage for a job.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// HeartbeatInterval sets how often a running job's lease is extended.
// It must stay well under storage.DefaultLease.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// StaleLockReaper configures the expired-lease reaper. An interval of 0
// disables it.
func StaleLockReaper(interval, grace time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ReapInterval = interval
		if grace >= 0 {
			c.StaleGrace = grace
		}
	})
}

// WithStorageRetry sets the retry policy for Complete, Fail, DeadLetter and Heartbeat.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for polling.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts keeps the default storage backoff but changes the attempt count.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage call single-shot.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		storageCfg := DefaultRetryConfig()
		storageCfg.MaxAttempts = 1
		dequeueCfg := DefaultDequeueRetryConfig()
		dequeueCfg.MaxAttempts = 1
		c.StorageRetry = &storageCfg
		c.DequeueRetry = &dequeueCfg
	})
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}
