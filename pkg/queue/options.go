package queue

import (
	"time"

	"github.com/jdziat/pipeline-guard/pkg/security"
)

// Options holds configuration for job enqueueing and registration.
type Options struct {
	Queue      string
	Priority   int
	MaxRetries int
	Delay      time.Duration
	RunAt      *time.Time
	JobID      string
	Timeout    time.Duration
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Queue:      "default",
		MaxRetries: DefaultJobRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// QueueOpt sets the queue name.
func QueueOpt(name string) Option {
	return optionFunc(func(o *Options) {
		o.Queue = name
	})
}

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Retries sets how many times the engine retries before dead-lettering.
// Values are clamped to [0, security.MaxRetries].
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
	})
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// JobID sets the job ID. A second enqueue with the same ID is rejected with
// core.ErrDuplicateJob, whatever the first job's status.
func JobID(id string) Option {
	return optionFunc(func(o *Options) {
		o.JobID = id
	})
}

// Timeout bounds a single execution of a registered job type. It only has an
// effect at registration.
func Timeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Timeout = d
	})
}

// DefaultJobRetries is the engine retry budget used when Retries is not given.
var DefaultJobRetries = 3
