// Package jobctx gives job handlers access to the job they are running.
package jobctx

import (
	"context"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

type jobContextKey struct{}

// JobContext holds the running job and the worker executing it.
type JobContext struct {
	Job      *core.Job
	WorkerID string
}

// WithJob attaches the running job to ctx. The worker calls it before
// invoking a handler.
func WithJob(ctx context.Context, job *core.Job, workerID string) context.Context {
	return context.WithValue(ctx, jobContextKey{}, &JobContext{Job: job, WorkerID: workerID})
}

func get(ctx context.Context) *JobContext {
	jc, _ := ctx.Value(jobContextKey{}).(*JobContext)
	return jc
}

// JobFromContext returns the current Job, or nil outside a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	if jc := get(ctx); jc != nil {
		return jc.Job
	}
	return nil
}

// JobIDFromContext returns the current job ID, or "" outside a job handler.
func JobIDFromContext(ctx context.Context) string {
	if job := JobFromContext(ctx); job != nil {
		return job.ID
	}
	return ""
}

// WorkerIDFromContext returns the ID of the worker running the job.
func WorkerIDFromContext(ctx context.Context) string {
	if jc := get(ctx); jc != nil {
		return jc.WorkerID
	}
	return ""
}

// ReplayCount returns how many times the current job has been replayed from
// the dead-letter queue. Zero for first-time jobs and outside a handler.
func ReplayCount(ctx context.Context) int {
	job := JobFromContext(ctx)
	if job == nil {
		return 0
	}
	if job.ReplayCount > 0 {
		return job.ReplayCount
	}
	if n, ok := core.ReplayCountFromPayload(job.Args); ok {
		return n
	}
	return 0
}
