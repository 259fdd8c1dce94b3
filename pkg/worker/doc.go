// Package worker provides the Worker that drains the queue engine.
//
// A Worker polls storage for due jobs, runs their handlers with the job
// attached to the context, heartbeats the lease while a handler runs, and
// reaps leases left behind by crashed workers. Failed jobs are retried with
// exponential backoff until their retry budget is spent; the job is then
// moved to the dead-letter queue together with its classified error
// category and replay idempotency key, where the DLQ healer picks it up.
//
// Most users should create workers through queue.NewWorker or the root
// package guard.
package worker
