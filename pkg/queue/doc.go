// Package queue provides the Queue type: handler registration, enqueueing
// with job-ID deduplication and delay, lifecycle hooks and an event stream.
//
// The DLQ healer and the scheduler catch-up runner both enqueue through
// EnqueueJob, which takes a fully formed core.Job so that replays can carry
// their original payload and queue.
package queue
