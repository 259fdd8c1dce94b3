// Package catchup guarantees that periodic jobs actually run.
//
// Every expected execution of a periodic job is a SchedulerRun row keyed by
// (job type, scheduled slot). The row doubles as the distributed lock for
// that execution: instances race to move it from EXPECTED to RUNNING with a
// single conditional UPDATE, and exactly one wins. Runs that never started
// are detected and marked MISSED, and job types that have not completed
// recently are reported stale so a catch-up run can be scheduled.
//
// Service holds the state machine. Runner drives it for registered jobs:
// it plans upcoming runs onto the queue, detects missed and stale jobs,
// and executes runs through the "scheduler.run" queue handler.
package catchup
