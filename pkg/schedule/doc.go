// Package schedule describes when periodic pipeline jobs are expected to run.
//
// A Schedule only answers "when is the next slot after t". The catch-up
// service turns slots into SchedulerRun rows, so every slot a schedule
// produces becomes an expected run that can later be found missing.
package schedule
