// Package scheduler fires registered jobs on cron, interval and one-shot date
// triggers and submits each due run to the engine.
//
// A job never has more than MaxInstances runs queued or executing; a due
// occurrence that would exceed the cap is skipped and logged, not queued.
// Missed occurrences coalesce into one run. Paused flags can be persisted
// through a StateStore.
package scheduler
