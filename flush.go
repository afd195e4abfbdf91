package batchq

import "time"

// flushTrigger names which of the five conditions caused a flush, recorded
// only in log fields — the dispatcher treats every trigger identically.
type flushTrigger string

const (
	triggerNone     flushTrigger = ""
	triggerFull     flushTrigger = "full"
	triggerMaxWait  flushTrigger = "max_wait"
	triggerIdle     flushTrigger = "idle"
	triggerForced   flushTrigger = "forced"
	triggerShutdown flushTrigger = "shutdown"
)

// shouldFlush evaluates the five flush conditions for one queue against its
// current buffer state and resolved timing config, in priority order. A
// batchSizeCap or BatchInterval/IdleTimeout of 0 is a legitimate "flush
// immediately" configuration, not an unset value.
func shouldFlush(n int, first, last time.Time, now time.Time, cfg PerQueueConfig, batchSizeCap int, forced, shuttingDown bool) (flushTrigger, bool) {
	if n == 0 {
		return triggerNone, false
	}
	if shuttingDown {
		return triggerShutdown, true
	}
	if forced {
		return triggerForced, true
	}
	if n >= batchSizeCap {
		return triggerFull, true
	}
	if !first.IsZero() && now.Sub(first) >= cfg.BatchInterval {
		return triggerMaxWait, true
	}
	if !last.IsZero() && now.Sub(last) >= cfg.IdleTimeout {
		return triggerIdle, true
	}
	return triggerNone, false
}

// nextDeadline returns the earliest time shouldFlush could next return true
// for a nonempty buffer that hasn't already tripped full/forced/shutdown.
// A zero result (n == 0) means there is nothing pending to wait on. The
// scheduler loop does not consult it: it wakes every SchedulerTick (or on a
// ForceFlush wake-up) whatever the pending deadlines are.
func nextDeadline(n int, first, last time.Time, cfg PerQueueConfig) time.Time {
	if n == 0 {
		return time.Time{}
	}
	maxWaitDeadline := first.Add(cfg.BatchInterval)
	idleDeadline := last.Add(cfg.IdleTimeout)
	if idleDeadline.Before(maxWaitDeadline) {
		return idleDeadline
	}
	return maxWaitDeadline
}
