// Package dtimer contains the deadline-ordered scheduler
// that drives link retransmission and other periodic housekeeping.
//
// A [Scheduler] created with [New] runs one dispatch goroutine against the wall clock.
// A Scheduler created with [NewSimulated] has no goroutine at all;
// the test advances a [*clock.Mock] explicitly through [*Scheduler.Advance],
// so timeout-driven behavior is reproducible without sleeping.
//
// [Heartbeat] layers a single periodic entry over a Scheduler
// and fans each tick out to any number of subscribers.
package dtimer
