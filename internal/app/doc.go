// Package app provides the application layer.
//
// The Coordinator is the single mutation path for the session ledger:
// start, stop, and reconciliation are serialized through one actor
// goroutine so they can never interleave destructively. The Scheduler
// decides refresh cadence (foreground ticks, background wakes). The
// Service orchestrates both with the kinetics engine and drives the
// display and notification ports off coordinator events.
package app
