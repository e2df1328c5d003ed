// Package eventloop implements a single-goroutine I/O event loop on top of
// the BSD kqueue readiness facility.
//
// A loop owns one event goroutine that blocks in the multiplexer, wakes on
// readiness or on a self-signal pipe, dispatches folded readiness callbacks
// to subscribers, drains work submitted from other goroutines and runs due
// timer and immediate tasks. All callbacks run on the event goroutine and
// must not block it; every other operation may be called from any
// goroutine.
package eventloop
