// Package scheduler runs the admission and dispatch loop that drives
// queued video-generation jobs through the external execution service.
//
// The scheduler owns a concurrency ceiling, claims pending jobs from the
// store, shepherds each claimed job to a terminal state (polling the
// external service), and settles the outcome: artifact delivery on
// success, requeue or refund on failure. Interrupted jobs found at
// startup are reconciled before admission begins.
package scheduler
