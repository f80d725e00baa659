// Package engine provides the asynchronous job execution engine.
// It runs each job in its own supervised goroutine, reports step progress to
// the store and to live subscribers, writes the terminal outcome, and always
// releases the job's input artifacts exactly once.
package engine
