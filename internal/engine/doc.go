// Package engine runs the steady-state upload loop.
//
// Producers (the chunk watcher, the sensor buffer and the control channel)
// publish events onto an unbounded FIFO queue from any goroutine. A single
// consumer goroutine, Engine.Run, takes one event at a time and runs one
// reconciliation pass for it: query the store, drive the orchestrator, then
// sweep empty session directories.
//
// Errors from a pass are logged and the loop continues. Retries come only
// from later events; the engine has no timer.
package engine
