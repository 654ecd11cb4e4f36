// Package service runs external scan tools as jobs.
//
// Overview
// The Supervisor owns an event loop. Every public method sends a request
// to the loop and waits for its reply, so the admission queue, the live
// processes and the staged runs are touched by one goroutine only. The
// JobStore is the source of truth for job state.
//
// A job is slow or fast. Slow jobs (nmap scans) start at once, fast jobs
// (follow-up tools) wait in a FIFO Queue admitting at most
// scheduler.max_fast_processes of them at a time.
//
// Runner is a thin wrapper around os/exec:
//   - runs the command line via <shell> -c in its own process group
//   - merges stdout and stderr and streams them in chunks
//   - publishes a single Result once the output is drained
//
// Data flow:
//
//	caller              Supervisor.Do              Runner
//	  |                      |                        |
//	  Submit ------------->  create (Waiting)         |
//	  |                      admit/launch (Running) ->| Start
//	  |                      |<------- chunk ---------|
//	  |                      |<------- Result --------| (process exits)
//	  |                      complete (Finished|Crashed|Killed)
//	  |                      move artifacts, import nmap xml,
//	  |                      auto schedule, next stage
//
// Invariants:
//   - A job leaves Waiting only through a check-and-set in the store, so
//     a cancelled job is never started.
//   - Each started process produces exactly one terminal state.
//   - Output chunks of a job are stored before its terminal state.
//   - A staged run advances only after its current stage Finished.
package service
