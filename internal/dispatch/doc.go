// Package dispatch runs jobs on a fixed pool of workers.
//
// Submitters hand a Work (or an already persisted job plus its RunFunc) to the
// dispatcher, which places it on a bounded in-memory channel. Credentials
// captured by a RunFunc therefore exist only in this process's memory and are
// gone once the run finishes.
//
// Each run:
//   - moves the job submitted -> running (skipped if it was cancelled first)
//   - executes under a max-runtime deadline
//   - heartbeats the job record while running
//   - recovers panics
//   - writes success or failure, with status and result in one record write
//
// Observers use Poll (non-blocking snapshot) or Wait (bounded blocking).
// Poll also reaps running jobs whose heartbeat has gone stale, so a crashed
// process never leaves a job running forever, even when another process
// owns the record.
//
// Cancel is best effort: the record flips to cancelled at once, the local
// worker context is cancelled if this process runs the job, and whatever the
// worker produces afterwards is discarded.
package dispatch
