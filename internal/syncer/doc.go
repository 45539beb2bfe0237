// Package syncer implements the flush path of the sync engine.
//
// Overview
//
// A Scheduler drains the pending operation queue into the system of record
// and reconciles the local cache with the server's answer:
//
//	pending_ops ──► group by (exercise, set) ──► SyncSets ──► per-record verdict
//	                                                            │
//	               delete accepted op ids ◄─────────────────────┤
//	               FetchExercise (touched) ──► overlay queued ──► exercise_cache
//	                                                            │
//	               CompletionEvent ◄────────────────────────────┘
//
// Triggers
//
// A tick runs on a fixed interval, on Trigger (for example when the
// connectivity monitor sees the device come back), and synchronously on
// FlushNow. The periodic and triggered ticks are skipped while the
// connectivity signal reports offline; FlushNow always attempts the send and
// reports the result to its caller.
//
// Error Handling
//
// Nothing is fatal:
//
//   - A transport or server error leaves the queue untouched; the next tick
//     retries the same operations.
//   - A rejected record keeps its operations queued. Rejections are retried
//     forever until a newer edit to the same field supersedes them.
//   - A failed re-fetch skips reconciliation for that exercise only.
//
// Concurrency
//
// At most one tick runs at a time. A FlushNow issued while a periodic tick
// is in flight waits for it and then runs its own tick, so an operation is
// never sent twice by overlapping ticks.
package syncer
