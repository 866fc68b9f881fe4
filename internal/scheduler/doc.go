// Package scheduler fires crontab entries at their scheduled times and hands
// them to the runner through a bounded worker pool.
//
// Semantics:
//   - an entry whose previous run is still in flight is skipped, not queued
//   - a full queue drops the tick with a warning (the next tick fires normally)
//   - every finished run lands in the bounded in-memory history, the optional
//     store, and on the event bus
package scheduler
