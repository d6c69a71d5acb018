// Package lifecycle drives work orders from scheduled to processed. The
// manager owns no state of its own: every transition is a write to the queue
// store, ordered so that a crash at any point is recovered by re-running the
// reconcile sweep at the next boot.
package lifecycle
