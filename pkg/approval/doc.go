// Package approval turns quality-gate outcomes into task decisions. All
// gates passing approves the task; any failure increments the retry counter
// and either requeues the task with a structured feedback report (issue,
// fix suggestions, common causes, effort estimate and a quick-fix command per
// failed gate) or fails it permanently at the retry limit. Decisions are
// recorded in the operations ledger and mirrored to the event log, and
// feedback is delivered to the supervisor inbox directory.
package approval
