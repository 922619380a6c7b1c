// Package judge implements the review loop, the single authority over what
// the fleet is allowed to publish and spend.
//
// The decision procedure is strict and ordered: sensitive content escalates
// regardless of confidence, then confidence bands pick between
// auto-approve, human review, and rejection. Rejection demotes the task one
// priority tier and requeues it; a task rejected at the lowest tier
// escalates instead, so rejection always terminates.
//
// Approval commits under optimistic concurrency. The campaign budget
// decrement, the daily ledger entry, the output, the decision record, and
// the task-state flip all land in one store transaction conditioned on the
// campaign version the judge read. Conflicts retry a bounded number of
// times and then escalate with reason occ_contention. The commit is
// two-phase: the task is stamped committed_pending before the writes, and
// RecoverPending finishes any commit a crash interrupted.
package judge
