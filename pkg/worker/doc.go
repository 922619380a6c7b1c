// Package worker implements the task execution loop: lease the
// highest-priority pending task, mark it in progress, dispatch it through
// the skill table, and report the result onto the review queue in one
// atomic step before acking the lease.
//
// Failure handling is lease-driven. A worker that crashes simply stops
// renewing; the store redelivers the task with its attempt counter
// incremented, and after the attempt cap it is parked for a human with
// reason repeated_failure. Commerce tasks pass a budget pre-check before
// any external call, and refusals flow through review like any other
// result so operators see them.
package worker
