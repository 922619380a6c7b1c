// Package fleet assembles and supervises the per-tenant component set:
// planner, worker pool, judge, HITL gate, and perception pollers, all
// sharing one store and one event broker. The fleet is also the backend
// for the operator API; handlers never reach into components directly.
//
// Startup order matters: pending commits are recovered before any loop
// starts, so a crash between the two commit phases cannot leave a task
// stuck in committed_pending. Shutdown cancels every loop and waits out
// the configured grace; workers nack held leases so interrupted tasks
// redeliver immediately.
package fleet
