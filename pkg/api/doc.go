// Package api is the operator HTTP surface: pending human-review items,
// operator verdicts, per-tenant fleet summaries, goal injection, health,
// and Prometheus metrics. It talks to the running fleet only through the
// Backend interface.
package api
