/*
Package metrics exposes Prometheus collectors for the orchestration
pipeline: queue depths, dispatch and decision counters, OCC conflicts,
budget spend and refusals, HITL backlog, and perception activity.

Metrics are registered at init and served by the operator API under
/metrics. The Collector polls gauge sources on a fixed interval and folds
lifecycle events from the broker into the counters.
*/
package metrics
