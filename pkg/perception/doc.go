// Package perception watches external resources and feeds the pipeline.
// Each poll tick reads every configured resource, splits it into items,
// scores each item against the campaign's goals by token overlap, and
// enqueues an analysis task for every item whose best score clears the
// threshold. A store-backed seen-set with a 24h TTL makes the loop
// idempotent: content observed on N consecutive polls yields one task,
// even across concurrent poller instances.
package perception
