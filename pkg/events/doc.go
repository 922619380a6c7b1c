/*
Package events provides an in-process publish/subscribe broker for
pipeline lifecycle events.

Components publish as tasks move through the fabric (enqueued, dispatched,
judged, committed, escalated); the metrics collector and tests subscribe.
Delivery is best-effort with per-subscriber buffers; a slow subscriber
drops events rather than blocking the pipeline.
*/
package events
