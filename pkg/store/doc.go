/*
Package store provides the queue-and-state contract every Drover component
shares, plus its bbolt implementation.

The contract has four legs:

  - Key/value with conditional update: every value is wrapped in an envelope
    carrying a monotonically increasing version; CompareAndSwap refuses the
    write unless the caller presents the version it read. This is the sole
    consistency mechanism in the system; there is no locking.

  - Priority queues with leases: entries are keyed by the composite score
    priority*2^32 + (2^32 − seq), so a reverse cursor over the B-tree yields
    strict priority order with FIFO ties. PopHighest moves the entry into a
    lease record; Ack removes it, Nack releases it, and an expired lease
    returns the entry to its original slot with the attempt counter
    incremented. A crashed holder therefore never loses work and never
    blocks the queue.

  - Multi-key transactions: Update runs a closure against a single bbolt
    write transaction, which is what makes the judge's commit (version bump,
    output write, task-state write) atomic.

  - TTL: envelopes may carry an expiry; expired values read as missing and
    a sweep loop deletes them. The budget ledger and the perception dedup
    set are the TTL consumers.

# Queue Ordering

	score(high, 1)   = 3*2^32 + (2^32 - 1)
	score(high, 2)   = 3*2^32 + (2^32 - 2)   popped after seq 1
	score(medium, 1) = 2*2^32 + (2^32 - 1)   popped after all high

# Crash Safety

Leases are the only crash-safety mechanism. PopHighest reclaims expired
leases opportunistically before popping, and a background sweeper (Start)
does the same on a fixed interval, so redelivery happens within the lease
duration regardless of traffic.
*/
package store
