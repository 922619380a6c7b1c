package store

import (
	"errors"
	"time"

	"github.com/droverlabs/drover/pkg/types"
)

var (
	// ErrNotFound is returned when a key has no live value.
	ErrNotFound = errors.New("store: key not found")

	// ErrVersionConflict is returned by CompareAndSwap when the presented
	// version no longer matches the stored one. Callers re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrLeaseExpired is returned by Ack/Nack/Extend when the lease token
	// is unknown or its deadline has passed. The item has already been (or
	// will be) redelivered to another popper.
	ErrLeaseExpired = errors.New("store: lease expired")

	// ErrUnavailable wraps backend failures that callers may retry with
	// backoff.
	ErrUnavailable = errors.New("store: unavailable")
)

// Item is one leased queue element. Attempt counts redeliveries: 0 on the
// first delivery, incremented every time the item returns to the queue via
// lease expiry or a requeueing nack.
type Item struct {
	Token      string
	Payload    []byte
	Priority   types.Priority
	Attempt    int
	EnqueuedAt time.Time
}

// Entry pairs a payload with its priority for transactional batch enqueues.
type Entry struct {
	Payload  []byte
	Priority types.Priority
}

// Txn is the view handed to Update closures. All operations inside one
// closure commit or abort together. Transactions must only touch keys of a
// single tenant prefix; the keyspace resolver guarantees that for all
// callers in this repository.
type Txn interface {
	Get(key string) ([]byte, uint64, error)
	Put(key string, value []byte, ttl time.Duration) error
	CompareAndSwap(key string, expectedVersion uint64, value []byte, ttl time.Duration) error
	Delete(key string) error
	List(prefix string) (map[string][]byte, error)
	Enqueue(queue string, payload []byte, priority types.Priority) error
}

// Store is the single persistence contract of the fabric: strongly-typed
// key/value with conditional update, priority queues with leases, atomic
// multi-key transactions, and TTL on selected keys. The durable copy of
// every entity lives here; component memory is a cache.
type Store interface {
	// Get returns the live value and its version. Expired values read as
	// missing.
	Get(key string) ([]byte, uint64, error)

	// Put writes value unconditionally. ttl == 0 means no expiry.
	Put(key string, value []byte, ttl time.Duration) error

	// CompareAndSwap writes value only if the stored version equals
	// expectedVersion. expectedVersion 0 asserts the key does not exist.
	CompareAndSwap(key string, expectedVersion uint64, value []byte, ttl time.Duration) error

	Delete(key string) error

	// List returns all live values under prefix, keyed by full key.
	List(prefix string) (map[string][]byte, error)

	// Enqueue adds payload at the given priority. Never blocks.
	Enqueue(queue string, payload []byte, priority types.Priority) error

	// EnqueueAll enqueues every entry or none of them.
	EnqueueAll(queue string, entries []Entry) error

	// PopHighest leases the highest-scoring visible item for lease. It
	// returns (nil, nil) when the queue has no visible items. Leased items
	// are invisible to other poppers until acked, nacked, or expired.
	PopHighest(queue string, lease time.Duration) (*Item, error)

	// Ack removes a leased item for good.
	Ack(token string) error

	// Nack releases a leased item, either discarding it or returning it to
	// its original priority slot with Attempt incremented.
	Nack(token string, requeue bool) error

	// Extend pushes a lease deadline out by lease from now.
	Extend(token string, lease time.Duration) error

	// Depth reports the number of visible (unleased) items.
	Depth(queue string) (int, error)

	// Update runs fn inside one atomic multi-key transaction.
	Update(fn func(tx Txn) error) error

	Close() error
}
