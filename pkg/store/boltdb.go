package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/types"
)

var (
	bucketKV     = []byte("kv")
	bucketQueues = []byte("queues")
	bucketLeases = []byte("leases")
)

// sweepInterval bounds how stale an expired lease or TTL key can get before
// the background sweeper reclaims it. Poppers also reclaim opportunistically,
// so redelivery latency is not tied to this interval.
const sweepInterval = 1 * time.Second

// envelope wraps every KV value with its version and optional expiry.
type envelope struct {
	Version   uint64 `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"` // unix nanos, 0 = no expiry
	Data      []byte `json:"d"`
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// queueEntry is one element of a priority queue.
type queueEntry struct {
	Seq        uint64         `json:"seq"`
	Priority   types.Priority `json:"priority"`
	Attempt    int            `json:"attempt"`
	Payload    []byte         `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// score folds (priority, seq) into one sortable composite so the highest
// key in the bucket is always the next item to pop: strictly higher
// priorities beat lower ones, and within a priority lower sequence numbers
// (earlier enqueues) score higher, giving FIFO.
func score(p types.Priority, seq uint64) uint64 {
	return uint64(p)<<32 + (uint64(1)<<32 - seq)
}

func scoreKey(s uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], s)
	return k[:]
}

// leaseRecord parks a popped entry until ack, nack, or expiry.
type leaseRecord struct {
	Token    string     `json:"token"`
	Queue    string     `json:"queue"`
	Score    uint64     `json:"score"`
	Deadline time.Time  `json:"deadline"`
	Entry    queueEntry `json:"entry"`
}

// BoltStore implements Store on a single bbolt database. bbolt gives us the
// three primitives the contract needs for free: serialized multi-key write
// transactions, B-tree ordered buckets for the composite-score queues, and
// durable single-file persistence. TTL and lease expiry are implemented as
// envelope fields plus a sweep loop.
type BoltStore struct {
	db     *bolt.DB
	stopCh chan struct{}
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketQueues, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, stopCh: make(chan struct{})}, nil
}

// Start launches the background sweeper for expired leases and TTL keys.
func (s *BoltStore) Start() {
	go s.sweepLoop()
}

// Stop halts the sweeper. Close must still be called separately.
func (s *BoltStore) Stop() {
	close(s.stopCh)
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) sweepLoop() {
	logger := log.WithComponent("store-sweeper")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				logger.Error().Err(err).Msg("sweep cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep reclaims expired leases and deletes expired TTL keys. Exported so
// tests and the boot path can force a deterministic pass.
func (s *BoltStore) Sweep() error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := reclaimExpiredLeases(tx, now); err != nil {
			return err
		}
		return purgeExpiredKV(tx, now)
	})
}

func purgeExpiredKV(tx *bolt.Tx, now time.Time) error {
	kv := tx.Bucket(bucketKV)
	c := kv.Cursor()
	var dead [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			continue
		}
		if env.expired(now) {
			dead = append(dead, append([]byte(nil), k...))
		}
	}
	for _, k := range dead {
		if err := kv.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// reclaimExpiredLeases returns every timed-out lease to its original
// priority slot with the attempt counter incremented.
func reclaimExpiredLeases(tx *bolt.Tx, now time.Time) error {
	leases := tx.Bucket(bucketLeases)
	c := leases.Cursor()
	var expired []leaseRecord
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec leaseRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if now.After(rec.Deadline) {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		rec.Entry.Attempt++
		if err := putEntry(tx, rec.Queue, rec.Score, &rec.Entry); err != nil {
			return err
		}
		if err := leases.Delete([]byte(rec.Token)); err != nil {
			return err
		}
	}
	return nil
}

func putEntry(tx *bolt.Tx, queue string, sc uint64, e *queueEntry) error {
	qb, err := tx.Bucket(bucketQueues).CreateBucketIfNotExists([]byte(queue))
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return qb.Put(scoreKey(sc), data)
}

// KV operations

func (s *BoltStore) Get(key string) ([]byte, uint64, error) {
	var data []byte
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		d, v, err := txGet(tx, key, time.Now())
		if err != nil {
			return err
		}
		data, version = d, v
		return nil
	})
	return data, version, err
}

func txGet(tx *bolt.Tx, key string, now time.Time) ([]byte, uint64, error) {
	raw := tx.Bucket(bucketKV).Get([]byte(key))
	if raw == nil {
		return nil, 0, ErrNotFound
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("corrupt envelope at %s: %w", key, err)
	}
	if env.expired(now) {
		return nil, 0, ErrNotFound
	}
	return env.Data, env.Version, nil
}

func (s *BoltStore) Put(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return txPut(tx, key, value, ttl, time.Now())
	})
}

func txPut(tx *bolt.Tx, key string, value []byte, ttl time.Duration, now time.Time) error {
	kv := tx.Bucket(bucketKV)
	var version uint64
	if raw := kv.Get([]byte(key)); raw != nil {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil && !env.expired(now) {
			version = env.Version
		}
	}
	return writeEnvelope(kv, key, value, version+1, ttl, now)
}

func writeEnvelope(kv *bolt.Bucket, key string, value []byte, version uint64, ttl time.Duration, now time.Time) error {
	env := envelope{Version: version, Data: value}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixNano()
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return kv.Put([]byte(key), raw)
}

func (s *BoltStore) CompareAndSwap(key string, expectedVersion uint64, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return txCAS(tx, key, expectedVersion, value, ttl, time.Now())
	})
}

func txCAS(tx *bolt.Tx, key string, expectedVersion uint64, value []byte, ttl time.Duration, now time.Time) error {
	kv := tx.Bucket(bucketKV)
	var current uint64
	if raw := kv.Get([]byte(key)); raw != nil {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("corrupt envelope at %s: %w", key, err)
		}
		if !env.expired(now) {
			current = env.Version
		}
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, caller presented %d", ErrVersionConflict, key, current, expectedVersion)
	}
	return writeEnvelope(kv, key, value, current+1, ttl, now)
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func (s *BoltStore) List(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := txList(tx, prefix, time.Now())
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func txList(tx *bolt.Tx, prefix string, now time.Time) (map[string][]byte, error) {
	out := make(map[string][]byte)
	c := tx.Bucket(bucketKV).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return nil, fmt.Errorf("corrupt envelope at %s: %w", k, err)
		}
		if env.expired(now) {
			continue
		}
		out[string(k)] = append([]byte(nil), env.Data...)
	}
	return out, nil
}

// Queue operations

func (s *BoltStore) Enqueue(queue string, payload []byte, priority types.Priority) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return txEnqueue(tx, queue, payload, priority, time.Now())
	})
}

func txEnqueue(tx *bolt.Tx, queue string, payload []byte, priority types.Priority, now time.Time) error {
	qb, err := tx.Bucket(bucketQueues).CreateBucketIfNotExists([]byte(queue))
	if err != nil {
		return err
	}
	seq, err := qb.NextSequence()
	if err != nil {
		return err
	}
	entry := queueEntry{
		Seq:        seq,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: now,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return qb.Put(scoreKey(score(priority, seq)), data)
}

func (s *BoltStore) EnqueueAll(queue string, entries []Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		for _, e := range entries {
			if err := txEnqueue(tx, queue, e.Payload, e.Priority, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) PopHighest(queue string, lease time.Duration) (*Item, error) {
	var item *Item
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()

		// Opportunistic reclaim so crashed holders never block redelivery
		// longer than their lease.
		if err := reclaimExpiredLeases(tx, now); err != nil {
			return err
		}

		qb := tx.Bucket(bucketQueues).Bucket([]byte(queue))
		if qb == nil {
			return nil
		}
		c := qb.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}

		var entry queueEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("corrupt queue entry in %s: %w", queue, err)
		}
		sc := binary.BigEndian.Uint64(k)
		if err := qb.Delete(k); err != nil {
			return err
		}

		rec := leaseRecord{
			Token:    uuid.New().String(),
			Queue:    queue,
			Score:    sc,
			Deadline: now.Add(lease),
			Entry:    entry,
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketLeases).Put([]byte(rec.Token), data); err != nil {
			return err
		}

		item = &Item{
			Token:      rec.Token,
			Payload:    append([]byte(nil), entry.Payload...),
			Priority:   entry.Priority,
			Attempt:    entry.Attempt,
			EnqueuedAt: entry.EnqueuedAt,
		}
		return nil
	})
	return item, err
}

func (s *BoltStore) Ack(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := liveLease(tx, token, time.Now())
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Delete([]byte(rec.Token))
	})
}

func (s *BoltStore) Nack(token string, requeue bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := liveLease(tx, token, time.Now())
		if err != nil {
			return err
		}
		if requeue {
			rec.Entry.Attempt++
			if err := putEntry(tx, rec.Queue, rec.Score, &rec.Entry); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketLeases).Delete([]byte(rec.Token))
	})
}

func (s *BoltStore) Extend(token string, lease time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		rec, err := liveLease(tx, token, now)
		if err != nil {
			return err
		}
		rec.Deadline = now.Add(lease)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Put([]byte(rec.Token), data)
	})
}

// liveLease resolves a token to its record, reclaiming it first if the
// deadline already passed. Expired and unknown tokens are indistinguishable
// to callers.
func liveLease(tx *bolt.Tx, token string, now time.Time) (*leaseRecord, error) {
	raw := tx.Bucket(bucketLeases).Get([]byte(token))
	if raw == nil {
		return nil, ErrLeaseExpired
	}
	var rec leaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt lease record %s: %w", token, err)
	}
	if now.After(rec.Deadline) {
		rec.Entry.Attempt++
		if err := putEntry(tx, rec.Queue, rec.Score, &rec.Entry); err != nil {
			return nil, err
		}
		if err := tx.Bucket(bucketLeases).Delete([]byte(token)); err != nil {
			return nil, err
		}
		return nil, ErrLeaseExpired
	}
	return &rec, nil
}

func (s *BoltStore) Depth(queue string) (int, error) {
	depth := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueues).Bucket([]byte(queue))
		if qb == nil {
			return nil
		}
		depth = qb.Stats().KeyN
		return nil
	})
	return depth, err
}

// Transactions

type boltTxn struct {
	tx  *bolt.Tx
	now time.Time
}

func (t *boltTxn) Get(key string) ([]byte, uint64, error) {
	return txGet(t.tx, key, t.now)
}

func (t *boltTxn) Put(key string, value []byte, ttl time.Duration) error {
	return txPut(t.tx, key, value, ttl, t.now)
}

func (t *boltTxn) CompareAndSwap(key string, expectedVersion uint64, value []byte, ttl time.Duration) error {
	return txCAS(t.tx, key, expectedVersion, value, ttl, t.now)
}

func (t *boltTxn) Delete(key string) error {
	return t.tx.Bucket(bucketKV).Delete([]byte(key))
}

func (t *boltTxn) List(prefix string) (map[string][]byte, error) {
	return txList(t.tx, prefix, t.now)
}

func (t *boltTxn) Enqueue(queue string, payload []byte, priority types.Priority) error {
	return txEnqueue(t.tx, queue, payload, priority, t.now)
}

func (s *BoltStore) Update(fn func(tx Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx, now: time.Now()})
	})
}
