// Package cache implements the per-network answer cache: canonical
// hashing/equality over raw DNS query bytes (via the fingerprint package),
// TTL-driven expiry, MRU eviction, and pending-request de-duplication so
// in-flight queries block concurrent duplicates instead of launching
// parallel upstream traffic.
//
// A Cache is safe for concurrent use: each Cache owns its own mutex, rather
// than sharing one process-wide lock across every network (see DESIGN.md
// for the rationale — every invariant here is a single-network property).
package cache

import (
	"bytes"
	"sync"
	"time"

	"github.com/semihalev/resolvd/fingerprint"
	"github.com/semihalev/resolvd/flags"
)

// DefaultBuckets is the default fixed bucket-array size (64 * 2 * 5).
const DefaultBuckets = 640

// DefaultCapacity is a reasonable default entry cap for a per-network
// cache; callers typically size this from config.
const DefaultCapacity = 512

// PendingWaitTimeout bounds how long a Lookup call waits on a duplicate
// in-flight request before giving up.
const PendingWaitTimeout = 20 * time.Second

type pendingEntry struct {
	done chan struct{}
}

// Cache is one network's answer cache.
type Cache struct {
	mu sync.Mutex

	buckets  []int32
	entries  []entry
	free     []int32
	count    int
	capacity int

	mruHead int32
	mruTail int32

	nextDebugID uint64

	pending map[uint32]*pendingEntry

	waitTimeout  time.Duration
	timeoutCount uint64

	now func() time.Time
}

// New returns an empty cache with the given entry capacity. bucketCount
// defaults to DefaultBuckets when <= 0.
func New(capacity, bucketCount int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if bucketCount <= 0 {
		bucketCount = DefaultBuckets
	}

	buckets := make([]int32, bucketCount)
	for i := range buckets {
		buckets[i] = noEntry
	}

	return &Cache{
		buckets:     buckets,
		capacity:    capacity,
		mruHead:     noEntry,
		mruTail:     noEntry,
		pending:     make(map[uint32]*pendingEntry),
		waitTimeout: PendingWaitTimeout,
		now:         time.Now,
	}
}

// Len returns the current live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// TimeoutWaitCount returns how many Lookup calls gave up waiting on a
// pending duplicate and timed out (the network's
// wait_for_pending_req_timeout_count).
func (c *Cache) TimeoutWaitCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeoutCount
}

func (c *Cache) bucketIndex(hash uint32) int {
	return int(hash) % len(c.buckets)
}

// findLocked returns the live entry id matching (hash, canonical), or
// noEntry if none exists. Caller must hold c.mu.
func (c *Cache) findLocked(hash uint32, canonical []byte) int32 {
	id := c.buckets[c.bucketIndex(hash)]
	for id != noEntry {
		e := &c.entries[id]
		if e.live && e.hash == hash && bytes.Equal(e.canonical, canonical) {
			return id
		}
		id = e.bucketNext
	}
	return noEntry
}

// Lookup copies the cached answer into ansOut on a hit; ansOut must be
// large enough or Unsupported is returned.
func (c *Cache) Lookup(query, ansOut []byte, fl flags.Flags) (n int, status Status) {
	if fl.Has(flags.NoCacheLookup) {
		if fl.Has(flags.NoCacheStore) {
			return 0, Skip
		}
		return 0, NotFound
	}

	hash, canonical, ok := fingerprint.Fingerprint(query)
	if !ok {
		return 0, Unsupported
	}

	noCacheStore := fl.Has(flags.NoCacheStore)

	c.mu.Lock()
	n, status, waitCh := c.lookupOnceLocked(hash, canonical, ansOut, noCacheStore)
	if status != NotFound || waitCh == nil {
		c.mu.Unlock()
		return n, status
	}
	c.mu.Unlock()

	select {
	case <-waitCh:
	case <-time.After(c.waitTimeout):
		c.mu.Lock()
		c.timeoutCount++
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n, status, _ = c.lookupOnceLocked(hash, canonical, ansOut, noCacheStore)
	return n, status
}

// lookupOnceLocked performs one pass of the lookup algorithm. If the
// result is NotFound because a duplicate request is already in flight, it
// returns a channel the caller should wait on before retrying once more;
// otherwise waitCh is nil. On a miss with noCacheStore set, it returns Skip
// without registering a pending record: this query will never call Add, so
// a waiter parked on it would just block until PendingWaitTimeout.
func (c *Cache) lookupOnceLocked(hash uint32, canonical, ansOut []byte, noCacheStore bool) (n int, status Status, waitCh <-chan struct{}) {
	if id := c.findLocked(hash, canonical); id != noEntry {
		e := &c.entries[id]
		if c.now().After(e.expiry) {
			c.removeLocked(id)
		} else {
			if len(ansOut) < len(e.answer) {
				return 0, Unsupported, nil
			}
			n = copy(ansOut, e.answer)
			c.touchMRULocked(id)
			return n, Found, nil
		}
	}

	if noCacheStore {
		return 0, Skip, nil
	}

	if p, ok := c.pending[hash]; ok {
		return 0, NotFound, p.done
	}

	c.pending[hash] = &pendingEntry{done: make(chan struct{})}
	return 0, NotFound, nil
}

// Add inserts answer under query's fingerprint. It always clears and wakes
// any pending waiters for that fingerprint, even when it returns an error
// or drops the answer for having a zero TTL, to avoid waiter starvation.
func (c *Cache) Add(query, answer []byte) error {
	hash, canonical, ok := fingerprint.Fingerprint(query)
	if !ok {
		return ErrInval
	}

	ttl := fingerprint.AnswerMinTTL(answer)

	c.mu.Lock()
	defer c.mu.Unlock()

	defer c.wakePendingLocked(hash)

	if ttl == 0 {
		return nil
	}

	if id := c.findLocked(hash, canonical); id != noEntry {
		return ErrExist
	}

	if c.count >= c.capacity {
		c.evictExpiredLocked()
	}
	if c.count >= c.capacity {
		c.evictTailLocked()
	}

	id := c.allocLocked()
	e := &c.entries[id]
	e.hash = hash
	e.canonical = append([]byte(nil), canonical...)
	e.query = append([]byte(nil), query...)
	e.answer = append([]byte(nil), answer...)
	e.expiry = c.now().Add(time.Duration(ttl) * time.Second)
	c.nextDebugID++
	e.debugID = c.nextDebugID
	e.live = true

	c.insertBucketLocked(id)
	c.pushMRUFrontLocked(id)
	c.count++

	return nil
}

// QueryFailed releases any pending waiters for query without caching a
// result, for the caller to signal after an upstream send failed outright.
func (c *Cache) QueryFailed(query []byte, fl flags.Flags) {
	if fl.Has(flags.NoCacheLookup) || fl.Has(flags.NoCacheStore) {
		return
	}

	hash, _, ok := fingerprint.Fingerprint(query)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakePendingLocked(hash)
}

// Flush drops all entries and all pending records, and wakes every waiter.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.buckets {
		c.buckets[i] = noEntry
	}
	c.entries = c.entries[:0]
	c.free = c.free[:0]
	c.mruHead = noEntry
	c.mruTail = noEntry
	c.count = 0

	for hash, p := range c.pending {
		close(p.done)
		delete(c.pending, hash)
	}
}

// GetExpiration returns the absolute expiry time for query's cached entry,
// for tests.
func (c *Cache) GetExpiration(query []byte) (time.Time, error) {
	hash, canonical, ok := fingerprint.Fingerprint(query)
	if !ok {
		return time.Time{}, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.findLocked(hash, canonical)
	if id == noEntry {
		return time.Time{}, ErrNotFound
	}
	e := &c.entries[id]
	if c.now().After(e.expiry) {
		return time.Time{}, ErrNotFound
	}
	return e.expiry, nil
}

// EntrySnapshot is one read-only row of Cache.Snapshot, for debug
// introspection (mirrors the original netd's resolv_cache_dump).
type EntrySnapshot struct {
	DebugID  uint64
	Hash     uint32
	Expiry   time.Time
	AnswerSz int
}

// Snapshot returns every live entry, most-recently-used first. It's meant
// for a debug endpoint, not the query path — it copies nothing but the
// small fixed-size row data.
func (c *Cache) Snapshot() []EntrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntrySnapshot, 0, c.count)
	for id := c.mruHead; id != noEntry; id = c.entries[id].mruNext {
		e := &c.entries[id]
		out = append(out, EntrySnapshot{
			DebugID:  e.debugID,
			Hash:     e.hash,
			Expiry:   e.expiry,
			AnswerSz: len(e.answer),
		})
	}
	return out
}

func (c *Cache) wakePendingLocked(hash uint32) {
	if p, ok := c.pending[hash]; ok {
		close(p.done)
		delete(c.pending, hash)
	}
}
