// Package shardmap implements the sharded, memory-bounded hash map that
// backs every store in the infrastructure cache (§4.1): the host-info
// store, the domain rate limiter, and the client-IP rate limiter each wrap
// one Map instance with their own key/value types and size function.
//
// Each shard owns a plain mutex that protects only its table and LRU list;
// the data held in an entry is protected by a separate per-entry RWMutex,
// so a reader already holding an entry's read lock is never blocked by
// bookkeeping happening in a different entry of the same shard.
package shardmap

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SizeFunc computes the accounted byte size of a key/value pair. Stores
// pass their own: the host-info store counts the HostKey plus HostData, the
// rate limiters count the sliding-window slot array.
type SizeFunc[K comparable, V any] func(key K, val V) int

// Hasher produces the 64-bit hash shardmap uses to pick a shard; the
// shard's Go map hashes keys on its own. Stores provide a
// domain-specific hash (e.g. address+zone for HostKey) so shard selection
// reflects the real key space rather than a generic byte hash of an
// opaque blob.
type Hasher[K comparable] func(key K) uint64

type entry[K comparable, V any] struct {
	key     K
	val     V
	size    int
	lruElem *list.Element
	lock    sync.RWMutex
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	table   map[K]*entry[K, V]
	lru     *list.List // front = most recently used
	bytes   int
	budget  int
	evicted uint64
}

// Map is a sharded, LRU-bounded hash map with per-entry locking.
type Map[K comparable, V any] struct {
	shards     []*shard[K, V]
	shardCount int
	shardShift uint
	hash       Hasher[K]
}

// New creates a Map with shardCount shards (must be a power of two) and a
// total byte budget split evenly across shards.
func New[K comparable, V any](shardCount int, byteBudget int, hash Hasher[K]) *Map[K, V] {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = 1
	}
	perShard := byteBudget / shardCount
	if perShard < 1 {
		perShard = 1
	}

	m := &Map[K, V]{
		shards:     make([]*shard[K, V], shardCount),
		shardCount: shardCount,
		shardShift: shardBitsFor(shardCount),
		hash:       hash,
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{
			table:  make(map[K]*entry[K, V]),
			lru:    list.New(),
			budget: perShard,
		}
	}
	return m
}

// StringHash hashes an opaque string key with xxhash; stores whose key
// type serializes naturally to a string (the rate limiters) can use this
// directly instead of writing their own Hasher.
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// shardBitsFor returns how many low bits of the hash to discard before
// taking it mod shardCount, so that shard selection and the Go map's own
// internal bucketing don't correlate on the same low bits of the hash.
func shardBitsFor(shardCount int) uint {
	bits := uint(0)
	for (1 << bits) < shardCount {
		bits++
	}
	return bits + 8
}

func (m *Map[K, V]) shardFor(h uint64) *shard[K, V] {
	idx := (h >> m.shardShift) % uint64(m.shardCount)
	return m.shards[idx]
}

// Handle is a held reference to a live entry. Callers must call Release
// exactly once, which drops the lock acquired by Lookup or Insert.
type Handle[K comparable, V any] struct {
	e         *entry[K, V]
	writeHeld bool
}

// Value returns a pointer to the entry's data. Mutating through this
// pointer is only safe when the handle was obtained with write access.
func (h *Handle[K, V]) Value() *V {
	return &h.e.val
}

// Release unlocks the entry's per-entry lock.
func (h *Handle[K, V]) Release() {
	if h.writeHeld {
		h.e.lock.Unlock()
	} else {
		h.e.lock.RUnlock()
	}
}

// Lookup finds key's entry, promotes it to the front of its shard's LRU
// list, and returns a Handle holding either the entry's read lock or its
// write lock depending on wantWrite. It reports false if the key is
// absent.
func (m *Map[K, V]) Lookup(key K, wantWrite bool) (*Handle[K, V], bool) {
	sh := m.shardFor(m.hash(key))

	sh.mu.Lock()
	e, ok := sh.table[key]
	if ok {
		sh.lru.MoveToFront(e.lruElem)
	}
	sh.mu.Unlock()

	if !ok {
		return nil, false
	}

	if wantWrite {
		e.lock.Lock()
	} else {
		e.lock.RLock()
	}
	return &Handle[K, V]{e: e, writeHeld: wantWrite}, true
}

// Insert creates a new entry (or replaces an existing one with the same
// key) at the front of the LRU list, evicting from the tail until the
// shard is back under budget, and returns a Handle already holding the new
// entry's write lock so the caller can populate default data before any
// other goroutine can observe it.
//
// Eviction walks from the LRU tail and TryLocks each victim; a victim
// whose lock is currently held (e.g. a concurrent reader) is skipped and
// the next-oldest entry is tried instead, so eviction never blocks on a
// busy entry.
func (m *Map[K, V]) Insert(key K, val V, sizeFn SizeFunc[K, V]) *Handle[K, V] {
	sh := m.shardFor(m.hash(key))
	size := sizeFn(key, val)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if old, ok := sh.table[key]; ok {
		sh.lru.Remove(old.lruElem)
		sh.bytes -= old.size
		delete(sh.table, key)
	}

	e := &entry[K, V]{key: key, val: val, size: size}
	e.lruElem = sh.lru.PushFront(e)
	sh.table[key] = e
	sh.bytes += size

	m.evictLocked(sh, key)

	e.lock.Lock()
	return &Handle[K, V]{e: e, writeHeld: true}
}

// evictLocked removes entries from the LRU tail until the shard is under
// budget. It never evicts keepKey (the entry just inserted). Must be
// called with sh.mu held.
func (m *Map[K, V]) evictLocked(sh *shard[K, V], keepKey K) {
	elem := sh.lru.Back()
	for sh.bytes > sh.budget && elem != nil {
		victim := elem.Value.(*entry[K, V])
		prev := elem.Prev()

		if victim.key == keepKey {
			elem = prev
			continue
		}

		if !victim.lock.TryLock() {
			elem = prev
			continue
		}

		sh.lru.Remove(elem)
		delete(sh.table, victim.key)
		sh.bytes -= victim.size
		sh.evicted++
		victim.lock.Unlock()

		elem = prev
	}
}

// Delete removes key unconditionally, without regard to its lock state.
// Eviction does not go through Delete, and none of the stores built on
// Map call it.
func (m *Map[K, V]) Delete(key K) bool {
	sh := m.shardFor(m.hash(key))

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.table[key]
	if !ok {
		return false
	}
	sh.lru.Remove(e.lruElem)
	delete(sh.table, key)
	sh.bytes -= e.size
	return true
}

// GetMem returns the total accounted bytes across all shards.
func (m *Map[K, V]) GetMem() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		total += sh.bytes
		sh.mu.Unlock()
	}
	return total
}

// Evictions returns the total number of entries evicted by Insert across
// all shards, for metrics reporting.
func (m *Map[K, V]) Evictions() uint64 {
	var total uint64
	for _, sh := range m.shards {
		sh.mu.Lock()
		total += sh.evicted
		sh.mu.Unlock()
	}
	return total
}

// Len returns the total number of live entries across all shards.
func (m *Map[K, V]) Len() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		total += len(sh.table)
		sh.mu.Unlock()
	}
	return total
}
