package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount matches the teacher's instinct to size concurrent maps off
// parallelism rather than a single global lock; 32 is a fixed power of two
// rather than num_cpus-derived so shard assignment is stable across
// restarts regardless of the host's core count.
const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// shardedStore is the L1 tier: shardCount independently-locked maps keyed
// by xxhash of the cache key, so a hot key in one shard never blocks a
// lookup in another.
type shardedStore struct {
	shards [shardCount]*shard
}

func newShardedStore() *shardedStore {
	s := &shardedStore{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return s
}

func (s *shardedStore) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return s.shards[h%shardCount]
}

func (s *shardedStore) get(key string) (*Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	return e, ok
}

// set stores entry under key and returns the previous entry's size, if
// any, so the engine can adjust its running size total.
func (s *shardedStore) set(key string, entry *Entry) (previousSize int64, hadPrevious bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if prev, ok := sh.entries[key]; ok {
		previousSize, hadPrevious = prev.Size, true
	}
	sh.entries[key] = entry
	return
}

func (s *shardedStore) delete(key string) (int64, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return 0, false
	}
	delete(sh.entries, key)
	return e.Size, true
}

func (s *shardedStore) len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

func (s *shardedStore) clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
}

// forEach calls fn for every stored (key, entry). fn must not block for
// long — it runs while the shard's read lock is held.
func (s *shardedStore) forEach(fn func(key string, e *Entry)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			fn(k, e)
		}
		sh.mu.RUnlock()
	}
}

// deleteMatching removes every entry for which match returns true,
// returning the count removed and bytes freed.
func (s *shardedStore) deleteMatching(match func(key string, e *Entry) bool) (removed int, freed int64) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if match(k, e) {
				delete(sh.entries, k)
				removed++
				freed += e.Size
			}
		}
		sh.mu.Unlock()
	}
	return
}

// sample draws up to n entries at random across shards for the LRU-K
// eviction scorer, cheaper than scanning the whole store when it holds
// millions of entries.
func (s *shardedStore) sample(n int) []sampledEntry {
	out := make([]sampledEntry, 0, n)
	if n <= 0 {
		return out
	}
	perShard := n/shardCount + 1
	for _, sh := range s.shards {
		sh.mu.RLock()
		taken := 0
		for k, e := range sh.entries {
			if taken >= perShard || len(out) >= n {
				break
			}
			out = append(out, sampledEntry{key: k, entry: e})
			taken++
		}
		sh.mu.RUnlock()
		if len(out) >= n {
			break
		}
	}
	return out
}

type sampledEntry struct {
	key   string
	entry *Entry
}
