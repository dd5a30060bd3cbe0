// Package cache implements the edge cache engine: a sharded in-memory
// store with an optional badger-backed second tier, RFC 9111 freshness
// semantics, surrogate-key (tag) invalidation and LRU-K-by-sampling
// eviction.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
)

// hotEntryThreshold matches the original CDN's constant for what counts as
// a "hot" entry when reporting stats.
const hotEntryThreshold = 3

// evictionSampleSize bounds how many candidates the LRU-K scorer looks at
// per eviction pass instead of scanning the whole store.
const evictionSampleSize = 64

// defaultL1SizePercent/defaultL2SizePercent/defaultPromotionThreshold are
// the spec's defaults for [cache.hierarchy], used whenever a deployment
// enables hierarchy without setting the field explicitly.
const (
	defaultL1SizePercent      = 20
	defaultL2SizePercent      = 80
	defaultPromotionThreshold = 3
)

// Engine is the cache component described by the pipeline design: Get
// probes for a usable entry (fresh, stale-while-revalidate, or
// stale-if-error on request), Put stores a response under policy, and the
// Invalidate family drives purge/tag invalidation from the admin API.
type Engine struct {
	cfg   configurationtypes.CacheConfig
	clock clock.Clock
	mtr   *metrics.Metrics

	l1   *shardedStore
	l2   *l2Tier
	tags *tagIndex

	currentSize atomic.Int64 // total bytes across both tiers
	l1Size      atomic.Int64 // bytes held in L1 only
	l2Size      atomic.Int64 // bytes held in L2 only
	entryCount  atomic.Int64
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	staleHits   atomic.Uint64

	mu sync.Mutex // serializes evictIfNeeded/enforceL1Capacity, not reads
}

// New constructs an Engine. The L2 tier is only opened when hierarchy is
// enabled in cfg, so a deployment that doesn't want a second tier never
// pays badger's setup cost.
func New(cfg configurationtypes.CacheConfig, clk clock.Clock, mtr *metrics.Metrics) (*Engine, error) {
	e := &Engine{
		cfg:   cfg,
		clock: clk,
		mtr:   mtr,
		l1:    newShardedStore(),
		tags:  newTagIndex(),
	}
	if cfg.Hierarchy.Enabled {
		l2, err := newL2Tier()
		if err != nil {
			return nil, err
		}
		e.l2 = l2
	}
	return e, nil
}

// Close releases the optional L2 tier.
func (e *Engine) Close() error {
	return e.l2.close()
}

// Result is the outcome of a Get.
type Result struct {
	Entry  *Entry
	Status Status
}

// Get looks up key. It returns StatusHit for a fresh entry, StatusStale
// when within the stale-while-revalidate window (the caller is expected to
// trigger a background revalidation), or a zero Result with StatusMiss.
// An entry found only in L2 is promoted into L1 once its access count
// reaches the configured promotion threshold; until then it keeps being
// served straight out of L2 per the tier invariant that an entry lives in
// exactly one of L1 or L2 at a time.
func (e *Engine) Get(key string, originName string) Result {
	now := e.clock.Now()

	entry, ok := e.l1.get(key)
	fromL2 := false
	if !ok && e.l2 != nil {
		if l2Entry, found := e.l2.get(key); found {
			entry = l2Entry
			ok = true
			fromL2 = true
		}
	}

	if !ok {
		e.recordMiss(originName)
		return Result{Status: StatusMiss}
	}

	if entry.IsFresh(now) {
		entry.RecordAccess(now)
		e.afterAccess(key, entry, fromL2)
		e.hits.Add(1)
		if e.mtr != nil {
			e.mtr.CacheHits.WithLabelValues(originName).Inc()
		}
		return Result{Entry: entry, Status: StatusHit}
	}

	if entry.IsWithinStaleWindow(now, e.staleWindow()) {
		entry.RecordAccess(now)
		e.afterAccess(key, entry, fromL2)
		e.hits.Add(1)
		e.staleHits.Add(1)
		if e.mtr != nil {
			e.mtr.CacheHits.WithLabelValues(originName).Inc()
			e.mtr.CacheStale.WithLabelValues(originName, "revalidate").Inc()
		}
		return Result{Entry: entry, Status: StatusStale}
	}

	e.recordMiss(originName)
	return Result{Status: StatusMiss}
}

func (e *Engine) recordMiss(originName string) {
	e.misses.Add(1)
	if e.mtr != nil {
		e.mtr.CacheMisses.WithLabelValues(originName).Inc()
	}
}

// afterAccess applies the L2 promotion rule following a hit or stale hit
// served from L2: once the entry's access count reaches promotionThreshold
// it moves to L1, otherwise its bumped access count is persisted back to
// L2 so the threshold can still be reached on a later read.
func (e *Engine) afterAccess(key string, entry *Entry, fromL2 bool) {
	if !fromL2 {
		return
	}
	if entry.AccessCount() >= uint32(e.promotionThreshold()) {
		e.promoteToL1(key, entry)
		return
	}
	_ = e.l2.set(key, entry)
}

func (e *Engine) promoteToL1(key string, entry *Entry) {
	e.l1.set(key, entry)
	e.l1Size.Add(entry.Size)
	e.l2Size.Add(-entry.Size)
	e.l2.delete(key)
}

// GetStaleForError returns an expired entry still within its
// stale-if-error window (RFC 5861), for use when the origin fetch fails.
func (e *Engine) GetStaleForError(key string, originName string) (*Entry, bool) {
	entry, ok := e.l1.get(key)
	if !ok && e.l2 != nil {
		entry, ok = e.l2.get(key)
	}
	if !ok {
		return nil, false
	}
	now := e.clock.Now()
	if entry.IsWithinStaleIfErrorWindow(now, e.staleWindow()) {
		if e.mtr != nil {
			e.mtr.CacheStale.WithLabelValues(originName, "error").Inc()
		}
		return entry, true
	}
	return nil, false
}

func (e *Engine) staleWindow() time.Duration {
	return time.Duration(e.cfg.StaleWhileRevalidateSecs) * time.Second
}

// Put stores entry under key, applying the entry-size cap and evicting
// older entries when the store is over budget. With hierarchy disabled
// this is a flat L1 admission. With it enabled, a cold admission starts
// in L2 — unless the key already has enough L1 history (its prior access
// count already met promotionThreshold) to skip starting cold again — and
// L1 is kept under its size_percent cap by demoting its coldest entries to
// L2 rather than evicting them outright.
func (e *Engine) Put(key string, entry *Entry) {
	if entry.Size > e.cfg.MaxEntryBytes() {
		return
	}

	e.evictIfNeeded(entry.Size)

	if e.l2 == nil {
		e.putL1(key, entry)
	} else if prev, ok := e.l1.get(key); ok && prev.AccessCount() >= uint32(e.promotionThreshold()) {
		e.putL1(key, entry)
		e.l2.delete(key)
	} else {
		e.putL2(key, entry)
	}

	e.tags.add(key, entry.Tags)
	e.enforceL1Capacity()
	e.enforceL2Capacity()
	if e.mtr != nil {
		e.mtr.CacheSizeBytes.Set(float64(e.currentSize.Load()))
		e.mtr.CacheEntries.Set(float64(e.entryCount.Load()))
	}
}

func (e *Engine) putL1(key string, entry *Entry) {
	prevSize, hadPrevious := e.l1.set(key, entry)
	e.currentSize.Add(entry.Size)
	e.l1Size.Add(entry.Size)
	if hadPrevious {
		e.currentSize.Add(-prevSize)
		e.l1Size.Add(-prevSize)
	} else {
		e.entryCount.Add(1)
	}
}

func (e *Engine) putL2(key string, entry *Entry) {
	hadPrevious := false
	if size, removed := e.l1.delete(key); removed {
		e.currentSize.Add(-size)
		e.l1Size.Add(-size)
		hadPrevious = true
	}
	if oldL2, found := e.l2.get(key); found {
		e.currentSize.Add(-oldL2.Size)
		e.l2Size.Add(-oldL2.Size)
		hadPrevious = true
	}
	_ = e.l2.set(key, entry)
	e.currentSize.Add(entry.Size)
	e.l2Size.Add(entry.Size)
	if !hadPrevious {
		e.entryCount.Add(1)
	}
}

func (e *Engine) promotionThreshold() int {
	if e.cfg.Hierarchy.PromotionThreshold > 0 {
		return e.cfg.Hierarchy.PromotionThreshold
	}
	return defaultPromotionThreshold
}

func (e *Engine) l1CapacityBytes() int64 {
	pct := e.cfg.Hierarchy.L1SizePercent
	if pct <= 0 {
		pct = defaultL1SizePercent
	}
	return e.cfg.MaxBytes() * int64(pct) / 100
}

func (e *Engine) l2CapacityBytes() int64 {
	pct := e.cfg.Hierarchy.L2SizePercent
	if pct <= 0 {
		pct = defaultL2SizePercent
	}
	return e.cfg.MaxBytes() * int64(pct) / 100
}

// enforceL1Capacity demotes the coldest tenth (at least one) of a bounded
// L1 sample to L2, by LRU-K score, stopping early once L1 is back under its
// size_percent cap. A single call can leave L1 still over its cap; each
// later Put calls it again. Demotion never deletes: the entry keeps
// existing, just in the other tier.
func (e *Engine) enforceL1Capacity() {
	if e.l2 == nil || e.l1Size.Load() <= e.l1CapacityBytes() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sample := e.l1.sample(evictionSampleSize)
	if len(sample) == 0 {
		return
	}
	sort.Slice(sample, func(i, j int) bool {
		return lessEviction(evictionScore(sample[i].entry), evictionScore(sample[j].entry))
	})

	demoteCount := len(sample) / 10
	if demoteCount == 0 {
		demoteCount = 1
	}
	for i := 0; i < demoteCount && e.l1Size.Load() > e.l1CapacityBytes(); i++ {
		cand := sample[i]
		if size, removed := e.l1.delete(cand.key); removed {
			e.l1Size.Add(-size)
			e.l2Size.Add(size)
			_ = e.l2.set(cand.key, cand.entry)
		}
	}
}

// enforceL2Capacity triggers a standard eviction pass when L2 alone grows
// past its own size_percent cap, rather than waiting for the flat
// total-bytes budget to be exceeded.
func (e *Engine) enforceL2Capacity() {
	if e.l2 == nil || e.l2Size.Load() <= e.l2CapacityBytes() {
		return
	}
	e.evictIfNeeded(0)
}

// Invalidate removes a single key, from whichever tier holds it. Returns
// whether an entry was removed.
func (e *Engine) Invalidate(key string) bool {
	if size, ok := e.l1.delete(key); ok {
		e.currentSize.Add(-size)
		e.l1Size.Add(-size)
		if e.l2 != nil {
			e.l2.delete(key)
		}
		e.entryCount.Add(-1)
		return true
	}
	if e.l2 != nil {
		if entry, found := e.l2.get(key); found {
			e.l2.delete(key)
			e.currentSize.Add(-entry.Size)
			e.l2Size.Add(-entry.Size)
			e.entryCount.Add(-1)
			return true
		}
	}
	return false
}

// InvalidatePrefix removes every L1 key with the given URI prefix. L2 is
// scoped out: cold entries are only reachable there via Invalidate/
// InvalidateTag/PurgeAll, since badger has no indexed prefix scan over
// this cache's opaque keys without a full-tier iteration per call.
func (e *Engine) InvalidatePrefix(prefix string) int {
	removed, freed := e.l1.deleteMatching(func(key string, _ *Entry) bool {
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	})
	e.currentSize.Add(-freed)
	e.l1Size.Add(-freed)
	e.entryCount.Add(-int64(removed))
	return removed
}

// InvalidateTag removes every key carrying tag, via the surrogate-key
// index.
func (e *Engine) InvalidateTag(tag string) int {
	keys := e.tags.keysForTag(tag)
	count := 0
	for _, k := range keys {
		if e.Invalidate(k) {
			count++
		}
	}
	return count
}

// PurgeAll clears every stored entry, in both tiers.
func (e *Engine) PurgeAll() int {
	count := e.entryCount.Load()
	e.l1.clear()
	e.l2.clear()
	e.currentSize.Store(0)
	e.l1Size.Store(0)
	e.l2Size.Store(0)
	e.entryCount.Store(0)
	return int(count)
}

// Stats is the admin-facing snapshot of cache health.
type Stats struct {
	Hits               uint64
	Misses             uint64
	TotalEntries       int
	TotalSizeBytes     int64
	MaxSizeBytes       int64
	HitRatio           float64
	Evictions          uint64
	StaleHits          uint64
	AvgEntrySizeBytes  int64
	HotEntries         int
}

// Stats snapshots current cache health, matching the teacher's admin API
// idiom of a single read-only struct safe to serialize as JSON.
func (e *Engine) Stats() Stats {
	hits := e.hits.Load()
	misses := e.misses.Load()
	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}

	totalEntries := int(e.entryCount.Load())
	totalSize := e.currentSize.Load()
	avg := int64(0)
	if totalEntries > 0 {
		avg = totalSize / int64(totalEntries)
	}

	// HotEntries only scans L1: entries held in L2, including ones demoted
	// from L1 with a high access count, are not counted.
	hot := 0
	e.l1.forEach(func(_ string, entry *Entry) {
		if entry.AccessCount() >= hotEntryThreshold {
			hot++
		}
	})

	return Stats{
		Hits: hits, Misses: misses,
		TotalEntries: totalEntries, TotalSizeBytes: totalSize,
		MaxSizeBytes: e.cfg.MaxBytes(), HitRatio: ratio,
		Evictions: e.evictions.Load(), StaleHits: e.staleHits.Load(),
		AvgEntrySizeBytes: avg, HotEntries: hot,
	}
}

// evictIfNeeded frees at least neededSpace bytes when the store is, or
// would become, over budget. Expired entries are removed first; remaining
// pressure is relieved by an LRU-K score over a random sample spanning
// both tiers rather than a full scan, since scoring every entry under lock
// doesn't scale past a few hundred thousand keys.
func (e *Engine) evictIfNeeded(neededSpace int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	maxSize := e.cfg.MaxBytes()
	if e.currentSize.Load()+neededSpace <= maxSize {
		return
	}

	now := e.clock.Now()
	expiredRemoved, expiredFreed := e.l1.deleteMatching(func(_ string, entry *Entry) bool {
		return !now.Before(entry.ExpiresAt)
	})
	e.currentSize.Add(-expiredFreed)
	e.l1Size.Add(-expiredFreed)
	e.entryCount.Add(-int64(expiredRemoved))
	e.evictions.Add(uint64(expiredRemoved))

	if e.currentSize.Load()+neededSpace <= maxSize {
		return
	}

	candidates := make([]evictionCandidate, 0, evictionSampleSize*2)
	for _, s := range e.l1.sample(evictionSampleSize) {
		candidates = append(candidates, evictionCandidate{key: s.key, entry: s.entry, inL1: true})
	}
	if e.l2 != nil {
		for _, s := range e.l2.sample(evictionSampleSize) {
			candidates = append(candidates, evictionCandidate{key: s.key, entry: s.entry, inL1: false})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return lessEviction(evictionScore(candidates[i].entry), evictionScore(candidates[j].entry))
	})

	evicted := 0
	for _, cand := range candidates {
		if e.currentSize.Load()+neededSpace <= maxSize {
			break
		}
		if cand.inL1 {
			if size, removed := e.l1.delete(cand.key); removed {
				e.currentSize.Add(-size)
				e.l1Size.Add(-size)
				if e.l2 != nil {
					e.l2.delete(cand.key)
				}
				e.entryCount.Add(-1)
				evicted++
			}
		} else {
			e.l2.delete(cand.key)
			e.currentSize.Add(-cand.entry.Size)
			e.l2Size.Add(-cand.entry.Size)
			e.entryCount.Add(-1)
			evicted++
		}
	}
	e.evictions.Add(uint64(evicted))
	if e.mtr != nil {
		e.mtr.CacheEvictions.Add(float64(expiredRemoved + evicted))
	}
}

// evictionCandidate is a sampled entry paired with the tier it came from,
// so the eviction loop deletes it from the right store.
type evictionCandidate struct {
	key   string
	entry *Entry
	inL1  bool
}

// evictionKey is the LRU-K (K=2) sort key for a candidate: entries with
// fewer than K accesses score as -infinity (hasHistory false), always
// sorting before any entry with real history; among entries with history,
// the one with the older K-th-most-recent access sorts first; ties break
// on last-access ascending.
type evictionKey struct {
	hasHistory bool
	kth        int64
	lastAccess int64
}

func evictionScore(e *Entry) evictionKey {
	kth, ok := e.KthAccessTime()
	return evictionKey{hasHistory: ok, kth: kth.UnixNano(), lastAccess: e.LastAccessed().UnixNano()}
}

func lessEviction(a, b evictionKey) bool {
	if a.hasHistory != b.hasHistory {
		return !a.hasHistory
	}
	if !a.hasHistory {
		return a.lastAccess < b.lastAccess
	}
	if a.kth != b.kth {
		return a.kth < b.kth
	}
	return a.lastAccess < b.lastAccess
}
