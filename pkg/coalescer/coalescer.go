// Package coalescer deduplicates concurrent origin fetches for the same
// cache key so a thundering herd against an uncached resource produces
// exactly one upstream request.
package coalescer

import (
	"sync"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
)

// Coalescer wraps singleflight.Group, which already gives the broadcast
// semantics the original coalescer hand-rolled with a broadcast channel:
// every caller sharing a key blocks on the same in-flight call and the slot
// is forgotten the instant it completes, win or lose. Do also records every
// key in a ristretto existence filter; Do itself never reads the filter and
// always goes through the singleflight group, and only MightBeInFlight
// consults it.
type Coalescer struct {
	group  singleflight.Group
	filter *ristretto.Cache
	mtr    *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]int // cache key -> waiter count, for Stats
}

// New constructs a Coalescer. mtr may be nil.
func New(mtr *metrics.Metrics) (*Coalescer, error) {
	filter, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Coalescer{filter: filter, mtr: mtr, inFlight: make(map[string]int)}, nil
}

// Result is what Do returns: the value produced by fn (or by whichever
// caller actually ran it), whether this caller waited on someone else's
// call, and any error fn returned.
type Result[T any] struct {
	Value  T
	Shared bool
	Err    error
}

// Do runs fn for key if no fetch for key is already in flight, or joins an
// in-flight call otherwise. Exactly one call to fn happens per key at a
// time; the result is broadcast to every joined caller.
func Do[T any](c *Coalescer, key string, fn func() (T, error)) Result[T] {
	c.filter.Set(key, struct{}{}, 1)
	c.markWaiting(key)
	defer c.unmarkWaiting(key)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if shared && c.mtr != nil {
		c.mtr.CoalescedWaiters.Inc()
	}

	var typed T
	if v != nil {
		typed = v.(T)
	}
	return Result[T]{Value: typed, Shared: shared, Err: err}
}

func (c *Coalescer) markWaiting(key string) {
	c.mu.Lock()
	c.inFlight[key]++
	c.mu.Unlock()
}

func (c *Coalescer) unmarkWaiting(key string) {
	c.mu.Lock()
	c.inFlight[key]--
	if c.inFlight[key] <= 0 {
		delete(c.inFlight, key)
	}
	c.mu.Unlock()
}

// Stats reports coalescing activity for the admin API.
type Stats struct {
	InFlightRequests int
	TotalWaiters     int
}

// Stats snapshots current coalescing activity.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.inFlight {
		total += n
	}
	return Stats{InFlightRequests: len(c.inFlight), TotalWaiters: total}
}

// MightBeInFlight is a best-effort hint backed by the ristretto filter: a
// false result means key was never submitted to Do or the filter has not
// kept it (ristretto may drop or evict a Set), and a true result does not
// guarantee it's currently in flight. Useful for a pipeline that wants to
// skip an allocation-heavy fast path only when coalescing is plausible.
func (c *Coalescer) MightBeInFlight(key string) bool {
	_, found := c.filter.Get(key)
	return found
}
