package cache

import (
	"context"
	"time"
)

// RunReaper periodically removes L1 entries that have fallen out of both
// their stale-while-revalidate and stale-if-error windows — neither Get nor
// GetStaleForError can serve them any more, so this just reclaims the
// memory. Call in its own goroutine; it returns when ctx is canceled.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupExpired()
		}
	}
}

func (e *Engine) cleanupExpired() int {
	now := e.clock.Now()
	window := e.staleWindow()
	removed, freed := e.l1.deleteMatching(func(_ string, entry *Entry) bool {
		return !entry.IsWithinStaleIfErrorWindow(now, window)
	})
	e.currentSize.Add(-freed)
	e.l1Size.Add(-freed)
	e.entryCount.Add(-int64(removed))
	if e.mtr != nil && removed > 0 {
		e.mtr.CacheEntries.Set(float64(e.entryCount.Load()))
		e.mtr.CacheSizeBytes.Set(float64(e.currentSize.Load()))
	}
	return removed
}
