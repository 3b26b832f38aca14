package bookings

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"smartsched/internal/models"
)

const defaultCacheWindows = 32

// cachedWindow is one loaded window together with the time it was stored.
type cachedWindow struct {
	from, to time.Time
	items    []models.Booking
	storedAt time.Time
}

func (w cachedWindow) covers(from, to time.Time) bool {
	return !from.Before(w.from) && !to.After(w.to)
}

// Cached wraps a Source and keeps the last loaded windows for TTL. A request
// is served from the cache when a fresh window covers it.
type Cached struct {
	Source Source
	TTL    time.Duration

	cache *lru.Cache[string, cachedWindow]
	now   func() time.Time
}

// NewCached creates a Cached source.
func NewCached(src Source, ttl time.Duration) *Cached {
	cache, err := lru.New[string, cachedWindow](defaultCacheWindows)
	if err != nil {
		// lru.New only errors on non-positive size.
		panic(err)
	}
	return &Cached{Source: src, TTL: ttl, cache: cache, now: time.Now}
}

func (c *Cached) Name() string { return c.Source.Name() }

// Bookings serves from the cache when a fresh window covers [from, to) and
// loads from the wrapped source otherwise.
func (c *Cached) Bookings(ctx context.Context, from, to time.Time) ([]models.Booking, error) {
	now := c.now()
	for _, key := range c.cache.Keys() {
		w, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(w.storedAt) >= c.TTL {
			// Expired, evict so the LRU bookkeeping stays clean.
			c.cache.Remove(key)
			continue
		}
		if w.covers(from, to) {
			c.cache.Get(key)
			return filter(w.items, from, to), nil
		}
	}

	items, err := c.Source.Bookings(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.cache.Add(windowKey(from, to), cachedWindow{from: from, to: to, items: items, storedAt: now})
	return filter(items, from, to), nil
}

// Invalidate drops every cached window.
func (c *Cached) Invalidate() {
	c.cache.Purge()
}

func windowKey(from, to time.Time) string {
	return from.UTC().Format(time.RFC3339Nano) + "/" + to.UTC().Format(time.RFC3339Nano)
}

func filter(items []models.Booking, from, to time.Time) []models.Booking {
	out := make([]models.Booking, 0, len(items))
	for _, b := range items {
		if overlaps(b.Start, b.End, from, to) {
			out = append(out, b)
		}
	}
	return out
}
